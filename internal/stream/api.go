package stream

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/torrentclaw/truestream/internal/apperr"
	"github.com/torrentclaw/truestream/internal/engine"
)

type engineView struct {
	engine.BackendConfig
	Status engine.Status `json:"status"`
}

type fileView struct {
	engine.File
	StreamURL string `json:"stream_url"`
}

type torrentView struct {
	*engine.Torrent
	Videos    []fileView `json:"videos"`
	Subtitles []fileView `json:"subtitles"`
}

type addTorrentRequest struct {
	Magnet string `json:"magnet"`
}

type resolveRequest struct {
	Magnet string `json:"magnet"`
	File   int    `json:"file"`
}

func (s *Server) handleGetEngine(w http.ResponseWriter, _ *http.Request) {
	RespondJSON(w, http.StatusOK, engineView{
		BackendConfig: s.manager.GetBackendConfig(),
		Status:        s.manager.Status(),
	})
}

func (s *Server) handleSetEngine(w http.ResponseWriter, r *http.Request) {
	var req engine.BackendConfig
	if !DecodeJSON(w, r, &req) {
		return
	}
	kind, err := engine.ParseKind(string(req.Engine))
	if err != nil {
		RespondError(w, apperr.Wrap(apperr.InvalidIdentifier, err, "invalid engine"))
		return
	}
	if err := s.manager.SetBackend(r.Context(), kind, req.Instances); err != nil {
		RespondError(w, err)
		return
	}
	s.handleGetEngine(w, r)
}

func (s *Server) handleListTorrents(w http.ResponseWriter, _ *http.Request) {
	RespondJSON(w, http.StatusOK, s.manager.Torrents())
}

func (s *Server) handleAddTorrent(w http.ResponseWriter, r *http.Request) {
	var req addTorrentRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	t, err := s.manager.AddTorrent(r.Context(), req.Magnet)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, s.view(t))
}

func (s *Server) handleGetTorrent(w http.ResponseWriter, r *http.Request) {
	t, err := s.manager.Torrent(chi.URLParam(r, "hash"))
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, s.view(t))
}

func (s *Server) handleRemoveTorrent(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.RemoveTorrent(r.Context(), chi.URLParam(r, "hash")); err != nil {
		RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.GetStats(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, st)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		RespondError(w, apperr.New(apperr.NotFound, "no debrid service configured"))
		return
	}
	var req resolveRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	url, err := s.resolver.Resolve(r.Context(), req.Magnet, req.File)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) view(t *engine.Torrent) torrentView {
	v := torrentView{Torrent: t, Videos: []fileView{}, Subtitles: []fileView{}}
	for _, f := range engine.VideoFiles(t) {
		v.Videos = append(v.Videos, fileView{File: f, StreamURL: s.manager.StreamURL(t.Hash, f.Index)})
	}
	for _, f := range engine.SubtitleFiles(t) {
		v.Subtitles = append(v.Subtitles, fileView{File: f, StreamURL: s.manager.StreamURL(t.Hash, f.Index)})
	}
	return v
}
