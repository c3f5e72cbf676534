package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/torrentclaw/truestream/internal/apperr"
	"github.com/torrentclaw/truestream/internal/engine"
	"github.com/torrentclaw/truestream/internal/stream"
	"github.com/torrentclaw/truestream/internal/swarm"
)

// Environment variables read by the daemon process.
const (
	EnvPort  = "TRUESTREAM_DAEMON_PORT"
	EnvCache = "TRUESTREAM_DAEMON_CACHE"
)

type api struct {
	backend engine.Backend
	version string
}

// NewAPI exposes backend over the daemon HTTP protocol spoken by Client.
func NewAPI(backend engine.Backend, version string) http.Handler {
	a := &api{backend: backend, version: version}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", a.handleHealth)
	r.Route("/torrents", func(r chi.Router) {
		r.Get("/", a.handleList)
		r.Post("/", a.handleAdd)
		r.Delete("/", a.handleRemoveAll)
		r.Get("/{hash}", a.handleGet)
		r.Delete("/{hash}", a.handleRemove)
		r.Get("/{hash}/stats", a.handleStats)
		r.Get("/{hash}/files/{index}/stream", a.handleStream)
		r.Head("/{hash}/files/{index}/stream", a.handleStream)
	})
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stream.RespondJSON(w, http.StatusOK, Health{
		Status:   "ok",
		Version:  a.version,
		Torrents: len(a.backend.Torrents()),
	})
}

func (a *api) handleList(w http.ResponseWriter, _ *http.Request) {
	ts := a.backend.Torrents()
	if ts == nil {
		ts = []engine.Torrent{}
	}
	stream.RespondJSON(w, http.StatusOK, ts)
}

func (a *api) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Magnet string `json:"magnet"`
	}
	if !stream.DecodeJSON(w, r, &req) {
		return
	}
	t, err := a.backend.AddTorrent(r.Context(), req.Magnet)
	if err != nil {
		stream.RespondError(w, err)
		return
	}
	stream.RespondJSON(w, http.StatusCreated, t)
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	for _, t := range a.backend.Torrents() {
		if strings.EqualFold(t.Hash, hash) {
			stream.RespondJSON(w, http.StatusOK, t)
			return
		}
	}
	stream.RespondError(w, apperr.New(apperr.NotFound, "unknown torrent").WithHash(hash))
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.backend.GetStats(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		stream.RespondError(w, err)
		return
	}
	stream.RespondJSON(w, http.StatusOK, st)
}

func (a *api) handleStream(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		stream.RespondError(w, apperr.New(apperr.InvalidIdentifier, "invalid file index"))
		return
	}
	stream.ServeFile(w, r, a.backend, chi.URLParam(r, "hash"), index)
}

func (a *api) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := a.backend.RemoveTorrent(r.Context(), chi.URLParam(r, "hash")); err != nil {
		stream.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleRemoveAll(w http.ResponseWriter, r *http.Request) {
	var errs []error
	for _, t := range a.backend.Torrents() {
		if err := a.backend.RemoveTorrent(r.Context(), t.Hash); err != nil && !apperr.IsKind(err, apperr.NotFound) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		stream.RespondError(w, apperr.Wrap(apperr.Internal, err, "remove all"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeConfig configures the daemon process.
type ServeConfig struct {
	Host    string
	Port    int
	Version string
	Swarm   swarm.Config
}

// ServeConfigFromEnv overlays the supervisor-provided port and cache
// directory on base.
func ServeConfigFromEnv(base ServeConfig) (ServeConfig, error) {
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return base, apperr.Wrap(apperr.InvalidIdentifier, err, EnvPort)
		}
		base.Port = port
	}
	if v := os.Getenv(EnvCache); v != "" {
		base.Swarm.DataDir = v
	}
	if base.Host == "" {
		base.Host = "127.0.0.1"
	}
	return base, nil
}

// Serve runs a single-instance swarm behind the daemon API until ctx is
// cancelled, then removes every torrent and stops the engine.
func Serve(ctx context.Context, cfg ServeConfig) error {
	cfg.Swarm.SingleDir = true
	backend := swarm.New(cfg.Swarm, engine.NewRegistry[*swarm.Handle]())
	if err := backend.StartEngine(ctx, 1); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           NewAPI(backend, cfg.Version),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("cache", cfg.Swarm.DataDir).Msg("Daemon listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Daemon shutdown")
	}
	if err := backend.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Stopping swarm")
	}
	return serveErr
}
