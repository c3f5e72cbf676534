// Package debrid drives a Real-Debrid style cloud cache: it submits magnets,
// narrows the selection to one file, waits for the service to cache it and
// unlocks a direct download URL.
package debrid

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/torrentclaw/truestream/internal/apiclient"
	"github.com/torrentclaw/truestream/internal/apperr"
	"github.com/torrentclaw/truestream/internal/magnet"
	"github.com/torrentclaw/truestream/internal/schedule"
)

// Config tunes job polling.
type Config struct {
	PollInterval time.Duration
	PollAttempts int
	// ListLimit bounds the job listing scanned for an existing hash.
	ListLimit int
}

// Service is the cloud cache adapter.
type Service struct {
	api   *apiclient.Client
	cfg   Config
	group singleflight.Group

	mu      sync.Mutex
	byHash  map[string]string // hash -> job id
	magnets map[string]string // job id -> magnet submitted
}

// New returns an adapter over an authenticated API client.
func New(api *apiclient.Client, cfg Config) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 60
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 100
	}
	return &Service{
		api:     api,
		cfg:     cfg,
		byHash:  make(map[string]string),
		magnets: make(map[string]string),
	}
}

func (s *Service) remember(hash, id, uri string) {
	s.mu.Lock()
	s.byHash[hash] = id
	s.magnets[id] = uri
	s.mu.Unlock()
}

func (s *Service) forget(hash, id string) {
	s.mu.Lock()
	if s.byHash[hash] == id {
		delete(s.byHash, hash)
	}
	delete(s.magnets, id)
	s.mu.Unlock()
}

func (s *Service) known(hash string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[hash]
	return id, ok
}

func (s *Service) magnetFor(id, hash string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uri, ok := s.magnets[id]; ok {
		return uri
	}
	return magnet.Build(hash)
}

// Info fetches the current state of a job.
func (s *Service) Info(ctx context.Context, id string) (*Job, error) {
	var ti torrentInfo
	if err := s.api.Get(ctx, "/torrents/info/"+url.PathEscape(id), &ti); err != nil {
		return nil, err
	}
	if ti.ID == "" {
		ti.ID = id
	}
	return ti.job(), nil
}

// Prepare returns the job for magnetURI, reusing an existing one with the
// same hash. A new job has every file selected so a server-side cache hit
// is claimed; narrowing to one file happens in SelectFile.
func (s *Service) Prepare(ctx context.Context, magnetURI string) (*Job, error) {
	uri, hash, err := magnet.Resolve(magnetURI)
	if err != nil {
		return nil, err
	}
	v, err, _ := s.group.Do(hash, func() (any, error) {
		return s.prepare(ctx, uri, hash)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Job), nil
}

func (s *Service) prepare(ctx context.Context, uri, hash string) (*Job, error) {
	if id, ok := s.known(hash); ok {
		job, err := s.Info(ctx, id)
		if err == nil {
			return job, nil
		}
		if !apperr.IsKind(err, apperr.NotFound) {
			return nil, err
		}
		s.forget(hash, id)
	}

	existing, err := s.find(ctx, hash)
	if err != nil {
		return nil, err
	}
	if existing != "" {
		job, err := s.Info(ctx, existing)
		if err != nil {
			return nil, err
		}
		s.remember(hash, job.ID, uri)
		log.Debug().Str("hash", apperr.TruncHash(hash)).Str("job", job.ID).Msg("Reusing cache job")
		return job, nil
	}

	job, err := s.submit(ctx, uri, hash, "all")
	if err != nil {
		return nil, err
	}
	return job, nil
}

// find returns the id of an existing job for hash, or "".
func (s *Service) find(ctx context.Context, hash string) (string, error) {
	var items []torrentItem
	if err := s.api.Get(ctx, "/torrents?limit="+strconv.Itoa(s.cfg.ListLimit), &items); err != nil {
		return "", err
	}
	for _, it := range items {
		if strings.EqualFold(it.Hash, hash) {
			return it.ID, nil
		}
	}
	return "", nil
}

// submit adds the magnet, waits for its file list and selects files
// ("all" or a comma separated id list).
func (s *Service) submit(ctx context.Context, uri, hash, files string) (*Job, error) {
	var added addMagnetResponse
	if err := s.api.PostForm(ctx, "/torrents/addMagnet", url.Values{"magnet": {uri}}, &added); err != nil {
		return nil, err
	}
	if added.ID == "" {
		return nil, apperr.New(apperr.MalformedResponse, "addMagnet returned no job id").WithHash(hash)
	}
	s.remember(hash, added.ID, uri)

	var job *Job
	err := schedule.Poll(ctx, s.cfg.PollInterval, s.cfg.PollAttempts, func(ctx context.Context) (bool, error) {
		j, err := s.Info(ctx, added.ID)
		if err != nil {
			return false, err
		}
		if st, kind := normalize(j.Raw); st == StatusFailed {
			return false, apperr.New(kind, "job %s: %s", j.ID, j.Raw).WithHash(hash)
		}
		job = j
		return j.Raw != rdMagnetConvert && len(j.Files) > 0, nil
	})
	if err != nil {
		if errors.Is(err, schedule.ErrExhausted) {
			err = apperr.New(apperr.AcquisitionTimeout, "no file list after %d polls", s.cfg.PollAttempts).WithHash(hash)
		}
		return nil, err
	}

	if job.Raw == rdWaitingSelect || files != "all" {
		if err := s.api.PostForm(ctx, "/torrents/selectFiles/"+url.PathEscape(job.ID), url.Values{"files": {files}}, nil); err != nil {
			return nil, err
		}
		if job, err = s.Info(ctx, job.ID); err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("hash", apperr.TruncHash(hash)).
		Str("job", job.ID).
		Str("files", files).
		Msg("Cache job submitted")
	return job, nil
}

// SelectFile narrows job id to the single file at index. The service cannot
// change an active selection, so when another selection exists the job is
// deleted and the magnet resubmitted with only that file. Selecting the
// file that is already the only selection does nothing.
func (s *Service) SelectFile(ctx context.Context, id string, index int) (*Job, error) {
	job, err := s.Info(ctx, id)
	if err != nil {
		return nil, err
	}
	f, ok := job.FileAt(index)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "job %s has no file %d", id, index).WithHash(job.Hash).WithFile(index)
	}

	selected := job.Selected()
	switch {
	case len(selected) == 1 && selected[0].Index == index:
		return job, nil
	case len(selected) == 0:
		if err := s.api.PostForm(ctx, "/torrents/selectFiles/"+url.PathEscape(id), url.Values{"files": {strconv.Itoa(f.ID)}}, nil); err != nil {
			return nil, err
		}
		return s.Info(ctx, id)
	}

	uri := s.magnetFor(id, job.Hash)
	if err := s.Remove(ctx, id); err != nil {
		return nil, err
	}
	log.Debug().
		Str("hash", apperr.TruncHash(job.Hash)).
		Str("job", id).
		Int("file", index).
		Int("previously_selected", len(selected)).
		Msg("Resubmitting cache job for a single file")
	return s.submit(ctx, uri, job.Hash, strconv.Itoa(f.ID))
}

// WaitCached polls job id until the service reports it cached.
func (s *Service) WaitCached(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := schedule.Poll(ctx, s.cfg.PollInterval, s.cfg.PollAttempts, func(ctx context.Context) (bool, error) {
		j, err := s.Info(ctx, id)
		if err != nil {
			return false, err
		}
		job = j
		switch st, kind := normalize(j.Raw); st {
		case StatusCached:
			return true, nil
		case StatusFailed:
			return false, apperr.New(kind, "job %s: %s", id, j.Raw).WithHash(j.Hash)
		}
		return false, nil
	})
	if errors.Is(err, schedule.ErrExhausted) {
		return nil, apperr.New(apperr.AcquisitionTimeout, "job %s not cached after %d polls", id, s.cfg.PollAttempts)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ResolveLink unlocks a hosted link into a direct URL. Links are always
// unlocked: hosted links are not guaranteed to be final CDN URLs.
func (s *Service) ResolveLink(ctx context.Context, link string) (string, error) {
	var out unrestrictResponse
	if err := s.api.PostForm(ctx, "/unrestrict/link", url.Values{"link": {link}}, &out); err != nil {
		return "", err
	}
	if out.Download == "" {
		return "", apperr.New(apperr.MalformedResponse, "unrestrict returned no download URL")
	}
	return out.Download, nil
}

// Remove deletes job id. An already deleted job is not an error.
func (s *Service) Remove(ctx context.Context, id string) error {
	err := s.api.Delete(ctx, "/torrents/delete/"+url.PathEscape(id))
	if err != nil && !apperr.IsKind(err, apperr.NotFound) {
		return err
	}
	s.mu.Lock()
	for h, jid := range s.byHash {
		if jid == id {
			delete(s.byHash, h)
		}
	}
	delete(s.magnets, id)
	s.mu.Unlock()
	return nil
}

// Resolve turns a magnet and file index into a direct download URL:
// prepare, narrow the selection, wait until cached, unlock.
func (s *Service) Resolve(ctx context.Context, magnetURI string, index int) (string, error) {
	job, err := s.Prepare(ctx, magnetURI)
	if err != nil {
		return "", err
	}
	if job, err = s.SelectFile(ctx, job.ID, index); err != nil {
		return "", err
	}
	if job, err = s.WaitCached(ctx, job.ID); err != nil {
		return "", err
	}
	link, ok := job.link(index)
	if !ok {
		return "", apperr.New(apperr.MalformedResponse, "job %s has no link for file %d", job.ID, index).WithHash(job.Hash).WithFile(index)
	}
	direct, err := s.ResolveLink(ctx, link)
	if err != nil {
		return "", err
	}
	log.Info().
		Str("hash", apperr.TruncHash(job.Hash)).
		Int("file", index).
		Str("job", job.ID).
		Msg("Direct link resolved")
	return direct, nil
}
