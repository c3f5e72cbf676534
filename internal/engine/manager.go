package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/torrentclaw/truestream/internal/apperr"
	"github.com/torrentclaw/truestream/internal/magnet"
)

const defaultStopTimeout = 30 * time.Second

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Factory Factory
	// Store persists SetBackend choices. A stored choice overrides Default.
	Store   ChoiceStore
	Default BackendConfig
	// StreamBaseURL prefixes URLs returned by StreamURL, e.g. http://127.0.0.1:8090.
	StreamBaseURL string
	StopTimeout   time.Duration
}

// Manager holds the single active backend and exposes a uniform facade so
// callers never deal with backend-specific types.
type Manager struct {
	factory     Factory
	store       ChoiceStore
	baseURL     string
	stopTimeout time.Duration

	switchMu sync.Mutex
	// gate is held for writing while a backend is replaced by one of the
	// same kind. Facade calls hold it for reading, so the stopped backend
	// cannot be restarted before the replacement is in place.
	gate   sync.RWMutex
	active atomic.Pointer[activeBackend]
}

type activeBackend struct {
	backend Backend
	cfg     BackendConfig
}

// NewManager builds the initial backend without starting it. Backends start
// lazily on first use, or explicitly through Start.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Factory == nil {
		return nil, errors.New("engine manager requires a backend factory")
	}

	cfg := opts.Default
	if opts.Store != nil {
		if stored, ok := opts.Store.LoadChoice(); ok {
			if err := stored.Validate(); err == nil {
				cfg = stored
			} else {
				log.Warn().Err(err).Msg("Ignoring invalid persisted engine choice")
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b, err := opts.Factory(cfg.Engine, cfg.Instances)
	if err != nil {
		return nil, fmt.Errorf("build %s backend: %w", cfg.Engine, err)
	}

	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}

	m := &Manager{
		factory:     opts.Factory,
		store:       opts.Store,
		baseURL:     strings.TrimRight(opts.StreamBaseURL, "/"),
		stopTimeout: stopTimeout,
	}
	m.active.Store(&activeBackend{backend: b, cfg: cfg})
	return m, nil
}

// Start starts the active backend.
func (m *Manager) Start(ctx context.Context) error {
	return m.call(ctx, true, func(Backend) error { return nil })
}

// Active returns the currently active backend.
func (m *Manager) Active() Backend {
	return m.active.Load().backend
}

// GetBackendConfig returns the active backend choice.
func (m *Manager) GetBackendConfig() BackendConfig {
	return m.active.Load().cfg
}

// SetBackend persists the choice, builds and starts the new backend, swaps it
// in and stops the previous one in the background. Callers see either the old
// or the new backend, never one that is still starting.
//
// Changing only the instance count is the exception: two backends of one kind
// share ports and data directories, so the old one is stopped first and
// facade calls wait until the replacement is active. If the replacement fails
// to start, the old backend stays active and restarts on next use.
func (m *Manager) SetBackend(ctx context.Context, kind Kind, instances int) error {
	cfg := BackendConfig{Engine: kind, Instances: instances}
	if err := cfg.Validate(); err != nil {
		return apperr.Wrap(apperr.InvalidIdentifier, err, "invalid engine choice")
	}

	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	cur := m.active.Load()
	if cur.cfg == cfg {
		return m.persist(cfg)
	}

	next, err := m.factory(kind, instances)
	if err != nil {
		return fmt.Errorf("build %s backend: %w", kind, err)
	}
	if cur.cfg.Engine == kind {
		m.gate.Lock()
		defer m.gate.Unlock()
		m.stopBackend(cur.backend)
	}
	if err := next.StartEngine(ctx, instances); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), m.stopTimeout)
		defer cancel()
		_ = next.Stop(stopCtx)
		return fmt.Errorf("start %s backend: %w", kind, err)
	}
	if err := m.persist(cfg); err != nil {
		log.Warn().Err(err).Str("engine", string(kind)).Msg("Could not persist engine choice")
	}

	m.active.Store(&activeBackend{backend: next, cfg: cfg})
	log.Info().
		Str("from", string(cur.cfg.Engine)).
		Str("to", string(kind)).
		Int("instances", instances).
		Msg("Switched engine backend")

	// Also catches a same-kind backend that one of its own background tasks
	// restarted after the first stop.
	go m.stopBackend(cur.backend)
	return nil
}

func (m *Manager) stopBackend(old Backend) {
	stopCtx, cancel := context.WithTimeout(context.Background(), m.stopTimeout)
	defer cancel()
	if err := old.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Str("backend", string(old.Kind())).Msg("Previous backend did not stop cleanly")
	}
}

func (m *Manager) persist(cfg BackendConfig) error {
	if m.store == nil {
		return nil
	}
	return m.store.SaveChoice(cfg)
}

// call runs fn against the active backend, starting it first when start is
// set. Errors are tagged with the backend kind.
func (m *Manager) call(ctx context.Context, start bool, fn func(Backend) error) error {
	m.gate.RLock()
	defer m.gate.RUnlock()
	cur := m.active.Load()
	if start {
		if err := cur.backend.StartEngine(ctx, cur.cfg.Instances); err != nil {
			return tag(err, cur.backend.Kind())
		}
	}
	return tag(fn(cur.backend), cur.backend.Kind())
}

// AddTorrent adds a magnet to the active backend.
func (m *Manager) AddTorrent(ctx context.Context, magnetURI string) (*Torrent, error) {
	var t *Torrent
	err := m.call(ctx, true, func(b Backend) (err error) {
		t, err = b.AddTorrent(ctx, magnetURI)
		return err
	})
	return t, err
}

// GetFile returns one file of a known torrent.
func (m *Manager) GetFile(ctx context.Context, hash string, index int) (File, error) {
	var f File
	err := m.call(ctx, true, func(b Backend) (err error) {
		f, err = b.GetFile(ctx, hash, index)
		return err
	})
	return f, err
}

// GetFileStream opens a byte stream over a file.
func (m *Manager) GetFileStream(ctx context.Context, hash string, index int, rng *ByteRange) (*Stream, error) {
	var s *Stream
	err := m.call(ctx, true, func(b Backend) (err error) {
		s, err = b.GetFileStream(ctx, hash, index, rng)
		return err
	})
	return s, err
}

// GetStats returns live statistics for a torrent.
func (m *Manager) GetStats(ctx context.Context, hash string) (Stats, error) {
	var st Stats
	err := m.call(ctx, true, func(b Backend) (err error) {
		st, err = b.GetStats(ctx, hash)
		return err
	})
	return st, err
}

// RemoveTorrent removes a torrent and its data from the active backend.
func (m *Manager) RemoveTorrent(ctx context.Context, hash string) error {
	return m.call(ctx, false, func(b Backend) error {
		return b.RemoveTorrent(ctx, hash)
	})
}

// Torrents lists torrents owned by the active backend.
func (m *Manager) Torrents() []Torrent {
	return m.Active().Torrents()
}

// Torrent returns one torrent owned by the active backend. hash may be hex or
// base32.
func (m *Manager) Torrent(hash string) (*Torrent, error) {
	norm, err := magnet.Normalize(hash)
	if err != nil {
		return nil, err
	}
	for _, t := range m.Torrents() {
		if magnet.Equal(t.Hash, norm) {
			return &t, nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "unknown torrent").WithHash(norm).WithBackend(string(m.Active().Kind()))
}

// Status describes the active backend.
func (m *Manager) Status() Status {
	return m.Active().Status()
}

// ListVideoFiles returns the torrent's video files sorted by size, largest first.
func (m *Manager) ListVideoFiles(hash string) ([]File, error) {
	t, err := m.Torrent(hash)
	if err != nil {
		return nil, err
	}
	return VideoFiles(t), nil
}

// ListSubtitleFiles returns the torrent's subtitle files.
func (m *Manager) ListSubtitleFiles(hash string) ([]File, error) {
	t, err := m.Torrent(hash)
	if err != nil {
		return nil, err
	}
	return SubtitleFiles(t), nil
}

// StreamURL returns the URL the player should open for a file.
func (m *Manager) StreamURL(hash string, index int) string {
	if norm, err := magnet.Normalize(hash); err == nil {
		hash = norm
	}
	q := url.Values{}
	q.Set("hash", strings.ToLower(hash))
	q.Set("file", fmt.Sprint(index))
	return m.baseURL + "/stream?" + q.Encode()
}

// Watch emits a stats snapshot every interval until ctx is done or the
// torrent disappears. The channel is closed when watching ends.
func (m *Manager) Watch(ctx context.Context, hash string, interval time.Duration) <-chan Stats {
	ch := make(chan Stats, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			st, err := m.GetStats(ctx, hash)
			switch {
			case err == nil:
				select {
				case ch <- st:
				case <-ctx.Done():
					return
				}
			case apperr.IsKind(err, apperr.NotFound), ctx.Err() != nil:
				return
			default:
				log.Debug().Err(err).Str("hash", apperr.TruncHash(hash)).Msg("Stats sample failed")
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}

// Stop stops the active backend.
func (m *Manager) Stop(ctx context.Context) error {
	return m.Active().Stop(ctx)
}

func tag(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	e, ok := err.(*apperr.Error)
	if !ok || e.Backend != "" {
		return err
	}
	cp := *e
	cp.Backend = string(kind)
	return &cp
}
