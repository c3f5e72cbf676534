// Package daemon is the backend that supervises external streaming daemons
// and proxies torrent operations to them over HTTP.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/torrentclaw/truestream/internal/apperr"
	"github.com/torrentclaw/truestream/internal/engine"
	"github.com/torrentclaw/truestream/internal/magnet"
	"github.com/torrentclaw/truestream/internal/schedule"
	"github.com/torrentclaw/truestream/internal/supervisor"
)

// Config holds settings for the daemon backend.
type Config struct {
	// Command and Args start one daemon. Each process gets its port and
	// cache directory through EnvPort and EnvCache.
	Command string
	Args    []string
	Env     []string

	Host     string
	BasePort int
	CacheDir string

	HealthInterval time.Duration
	HealthAttempts int

	ReapInterval time.Duration
	IdleTimeout  time.Duration
	StopGrace    time.Duration

	// MinVersion, when set, is the lowest daemon version accepted.
	MinVersion string
}

// Entry is the cached metadata for one torrent and the daemon that owns it.
type Entry struct {
	inst *instance

	mu      sync.Mutex
	torrent engine.Torrent
}

func (e *Entry) snapshot() *engine.Torrent {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.torrent
	t.Files = append([]engine.File(nil), e.torrent.Files...)
	return &t
}

func (e *Entry) selectFile(index int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.torrent.Files {
		sel := e.torrent.Files[i].Index == index
		e.torrent.Files[i].Selected = sel
		if sel {
			e.torrent.Files[i].Priority = "streaming"
		} else {
			e.torrent.Files[i].Priority = ""
		}
	}
}

type instance struct {
	idx    int
	cache  string
	proc   *supervisor.Process
	client *Client
	count  int
}

// Backend supervises Config-described daemons, one per instance.
type Backend struct {
	cfg      Config
	registry *engine.Registry[*Entry]
	group    singleflight.Group

	mu        sync.Mutex
	instances []*instance
	started   bool
	reaper    *schedule.Task
}

// New returns an unstarted backend. A nil registry gets a private one.
func New(cfg Config, registry *engine.Registry[*Entry]) *Backend {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.BasePort <= 0 {
		cfg.BasePort = 8100
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 10 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if registry == nil {
		registry = engine.NewRegistry[*Entry]()
	}
	return &Backend{cfg: cfg, registry: registry}
}

func (b *Backend) Kind() engine.Kind { return engine.KindDaemon }

// StartEngine launches the daemons concurrently and waits until all are
// healthy. If any fails, the ones already running are stopped.
func (b *Backend) StartEngine(ctx context.Context, instances int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	if instances < 1 {
		instances = 1
	}
	if b.cfg.Command == "" {
		return apperr.New(apperr.Internal, "no daemon command configured")
	}

	var constraint *semver.Constraints
	if b.cfg.MinVersion != "" {
		c, err := semver.NewConstraint(">= " + b.cfg.MinVersion)
		if err != nil {
			return apperr.Wrap(apperr.Internal, err, "invalid daemon min version")
		}
		constraint = c
	}

	created := make([]*instance, instances)
	g, gctx := errgroup.WithContext(ctx)
	for i := range created {
		created[i] = b.newInstance(i)
		inst := created[i]
		g.Go(func() error {
			if err := os.MkdirAll(inst.cache, 0o755); err != nil {
				return apperr.Wrap(apperr.Internal, err, "create daemon cache")
			}
			if err := inst.proc.Start(gctx); err != nil {
				return apperr.Wrap(apperr.ServiceUnreachable, err, "start daemon")
			}
			return checkVersion(gctx, inst, constraint)
		})
	}
	if err := g.Wait(); err != nil {
		for _, inst := range created {
			if _, stopErr := inst.proc.Stop(context.Background(), b.cfg.StopGrace); stopErr != nil && !errors.Is(stopErr, supervisor.ErrNotRunning) {
				log.Warn().Err(stopErr).Str("process", inst.proc.Name()).Msg("Stopping daemon after failed start")
			}
		}
		return err
	}

	b.instances = created
	b.started = true
	b.reaper = schedule.Every(context.Background(), b.cfg.ReapInterval, b.reap)

	log.Info().
		Int("instances", instances).
		Int("base_port", b.cfg.BasePort).
		Str("cache", b.cfg.CacheDir).
		Msg("Daemon engine started")
	return nil
}

func (b *Backend) newInstance(i int) *instance {
	port := b.cfg.BasePort + i
	cache := filepath.Join(b.cfg.CacheDir, fmt.Sprintf("daemon-%d", i))
	base := "http://" + net.JoinHostPort(b.cfg.Host, strconv.Itoa(port))

	env := append([]string{
		fmt.Sprintf("%s=%d", EnvPort, port),
		fmt.Sprintf("%s=%s", EnvCache, cache),
	}, b.cfg.Env...)

	inst := &instance{
		idx:    i,
		cache:  cache,
		client: NewClient(base),
	}
	inst.proc = supervisor.New(supervisor.Spec{
		Name:           fmt.Sprintf("daemon-%d", i),
		Path:           b.cfg.Command,
		Args:           b.cfg.Args,
		Env:            env,
		HealthURL:      base + "/health",
		HealthInterval: b.cfg.HealthInterval,
		HealthAttempts: b.cfg.HealthAttempts,
		OnExit:         func(supervisor.Outcome) { b.evict(inst) },
	})
	return inst
}

// evict forgets every torrent held by a daemon that died. Their data went
// with the process, so later calls report NotFound and callers add again.
func (b *Backend) evict(inst *instance) {
	n := 0
	for _, hash := range b.registry.Hashes() {
		e, ok := b.registry.Get(hash)
		if !ok || e.inst != inst {
			continue
		}
		if _, ok := b.registry.Delete(hash); ok {
			os.RemoveAll(filepath.Join(inst.cache, hash))
			n++
		}
	}
	b.mu.Lock()
	inst.count = 0
	b.mu.Unlock()
	if n > 0 {
		log.Warn().Str("process", inst.proc.Name()).Int("torrents", n).Msg("Dropped torrents of exited daemon")
	}
}

func checkVersion(ctx context.Context, inst *instance, constraint *semver.Constraints) error {
	if constraint == nil {
		return nil
	}
	h, err := inst.client.Health(ctx)
	if err != nil {
		return err
	}
	v, err := semver.NewVersion(h.Version)
	if err != nil {
		return apperr.Wrap(apperr.MalformedResponse, err, fmt.Sprintf("daemon version %q", h.Version))
	}
	if !constraint.Check(v) {
		return apperr.New(apperr.ServiceUnreachable, "daemon version %s does not satisfy %s", v, constraint)
	}
	return nil
}

func (b *Backend) ensureStarted(ctx context.Context) error {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		return nil
	}
	return b.StartEngine(ctx, 1)
}

func (b *Backend) leastLoaded() *instance {
	b.mu.Lock()
	defer b.mu.Unlock()
	var best *instance
	for _, inst := range b.instances {
		if inst.proc.State() != supervisor.Ready {
			continue
		}
		if best == nil || inst.count < best.count {
			best = inst
		}
	}
	if best != nil {
		best.count++
	}
	return best
}

func (b *Backend) release(inst *instance) {
	b.mu.Lock()
	if inst.count > 0 {
		inst.count--
	}
	b.mu.Unlock()
}

// AddTorrent hands the magnet to the least loaded daemon. Known hashes are
// answered from the local cache, and concurrent adds of one hash share a
// single acquisition on a single daemon.
func (b *Backend) AddTorrent(ctx context.Context, input string) (*engine.Torrent, error) {
	uri, hash, err := magnet.Resolve(input)
	if err != nil {
		return nil, err
	}
	if err := b.ensureStarted(ctx); err != nil {
		return nil, err
	}
	if e, ok := b.registry.Get(hash); ok {
		b.registry.Touch(hash)
		return e.snapshot(), nil
	}

	// The acquisition outlives a cancelled caller so the others sharing it
	// still get a result.
	acquireCtx := context.WithoutCancel(ctx)
	ch := b.group.DoChan(hash, func() (any, error) {
		return b.acquire(acquireCtx, uri, hash)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry).snapshot(), nil
	}
}

func (b *Backend) acquire(ctx context.Context, uri, hash string) (*Entry, error) {
	if e, ok := b.registry.Get(hash); ok {
		return e, nil
	}

	inst := b.leastLoaded()
	if inst == nil {
		return nil, apperr.New(apperr.ServiceUnreachable, "no healthy daemon").WithHash(hash)
	}
	t, err := inst.client.Add(ctx, uri)
	if err != nil {
		b.release(inst)
		return nil, err
	}

	e := &Entry{inst: inst, torrent: *t}
	b.registry.Put(hash, e)
	log.Info().
		Str("hash", apperr.TruncHash(hash)).
		Str("name", t.Name).
		Str("process", inst.proc.Name()).
		Msg("Torrent added to daemon")
	return e, nil
}

func (b *Backend) entry(hash string) (*Entry, string, error) {
	norm, err := magnet.Normalize(hash)
	if err != nil {
		return nil, "", err
	}
	e, ok := b.registry.Get(norm)
	if !ok {
		return nil, norm, apperr.New(apperr.NotFound, "unknown torrent").WithHash(norm)
	}
	return e, norm, nil
}

func (b *Backend) GetFile(_ context.Context, hash string, index int) (engine.File, error) {
	e, norm, err := b.entry(hash)
	if err != nil {
		return engine.File{}, err
	}
	f, ok := e.snapshot().FileAt(index)
	if !ok {
		return engine.File{}, apperr.New(apperr.NotFound, "no such file").WithHash(norm).WithFile(index)
	}
	return f, nil
}

// GetFileStream proxies a ranged read to the owning daemon, which selects
// the file and reprioritizes pieces around the range start.
func (b *Backend) GetFileStream(ctx context.Context, hash string, index int, rng *engine.ByteRange) (*engine.Stream, error) {
	e, norm, err := b.entry(hash)
	if err != nil {
		return nil, err
	}
	f, ok := e.snapshot().FileAt(index)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no such file").WithHash(norm).WithFile(index)
	}
	b.registry.Touch(norm)

	s, err := e.inst.client.Stream(ctx, norm, index, rng)
	if err != nil {
		return nil, err
	}
	e.selectFile(index)
	f.Selected = true
	s.File = f
	return s, nil
}

func (b *Backend) GetStats(ctx context.Context, hash string) (engine.Stats, error) {
	e, norm, err := b.entry(hash)
	if err != nil {
		return engine.Stats{}, err
	}
	b.registry.Touch(norm)
	return e.inst.client.Stats(ctx, norm)
}

// RemoveTorrent deletes the torrent on its daemon and removes its cache
// directory. The local entry is dropped even if the daemon call fails.
func (b *Backend) RemoveTorrent(ctx context.Context, hash string) error {
	norm, err := magnet.Normalize(hash)
	if err != nil {
		return err
	}
	e, ok := b.registry.Delete(norm)
	if !ok {
		return apperr.New(apperr.NotFound, "unknown torrent").WithHash(norm)
	}
	return b.drop(ctx, norm, e)
}

func (b *Backend) drop(ctx context.Context, hash string, e *Entry) error {
	b.release(e.inst)
	err := e.inst.client.Remove(ctx, hash)
	if apperr.IsKind(err, apperr.NotFound) {
		err = nil
	}
	if rmErr := os.RemoveAll(filepath.Join(e.inst.cache, hash)); rmErr != nil && err == nil {
		err = apperr.Wrap(apperr.Internal, rmErr, "remove torrent data").WithHash(hash)
	}
	return err
}

// reap removes torrents that nobody touched for IdleTimeout.
func (b *Backend) reap(ctx context.Context) {
	for _, hash := range b.registry.Idle(b.cfg.IdleTimeout) {
		e, ok := b.registry.Delete(hash)
		if !ok {
			continue
		}
		if err := b.drop(ctx, hash, e); err != nil {
			log.Warn().Err(err).Str("hash", apperr.TruncHash(hash)).Msg("Idle reap failed")
			continue
		}
		log.Info().Str("hash", apperr.TruncHash(hash)).Dur("idle", b.cfg.IdleTimeout).Msg("Reaped idle torrent")
	}
}

func (b *Backend) Torrents() []engine.Torrent {
	entries := b.registry.Values()
	out := make([]engine.Torrent, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e.snapshot())
	}
	return out
}

func (b *Backend) Status() engine.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	running := b.started
	for _, inst := range b.instances {
		if inst.proc.State() != supervisor.Ready {
			running = false
		}
	}
	return engine.Status{
		Kind:           engine.KindDaemon,
		Running:        running,
		Instances:      len(b.instances),
		ActiveTorrents: b.registry.Len(),
	}
}

// Stop asks each daemon to remove its torrents, then terminates it with the
// configured grace period.
func (b *Backend) Stop(ctx context.Context) error {
	b.mu.Lock()
	instances := b.instances
	reaper := b.reaper
	b.instances, b.reaper, b.started = nil, nil, false
	b.mu.Unlock()

	reaper.Stop()
	for _, hash := range b.registry.Hashes() {
		if e, ok := b.registry.Delete(hash); ok {
			os.RemoveAll(filepath.Join(e.inst.cache, hash))
		}
	}

	for _, inst := range instances {
		if inst.proc.State() == supervisor.Ready {
			if err := inst.client.RemoveAll(ctx); err != nil {
				log.Warn().Err(err).Str("process", inst.proc.Name()).Msg("Remove all before stop")
			}
		}
		out, err := inst.proc.Stop(ctx, b.cfg.StopGrace)
		switch {
		case errors.Is(err, supervisor.ErrNotRunning):
		case err != nil:
			log.Warn().Err(err).Str("process", inst.proc.Name()).Msg("Stopping daemon")
		case out.Forced:
			log.Warn().Str("process", inst.proc.Name()).Msg("Daemon killed after grace period")
		default:
			log.Debug().Str("process", inst.proc.Name()).Int("exit", out.ExitCode).Msg("Daemon stopped")
		}
	}
	return nil
}
