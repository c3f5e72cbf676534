// Package swarm is the in-process BitTorrent backend built on anacrolix/torrent.
package swarm

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	alog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/torrentclaw/truestream/internal/apperr"
	"github.com/torrentclaw/truestream/internal/engine"
	"github.com/torrentclaw/truestream/internal/magnet"
	"github.com/torrentclaw/truestream/internal/schedule"
)

// Config holds settings for the swarm backend.
type Config struct {
	DataDir         string
	MetadataTimeout time.Duration
	// ListenPort is the base port; instance i listens on ListenPort+i. 0 picks random ports.
	ListenPort int
	Debug      bool
	Priority   PriorityConfig

	// IdleTimeout > 0 enables the idle reaper, which runs every ReapInterval.
	IdleTimeout  time.Duration
	ReapInterval time.Duration

	// SingleDir stores instance 0 directly in DataDir instead of DataDir/swarm-0,
	// so torrent data lives at DataDir/<hash>. Used by the daemon process.
	SingleDir bool

	NoDHT            bool
	DisableTrackers  bool
	NoPortForwarding bool
}

// Handle is the registry entry for one torrent owned by this backend.
type Handle struct {
	t    *torrent.Torrent
	inst *instance

	mu       sync.Mutex
	selected int
	anchor   int64
	planned  bool
	sample   sample
}

type sample struct {
	read, written int64
	at            time.Time
}

type instance struct {
	idx     int
	dir     string
	client  *torrent.Client
	storage storage.ClientImplCloser
	count   int
	closed  chan struct{}
}

// Backend runs one or more anacrolix clients.
type Backend struct {
	cfg      Config
	registry *engine.Registry[*Handle]
	group    singleflight.Group

	mu        sync.Mutex
	instances []*instance
	started   bool
	reaper    *schedule.Task
}

// New returns an unstarted backend. A nil registry gets a private one.
func New(cfg Config, registry *engine.Registry[*Handle]) *Backend {
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = 90 * time.Second
	}
	if cfg.Priority == (PriorityConfig{}) {
		cfg.Priority = DefaultPriority
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 10 * time.Minute
	}
	if registry == nil {
		registry = engine.NewRegistry[*Handle]()
	}
	return &Backend{cfg: cfg, registry: registry}
}

func (b *Backend) Kind() engine.Kind { return engine.KindSwarm }

// StartEngine creates the clients. Calling it on a started backend is a no-op.
func (b *Backend) StartEngine(_ context.Context, instances int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	if instances < 1 {
		instances = 1
	}

	created := make([]*instance, 0, instances)
	for i := 0; i < instances; i++ {
		inst, err := b.newInstance(i)
		if err != nil {
			for _, c := range created {
				c.close()
			}
			return apperr.Wrap(apperr.Internal, err, "start swarm engine")
		}
		created = append(created, inst)
	}

	b.instances = created
	b.started = true
	if b.cfg.IdleTimeout > 0 {
		b.reaper = schedule.Every(context.Background(), b.cfg.ReapInterval, b.reap)
	}

	log.Info().
		Int("instances", instances).
		Str("dir", b.cfg.DataDir).
		Msg("Swarm engine started")
	return nil
}

func (b *Backend) newInstance(i int) (*instance, error) {
	dir := filepath.Join(b.cfg.DataDir, fmt.Sprintf("swarm-%d", i))
	if b.cfg.SingleDir && i == 0 {
		dir = b.cfg.DataDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// A piece-completion database left behind by a previous run may claim
	// pieces whose data directories were already removed.
	for _, f := range []string{".torrent.db", ".torrent.db-wal", ".torrent.db-shm", ".torrent.bolt.db"} {
		os.Remove(filepath.Join(dir, f))
	}

	st := storage.NewFileByInfoHash(dir)

	tcfg := torrent.NewDefaultClientConfig()
	tcfg.DataDir = dir
	tcfg.DefaultStorage = st
	tcfg.Seed = false
	tcfg.NoDHT = b.cfg.NoDHT
	tcfg.DisableTrackers = b.cfg.DisableTrackers
	tcfg.NoDefaultPortForwarding = b.cfg.NoPortForwarding
	if b.cfg.ListenPort > 0 {
		tcfg.ListenPort = b.cfg.ListenPort + i
	} else {
		tcfg.ListenPort = 0
	}
	if !b.cfg.Debug {
		tcfg.Logger = alog.Default.FilterLevel(alog.Disabled)
	}

	client, err := torrent.NewClient(tcfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create torrent client: %w", err)
	}
	return &instance{idx: i, dir: dir, client: client, storage: st, closed: make(chan struct{})}, nil
}

func (inst *instance) close() {
	close(inst.closed)
	for _, err := range inst.client.Close() {
		log.Debug().Err(err).Int("instance", inst.idx).Msg("Torrent client close")
	}
	if err := inst.storage.Close(); err != nil {
		log.Debug().Err(err).Int("instance", inst.idx).Msg("Storage close")
	}
}

// ensureStarted lazily starts a single instance for callers that skipped StartEngine.
func (b *Backend) ensureStarted(ctx context.Context) error {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		return nil
	}
	return b.StartEngine(ctx, 1)
}

// leastLoaded returns the instance owning the fewest torrents.
func (b *Backend) leastLoaded() *instance {
	b.mu.Lock()
	defer b.mu.Unlock()
	var best *instance
	for _, inst := range b.instances {
		if best == nil || inst.count < best.count {
			best = inst
		}
	}
	if best != nil {
		best.count++
	}
	return best
}

// AddTorrent adds a magnet (or bare hash, or .torrent path) and waits for its
// metadata. A .torrent file already carries the metadata. Concurrent adds of
// one hash share a single acquisition.
func (b *Backend) AddTorrent(ctx context.Context, input string) (*engine.Torrent, error) {
	uri, hash, err := magnet.Resolve(input)
	if err != nil {
		return nil, err
	}
	if err := b.ensureStarted(ctx); err != nil {
		return nil, err
	}

	if h, ok := b.registry.Get(hash); ok {
		b.registry.Touch(hash)
		return h.snapshot(hash)
	}

	file, _ := magnet.TorrentFile(input)
	ch := b.group.DoChan(hash, func() (any, error) {
		return b.acquire(uri, hash, file)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*engine.Torrent), nil
	}
}

func (b *Backend) acquire(uri, hash, file string) (*engine.Torrent, error) {
	if h, ok := b.registry.Get(hash); ok {
		return h.snapshot(hash)
	}

	inst := b.leastLoaded()
	if inst == nil {
		return nil, apperr.New(apperr.Internal, "swarm engine stopped").WithHash(hash)
	}

	t, err := add(inst.client, uri, file)
	if err != nil {
		b.release(inst)
		return nil, apperr.Wrap(apperr.InvalidIdentifier, err, "add torrent").WithHash(hash)
	}

	start := time.Now()
	timer := time.NewTimer(b.cfg.MetadataTimeout)
	defer timer.Stop()
	select {
	case <-t.GotInfo():
	case <-inst.closed:
		return nil, apperr.New(apperr.Internal, "swarm engine stopped").WithHash(hash)
	case <-timer.C:
		t.Drop()
		b.release(inst)
		os.RemoveAll(filepath.Join(inst.dir, hash))
		return nil, apperr.New(apperr.AcquisitionTimeout, "no metadata after %s", b.cfg.MetadataTimeout).WithHash(hash)
	}

	// Nothing is requested from peers until a file is streamed: the client
	// only downloads pieces that were asked for.
	h := &Handle{t: t, inst: inst, selected: -1, sample: sample{at: time.Now()}}
	b.registry.Put(hash, h)

	log.Info().
		Str("hash", apperr.TruncHash(hash)).
		Str("name", t.Name()).
		Str("size", humanize.IBytes(uint64(t.Length()))).
		Int("instance", inst.idx).
		Dur("elapsed", time.Since(start).Round(time.Millisecond)).
		Msg("Metadata received")

	return h.snapshot(hash)
}

// add uses the metainfo of a local .torrent file when there is one, so the
// metadata does not have to come from peers.
func add(c *torrent.Client, uri, file string) (*torrent.Torrent, error) {
	if file == "" {
		return c.AddMagnet(uri)
	}
	mi, err := metainfo.LoadFromFile(file)
	if err != nil {
		return nil, err
	}
	return c.AddTorrent(mi)
}

func (b *Backend) release(inst *instance) {
	b.mu.Lock()
	if inst.count > 0 {
		inst.count--
	}
	b.mu.Unlock()
}

func (b *Backend) handle(hash string) (*Handle, string, error) {
	norm, err := magnet.Normalize(hash)
	if err != nil {
		return nil, "", err
	}
	h, ok := b.registry.Get(norm)
	if !ok {
		return nil, norm, apperr.New(apperr.NotFound, "unknown torrent").WithHash(norm)
	}
	return h, norm, nil
}

// GetFile returns one entry of the torrent's file table.
func (b *Backend) GetFile(_ context.Context, hash string, index int) (engine.File, error) {
	h, norm, err := b.handle(hash)
	if err != nil {
		return engine.File{}, err
	}
	tor, err := h.snapshot(norm)
	if err != nil {
		return engine.File{}, err
	}
	f, ok := tor.FileAt(index)
	if !ok {
		return engine.File{}, apperr.New(apperr.NotFound, "no such file").WithHash(norm).WithFile(index)
	}
	return f, nil
}

// GetFileStream selects the file, reprioritizes its pieces around the range
// start and returns a reader over the range.
func (b *Backend) GetFileStream(ctx context.Context, hash string, index int, rng *engine.ByteRange) (s *engine.Stream, err error) {
	h, norm, err := b.handle(hash)
	if err != nil {
		return nil, err
	}
	b.registry.Touch(norm)

	defer func() {
		if r := recover(); r != nil {
			s, err = nil, apperr.New(apperr.Internal, "torrent handle invalid: %v", r).WithHash(norm)
		}
	}()

	files := h.t.Files()
	if index < 0 || index >= len(files) {
		return nil, apperr.New(apperr.NotFound, "no such file").WithHash(norm).WithFile(index)
	}
	f := files[index]
	size := f.Length()
	start, end := rng.Resolve(size)

	h.selectFile(index, start, b.cfg.Priority)

	tor, err := h.snapshot(norm)
	if err != nil {
		return nil, err
	}
	info := tor.Files[index]

	if size == 0 || start > end {
		return &engine.Stream{ReadCloser: emptyReadCloser{}, File: info, Start: 0, End: -1, Total: size}, nil
	}

	body, err := newFileStream(ctx, f, start, end-start+1, b.cfg.Priority.Readahead)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "open reader").WithHash(norm).WithFile(index)
	}
	return &engine.Stream{ReadCloser: body, File: info, Start: start, End: end, Total: size}, nil
}

// selectFile makes index the only requested file, with bands anchored at the
// byte offset anchor. Repeating the same selection is a no-op.
func (h *Handle) selectFile(index int, anchor int64, cfg PriorityConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.planned && h.selected == index && h.anchor == anchor {
		return
	}

	f := h.t.Files()[index]
	p := planBands(f.Offset(), f.Length(), h.t.Info().PieceLength, anchor, cfg)
	applyPlan(h.t, index, p)
	h.selected, h.anchor, h.planned = index, anchor, true

	log.Debug().
		Str("hash", h.t.InfoHash().HexString()[:8]).
		Int("file", index).
		Int64("anchor", anchor).
		Ints("critical", []int{p.Critical.Begin, p.Critical.End}).
		Msg("Piece bands applied")
}

// GetStats returns progress of the selected file (or the whole torrent when
// nothing is selected) and speeds derived from byte counters.
func (b *Backend) GetStats(_ context.Context, hash string) (st engine.Stats, err error) {
	h, norm, err := b.handle(hash)
	if err != nil {
		return engine.Stats{}, err
	}
	b.registry.Touch(norm)

	defer func() {
		if r := recover(); r != nil {
			st, err = engine.Stats{}, apperr.New(apperr.Internal, "torrent handle invalid: %v", r).WithHash(norm)
		}
	}()

	ts := h.t.Stats()
	seeds := 0
	for _, pc := range h.t.PeerConns() {
		if int(pc.PeerPieces().GetCardinality()) >= h.t.NumPieces() {
			seeds++
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	cur := sample{
		read:    ts.ConnStats.BytesReadData.Int64(),
		written: ts.ConnStats.BytesWrittenData.Int64(),
		at:      now,
	}
	st = engine.Stats{
		DownloadSpeed: rate(h.sample.read, cur.read, h.sample.at, now),
		UploadSpeed:   rate(h.sample.written, cur.written, h.sample.at, now),
		Peers:         ts.ActivePeers,
		Seeds:         seeds,
	}
	h.sample = cur

	completed, length := h.t.BytesCompleted(), h.t.Length()
	if h.selected >= 0 {
		f := h.t.Files()[h.selected]
		completed, length = f.BytesCompleted(), f.Length()
	}
	st.BytesCompleted = completed
	if length > 0 {
		st.Progress = float64(completed) / float64(length)
	}
	return st, nil
}

// rate returns bytes per second between two counter samples.
func rate(prev, cur int64, prevAt, now time.Time) int64 {
	elapsed := now.Sub(prevAt)
	if elapsed <= 0 || cur <= prev {
		return 0
	}
	return int64(float64(cur-prev) / elapsed.Seconds())
}

// RemoveTorrent drops the torrent and deletes its data directory.
func (b *Backend) RemoveTorrent(_ context.Context, hash string) error {
	norm, err := magnet.Normalize(hash)
	if err != nil {
		return err
	}
	h, ok := b.registry.Delete(norm)
	if !ok {
		return apperr.New(apperr.NotFound, "unknown torrent").WithHash(norm)
	}
	return b.drop(norm, h)
}

func (b *Backend) drop(hash string, h *Handle) error {
	func() {
		defer func() { recover() }()
		h.t.Drop()
	}()
	b.release(h.inst)

	dir := filepath.Join(h.inst.dir, hash)
	if err := os.RemoveAll(dir); err != nil {
		return apperr.Wrap(apperr.Internal, err, "remove data").WithHash(hash)
	}
	log.Info().Str("hash", apperr.TruncHash(hash)).Msg("Torrent removed")
	return nil
}

func (b *Backend) reap(context.Context) {
	for _, hash := range b.registry.Idle(b.cfg.IdleTimeout) {
		h, ok := b.registry.Delete(hash)
		if !ok {
			continue
		}
		if err := b.drop(hash, h); err != nil {
			log.Warn().Err(err).Str("hash", apperr.TruncHash(hash)).Msg("Idle reap failed")
			continue
		}
		log.Info().Str("hash", apperr.TruncHash(hash)).Dur("idle", b.cfg.IdleTimeout).Msg("Reaped idle torrent")
	}
}

// Torrents lists every torrent, ordered by hash.
func (b *Backend) Torrents() []engine.Torrent {
	hashes := b.registry.Hashes()
	out := make([]engine.Torrent, 0, len(hashes))
	for _, hash := range hashes {
		h, ok := b.registry.Get(hash)
		if !ok {
			continue
		}
		t, err := h.snapshot(hash)
		if err != nil {
			continue
		}
		out = append(out, *t)
	}
	return out
}

func (b *Backend) Status() engine.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return engine.Status{
		Kind:           engine.KindSwarm,
		Running:        b.started,
		Instances:      len(b.instances),
		ActiveTorrents: b.registry.Len(),
	}
}

// Stop removes every torrent with its data and closes the clients.
func (b *Backend) Stop(context.Context) error {
	b.mu.Lock()
	reaper := b.reaper
	b.reaper = nil
	b.mu.Unlock()
	reaper.Stop()

	for _, hash := range b.registry.Hashes() {
		if h, ok := b.registry.Delete(hash); ok {
			if err := b.drop(hash, h); err != nil {
				log.Warn().Err(err).Str("hash", apperr.TruncHash(hash)).Msg("Cleanup on stop failed")
			}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, inst := range b.instances {
		inst.close()
	}
	b.instances = nil
	b.started = false
	return nil
}

// snapshot converts the live torrent into the engine model. The handle may
// reference a dropped torrent; that is reported rather than panicking.
func (h *Handle) snapshot(hash string) (out *engine.Torrent, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, apperr.New(apperr.Internal, "torrent handle invalid: %v", r).WithHash(hash)
		}
	}()

	h.mu.Lock()
	selected := h.selected
	h.mu.Unlock()

	t := h.t
	tor := &engine.Torrent{Hash: hash, Name: t.Name(), State: engine.StatePending}
	if t.Info() == nil {
		return tor, nil
	}
	tor.State = engine.StateReady
	tor.Size = t.Length()
	for i, f := range t.Files() {
		file := engine.File{
			Index:    i,
			Path:     f.DisplayPath(),
			Name:     filepath.Base(f.DisplayPath()),
			Size:     f.Length(),
			Selected: i == selected,
		}
		if file.Selected {
			file.Priority = "streaming"
		}
		tor.Files = append(tor.Files, file)
	}
	return tor, nil
}

type emptyReadCloser struct{}

func (emptyReadCloser) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyReadCloser) Close() error             { return nil }
