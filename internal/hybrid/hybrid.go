// Package hybrid races two backends for every torrent and serves each
// request from whichever one is currently doing better.
package hybrid

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/torrentclaw/truestream/internal/apperr"
	"github.com/torrentclaw/truestream/internal/engine"
	"github.com/torrentclaw/truestream/internal/magnet"
)

// DefaultPeerWeight makes one peer worth about 1000 B/s of throughput.
const DefaultPeerWeight = 1000

// Score ranks a backend's stats for one torrent.
func Score(st engine.Stats, peerWeight int64) int64 {
	return st.DownloadSpeed + int64(st.Peers)*peerWeight
}

// Entry records which composed backends hold a torrent.
type Entry struct {
	mu      sync.Mutex
	holders map[int]bool
}

func (e *Entry) add(i int) {
	e.mu.Lock()
	e.holders[i] = true
	e.mu.Unlock()
}

func (e *Entry) has(i int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holders[i]
}

// Backend composes two or more backends. Ties go to the earlier one.
type Backend struct {
	backends   []engine.Backend
	peerWeight int64
	registry   *engine.Registry[*Entry]

	mu        sync.Mutex
	instances int
	started   bool
}

// New composes backends in preference order. A nil registry gets a private
// one; peerWeight <= 0 uses DefaultPeerWeight.
func New(peerWeight int64, registry *engine.Registry[*Entry], backends ...engine.Backend) *Backend {
	if peerWeight <= 0 {
		peerWeight = DefaultPeerWeight
	}
	if registry == nil {
		registry = engine.NewRegistry[*Entry]()
	}
	return &Backend{backends: backends, peerWeight: peerWeight, registry: registry}
}

func (b *Backend) Kind() engine.Kind { return engine.KindHybrid }

// StartEngine starts every composed backend. It succeeds when at least one
// of them starts.
func (b *Backend) StartEngine(ctx context.Context, instances int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	errs := make([]error, len(b.backends))
	var g errgroup.Group
	for i, be := range b.backends {
		g.Go(func() error {
			errs[i] = be.StartEngine(ctx, instances)
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for i, err := range errs {
		if err != nil {
			log.Warn().Err(err).Str("backend", string(b.backends[i].Kind())).Msg("Hybrid member failed to start")
			continue
		}
		ok++
	}
	if ok == 0 {
		return apperr.Wrap(apperr.ServiceUnreachable, errors.Join(errs...), "no hybrid backend started")
	}
	b.started = true
	b.instances = instances
	return nil
}

type addResult struct {
	idx     int
	torrent *engine.Torrent
	err     error
}

// AddTorrent submits the magnet to every backend at once and returns the
// first successful result. The other acquisitions keep running after the
// caller returns so both swarms download.
func (b *Backend) AddTorrent(ctx context.Context, input string) (*engine.Torrent, error) {
	uri, hash, err := magnet.Resolve(input)
	if err != nil {
		return nil, err
	}
	if len(b.backends) == 0 {
		return nil, apperr.New(apperr.Internal, "hybrid backend has no members")
	}

	e, ok := b.registry.Get(hash)
	if !ok {
		e = &Entry{holders: make(map[int]bool)}
		b.registry.Put(hash, e)
	} else {
		b.registry.Touch(hash)
	}

	bg := context.WithoutCancel(ctx)
	results := make(chan addResult, len(b.backends))
	for i, be := range b.backends {
		go func() {
			t, err := be.AddTorrent(bg, uri)
			if err == nil {
				e.add(i)
			} else {
				log.Debug().Err(err).Str("backend", string(be.Kind())).Str("hash", apperr.TruncHash(hash)).Msg("Hybrid add failed")
			}
			results <- addResult{idx: i, torrent: t, err: err}
		}()
	}

	var errs []error
	for range b.backends {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-results:
			if res.err == nil {
				log.Debug().Str("hash", apperr.TruncHash(hash)).Str("backend", string(b.backends[res.idx].Kind())).Msg("Hybrid add won")
				return res.torrent, nil
			}
			errs = append(errs, res.err)
		}
	}
	b.registry.Delete(hash)
	return nil, errors.Join(errs...)
}

// holders returns the indices of the backends known to hold hash, in
// preference order.
func (b *Backend) holders(hash string) ([]int, string, error) {
	norm, err := magnet.Normalize(hash)
	if err != nil {
		return nil, "", err
	}
	e, ok := b.registry.Get(norm)
	if !ok {
		return nil, norm, apperr.New(apperr.NotFound, "unknown torrent").WithHash(norm)
	}
	var out []int
	for i := range b.backends {
		if e.has(i) {
			out = append(out, i)
		}
	}
	if len(out) == 0 {
		return nil, norm, apperr.New(apperr.NotFound, "torrent still acquiring").WithHash(norm)
	}
	return out, norm, nil
}

func (b *Backend) GetFile(ctx context.Context, hash string, index int) (engine.File, error) {
	idx, norm, err := b.holders(hash)
	if err != nil {
		return engine.File{}, err
	}
	var errs []error
	for _, i := range idx {
		f, err := b.backends[i].GetFile(ctx, norm, index)
		if err == nil {
			return f, nil
		}
		errs = append(errs, err)
	}
	return engine.File{}, errors.Join(errs...)
}

// best picks the holder with the highest score. A holder without stats
// only wins when no other holder has any.
func (b *Backend) best(ctx context.Context, idx []int, hash string) (int, engine.Stats, bool) {
	stats := make([]engine.Stats, len(idx))
	ok := make([]bool, len(idx))
	var g errgroup.Group
	for n, i := range idx {
		g.Go(func() error {
			st, err := b.backends[i].GetStats(ctx, hash)
			stats[n], ok[n] = st, err == nil
			return nil
		})
	}
	_ = g.Wait()

	winner := -1
	var bestScore int64
	for n := range idx {
		if !ok[n] {
			continue
		}
		if s := Score(stats[n], b.peerWeight); winner < 0 || s > bestScore {
			winner, bestScore = n, s
		}
	}
	if winner < 0 {
		return idx[0], engine.Stats{}, false
	}
	return idx[winner], stats[winner], true
}

// GetFileStream opens the stream on the best scoring backend.
func (b *Backend) GetFileStream(ctx context.Context, hash string, index int, rng *engine.ByteRange) (*engine.Stream, error) {
	idx, norm, err := b.holders(hash)
	if err != nil {
		return nil, err
	}
	b.registry.Touch(norm)
	i, st, _ := b.best(ctx, idx, norm)
	log.Debug().
		Str("hash", apperr.TruncHash(norm)).
		Int("file", index).
		Str("backend", string(b.backends[i].Kind())).
		Int64("score", Score(st, b.peerWeight)).
		Msg("Hybrid stream source")
	return b.backends[i].GetFileStream(ctx, norm, index, rng)
}

// GetStats reports the stats of the backend that would serve a stream now.
func (b *Backend) GetStats(ctx context.Context, hash string) (engine.Stats, error) {
	idx, norm, err := b.holders(hash)
	if err != nil {
		return engine.Stats{}, err
	}
	b.registry.Touch(norm)
	i, st, ok := b.best(ctx, idx, norm)
	if !ok {
		return b.backends[i].GetStats(ctx, norm)
	}
	return st, nil
}

// RemoveTorrent removes hash from every backend. Failures are logged; the
// call fails only when no backend held the torrent.
func (b *Backend) RemoveTorrent(ctx context.Context, hash string) error {
	norm, err := magnet.Normalize(hash)
	if err != nil {
		return err
	}
	_, known := b.registry.Delete(norm)

	removed := false
	for _, be := range b.backends {
		err := be.RemoveTorrent(ctx, norm)
		switch {
		case err == nil:
			removed = true
		case apperr.IsKind(err, apperr.NotFound):
		default:
			log.Warn().Err(err).Str("backend", string(be.Kind())).Str("hash", apperr.TruncHash(norm)).Msg("Hybrid remove failed")
		}
	}
	if !removed && !known {
		return apperr.New(apperr.NotFound, "unknown torrent").WithHash(norm)
	}
	return nil
}

// Torrents merges the members' lists, preferring the earlier backend's view.
func (b *Backend) Torrents() []engine.Torrent {
	seen := make(map[string]bool)
	var out []engine.Torrent
	for _, be := range b.backends {
		for _, t := range be.Torrents() {
			if seen[t.Hash] {
				continue
			}
			seen[t.Hash] = true
			out = append(out, t)
		}
	}
	return out
}

func (b *Backend) Status() engine.Status {
	b.mu.Lock()
	instances := b.instances
	b.mu.Unlock()

	running := false
	for _, be := range b.backends {
		if be.Status().Running {
			running = true
		}
	}
	return engine.Status{
		Kind:           engine.KindHybrid,
		Running:        running,
		Instances:      instances,
		ActiveTorrents: len(b.Torrents()),
	}
}

// Stop stops every member concurrently. Member failures are logged.
func (b *Backend) Stop(ctx context.Context) error {
	var g errgroup.Group
	for _, be := range b.backends {
		g.Go(func() error {
			if err := be.Stop(ctx); err != nil {
				log.Warn().Err(err).Str("backend", string(be.Kind())).Msg("Hybrid member stop failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, h := range b.registry.Hashes() {
		b.registry.Delete(h)
	}
	b.mu.Lock()
	b.started = false
	b.mu.Unlock()
	return nil
}
