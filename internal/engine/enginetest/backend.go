// Package enginetest provides an in-memory engine.Backend for tests.
package enginetest

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/torrentclaw/truestream/internal/apperr"
	"github.com/torrentclaw/truestream/internal/engine"
	"github.com/torrentclaw/truestream/internal/magnet"
)

// StreamCall records one GetFileStream invocation.
type StreamCall struct {
	Hash  string
	Index int
	Start int64
}

// Backend is a programmable engine.Backend. Torrents registered with
// AddFixture are returned by AddTorrent; unknown hashes get an empty torrent.
type Backend struct {
	mu sync.Mutex

	kind      engine.Kind
	started   bool
	instances int
	stopped   bool

	fixtures map[string]engine.Torrent
	contents map[string]map[int][]byte
	torrents map[string]*engine.Torrent
	stats    map[string]engine.Stats

	StartErr error
	AddErr   error
	AddDelay time.Duration
	// StartGate, when set, makes StartEngine wait until it is closed.
	StartGate chan struct{}

	StartCalls  int
	AddCalls    int
	Removed     []string
	StreamCalls []StreamCall
}

// New returns an empty fake of the given kind.
func New(kind engine.Kind) *Backend {
	return &Backend{
		kind:     kind,
		fixtures: make(map[string]engine.Torrent),
		contents: make(map[string]map[int][]byte),
		torrents: make(map[string]*engine.Torrent),
		stats:    make(map[string]engine.Stats),
	}
}

// AddFixture registers the torrent returned when its hash is added. contents
// maps file index to file bytes; file sizes are taken from it when present.
func (b *Backend) AddFixture(t engine.Torrent, contents map[int][]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range t.Files {
		t.Files[i].Index = i
		if data, ok := contents[i]; ok {
			t.Files[i].Size = int64(len(data))
		}
	}
	var total int64
	for _, f := range t.Files {
		total += f.Size
	}
	t.Size = total
	t.State = engine.StateReady
	b.fixtures[t.Hash] = t
	b.contents[t.Hash] = contents
}

// SetStats sets what GetStats returns for hash.
func (b *Backend) SetStats(hash string, st engine.Stats) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats[hash] = st
}

// Stopped reports whether Stop was called.
func (b *Backend) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func (b *Backend) Kind() engine.Kind { return b.kind }

func (b *Backend) StartEngine(_ context.Context, instances int) error {
	if b.StartGate != nil {
		<-b.StartGate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	b.StartCalls++
	if b.StartErr != nil {
		return b.StartErr
	}
	b.started = true
	b.instances = instances
	return nil
}

func (b *Backend) AddTorrent(ctx context.Context, magnetURI string) (*engine.Torrent, error) {
	hash, err := magnet.InfoHash(magnetURI)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.AddCalls++
	delay, addErr := b.AddDelay, b.AddErr
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if addErr != nil {
		return nil, addErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.torrents[hash]; ok {
		cp := clone(t)
		return cp, nil
	}
	t, ok := b.fixtures[hash]
	if !ok {
		t = engine.Torrent{Hash: hash, Name: hash, State: engine.StateReady}
	}
	stored := t
	stored.Files = append([]engine.File(nil), t.Files...)
	b.torrents[hash] = &stored
	return clone(&stored), nil
}

func (b *Backend) GetFile(_ context.Context, hash string, index int) (engine.File, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.torrents[hash]
	if !ok {
		return engine.File{}, apperr.New(apperr.NotFound, "unknown torrent").WithHash(hash)
	}
	f, ok := t.FileAt(index)
	if !ok {
		return engine.File{}, apperr.New(apperr.NotFound, "no such file").WithHash(hash).WithFile(index)
	}
	return f, nil
}

func (b *Backend) GetFileStream(_ context.Context, hash string, index int, rng *engine.ByteRange) (*engine.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.torrents[hash]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "unknown torrent").WithHash(hash)
	}
	f, ok := t.FileAt(index)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no such file").WithHash(hash).WithFile(index)
	}
	for i := range t.Files {
		t.Files[i].Selected = i == index
	}

	data := b.contents[hash][index]
	start, end := rng.Resolve(int64(len(data)))
	call := StreamCall{Hash: hash, Index: index, Start: start}
	b.StreamCalls = append(b.StreamCalls, call)

	var body []byte
	if len(data) > 0 {
		body = data[start : end+1]
	}
	f.Selected = true
	return &engine.Stream{
		ReadCloser: io.NopCloser(bytes.NewReader(body)),
		File:       f,
		Start:      start,
		End:        end,
		Total:      int64(len(data)),
	}, nil
}

func (b *Backend) GetStats(_ context.Context, hash string) (engine.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.stats[hash]
	if !ok {
		return engine.Stats{}, apperr.New(apperr.NotFound, "no stats").WithHash(hash)
	}
	return st, nil
}

func (b *Backend) RemoveTorrent(_ context.Context, hash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Removed = append(b.Removed, hash)
	if _, ok := b.torrents[hash]; !ok {
		return apperr.New(apperr.NotFound, "unknown torrent").WithHash(hash)
	}
	delete(b.torrents, hash)
	delete(b.stats, hash)
	return nil
}

func (b *Backend) Torrents() []engine.Torrent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]engine.Torrent, 0, len(b.torrents))
	for _, t := range b.torrents {
		out = append(out, *clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

func (b *Backend) Status() engine.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return engine.Status{
		Kind:           b.kind,
		Running:        b.started && !b.stopped,
		Instances:      b.instances,
		ActiveTorrents: len(b.torrents),
	}
}

func (b *Backend) Stop(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.started = false
	b.torrents = make(map[string]*engine.Torrent)
	return nil
}

func clone(t *engine.Torrent) *engine.Torrent {
	cp := *t
	cp.Files = append([]engine.File(nil), t.Files...)
	return &cp
}
