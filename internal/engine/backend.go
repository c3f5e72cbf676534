// Package engine holds the backend contract shared by the swarm, daemon and
// hybrid acquisition strategies, and the Manager that keeps exactly one of
// them active.
package engine

import (
	"context"
)

// Backend is implemented by every acquisition strategy.
//
// All operations are safe on a backend that has not been started: they
// either start it lazily or fail with a NotFound/ServiceUnreachable error.
type Backend interface {
	Kind() Kind

	// StartEngine is idempotent. A second call on a ready backend returns nil
	// without side effects.
	StartEngine(ctx context.Context, instances int) error

	// AddTorrent acquires metadata for magnetURI. A hash that is already
	// known returns the cached torrent.
	AddTorrent(ctx context.Context, magnetURI string) (*Torrent, error)

	GetFile(ctx context.Context, hash string, index int) (File, error)

	// GetFileStream selects the file (deselecting its siblings), reprioritizes
	// pieces around rng.Start and opens a reader over the requested range.
	GetFileStream(ctx context.Context, hash string, index int, rng *ByteRange) (*Stream, error)

	GetStats(ctx context.Context, hash string) (Stats, error)

	// RemoveTorrent releases swarm resources and deletes partial data.
	RemoveTorrent(ctx context.Context, hash string) error

	// Torrents lists the torrents the backend currently owns.
	Torrents() []Torrent

	Status() Status

	// Stop tears down all torrents and the engine itself.
	Stop(ctx context.Context) error
}

// Factory builds a backend for a kind and instance count. The Manager never
// sees concrete backend types.
type Factory func(kind Kind, instances int) (Backend, error)

// ChoiceStore persists the operator's backend choice.
type ChoiceStore interface {
	LoadChoice() (BackendConfig, bool)
	SaveChoice(BackendConfig) error
}
