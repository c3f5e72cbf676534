package engine

import (
	"fmt"
	"io"
	"strings"
)

// Kind identifies a backend implementation.
type Kind string

const (
	KindSwarm  Kind = "swarm"
	KindDaemon Kind = "daemon"
	KindHybrid Kind = "hybrid"
)

// MaxInstances bounds the instance count accepted by SetBackend.
const MaxInstances = 3

// ParseKind is case-insensitive.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindSwarm:
		return KindSwarm, nil
	case KindDaemon:
		return KindDaemon, nil
	case KindHybrid:
		return KindHybrid, nil
	}
	return "", fmt.Errorf("unknown engine %q (want swarm, daemon or hybrid)", s)
}

// TorrentState is the lifecycle state of a torrent.
type TorrentState string

const (
	StatePending TorrentState = "metadata-pending"
	StateReady   TorrentState = "ready"
	StateError   TorrentState = "error"
)

// Torrent is a snapshot of a torrent known to a backend.
type Torrent struct {
	Hash  string       `json:"hash"`
	Name  string       `json:"name"`
	Size  int64        `json:"size"`
	State TorrentState `json:"state"`
	Files []File       `json:"files"`
}

// File is one entry of a torrent's file table. Index is the position in the
// engine's file table and is the addressing key for streaming.
type File struct {
	Index    int    `json:"index"`
	Path     string `json:"path"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Selected bool   `json:"selected"`
	Priority string `json:"priority,omitempty"`
}

// FileAt returns the file with the given index.
func (t *Torrent) FileAt(index int) (File, bool) {
	if index < 0 || index >= len(t.Files) {
		return File{}, false
	}
	return t.Files[index], true
}

// Stats is a point-in-time view of swarm activity for one torrent.
type Stats struct {
	Progress       float64 `json:"progress"`
	DownloadSpeed  int64   `json:"download_speed"` // bytes per second
	UploadSpeed    int64   `json:"upload_speed"`
	Peers          int     `json:"peers"`
	Seeds          int     `json:"seeds"`
	BytesCompleted int64   `json:"bytes_completed"`
}

// Status describes a backend as a whole.
type Status struct {
	Kind           Kind `json:"kind"`
	Running        bool `json:"running"`
	Instances      int  `json:"instances"`
	ActiveTorrents int  `json:"active_torrents"`
}

// BackendConfig is the operator's persisted backend choice.
type BackendConfig struct {
	Engine    Kind `json:"engine"`
	Instances int  `json:"instances"`
}

// Validate checks the engine kind and the instance bounds.
func (c BackendConfig) Validate() error {
	if _, err := ParseKind(string(c.Engine)); err != nil {
		return err
	}
	if c.Instances < 1 || c.Instances > MaxInstances {
		return fmt.Errorf("instances must be between 1 and %d, got %d", MaxInstances, c.Instances)
	}
	return nil
}

// ByteRange is an inclusive byte range. End < 0 means "to the end of file".
type ByteRange struct {
	Start int64
	End   int64
}

// Resolve clamps the range to a file of the given size, returning the
// inclusive start and end offsets.
func (r *ByteRange) Resolve(size int64) (start, end int64) {
	if r == nil {
		return 0, size - 1
	}
	start, end = r.Start, r.End
	if end < 0 || end >= size {
		end = size - 1
	}
	return start, end
}

// Stream is an open byte stream over part of a file. The reader yields
// exactly End-Start+1 bytes. Close releases the underlying reader.
type Stream struct {
	io.ReadCloser
	File  File
	Start int64
	End   int64
	Total int64
}

// Length is the number of bytes the stream will yield.
func (s *Stream) Length() int64 {
	if s.Total == 0 {
		return 0
	}
	return s.End - s.Start + 1
}
