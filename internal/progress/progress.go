// Package progress renders a compact live status line for one torrent.
package progress

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/torrentclaw/truestream/internal/engine"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Display updates a single stderr line in place using ANSI escapes.
type Display struct {
	mu      sync.Mutex
	w       io.Writer
	name    string
	frame   int
	started time.Time
	last    engine.Stats
	active  bool // false when the writer is not a terminal
}

// New returns a display for name. If isTTY is false the display only
// records samples and prints nothing.
func New(w io.Writer, name string, isTTY bool) *Display {
	return &Display{w: w, name: name, started: time.Now(), active: isTTY}
}

// Follow renders every sample from ch until it closes or ctx is done and
// returns the last sample seen.
func (d *Display) Follow(ctx context.Context, ch <-chan engine.Stats) engine.Stats {
	if d.active {
		fmt.Fprint(d.w, "\033[?25l")
		defer fmt.Fprint(d.w, "\r\033[K\033[?25h")
	}
	for {
		select {
		case <-ctx.Done():
			return d.Last()
		case st, ok := <-ch:
			if !ok {
				return d.Last()
			}
			d.Update(st)
		}
	}
}

// Update records a sample and redraws the line.
func (d *Display) Update(st engine.Stats) {
	d.mu.Lock()
	d.last = st
	frame := d.frame
	d.frame++
	d.mu.Unlock()

	if !d.active {
		return
	}
	elapsed := time.Since(d.started).Round(time.Second)
	fmt.Fprint(d.w, "\r\033[K"+Format(d.name, st, frame, elapsed))
}

// Last returns the most recent sample.
func (d *Display) Last() engine.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Format builds the status line, e.g.
// "⠹ Sintel  42.0%  ↓ 2.1 MB/s  ↑ 16 kB/s  12 peers (4 seeds)  (12s)".
func Format(name string, st engine.Stats, frame int, elapsed time.Duration) string {
	spinner := spinnerFrames[frame%len(spinnerFrames)]
	if st.Progress >= 1 {
		spinner = "\033[32m✓\033[0m"
	}
	return fmt.Sprintf("%s %s  %.1f%%  ↓ %s/s  ↑ %s/s  %d peers (%d seeds)  (%s)",
		spinner,
		name,
		st.Progress*100,
		humanize.Bytes(uint64(max(st.DownloadSpeed, 0))),
		humanize.Bytes(uint64(max(st.UploadSpeed, 0))),
		st.Peers,
		st.Seeds,
		elapsed,
	)
}
