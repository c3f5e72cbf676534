package progress

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/torrentclaw/truestream/internal/engine"
)

func TestFormat(t *testing.T) {
	line := Format("Sintel", engine.Stats{
		Progress:      0.42,
		DownloadSpeed: 2_100_000,
		UploadSpeed:   16_000,
		Peers:         12,
		Seeds:         4,
	}, 2, 12*time.Second)

	assert.Equal(t, "⠹ Sintel  42.0%  ↓ 2.1 MB/s  ↑ 16 kB/s  12 peers (4 seeds)  (12s)", line)
}

func TestFormat_Complete(t *testing.T) {
	line := Format("Sintel", engine.Stats{Progress: 1}, 0, time.Minute)
	assert.Contains(t, line, "✓")
	assert.Contains(t, line, "100.0%")
}

func TestFollow_NonTTY(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, "Sintel", false)

	ch := make(chan engine.Stats, 3)
	ch <- engine.Stats{Progress: 0.1}
	ch <- engine.Stats{Progress: 0.2, Peers: 3}
	close(ch)

	last := d.Follow(context.Background(), ch)
	assert.Equal(t, engine.Stats{Progress: 0.2, Peers: 3}, last)
	assert.Zero(t, buf.Len(), "non-TTY mode prints nothing")
}

func TestFollow_TTYRestoresCursor(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, "Sintel", true)

	ch := make(chan engine.Stats, 1)
	ch <- engine.Stats{Progress: 0.5}
	close(ch)
	d.Follow(context.Background(), ch)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\033[?25l"))
	assert.Contains(t, out, "50.0%")
	assert.True(t, strings.HasSuffix(out, "\033[?25h"))
}

func TestFollow_ContextCancel(t *testing.T) {
	d := New(&bytes.Buffer{}, "Sintel", false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		d.Follow(ctx, make(chan engine.Stats))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Follow did not return after cancel")
	}
}
