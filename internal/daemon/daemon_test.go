package daemon

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrentclaw/truestream/internal/apperr"
	"github.com/torrentclaw/truestream/internal/engine"
	"github.com/torrentclaw/truestream/internal/engine/enginetest"
)

const (
	testHash    = "0123456789abcdef0123456789abcdef01234567"
	testVersion = "1.2.0"
)

func movie() []byte {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func fixtureBackend() *enginetest.Backend {
	b := enginetest.New(engine.KindSwarm)
	b.AddFixture(engine.Torrent{
		Hash: testHash,
		Name: "Movie",
		Files: []engine.File{
			{Path: "Movie/movie.mkv", Name: "movie.mkv"},
			{Path: "Movie/movie.en.srt", Name: "movie.en.srt"},
		},
	}, map[int][]byte{0: movie(), 1: []byte("1\n00:00:01,000 --> 00:00:02,000\nhi\n")})
	b.SetStats(testHash, engine.Stats{Progress: 0.5, DownloadSpeed: 2048, Peers: 4})
	return b
}

// TestHelperProcess is not a real test. It is re-executed as a daemon child
// by the tests below and serves the daemon API over a fixture backend.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("DAEMON_HELPER") == "" {
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    "127.0.0.1:" + os.Getenv(EnvPort),
		Handler: NewAPI(fixtureBackend(), os.Getenv("DAEMON_HELPER_VERSION")),
	}
	go func() { _ = srv.ListenAndServe() }()
	<-ctx.Done()
	_ = srv.Shutdown(context.Background())
	os.Exit(0)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func helperConfig(t *testing.T, version string) Config {
	t.Helper()
	return Config{
		Command:        os.Args[0],
		Args:           []string{"-test.run=^TestHelperProcess$"},
		Env:            []string{"DAEMON_HELPER=1", "DAEMON_HELPER_VERSION=" + version},
		BasePort:       freePort(t),
		CacheDir:       t.TempDir(),
		HealthInterval: 20 * time.Millisecond,
		HealthAttempts: 250,
		StopGrace:      2 * time.Second,
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func startBackend(t *testing.T, cfg Config, registry *engine.Registry[*Entry]) *Backend {
	t.Helper()
	b := New(cfg, registry)
	require.NoError(t, b.StartEngine(context.Background(), 1))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

func TestBackend_Lifecycle(t *testing.T) {
	ctx := context.Background()
	b := startBackend(t, helperConfig(t, testVersion), nil)

	st := b.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Instances)
	assert.Equal(t, engine.KindDaemon, b.Kind())

	// Second start is a no-op.
	require.NoError(t, b.StartEngine(ctx, 3))
	assert.Equal(t, 1, b.Status().Instances)

	tor, err := b.AddTorrent(ctx, "magnet:?xt=urn:btih:"+testHash)
	require.NoError(t, err)
	assert.Equal(t, "Movie", tor.Name)
	require.Len(t, tor.Files, 2)

	again, err := b.AddTorrent(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, tor.Hash, again.Hash)
	assert.Len(t, b.Torrents(), 1)

	f, err := b.GetFile(ctx, testHash, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, f.Size)

	_, err = b.GetFile(ctx, testHash, 9)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))

	s, err := b.GetFileStream(ctx, testHash, 0, &engine.ByteRange{Start: 100, End: -1})
	require.NoError(t, err)
	body, err := io.ReadAll(s)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Equal(t, movie()[100:], body)
	assert.EqualValues(t, 100, s.Start)
	assert.EqualValues(t, 999, s.End)
	assert.EqualValues(t, 1000, s.Total)
	assert.True(t, s.File.Selected)

	cached := b.Torrents()[0]
	assert.True(t, cached.Files[0].Selected)
	assert.False(t, cached.Files[1].Selected)

	stats, err := b.GetStats(ctx, testHash)
	require.NoError(t, err)
	assert.EqualValues(t, 2048, stats.DownloadSpeed)
	assert.Equal(t, 4, stats.Peers)

	require.NoError(t, b.RemoveTorrent(ctx, testHash))
	assert.Empty(t, b.Torrents())
	err = b.RemoveTorrent(ctx, testHash)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))

	require.NoError(t, b.Stop(ctx))
	assert.False(t, b.Status().Running)
}

func TestBackend_ReapIdle(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	registry := engine.NewRegistry[*Entry]()
	registry.SetClock(clock.Now)

	cfg := helperConfig(t, testVersion)
	b := startBackend(t, cfg, registry)

	_, err := b.AddTorrent(ctx, testHash)
	require.NoError(t, err)
	data := filepath.Join(cfg.CacheDir, "daemon-0", testHash)
	require.NoError(t, os.MkdirAll(data, 0o755))

	// Stats refresh the access time.
	clock.Advance(20 * time.Minute)
	_, err = b.GetStats(ctx, testHash)
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)
	b.reap(ctx)
	assert.Equal(t, 1, registry.Len())
	assert.DirExists(t, data)

	clock.Advance(11 * time.Minute)
	b.reap(ctx)
	assert.Equal(t, 0, registry.Len())
	assert.NoDirExists(t, data)

	remote, err := b.instances[0].client.Torrents(ctx)
	require.NoError(t, err)
	assert.Empty(t, remote)
}

func TestBackend_ConcurrentAddUsesOneDaemon(t *testing.T) {
	ctx := context.Background()
	b := New(helperConfig(t, testVersion), nil)
	require.NoError(t, b.StartEngine(ctx, 2))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tor, err := b.AddTorrent(ctx, testHash)
			if assert.NoError(t, err) {
				assert.Equal(t, "Movie", tor.Name)
			}
		}()
	}
	wg.Wait()

	holders, load := 0, 0
	for _, inst := range b.instances {
		remote, err := inst.client.Torrents(ctx)
		require.NoError(t, err)
		holders += len(remote)
		load += inst.count
	}
	assert.Equal(t, 1, holders, "daemons holding the torrent")
	assert.Equal(t, 1, load)
	assert.Equal(t, 1, b.registry.Len())

	require.NoError(t, b.RemoveTorrent(ctx, testHash))
	for _, inst := range b.instances {
		assert.Zero(t, inst.count)
	}
}

func TestBackend_DaemonExitEvictsTorrents(t *testing.T) {
	ctx := context.Background()
	cfg := helperConfig(t, testVersion)
	b := startBackend(t, cfg, nil)

	_, err := b.AddTorrent(ctx, testHash)
	require.NoError(t, err)
	data := filepath.Join(cfg.CacheDir, "daemon-0", testHash)
	require.NoError(t, os.MkdirAll(data, 0o755))

	proc := b.instances[0].proc
	require.NoError(t, syscall.Kill(proc.Pid(), syscall.SIGKILL))
	select {
	case <-proc.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not exit")
	}

	// The load count is reset last.
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.instances[0].count == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, b.registry.Len())
	assert.NoDirExists(t, data)
	assert.False(t, b.Status().Running)

	_, err = b.GetStats(ctx, testHash)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestBackend_MinVersion(t *testing.T) {
	cfg := helperConfig(t, "0.9.0")
	cfg.MinVersion = "1.0.0"
	b := New(cfg, nil)

	err := b.StartEngine(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.ServiceUnreachable))
	assert.False(t, b.Status().Running)
}

func TestBackend_UnstartedOperations(t *testing.T) {
	b := New(Config{}, nil)
	ctx := context.Background()

	err := b.StartEngine(ctx, 1)
	assert.Error(t, err)

	_, err = b.AddTorrent(ctx, "not a magnet")
	assert.True(t, apperr.IsKind(err, apperr.InvalidIdentifier))

	_, err = b.GetStats(ctx, testHash)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))

	_, err = b.GetFileStream(ctx, testHash, 0, nil)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))

	assert.NoError(t, b.Stop(ctx))
	assert.Equal(t, engine.Status{Kind: engine.KindDaemon}, b.Status())
}

func TestNewInstance(t *testing.T) {
	b := New(Config{Command: "truestream", Args: []string{"daemon"}, BasePort: 9000, CacheDir: "/cache"}, nil)
	inst := b.newInstance(2)
	assert.Equal(t, filepath.Join("/cache", "daemon-2"), inst.cache)
	assert.Equal(t, "daemon-2", inst.proc.Name())
	assert.Equal(t, "http://127.0.0.1:9002", inst.client.base)
}

func TestServeConfigFromEnv(t *testing.T) {
	t.Setenv(EnvPort, "8123")
	t.Setenv(EnvCache, "/tmp/cache-x")

	cfg, err := ServeConfigFromEnv(ServeConfig{})
	require.NoError(t, err)
	assert.Equal(t, 8123, cfg.Port)
	assert.Equal(t, "/tmp/cache-x", cfg.Swarm.DataDir)
	assert.Equal(t, "127.0.0.1", cfg.Host)

	t.Setenv(EnvPort, "eighty")
	_, err = ServeConfigFromEnv(ServeConfig{})
	assert.True(t, apperr.IsKind(err, apperr.InvalidIdentifier))
}
