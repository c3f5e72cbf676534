package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrentclaw/truestream/internal/config"
	"github.com/torrentclaw/truestream/internal/engine"
)

func TestEnsureClassicFileIO_ClassicReturnsImmediately(t *testing.T) {
	t.Setenv("TORRENT_STORAGE_DEFAULT_FILE_IO", "classic")
	// Must return without calling syscall.Exec; a re-exec would restart the
	// test binary.
	ensureClassicFileIO()
}

func TestEnsureClassicFileIO_MmapReturnsImmediately(t *testing.T) {
	t.Setenv("TORRENT_STORAGE_DEFAULT_FILE_IO", "mmap")
	ensureClassicFileIO()
}

func TestEnsureClassicFileIO_UnsetSetsClassic(t *testing.T) {
	if os.Getenv("GO_TEST_SUBPROCESS") == "1" {
		ensureClassicFileIO()
		// Whether the re-exec succeeded (inherited env) or failed (os.Setenv),
		// the variable must now be classic.
		if v := os.Getenv("TORRENT_STORAGE_DEFAULT_FILE_IO"); v != "classic" {
			t.Fatalf("expected env var 'classic' after ensureClassicFileIO, got %q", v)
		}
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestEnsureClassicFileIO_UnsetSetsClassic$")
	cmd.Env = append(filterEnv(os.Environ(), "TORRENT_STORAGE_DEFAULT_FILE_IO"),
		"GO_TEST_SUBPROCESS=1",
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("subprocess failed: %v\noutput:\n%s", err, output)
	}
}

// Invalid values make the storage package panic during init, before main.
func TestEnsureClassicFileIO_InvalidValuePanicsInLibrary(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=^TestEnsureClassicFileIO_ClassicReturnsImmediately$")
	cmd.Env = append(filterEnv(os.Environ(), "TORRENT_STORAGE_DEFAULT_FILE_IO"),
		"TORRENT_STORAGE_DEFAULT_FILE_IO=bogus",
	)
	output, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatal("expected subprocess to fail with panic, but it succeeded")
	}
	if !strings.Contains(string(output), "panic: bogus") {
		t.Errorf("expected library panic for invalid value, got:\n%s", output)
	}
}

func filterEnv(env []string, key string) []string {
	prefix := key + "="
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		if !strings.HasPrefix(e, prefix) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// ── wiring ──

func TestSwarmConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = "/data"
	cfg.Engine.ListenPort = 42069

	sc := swarmConfig(&cfg)
	assert.Equal(t, "/data", sc.DataDir)
	assert.Equal(t, 42069, sc.ListenPort)
	assert.Equal(t, cfg.Engine.MetadataTimeout, sc.MetadataTimeout)
	assert.Equal(t, int64(20<<20), sc.Priority.Critical)
	assert.Equal(t, int64(50<<20), sc.Priority.Extended)
	assert.Equal(t, 8, sc.Priority.TailPieces)
	assert.Equal(t, int64(16<<20), sc.Priority.Readahead)
}

func TestDaemonConfig_DefaultsToSelf(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = "/data"

	dc, err := daemonConfig(&cfg, "/etc/truestream.yaml")
	require.NoError(t, err)

	exe, err := os.Executable()
	require.NoError(t, err)
	assert.Equal(t, exe, dc.Command)
	assert.Equal(t, []string{"--config", "/etc/truestream.yaml", "daemon"}, dc.Args)
	assert.Equal(t, filepath.Join("/data", "daemon"), dc.CacheDir)
	assert.Equal(t, 8100, dc.BasePort)
}

func TestDaemonConfig_ExplicitCommand(t *testing.T) {
	cfg := config.Default()
	cfg.Daemon.Command = "/usr/local/bin/torrentd"
	cfg.Daemon.Args = []string{"--quiet"}

	dc, err := daemonConfig(&cfg, "/etc/truestream.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/torrentd", dc.Command)
	assert.Equal(t, []string{"--quiet"}, dc.Args)
}

func TestDaemonServeConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.ListenPort = 6881
	cfg.Engine.IdleTimeout = 1

	sc := daemonServeConfig(&cfg)
	assert.Equal(t, 8100, sc.Port)
	assert.Equal(t, version, sc.Version)
	assert.Zero(t, sc.Swarm.ListenPort)
	assert.Zero(t, sc.Swarm.IdleTimeout)
}

func TestHybridConfigs_NoOverlap(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = "/data"
	cfg.Engine.ListenPort = 6881

	sc, dc, err := hybridConfigs(&cfg, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "hybrid"), sc.DataDir)
	assert.Equal(t, 6881+engine.MaxInstances, sc.ListenPort)
	assert.Equal(t, filepath.Join("/data", "hybrid", "daemon"), dc.CacheDir)
	assert.Equal(t, 8100+engine.MaxInstances, dc.BasePort)

	cfg.Engine.ListenPort = 0
	sc, _, err = hybridConfigs(&cfg, "")
	require.NoError(t, err)
	assert.Zero(t, sc.ListenPort, "random ports stay random")
}

func TestNewFactory(t *testing.T) {
	cfg := config.Default()
	factory := newFactory(&cfg, "")

	for _, kind := range []engine.Kind{engine.KindSwarm, engine.KindDaemon, engine.KindHybrid} {
		b, err := factory(kind, 1)
		require.NoError(t, err, kind)
		assert.Equal(t, kind, b.Kind())
	}

	_, err := factory(engine.Kind("carrier-pigeon"), 1)
	assert.Error(t, err)
}

func TestNewManager_UsesConfigDefault(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Kind = "daemon"
	cfg.Engine.Instances = 2

	m, err := newManager(&cfg, "", nil)
	require.NoError(t, err)
	assert.Equal(t, engine.BackendConfig{Engine: engine.KindDaemon, Instances: 2}, m.GetBackendConfig())
	assert.Equal(t, "http://127.0.0.1:8090/stream?file=0&hash=abc", m.StreamURL("ABC", 0))

	cfg.Engine.Kind = "bogus"
	_, err = newManager(&cfg, "", nil)
	assert.Error(t, err)
}

func TestNewDebrid(t *testing.T) {
	cfg := config.Default()
	svc, api, err := newDebrid(&cfg)
	require.NoError(t, err)
	assert.Nil(t, svc, "no credential means no debrid")
	assert.Nil(t, api)

	cfg.Debrid.Token = "tok"
	svc, api, err = newDebrid(&cfg)
	require.NoError(t, err)
	assert.NotNil(t, svc)
	assert.NotNil(t, api)

	cfg.Debrid.RefreshToken = "refresh"
	_, _, err = newDebrid(&cfg)
	assert.Error(t, err, "refresh token without a token endpoint")

	cfg.Debrid.TokenURL = "https://auth.example/token"
	cfg.Debrid.ClientID = "client"
	svc, _, err = newDebrid(&cfg)
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

// ── commands ──

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func tempHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestVersionCmd(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "truestream dev\n", out)
}

func TestEngineCmd(t *testing.T) {
	home := tempHome(t)

	out, err := runCLI(t, "engine")
	require.NoError(t, err)
	assert.Equal(t, "swarm (1 instance(s)) from config default\n", out)

	out, err = runCLI(t, "engine", "daemon", "-n", "2")
	require.NoError(t, err)
	assert.Equal(t, "Engine set to daemon (2 instance(s))\n", out)

	out, err = runCLI(t, "engine")
	require.NoError(t, err)
	assert.Contains(t, out, "daemon (2 instance(s)) from "+filepath.Join(home, ".truestream", "config.json"))

	_, err = runCLI(t, "engine", "warp")
	assert.Error(t, err)
	_, err = runCLI(t, "engine", "swarm", "--instances", "9")
	assert.Error(t, err)

	choice, ok := config.NewStore("").LoadChoice()
	require.True(t, ok)
	assert.Equal(t, engine.BackendConfig{Engine: engine.KindDaemon, Instances: 2}, choice)
}

func TestConfigCmd_JSONAndReset(t *testing.T) {
	tempHome(t)
	_, err := runCLI(t, "engine", "hybrid")
	require.NoError(t, err)

	out, err := runCLI(t, "config", "--json")
	require.NoError(t, err)
	var u config.UserConfig
	require.NoError(t, json.Unmarshal([]byte(out), &u))
	assert.Equal(t, engine.KindHybrid, u.Engine)

	_, err = runCLI(t, "config", "--reset")
	require.NoError(t, err)
	_, ok := config.NewStore("").LoadChoice()
	assert.False(t, ok)
}

func TestConfigCmd_Show(t *testing.T) {
	tempHome(t)
	out, err := runCLI(t, "config", "--show")
	require.NoError(t, err)
	assert.Contains(t, out, "truestream configuration")
	assert.Contains(t, out, "swarm (1 instance(s))")
}

func TestConfigCmd_Init(t *testing.T) {
	tempHome(t)
	path := filepath.Join(t.TempDir(), "truestream.yaml")

	_, err := runCLI(t, "--config", path, "config", "--init")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# truestream configuration\n"))

	_, err = runCLI(t, "--config", path, "config", "--init")
	assert.Error(t, err, "existing file without --force")
	_, err = runCLI(t, "--config", path, "config", "--init", "--force")
	assert.NoError(t, err)

	// The written file loads back.
	out, err := runCLI(t, "--config", path, "engine")
	require.NoError(t, err)
	assert.Contains(t, out, "swarm")
}

func TestDebridCmd_NotConfigured(t *testing.T) {
	tempHome(t)
	_, err := runCLI(t, "debrid", "resolve", "c9e15763f722f23e98a29decdfae341b98d53056")
	assert.ErrorIs(t, err, errNoDebrid)
}

func TestInvalidConfigFails(t *testing.T) {
	tempHome(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  instances: 7\n"), 0o600))

	_, err := runCLI(t, "--config", path, "engine")
	assert.Error(t, err)
}
