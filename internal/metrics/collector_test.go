package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrentclaw/truestream/internal/apiclient"
	"github.com/torrentclaw/truestream/internal/apperr"
	"github.com/torrentclaw/truestream/internal/engine"
)

type fakeSource struct {
	status   engine.Status
	torrents []engine.Torrent
	stats    map[string]engine.Stats
}

func (f *fakeSource) Status() engine.Status      { return f.status }
func (f *fakeSource) Torrents() []engine.Torrent { return f.torrents }
func (f *fakeSource) GetStats(_ context.Context, hash string) (engine.Stats, error) {
	st, ok := f.stats[hash]
	if !ok {
		return engine.Stats{}, apperr.New(apperr.NotFound, "unknown torrent")
	}
	return st, nil
}

func TestEngineCollector(t *testing.T) {
	src := &fakeSource{
		status: engine.Status{Kind: engine.KindSwarm, Running: true, Instances: 2, ActiveTorrents: 3},
		torrents: []engine.Torrent{
			{Hash: "aaaa", State: engine.StateReady},
			{Hash: "bbbb", State: engine.StateReady},
			{Hash: "cccc", State: engine.StatePending},
		},
		stats: map[string]engine.Stats{
			"aaaa": {Progress: 0.5, DownloadSpeed: 2048, UploadSpeed: 16, Peers: 4},
			"bbbb": {Progress: 1, Peers: 1},
		},
	}

	expected := `
# HELP truestream_engine_instances Configured instance count of the active backend
# TYPE truestream_engine_instances gauge
truestream_engine_instances{backend="swarm"} 2
# HELP truestream_engine_running Whether the active backend is running (1) or not (0)
# TYPE truestream_engine_running gauge
truestream_engine_running{backend="swarm"} 1
# HELP truestream_engine_scrape_errors Stats samples that failed during this scrape
# TYPE truestream_engine_scrape_errors gauge
truestream_engine_scrape_errors{backend="swarm"} 1
# HELP truestream_engine_torrents Torrents owned by the active backend by state
# TYPE truestream_engine_torrents gauge
truestream_engine_torrents{backend="swarm",state="error"} 0
truestream_engine_torrents{backend="swarm",state="metadata-pending"} 1
truestream_engine_torrents{backend="swarm",state="ready"} 2
# HELP truestream_torrent_download_bytes_per_second Current download speed
# TYPE truestream_torrent_download_bytes_per_second gauge
truestream_torrent_download_bytes_per_second{hash="aaaa"} 2048
truestream_torrent_download_bytes_per_second{hash="bbbb"} 0
# HELP truestream_torrent_peers Connected peers
# TYPE truestream_torrent_peers gauge
truestream_torrent_peers{hash="aaaa"} 4
truestream_torrent_peers{hash="bbbb"} 1
`
	err := testutil.CollectAndCompare(NewEngineCollector(src), strings.NewReader(expected),
		"truestream_engine_instances",
		"truestream_engine_running",
		"truestream_engine_scrape_errors",
		"truestream_engine_torrents",
		"truestream_torrent_download_bytes_per_second",
		"truestream_torrent_peers",
	)
	require.NoError(t, err)
}

func TestEngineCollector_StoppedSkipsStats(t *testing.T) {
	src := &fakeSource{
		status:   engine.Status{Kind: engine.KindDaemon, Instances: 1},
		torrents: nil,
	}
	// running, instances and three state gauges.
	assert.Equal(t, 5, testutil.CollectAndCount(NewEngineCollector(src)))
}

func TestAPICollector(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := apiclient.New(apiclient.Config{
		BaseURL:        srv.URL,
		Capacity:       100,
		Window:         time.Minute,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
	}, apiclient.Static("token"), nil)
	require.NoError(t, client.Delete(context.Background(), "/torrents/delete/X"))

	c := NewAPICollector(client)
	expected := `
# HELP truestream_debrid_rate_limited_total Responses rejected by the service as rate limited
# TYPE truestream_debrid_rate_limited_total counter
truestream_debrid_rate_limited_total 1
# HELP truestream_debrid_requests_total Requests sent to the cloud cache API
# TYPE truestream_debrid_requests_total counter
truestream_debrid_requests_total 2
# HELP truestream_debrid_window_requests Requests admitted in the current rate window
# TYPE truestream_debrid_window_requests gauge
truestream_debrid_window_requests 2
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"truestream_debrid_rate_limited_total",
		"truestream_debrid_requests_total",
		"truestream_debrid_window_requests",
	))
}

func TestNewRegistry(t *testing.T) {
	src := &fakeSource{status: engine.Status{Kind: engine.KindHybrid}}
	reg := NewRegistry(src, nil)
	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["truestream_engine_running"])
	assert.True(t, names["go_goroutines"])
	assert.False(t, names["truestream_debrid_requests_total"])
}
