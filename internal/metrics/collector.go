// Package metrics exposes engine and cloud cache state to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/torrentclaw/truestream/internal/apiclient"
	"github.com/torrentclaw/truestream/internal/engine"
)

// EngineSource is the part of the engine manager the collector reads.
type EngineSource interface {
	Status() engine.Status
	Torrents() []engine.Torrent
	GetStats(ctx context.Context, hash string) (engine.Stats, error)
}

// EngineCollector samples the active backend on every scrape.
type EngineCollector struct {
	source  EngineSource
	timeout time.Duration

	runningDesc   *prometheus.Desc
	instancesDesc *prometheus.Desc
	torrentsDesc  *prometheus.Desc
	progressDesc  *prometheus.Desc
	downloadDesc  *prometheus.Desc
	uploadDesc    *prometheus.Desc
	peersDesc     *prometheus.Desc
	errorsDesc    *prometheus.Desc
}

func NewEngineCollector(source EngineSource) *EngineCollector {
	return &EngineCollector{
		source:  source,
		timeout: 5 * time.Second,

		runningDesc: prometheus.NewDesc(
			"truestream_engine_running",
			"Whether the active backend is running (1) or not (0)",
			[]string{"backend"},
			nil,
		),
		instancesDesc: prometheus.NewDesc(
			"truestream_engine_instances",
			"Configured instance count of the active backend",
			[]string{"backend"},
			nil,
		),
		torrentsDesc: prometheus.NewDesc(
			"truestream_engine_torrents",
			"Torrents owned by the active backend by state",
			[]string{"backend", "state"},
			nil,
		),
		progressDesc: prometheus.NewDesc(
			"truestream_torrent_progress_ratio",
			"Download progress of the selected data, 0 to 1",
			[]string{"hash"},
			nil,
		),
		downloadDesc: prometheus.NewDesc(
			"truestream_torrent_download_bytes_per_second",
			"Current download speed",
			[]string{"hash"},
			nil,
		),
		uploadDesc: prometheus.NewDesc(
			"truestream_torrent_upload_bytes_per_second",
			"Current upload speed",
			[]string{"hash"},
			nil,
		),
		peersDesc: prometheus.NewDesc(
			"truestream_torrent_peers",
			"Connected peers",
			[]string{"hash"},
			nil,
		),
		errorsDesc: prometheus.NewDesc(
			"truestream_engine_scrape_errors",
			"Stats samples that failed during this scrape",
			[]string{"backend"},
			nil,
		),
	}
}

func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.runningDesc
	ch <- c.instancesDesc
	ch <- c.torrentsDesc
	ch <- c.progressDesc
	ch <- c.downloadDesc
	ch <- c.uploadDesc
	ch <- c.peersDesc
	ch <- c.errorsDesc
}

func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	st := c.source.Status()
	backend := string(st.Kind)

	running := 0.0
	if st.Running {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(c.runningDesc, prometheus.GaugeValue, running, backend)
	ch <- prometheus.MustNewConstMetric(c.instancesDesc, prometheus.GaugeValue, float64(st.Instances), backend)

	torrents := c.source.Torrents()
	byState := map[engine.TorrentState]int{
		engine.StatePending: 0,
		engine.StateReady:   0,
		engine.StateError:   0,
	}
	for _, t := range torrents {
		byState[t.State]++
	}
	for state, n := range byState {
		ch <- prometheus.MustNewConstMetric(c.torrentsDesc, prometheus.GaugeValue, float64(n), backend, string(state))
	}

	if !st.Running {
		return
	}

	failed := 0
	for _, t := range torrents {
		stats, err := c.source.GetStats(ctx, t.Hash)
		if err != nil {
			failed++
			log.Debug().Err(err).Str("hash", t.Hash).Msg("Skipping torrent in metrics scrape")
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.progressDesc, prometheus.GaugeValue, stats.Progress, t.Hash)
		ch <- prometheus.MustNewConstMetric(c.downloadDesc, prometheus.GaugeValue, float64(stats.DownloadSpeed), t.Hash)
		ch <- prometheus.MustNewConstMetric(c.uploadDesc, prometheus.GaugeValue, float64(stats.UploadSpeed), t.Hash)
		ch <- prometheus.MustNewConstMetric(c.peersDesc, prometheus.GaugeValue, float64(stats.Peers), t.Hash)
	}
	ch <- prometheus.MustNewConstMetric(c.errorsDesc, prometheus.GaugeValue, float64(failed), backend)
}

// APICollector reports the rate-limited API client's counters.
type APICollector struct {
	client *apiclient.Client

	requestsDesc    *prometheus.Desc
	rateLimitedDesc *prometheus.Desc
	retriesDesc     *prometheus.Desc
	refreshesDesc   *prometheus.Desc
	windowDesc      *prometheus.Desc
}

func NewAPICollector(client *apiclient.Client) *APICollector {
	return &APICollector{
		client: client,
		requestsDesc: prometheus.NewDesc(
			"truestream_debrid_requests_total",
			"Requests sent to the cloud cache API",
			nil, nil,
		),
		rateLimitedDesc: prometheus.NewDesc(
			"truestream_debrid_rate_limited_total",
			"Responses rejected by the service as rate limited",
			nil, nil,
		),
		retriesDesc: prometheus.NewDesc(
			"truestream_debrid_retries_total",
			"Requests retried after backoff",
			nil, nil,
		),
		refreshesDesc: prometheus.NewDesc(
			"truestream_debrid_token_refreshes_total",
			"Credential refreshes after an authentication failure",
			nil, nil,
		),
		windowDesc: prometheus.NewDesc(
			"truestream_debrid_window_requests",
			"Requests admitted in the current rate window",
			nil, nil,
		),
	}
}

func (c *APICollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsDesc
	ch <- c.rateLimitedDesc
	ch <- c.retriesDesc
	ch <- c.refreshesDesc
	ch <- c.windowDesc
}

func (c *APICollector) Collect(ch chan<- prometheus.Metric) {
	counters := c.client.Counters()
	ch <- prometheus.MustNewConstMetric(c.requestsDesc, prometheus.CounterValue, float64(counters.Requests))
	ch <- prometheus.MustNewConstMetric(c.rateLimitedDesc, prometheus.CounterValue, float64(counters.RateLimited))
	ch <- prometheus.MustNewConstMetric(c.retriesDesc, prometheus.CounterValue, float64(counters.Retries))
	ch <- prometheus.MustNewConstMetric(c.refreshesDesc, prometheus.CounterValue, float64(counters.Refreshes))
	ch <- prometheus.MustNewConstMetric(c.windowDesc, prometheus.GaugeValue, float64(c.client.Limiter().InWindow()))
}

// NewRegistry returns a registry with the Go runtime collectors and the
// engine collector. api may be nil.
func NewRegistry(source EngineSource, api *apiclient.Client) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewEngineCollector(source),
	)
	if api != nil {
		reg.MustRegister(NewAPICollector(api))
	}
	return reg
}
