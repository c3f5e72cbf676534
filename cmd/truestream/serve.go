package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/torrentclaw/truestream/internal/config"
	"github.com/torrentclaw/truestream/internal/daemon"
	"github.com/torrentclaw/truestream/internal/engine"
	"github.com/torrentclaw/truestream/internal/logging"
	"github.com/torrentclaw/truestream/internal/metrics"
	"github.com/torrentclaw/truestream/internal/stream"
)

const stopTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP streaming server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	m, err := newManager(a.cfg, a.loader.File(), a.store)
	if err != nil {
		return err
	}
	defer stopManager(ctx, m)

	opts := []stream.Option{stream.WithVersion(version)}
	svc, api, err := newDebrid(a.cfg)
	if err != nil {
		return err
	}
	if svc != nil {
		opts = append(opts, stream.WithResolver(svc))
		log.Info().Str("api", a.cfg.Debrid.BaseURL).Msg("Debrid resolver enabled")
	}
	if a.cfg.Metrics.Enabled {
		opts = append(opts, stream.WithRegistry(metrics.NewRegistry(m, api)))
	}

	a.loader.Watch(func(c *config.Config) {
		if err := logging.SetLevel(c.Log.Level); err != nil {
			log.Warn().Err(err).Msg("Keeping current log level")
		}
	})

	// A failed start is not fatal; the backend retries on first use.
	if err := m.Start(ctx); err != nil {
		log.Warn().Err(err).Str("engine", string(m.GetBackendConfig().Engine)).Msg("Engine did not start")
	}

	srv := stream.NewServer(stream.Config{
		Host:            a.cfg.Server.Host,
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		ShutdownTimeout: 10 * time.Second,
	}, m, opts...)
	return srv.ListenAndServe(ctx)
}

func stopManager(ctx context.Context, m *engine.Manager) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := m.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("Engine stop")
	}
}

// newDaemonCmd is the entry point of daemon backend children. The parent
// passes the port and cache directory through the environment.
func newDaemonCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:    "daemon",
		Short:  "Run one torrent daemon (started by the daemon backend)",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := daemon.ServeConfigFromEnv(daemonServeConfig(a.cfg))
			if err != nil {
				return err
			}
			return daemon.Serve(cmd.Context(), cfg)
		},
	}
}

// daemonServeConfig leaves idle reaping to the parent and picks a random
// peer port so children never collide with an in-process swarm.
func daemonServeConfig(cfg *config.Config) daemon.ServeConfig {
	sc := swarmConfig(cfg)
	sc.ListenPort = 0
	sc.IdleTimeout = 0
	return daemon.ServeConfig{
		Port:    cfg.Daemon.BasePort,
		Version: version,
		Swarm:   sc,
	}
}
