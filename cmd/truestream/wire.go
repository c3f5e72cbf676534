package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/torrentclaw/truestream/internal/apiclient"
	"github.com/torrentclaw/truestream/internal/config"
	"github.com/torrentclaw/truestream/internal/daemon"
	"github.com/torrentclaw/truestream/internal/debrid"
	"github.com/torrentclaw/truestream/internal/engine"
	"github.com/torrentclaw/truestream/internal/hybrid"
	"github.com/torrentclaw/truestream/internal/swarm"
)

func swarmConfig(cfg *config.Config) swarm.Config {
	return swarm.Config{
		DataDir:         cfg.DataDir,
		MetadataTimeout: cfg.Engine.MetadataTimeout,
		ListenPort:      cfg.Engine.ListenPort,
		Debug:           cfg.Engine.Debug,
		IdleTimeout:     cfg.Engine.IdleTimeout,
		ReapInterval:    cfg.Daemon.ReapInterval,
		Priority: swarm.PriorityConfig{
			Critical:   int64(cfg.Priority.Critical.Bytes()),
			Extended:   int64(cfg.Priority.Extended.Bytes()),
			TailPieces: cfg.Priority.TailPieces,
			Readahead:  int64(cfg.Priority.Readahead.Bytes()),
		},
	}
}

// daemonConfig resolves an empty command to this executable so the default
// daemon is `truestream daemon`.
func daemonConfig(cfg *config.Config, configFile string) (daemon.Config, error) {
	command := cfg.Daemon.Command
	args := cfg.Daemon.Args
	if command == "" {
		exe, err := os.Executable()
		if err != nil {
			return daemon.Config{}, fmt.Errorf("locate own executable for daemon: %w", err)
		}
		command = exe
		if configFile != "" {
			args = append([]string{"--config", configFile}, args...)
		}
	}
	return daemon.Config{
		Command:        command,
		Args:           args,
		Host:           "127.0.0.1",
		BasePort:       cfg.Daemon.BasePort,
		CacheDir:       filepath.Join(cfg.DataDir, "daemon"),
		HealthInterval: cfg.Daemon.HealthInterval,
		HealthAttempts: cfg.Daemon.HealthAttempts,
		ReapInterval:   cfg.Daemon.ReapInterval,
		IdleTimeout:    cfg.Daemon.IdleTimeout,
		StopGrace:      cfg.Daemon.StopGrace,
		MinVersion:     cfg.Daemon.MinVersion,
	}, nil
}

// newFactory builds backends by kind. Every backend gets its own registry.
func newFactory(cfg *config.Config, configFile string) engine.Factory {
	return func(kind engine.Kind, _ int) (engine.Backend, error) {
		switch kind {
		case engine.KindSwarm:
			return swarm.New(swarmConfig(cfg), engine.NewRegistry[*swarm.Handle]()), nil
		case engine.KindDaemon:
			dc, err := daemonConfig(cfg, configFile)
			if err != nil {
				return nil, err
			}
			return daemon.New(dc, engine.NewRegistry[*daemon.Entry]()), nil
		case engine.KindHybrid:
			sc, dc, err := hybridConfigs(cfg, configFile)
			if err != nil {
				return nil, err
			}
			return hybrid.New(cfg.Hybrid.PeerWeight, engine.NewRegistry[*hybrid.Entry](),
				swarm.New(sc, engine.NewRegistry[*swarm.Handle]()),
				daemon.New(dc, engine.NewRegistry[*daemon.Entry]()),
			), nil
		}
		return nil, fmt.Errorf("unknown engine %q", kind)
	}
}

// hybridConfigs moves the hybrid members to their own directory and ports.
// A backend switch starts the new backend before stopping the old one, so a
// hybrid member must never share a port or data directory with a standalone
// swarm or daemon backend.
func hybridConfigs(cfg *config.Config, configFile string) (swarm.Config, daemon.Config, error) {
	sc := swarmConfig(cfg)
	sc.DataDir = filepath.Join(cfg.DataDir, "hybrid")
	if sc.ListenPort > 0 {
		sc.ListenPort += engine.MaxInstances
	}
	dc, err := daemonConfig(cfg, configFile)
	if err != nil {
		return swarm.Config{}, daemon.Config{}, err
	}
	dc.CacheDir = filepath.Join(cfg.DataDir, "hybrid", "daemon")
	dc.BasePort += engine.MaxInstances
	return sc, dc, nil
}

func newManager(cfg *config.Config, configFile string, store engine.ChoiceStore) (*engine.Manager, error) {
	kind, err := engine.ParseKind(cfg.Engine.Kind)
	if err != nil {
		return nil, err
	}
	return engine.NewManager(engine.ManagerOptions{
		Factory:       newFactory(cfg, configFile),
		Store:         store,
		Default:       engine.BackendConfig{Engine: kind, Instances: cfg.Engine.Instances},
		StreamBaseURL: fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port),
	})
}

// newDebrid returns nil, nil when no credential is configured.
func newDebrid(cfg *config.Config) (*debrid.Service, *apiclient.Client, error) {
	d := cfg.Debrid
	if !d.Enabled() {
		return nil, nil, nil
	}
	var creds apiclient.Credentials = apiclient.Static(d.Token)
	if d.RefreshToken != "" {
		if d.TokenURL == "" || d.ClientID == "" {
			return nil, nil, fmt.Errorf("debrid.refresh_token needs debrid.token_url and debrid.client_id")
		}
		creds = apiclient.NewOAuth(d.ClientID, d.ClientSecret, d.TokenURL, d.RefreshToken, d.Token)
	}
	client := apiclient.New(apiclient.Config{
		BaseURL:        d.BaseURL,
		Capacity:       d.RateCapacity,
		Window:         d.RateWindow,
		MaxRetries:     d.MaxRetries,
		RetryBaseDelay: d.RetryBaseDelay,
		UserAgent:      "truestream/" + version,
	}, creds, nil)
	svc := debrid.New(client, debrid.Config{
		PollInterval: d.PollInterval,
		PollAttempts: d.PollAttempts,
	})
	return svc, client, nil
}
