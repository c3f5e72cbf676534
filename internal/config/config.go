// Package config loads runtime settings from defaults, an optional YAML file
// and TRUESTREAM_* environment variables, and persists the operator's
// choices in a small JSON file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TRUESTREAM"

type ServerConfig struct {
	Host        string   `mapstructure:"host" yaml:"host"`
	Port        int      `mapstructure:"port" yaml:"port"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

type EngineConfig struct {
	Kind            string        `mapstructure:"kind" yaml:"kind"`
	Instances       int           `mapstructure:"instances" yaml:"instances"`
	MetadataTimeout time.Duration `mapstructure:"metadata_timeout" yaml:"metadata_timeout"`
	ListenPort      int           `mapstructure:"listen_port" yaml:"listen_port"`
	Debug           bool          `mapstructure:"debug" yaml:"debug"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

type PriorityConfig struct {
	Critical   datasize.ByteSize `mapstructure:"critical" yaml:"critical"`
	Extended   datasize.ByteSize `mapstructure:"extended" yaml:"extended"`
	TailPieces int               `mapstructure:"tail_pieces" yaml:"tail_pieces"`
	Readahead  datasize.ByteSize `mapstructure:"readahead" yaml:"readahead"`
}

type HybridConfig struct {
	PeerWeight int64 `mapstructure:"peer_weight" yaml:"peer_weight"`
}

type DaemonConfig struct {
	// Command empty means this executable.
	Command        string        `mapstructure:"command" yaml:"command"`
	Args           []string      `mapstructure:"args" yaml:"args"`
	BasePort       int           `mapstructure:"base_port" yaml:"base_port"`
	HealthInterval time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
	HealthAttempts int           `mapstructure:"health_attempts" yaml:"health_attempts"`
	ReapInterval   time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	StopGrace      time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
	MinVersion     string        `mapstructure:"min_version" yaml:"min_version"`
}

type DebridConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	Token          string        `mapstructure:"token" yaml:"token"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret" yaml:"client_secret"`
	RefreshToken   string        `mapstructure:"refresh_token" yaml:"refresh_token"`
	TokenURL       string        `mapstructure:"token_url" yaml:"token_url"`
	RateCapacity   int           `mapstructure:"rate_capacity" yaml:"rate_capacity"`
	RateWindow     time.Duration `mapstructure:"rate_window" yaml:"rate_window"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PollAttempts   int           `mapstructure:"poll_attempts" yaml:"poll_attempts"`
}

// Enabled reports whether any credential is configured.
func (d DebridConfig) Enabled() bool {
	return d.Token != "" || d.RefreshToken != ""
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Config is the full runtime configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	DataDir  string         `mapstructure:"data_dir" yaml:"data_dir"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Priority PriorityConfig `mapstructure:"priority" yaml:"priority"`
	Hybrid   HybridConfig   `mapstructure:"hybrid" yaml:"hybrid"`
	Daemon   DaemonConfig   `mapstructure:"daemon" yaml:"daemon"`
	Debrid   DebridConfig   `mapstructure:"debrid" yaml:"debrid"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// Default returns the reference settings.
func Default() Config {
	return Config{
		Server:  ServerConfig{Host: "127.0.0.1", Port: 8090, CORSOrigins: []string{"*"}},
		DataDir: filepath.Join(os.TempDir(), "truestream"),
		Engine: EngineConfig{
			Kind:            "swarm",
			Instances:       1,
			MetadataTimeout: 90 * time.Second,
		},
		Priority: PriorityConfig{
			Critical:   20 * datasize.MB,
			Extended:   50 * datasize.MB,
			TailPieces: 8,
			Readahead:  16 * datasize.MB,
		},
		Hybrid: HybridConfig{PeerWeight: 1000},
		Daemon: DaemonConfig{
			Args:           []string{"daemon"},
			BasePort:       8100,
			HealthInterval: 500 * time.Millisecond,
			HealthAttempts: 60,
			ReapInterval:   10 * time.Minute,
			IdleTimeout:    30 * time.Minute,
			StopGrace:      5 * time.Second,
		},
		Debrid: DebridConfig{
			BaseURL:        "https://api.real-debrid.com/rest/1.0",
			RateCapacity:   250,
			RateWindow:     time.Minute,
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
			PollInterval:   2 * time.Second,
			PollAttempts:   60,
		},
		Log:     LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 5},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Dir returns ~/.truestream, or a temp dir fallback when there is no home.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".truestream")
	}
	return filepath.Join(home, ".truestream")
}

// DefaultFile is the YAML file read when no --config is given.
func DefaultFile() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Loader owns the viper instance so the file can be watched after loading.
type Loader struct {
	v *viper.Viper
}

// NewLoader registers defaults and environment bindings. path may be empty,
// in which case DefaultFile is read when it exists.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if _, err := os.Stat(DefaultFile()); err == nil {
			path = DefaultFile()
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	}
	return &Loader{v: v}
}

// File returns the config file in use, or "".
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Load reads the file (if any) and decodes the merged settings.
func (l *Loader) Load() (*Config, error) {
	if l.v.ConfigFileUsed() != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.v.ConfigFileUsed(), err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := l.v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls fn with the re-decoded config whenever the file changes.
// Without a config file it does nothing.
func (l *Loader) Watch(fn func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid config change")
			return
		}
		log.Info().Str("file", e.Name).Msg("Config reloaded")
		fn(cfg)
	})
	l.v.WatchConfig()
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is empty"))
	}
	if c.Engine.Instances < 1 || c.Engine.Instances > 3 {
		errs = append(errs, fmt.Errorf("engine.instances must be between 1 and 3, got %d", c.Engine.Instances))
	}
	if c.Priority.TailPieces < 0 {
		errs = append(errs, errors.New("priority.tail_pieces is negative"))
	}
	if c.Debrid.RateCapacity <= 0 || c.Debrid.RateWindow <= 0 {
		errs = append(errs, errors.New("debrid rate limit needs a positive capacity and window"))
	}
	if _, ok := levels[strings.ToLower(c.Log.Level)]; !ok {
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

var levels = map[string]struct{}{
	"trace": {}, "debug": {}, "info": {}, "warn": {}, "error": {},
}

// setDefaults registers every leaf of def so AutomaticEnv can see each key.
func setDefaults(v *viper.Viper, def Config) {
	var tree map[string]any
	raw, _ := yaml.Marshal(def)
	_ = yaml.Unmarshal(raw, &tree)
	flatten(v, "", tree)
}

func flatten(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			flatten(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// WriteDefault writes the reference settings as YAML to path. An existing
// file is left alone unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}
	return writeAtomic(path, append([]byte("# truestream configuration\n"), data...))
}
