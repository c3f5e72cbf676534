package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/torrentclaw/truestream/internal/engine"
)

// UserConfig is the persistent operator choice saved to ~/.truestream/config.json.
// A stored engine choice overrides the YAML/env engine default.
type UserConfig struct {
	Engine    engine.Kind `json:"engine,omitempty"`
	Instances int         `json:"instances,omitempty"`

	DebridToken string `json:"debrid_token,omitempty"`

	// Configured is true after the first run of `truestream config`.
	Configured bool `json:"configured"`
}

// DefaultUserConfig has no choice recorded.
func DefaultUserConfig() UserConfig {
	return UserConfig{}
}

// UserConfigPath returns the path to the JSON user config.
func UserConfigPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Store reads and writes a UserConfig file. It implements engine.ChoiceStore.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store at path, or UserConfigPath when path is empty.
func NewStore(path string) *Store {
	if path == "" {
		path = UserConfigPath()
	}
	return &Store{path: path}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Load returns the stored config, or defaults when the file is missing or
// unreadable.
func (s *Store) Load() UserConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() UserConfig {
	cfg := DefaultUserConfig()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Warn().Err(err).Str("file", s.path).Msg("Ignoring unreadable user config")
		return DefaultUserConfig()
	}
	return cfg
}

// Save writes cfg atomically.
func (s *Store) Save(cfg UserConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(cfg)
}

func (s *Store) save(cfg UserConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal user config: %w", err)
	}
	return writeAtomic(s.path, data)
}

// LoadChoice returns the persisted backend choice, if any.
func (s *Store) LoadChoice() (engine.BackendConfig, bool) {
	cfg := s.Load()
	if cfg.Engine == "" {
		return engine.BackendConfig{}, false
	}
	instances := cfg.Instances
	if instances == 0 {
		instances = 1
	}
	return engine.BackendConfig{Engine: cfg.Engine, Instances: instances}, true
}

// SaveChoice records a backend choice, keeping the other fields.
func (s *Store) SaveChoice(choice engine.BackendConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.load()
	cfg.Engine = choice.Engine
	cfg.Instances = choice.Instances
	return s.save(cfg)
}

// Apply merges the user config into the runtime config.
func (u UserConfig) Apply(cfg *Config) {
	if u.DebridToken != "" && cfg.Debrid.Token == "" {
		cfg.Debrid.Token = u.DebridToken
	}
}

// ShowConfig returns a human-readable summary of the effective settings.
func ShowConfig(u UserConfig, cfg *Config, file string) string {
	yn := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}
	kind, instances := cfg.Engine.Kind, cfg.Engine.Instances
	if u.Engine != "" {
		kind, instances = string(u.Engine), max(u.Instances, 1)
	}

	var b strings.Builder
	b.WriteString("truestream configuration\n")
	b.WriteString("══════════════════════════════════════\n\n")
	fmt.Fprintf(&b, "  Engine:               %s (%d instance(s))\n", kind, instances)
	fmt.Fprintf(&b, "  Data directory:       %s\n", cfg.DataDir)
	fmt.Fprintf(&b, "  Stream server:        http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(&b, "  Metadata timeout:     %s\n", cfg.Engine.MetadataTimeout)
	fmt.Fprintf(&b, "  Critical / extended:  %s / %s\n", cfg.Priority.Critical.HR(), cfg.Priority.Extended.HR())
	fmt.Fprintf(&b, "\n  Debrid token:         %s\n", maskAPIKey(cfg.Debrid.Token))
	fmt.Fprintf(&b, "  Debrid OAuth:         %s\n", yn(cfg.Debrid.RefreshToken != ""))
	fmt.Fprintf(&b, "  Debrid rate limit:    %d per %s\n", cfg.Debrid.RateCapacity, cfg.Debrid.RateWindow)
	fmt.Fprintf(&b, "\n  Log level:            %s\n", cfg.Log.Level)
	fmt.Fprintf(&b, "  Log file:             %s\n", valueOrNA(cfg.Log.Path))
	fmt.Fprintf(&b, "  Metrics:              %s\n", yn(cfg.Metrics.Enabled))
	fmt.Fprintf(&b, "\n  Config file:          %s\n", valueOrNA(file))
	fmt.Fprintf(&b, "  User config:          %s\n", UserConfigPath())
	fmt.Fprintf(&b, "  Configured:           %s\n", yn(u.Configured))
	return b.String()
}

// maskAPIKey shows the first and last 4 characters of long keys.
func maskAPIKey(key string) string {
	if key == "" {
		return "not set"
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}

// writeAtomic writes data to a temp file next to path and renames it over
// path. On Windows the destination is removed first since os.Rename cannot
// overwrite.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	tmp.Close()

	if runtime.GOOS == "windows" {
		os.Remove(path)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
