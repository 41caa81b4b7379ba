package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceDirEnv overrides paths.source_dir when set. It is the only
// environment variable the daemon reads; everything else comes from the
// config file or the user-scoped defaults.
const SourceDirEnv = "QUADLINKD_SOURCE_DIR"

// DefaultTiers are the source subdirectories scanned for unit descriptors,
// in priority order. A descriptor name present in more than one tier is
// resolved by the last tier scanned.
var DefaultTiers = []string{"system", "plugins"}

// Config represents the complete quadlinkd configuration
type Config struct {
	Paths PathsConfig `yaml:"paths"`
	Tiers []string    `yaml:"tiers"`
	Watch WatchConfig `yaml:"watch"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	// SourceDir is the root of the declarative unit descriptor tree.
	SourceDir string `yaml:"source_dir"`
	// QuadletDir is the systemd user quadlet directory where managed
	// symlinks are maintained.
	QuadletDir string `yaml:"quadlet_dir"`
}

// WatchConfig configures the watch loop timing
type WatchConfig struct {
	// HeartbeatSeconds bounds the blocking watch wait; when it elapses
	// without a filesystem event, a fallback reconciliation pass runs.
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
	// DebounceMS is the delay after a wake during which further events
	// are coalesced into the same pass.
	DebounceMS int `yaml:"debounce_ms"`
}

// Default returns the configuration derived from the user's home directory.
func Default() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}

	return &Config{
		Paths: PathsConfig{
			SourceDir:  filepath.Join(home, ".local", "share", "quadlinkd", "units"),
			QuadletDir: filepath.Join(home, ".config", "containers", "systemd"),
		},
		Tiers: append([]string(nil), DefaultTiers...),
		Watch: WatchConfig{
			HeartbeatSeconds: 300,
			DebounceMS:       500,
		},
	}, nil
}

// Load builds the configuration from defaults, an optional YAML file, and
// the source dir environment override, then validates the result. An empty
// path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(os.ExpandEnv(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.expandEnv()

	if override := os.Getenv(SourceDirEnv); override != "" {
		cfg.Paths.SourceDir = override
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// expandEnv expands environment variables in all path fields
func (c *Config) expandEnv() {
	c.Paths.SourceDir = os.ExpandEnv(c.Paths.SourceDir)
	c.Paths.QuadletDir = os.ExpandEnv(c.Paths.QuadletDir)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if len(c.Tiers) == 0 {
		c.Tiers = append([]string(nil), DefaultTiers...)
	}
	if c.Watch.HeartbeatSeconds == 0 {
		c.Watch.HeartbeatSeconds = 300
	}
	if c.Watch.DebounceMS == 0 {
		c.Watch.DebounceMS = 500
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.SourceDir == "" {
		return fmt.Errorf("paths.source_dir is required")
	}
	if c.Paths.QuadletDir == "" {
		return fmt.Errorf("paths.quadlet_dir is required")
	}

	if !filepath.IsAbs(c.Paths.SourceDir) {
		return fmt.Errorf("paths.source_dir must be an absolute path: %s", c.Paths.SourceDir)
	}
	if !filepath.IsAbs(c.Paths.QuadletDir) {
		return fmt.Errorf("paths.quadlet_dir must be an absolute path: %s", c.Paths.QuadletDir)
	}

	if len(c.Tiers) == 0 {
		return fmt.Errorf("tiers must not be empty")
	}
	for _, tier := range c.Tiers {
		if tier == "" || strings.ContainsRune(tier, os.PathSeparator) {
			return fmt.Errorf("invalid tier name: %q (must be a plain directory name)", tier)
		}
	}

	if c.Watch.HeartbeatSeconds < 1 {
		return fmt.Errorf("watch.heartbeat_seconds must be at least 1: %d", c.Watch.HeartbeatSeconds)
	}
	if c.Watch.DebounceMS < 0 {
		return fmt.Errorf("watch.debounce_ms must not be negative: %d", c.Watch.DebounceMS)
	}
	if time.Duration(c.Watch.DebounceMS)*time.Millisecond >= c.Heartbeat() {
		return fmt.Errorf("watch.debounce_ms must be shorter than watch.heartbeat_seconds")
	}

	return nil
}

// TierDirs returns the absolute tier directories in scan order.
func (c *Config) TierDirs() []string {
	dirs := make([]string, 0, len(c.Tiers))
	for _, tier := range c.Tiers {
		dirs = append(dirs, filepath.Join(c.Paths.SourceDir, tier))
	}
	return dirs
}

// Heartbeat returns the bounded watch wait as a duration.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.Watch.HeartbeatSeconds) * time.Second
}

// Debounce returns the event coalescing window as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMS) * time.Millisecond
}
