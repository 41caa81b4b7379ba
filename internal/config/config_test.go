package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatal(err)
	}

	if !filepath.IsAbs(cfg.Paths.SourceDir) {
		t.Errorf("default source dir is not absolute: %s", cfg.Paths.SourceDir)
	}
	if !filepath.IsAbs(cfg.Paths.QuadletDir) {
		t.Errorf("default quadlet dir is not absolute: %s", cfg.Paths.QuadletDir)
	}
	if len(cfg.Tiers) == 0 {
		t.Error("default config has no tiers")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	tmpDir := t.TempDir()

	content := `
paths:
  source_dir: "` + filepath.Join(tmpDir, "units") + `"
  quadlet_dir: "` + filepath.Join(tmpDir, "quadlets") + `"

tiers:
  - base
  - overrides

watch:
  heartbeat_seconds: 60
  debounce_ms: 250
`
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Paths.SourceDir != filepath.Join(tmpDir, "units") {
		t.Errorf("unexpected source dir: %s", cfg.Paths.SourceDir)
	}
	if len(cfg.Tiers) != 2 || cfg.Tiers[0] != "base" || cfg.Tiers[1] != "overrides" {
		t.Errorf("unexpected tiers: %v", cfg.Tiers)
	}
	if cfg.Heartbeat() != 60*time.Second {
		t.Errorf("unexpected heartbeat: %s", cfg.Heartbeat())
	}
	if cfg.Debounce() != 250*time.Millisecond {
		t.Errorf("unexpected debounce: %s", cfg.Debounce())
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if cfg.Watch.HeartbeatSeconds != 300 {
		t.Errorf("expected default heartbeat 300, got %d", cfg.Watch.HeartbeatSeconds)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	override := filepath.Join(t.TempDir(), "tree")
	t.Setenv(SourceDirEnv, override)

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Paths.SourceDir != override {
		t.Errorf("env override not applied: got %s, want %s", cfg.Paths.SourceDir, override)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Paths: PathsConfig{
				SourceDir:  "/abs/units",
				QuadletDir: "/abs/quadlets",
			},
			Tiers: []string{"system"},
			Watch: WatchConfig{HeartbeatSeconds: 300, DebounceMS: 500},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}, wantErr: false},
		{name: "missing source dir", mutate: func(c *Config) { c.Paths.SourceDir = "" }, wantErr: true},
		{name: "missing quadlet dir", mutate: func(c *Config) { c.Paths.QuadletDir = "" }, wantErr: true},
		{name: "relative source dir", mutate: func(c *Config) { c.Paths.SourceDir = "rel/units" }, wantErr: true},
		{name: "relative quadlet dir", mutate: func(c *Config) { c.Paths.QuadletDir = "rel/quadlets" }, wantErr: true},
		{name: "no tiers", mutate: func(c *Config) { c.Tiers = nil }, wantErr: true},
		{name: "tier with separator", mutate: func(c *Config) { c.Tiers = []string{"a/b"} }, wantErr: true},
		{name: "empty tier name", mutate: func(c *Config) { c.Tiers = []string{""} }, wantErr: true},
		{name: "zero heartbeat", mutate: func(c *Config) { c.Watch.HeartbeatSeconds = 0 }, wantErr: true},
		{name: "negative debounce", mutate: func(c *Config) { c.Watch.DebounceMS = -1 }, wantErr: true},
		{name: "debounce not shorter than heartbeat", mutate: func(c *Config) {
			c.Watch.HeartbeatSeconds = 1
			c.Watch.DebounceMS = 1000
		}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestTierDirs(t *testing.T) {
	cfg := Config{
		Paths: PathsConfig{SourceDir: "/srv/units"},
		Tiers: []string{"system", "plugins"},
	}

	dirs := cfg.TierDirs()
	want := []string{"/srv/units/system", "/srv/units/plugins"}
	if len(dirs) != len(want) {
		t.Fatalf("TierDirs() = %v, want %v", dirs, want)
	}
	for i := range want {
		if dirs[i] != want[i] {
			t.Errorf("TierDirs()[%d] = %q, want %q", i, dirs[i], want[i])
		}
	}
}
