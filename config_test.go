package capturepipe

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultConfigValid validates that the shipped defaults pass their own
// validation.
func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig does not validate: %v", err)
	}
}

// TestLoadConfigOverridesDefaults validates YAML loading layered over the
// defaults: set fields change, unset fields keep their default.
func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.yaml")
	data := []byte(`
capture_fps: 30
display_fps: 15
stop_timeout_ms: 1000
cache:
  max_frames: 20
probe:
  min_timeout_ms: 500
  initial_timeout_ms: 800
  max_timeout_ms: 2000
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.CaptureFPS != 30 || cfg.DisplayFPS != 15 {
		t.Errorf("rates = %d/%d, want 30/15", cfg.CaptureFPS, cfg.DisplayFPS)
	}
	if cfg.StopTimeout() != time.Second {
		t.Errorf("StopTimeout = %v, want 1s", cfg.StopTimeout())
	}
	if cfg.Cache.MaxFrames != 20 {
		t.Errorf("Cache.MaxFrames = %d, want 20", cfg.Cache.MaxFrames)
	}
	if cfg.Probe.MinTimeout() != 500*time.Millisecond {
		t.Errorf("Probe.MinTimeout = %v, want 500ms", cfg.Probe.MinTimeout())
	}

	// Untouched field keeps its default.
	if want := DefaultConfig().Cache.MaxBytes; cfg.Cache.MaxBytes != want {
		t.Errorf("Cache.MaxBytes = %d, want default %d", cfg.Cache.MaxBytes, want)
	}
}

// TestValidateRejectsBadValues spot-checks the range checks.
func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"capture fps too low", func(c *Config) { c.CaptureFPS = 5 }},
		{"display fps too high", func(c *Config) { c.DisplayFPS = 90 }},
		{"zero stop timeout", func(c *Config) { c.StopTimeoutMS = 0 }},
		{"negative cache bytes", func(c *Config) { c.Cache.MaxBytes = -1 }},
		{"initial timeout outside bounds", func(c *Config) { c.Probe.InitialTimeoutMS = 10000 }},
		{"shrink factor above one", func(c *Config) { c.Probe.ShrinkFactor = 1.5 }},
		{"emitter enabled without broker", func(c *Config) { c.Emitter.Enabled = true; c.Emitter.Broker = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}

// TestLoadConfigMissingFile validates the error path.
func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadConfig on a missing file succeeded")
	}
}
