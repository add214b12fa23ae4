package capturepipe

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config tunes the capture pipeline. Every empirically tuned constant lives
// here rather than in code: rates, budgets, sweep periods and the adaptive
// probe timeout factors are all deployment knobs.
//
// Durations are unit-suffixed integers in YAML (stop_timeout_ms: 2500);
// accessor methods expose them as time.Duration.
type Config struct {
	// CaptureFPS is the worker-side capture rate (10..120, default 60).
	CaptureFPS int `yaml:"capture_fps"`

	// DisplayFPS is the presentation rate (5..60, default 30).
	DisplayFPS int `yaml:"display_fps"`

	// FrameBuffer sizes the presentation frame channel.
	FrameBuffer int `yaml:"frame_buffer"`

	// EventBuffer sizes the session event channel.
	EventBuffer int `yaml:"event_buffer"`

	// StopTimeoutMS bounds the wait for the worker's stop acknowledgment
	// during Close before the worker is abandoned. Default 2500.
	StopTimeoutMS int `yaml:"stop_timeout_ms"`

	// StatsIntervalMS is the period between EventStats snapshots. Default 1000.
	StatsIntervalMS int `yaml:"stats_interval_ms"`

	// Cache tunes the addressable frame cache.
	Cache CacheConfig `yaml:"cache"`

	// Probe tunes the request lifecycle manager.
	Probe ProbeConfig `yaml:"probe"`

	// Emitter tunes the optional MQTT stats emitter.
	Emitter EmitterConfig `yaml:"emitter"`
}

// StopTimeout returns the teardown acknowledgment bound.
func (c Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutMS) * time.Millisecond
}

// StatsInterval returns the stats snapshot period.
func (c Config) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalMS) * time.Millisecond
}

// CacheConfig tunes the memory-bounded frame cache.
type CacheConfig struct {
	MaxFrames       int   `yaml:"max_frames"`        // default 100
	MaxBytes        int64 `yaml:"max_bytes"`         // default 200 MiB
	SweepIntervalMS int   `yaml:"sweep_interval_ms"` // default 5000
	StaleAfterMS    int   `yaml:"stale_after_ms"`    // default 10000
}

// SweepInterval returns the maintenance period.
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

// StaleAfter returns the sweep staleness threshold.
func (c CacheConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMS) * time.Millisecond
}

// ProbeConfig tunes probe dispatch and the adaptive timeout.
//
// The factors are multiplicative revisions applied after each delivered
// outcome: a success faster than FastSuccess shrinks the timeout, a success
// slower than SlowSuccess grows it, any failure grows it more. The result is
// always clamped to [MinTimeout, MaxTimeout].
type ProbeConfig struct {
	InitialTimeoutMS int `yaml:"initial_timeout_ms"` // default 2000
	MinTimeoutMS     int `yaml:"min_timeout_ms"`     // default 1000
	MaxTimeoutMS     int `yaml:"max_timeout_ms"`     // default 3000

	FastSuccessMS int `yaml:"fast_success_ms"` // default 1000
	SlowSuccessMS int `yaml:"slow_success_ms"` // default 3000

	ShrinkFactor   float64 `yaml:"shrink_factor"`    // default 0.9
	GrowSlowFactor float64 `yaml:"grow_slow_factor"` // default 1.1
	GrowFailFactor float64 `yaml:"grow_fail_factor"` // default 1.2

	// PoolSize bounds concurrent probe tasks (1..2, default 1).
	PoolSize int `yaml:"pool_size"`

	// ResultBuffer sizes the probe result channel.
	ResultBuffer int `yaml:"result_buffer"`
}

// InitialTimeout returns the first probe's deadline.
func (p ProbeConfig) InitialTimeout() time.Duration {
	return time.Duration(p.InitialTimeoutMS) * time.Millisecond
}

// MinTimeout returns the adaptive floor.
func (p ProbeConfig) MinTimeout() time.Duration {
	return time.Duration(p.MinTimeoutMS) * time.Millisecond
}

// MaxTimeout returns the adaptive ceiling.
func (p ProbeConfig) MaxTimeout() time.Duration {
	return time.Duration(p.MaxTimeoutMS) * time.Millisecond
}

// FastSuccess returns the shrink threshold.
func (p ProbeConfig) FastSuccess() time.Duration {
	return time.Duration(p.FastSuccessMS) * time.Millisecond
}

// SlowSuccess returns the grow threshold.
func (p ProbeConfig) SlowSuccess() time.Duration {
	return time.Duration(p.SlowSuccessMS) * time.Millisecond
}

// EmitterConfig tunes the optional MQTT performance-stats emitter. Disabled
// unless a broker is configured.
type EmitterConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		CaptureFPS:      60,
		DisplayFPS:      30,
		FrameBuffer:     16,
		EventBuffer:     32,
		StopTimeoutMS:   2500,
		StatsIntervalMS: 1000,
		Cache: CacheConfig{
			MaxFrames:       100,
			MaxBytes:        200 << 20,
			SweepIntervalMS: 5000,
			StaleAfterMS:    10000,
		},
		Probe: ProbeConfig{
			InitialTimeoutMS: 2000,
			MinTimeoutMS:     1000,
			MaxTimeoutMS:     3000,
			FastSuccessMS:    1000,
			SlowSuccessMS:    3000,
			ShrinkFactor:     0.9,
			GrowSlowFactor:   1.1,
			GrowFailFactor:   1.2,
			PoolSize:         1,
			ResultBuffer:     8,
		},
		Emitter: EmitterConfig{
			ClientID: "capturepipe",
			Topic:    "capturepipe/stats",
			QoS:      1,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults and validates it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("capturepipe: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("capturepipe: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field consistency.
func (c Config) Validate() error {
	if c.CaptureFPS < 10 || c.CaptureFPS > 120 {
		return fmt.Errorf("capturepipe: capture_fps %d out of range [10,120]", c.CaptureFPS)
	}
	if c.DisplayFPS < 5 || c.DisplayFPS > 60 {
		return fmt.Errorf("capturepipe: display_fps %d out of range [5,60]", c.DisplayFPS)
	}
	if c.FrameBuffer <= 0 {
		return fmt.Errorf("capturepipe: frame_buffer must be positive, got %d", c.FrameBuffer)
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("capturepipe: event_buffer must be positive, got %d", c.EventBuffer)
	}
	if c.StopTimeoutMS <= 0 {
		return fmt.Errorf("capturepipe: stop_timeout_ms must be positive, got %d", c.StopTimeoutMS)
	}
	if c.StatsIntervalMS <= 0 {
		return fmt.Errorf("capturepipe: stats_interval_ms must be positive, got %d", c.StatsIntervalMS)
	}
	if c.Cache.MaxFrames <= 0 {
		return fmt.Errorf("capturepipe: cache.max_frames must be positive, got %d", c.Cache.MaxFrames)
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("capturepipe: cache.max_bytes must be positive, got %d", c.Cache.MaxBytes)
	}
	if err := c.Probe.Validate(); err != nil {
		return err
	}
	if c.Emitter.Enabled && c.Emitter.Broker == "" {
		return fmt.Errorf("capturepipe: emitter enabled without a broker")
	}
	return nil
}

// Validate checks the probe tuning for consistency.
func (p ProbeConfig) Validate() error {
	if p.MinTimeoutMS <= 0 || p.MaxTimeoutMS < p.MinTimeoutMS {
		return fmt.Errorf("capturepipe: probe timeout bounds [%dms,%dms] invalid", p.MinTimeoutMS, p.MaxTimeoutMS)
	}
	if p.InitialTimeoutMS < p.MinTimeoutMS || p.InitialTimeoutMS > p.MaxTimeoutMS {
		return fmt.Errorf("capturepipe: probe initial_timeout_ms %d outside [%d,%d]",
			p.InitialTimeoutMS, p.MinTimeoutMS, p.MaxTimeoutMS)
	}
	if p.ShrinkFactor <= 0 || p.ShrinkFactor > 1 {
		return fmt.Errorf("capturepipe: probe shrink_factor %v out of range (0,1]", p.ShrinkFactor)
	}
	if p.GrowSlowFactor < 1 || p.GrowFailFactor < 1 {
		return fmt.Errorf("capturepipe: probe grow factors must be >= 1")
	}
	if p.PoolSize < 1 || p.PoolSize > 2 {
		return fmt.Errorf("capturepipe: probe pool_size %d out of range [1,2]", p.PoolSize)
	}
	if p.ResultBuffer <= 0 {
		return fmt.Errorf("capturepipe: probe result_buffer must be positive, got %d", p.ResultBuffer)
	}
	return nil
}
