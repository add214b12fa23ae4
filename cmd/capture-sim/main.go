// capture-sim runs the capture pipeline against the simulated source: it
// probes the target, starts a session, serves Prometheus metrics, and
// optionally publishes stats snapshots over MQTT.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/visiona/capturepipe"
	"github.com/visiona/capturepipe/internal/emitter"
	"github.com/visiona/capturepipe/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults used when empty)")
	metricsAddr := flag.String("metrics", ":9120", "Prometheus metrics listen address")
	title := flag.String("title", "simulated-window", "capture target title")
	logLevel := flag.String("log-level", "info", "log level: debug|info|warn|error")
	flag.Parse()

	setupLogging(*logLevel)

	if err := run(*configPath, *metricsAddr, *title); err != nil {
		slog.Error("capture-sim failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func run(configPath, metricsAddr, title string) error {
	cfg := capturepipe.DefaultConfig()
	if configPath != "" {
		loaded, err := capturepipe.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	factory := func() capturepipe.CaptureSource {
		return &capturepipe.SimulatedSource{Width: 320, Height: 240}
	}
	target := capturepipe.Target{Kind: capturepipe.TargetTitle, Title: title}

	// Metrics endpoint.
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		slog.Info("metrics listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	// Optional MQTT stats emitter.
	var em *emitter.Emitter
	if cfg.Emitter.Enabled {
		var err error
		em, err = emitter.New(cfg.Emitter.Broker, cfg.Emitter.ClientID, cfg.Emitter.Topic, cfg.Emitter.QoS)
		if err != nil {
			return err
		}
		if err := em.Connect(); err != nil {
			return err
		}
		defer em.Close()
	}

	// Validate the target with a test probe before committing to a session.
	pm, err := capturepipe.NewProbeManager(cfg.Probe, factory)
	if err != nil {
		return err
	}
	defer pm.Close()

	pm.Issue(capturepipe.ProbeTest, target)
	select {
	case res := <-pm.Results():
		m.ObserveProbe(res.Kind.String(), res.OK, res.Duration)
		if !res.OK {
			return fmt.Errorf("target probe failed: %w", res.Err)
		}
		slog.Info("target probe succeeded",
			"request_id", res.RequestID,
			"duration", res.Duration,
			"shape", fmt.Sprintf("%dx%d", res.Frame.Width, res.Frame.Height))
	case <-time.After(cfg.Probe.MaxTimeout() + time.Second):
		return fmt.Errorf("target probe produced no result")
	}

	sm, err := capturepipe.NewSessionManager(cfg, factory)
	if err != nil {
		return err
	}
	defer sm.Close()

	if err := sm.StartCapture(target); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var frames uint64
	for {
		select {
		case df := <-sm.Frames():
			frames++
			if frames%100 == 0 {
				slog.Info("frames flowing", "count", frames, "seq", df.Seq,
					"shape", fmt.Sprintf("%dx%d", df.Width, df.Height))
			}

		case ev := <-sm.Events():
			switch ev.Kind {
			case capturepipe.EventStarted:
				slog.Info("session started", "target", ev.Target.String())

			case capturepipe.EventStopped:
				slog.Info("session stopped")

			case capturepipe.EventError:
				slog.Warn("capture error", "op", ev.Op, "error", ev.Err)
				if em != nil {
					em.EmitError(emitter.ErrorPayload{
						InstanceID: cfg.Emitter.ClientID,
						At:         ev.At,
						Op:         ev.Op,
						Message:    ev.Err.Error(),
					})
				}

			case capturepipe.EventStats:
				s := ev.Stats
				m.ObserveSession(metrics.SessionSnapshot{
					Capturing:   s.State == capturepipe.StateCapturing,
					Captured:    s.Captured,
					Displayed:   s.Displayed,
					Dropped:     s.Dropped,
					CaptureErrs: s.CaptureErrs,
					MeasuredFPS: s.MeasuredFPS,
					CacheBytes:  int64(s.MemoryMB * (1 << 20)),
					CacheFrames: s.CacheFrames,
					CacheHits:   s.CacheHits,
					CacheMisses: s.CacheMisses,
				})
				if em != nil {
					em.EmitStats(emitter.StatsPayload{
						InstanceID:  cfg.Emitter.ClientID,
						At:          ev.At,
						State:       s.State.String(),
						Captured:    s.Captured,
						Displayed:   s.Displayed,
						Dropped:     s.Dropped,
						CaptureErrs: s.CaptureErrs,
						MeasuredFPS: s.MeasuredFPS,
						MemoryMB:    s.MemoryMB,
					})
				}
				slog.Debug("stats", "captured", s.Captured, "displayed", s.Displayed,
					"fps", fmt.Sprintf("%.1f", s.MeasuredFPS), "memory_mb", fmt.Sprintf("%.1f", s.MemoryMB))
			}

		case s := <-sig:
			slog.Info("shutting down", "signal", s.String())
			return sm.Close()
		}
	}
}
