// Package metrics exposes capture pipeline counters as Prometheus
// collectors. Collection is pull-based: the Observe helpers copy pipeline
// snapshots into gauges and counters, and the demo binary serves them over
// promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all capture pipeline collectors.
type Metrics struct {
	FramesCaptured  prometheus.Counter
	FramesDisplayed prometheus.Counter
	FramesDropped   prometheus.Counter
	CaptureErrors   prometheus.Counter

	MeasuredFPS prometheus.Gauge
	CacheBytes  prometheus.Gauge
	CacheFrames prometheus.Gauge
	SessionUp   prometheus.Gauge

	CacheLookups *prometheus.CounterVec // result: hit|miss

	ProbeDuration *prometheus.HistogramVec // kind, outcome
	ProbesTotal   *prometheus.CounterVec   // kind, outcome

	// last observed cumulative values, for counter deltas
	lastCaptured  uint64
	lastDisplayed uint64
	lastDropped   uint64
	lastErrs      uint64
	lastHits      uint64
	lastMisses    uint64
}

// New registers all collectors with reg. Pass a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "capturepipe_frames_captured_total",
			Help: "Total frames captured by the worker",
		}),
		FramesDisplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "capturepipe_frames_displayed_total",
			Help: "Total frames emitted on the presentation channel",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "capturepipe_frames_dropped_total",
			Help: "Total frames dropped by latest-wins overwrite or full channels",
		}),
		CaptureErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "capturepipe_capture_errors_total",
			Help: "Total recoverable capture errors",
		}),
		MeasuredFPS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capturepipe_measured_fps",
			Help: "Observed capture rate over the recent frame window",
		}),
		CacheBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capturepipe_cache_bytes",
			Help: "Current frame cache memory footprint in bytes",
		}),
		CacheFrames: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capturepipe_cache_frames",
			Help: "Current frame cache entry count",
		}),
		SessionUp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capturepipe_session_up",
			Help: "1 while a capture session is active",
		}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capturepipe_cache_lookups_total",
			Help: "Addressable cache lookups by result",
		}, []string{"result"}),
		ProbeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capturepipe_probe_duration_seconds",
			Help:    "Probe execution time by kind and outcome",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2, 3, 5},
		}, []string{"kind", "outcome"}),
		ProbesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capturepipe_probes_total",
			Help: "Probes delivered by kind and outcome",
		}, []string{"kind", "outcome"}),
	}
}

// SessionSnapshot is the subset of session stats the collectors consume.
type SessionSnapshot struct {
	Capturing   bool
	Captured    uint64
	Displayed   uint64
	Dropped     uint64
	CaptureErrs uint64
	MeasuredFPS float64
	CacheBytes  int64
	CacheFrames int
	CacheHits   uint64
	CacheMisses uint64
}

// ObserveSession folds a cumulative session snapshot into the collectors.
// Counter deltas are computed against the previous observation; a snapshot
// that went backwards (session restart) resets the baseline.
func (m *Metrics) ObserveSession(s SessionSnapshot) {
	m.FramesCaptured.Add(float64(delta(&m.lastCaptured, s.Captured)))
	m.FramesDisplayed.Add(float64(delta(&m.lastDisplayed, s.Displayed)))
	m.FramesDropped.Add(float64(delta(&m.lastDropped, s.Dropped)))
	m.CaptureErrors.Add(float64(delta(&m.lastErrs, s.CaptureErrs)))
	m.CacheLookups.WithLabelValues("hit").Add(float64(delta(&m.lastHits, s.CacheHits)))
	m.CacheLookups.WithLabelValues("miss").Add(float64(delta(&m.lastMisses, s.CacheMisses)))

	m.MeasuredFPS.Set(s.MeasuredFPS)
	m.CacheBytes.Set(float64(s.CacheBytes))
	m.CacheFrames.Set(float64(s.CacheFrames))
	if s.Capturing {
		m.SessionUp.Set(1)
	} else {
		m.SessionUp.Set(0)
	}
}

// ObserveProbe records one delivered probe outcome.
func (m *Metrics) ObserveProbe(kind string, ok bool, duration time.Duration) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.ProbesTotal.WithLabelValues(kind, outcome).Inc()
	m.ProbeDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())
}

func delta(last *uint64, current uint64) uint64 {
	if current < *last {
		*last = current
		return 0
	}
	d := current - *last
	*last = current
	return d
}
