package capturepipe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ProbeKind selects the probe behavior.
type ProbeKind int

const (
	// ProbePreview grabs a single fast frame: open, poll the fast capture
	// path, fall back to a validated capture just before the deadline.
	ProbePreview ProbeKind = iota

	// ProbeTest runs a full open / validated capture / close cycle to prove
	// the target is capturable before committing to a session.
	ProbeTest
)

func (k ProbeKind) String() string {
	switch k {
	case ProbePreview:
		return "preview"
	case ProbeTest:
		return "test"
	default:
		return "unknown"
	}
}

// ProbeResult is the delivered outcome of the currently active probe.
// Superseded and cancelled probes never produce a result.
type ProbeResult struct {
	RequestID uint64
	TraceID   string
	Kind      ProbeKind
	Target    Target
	OK        bool
	Err       error
	Duration  time.Duration
	Frame     *Frame // nil on failure
}

// previewPollInterval spaces fast-capture attempts inside a preview probe.
const previewPollInterval = 10 * time.Millisecond

// ProbeManager issues, tracks, supersedes and times out one-shot capture
// probes.
//
// Request ids are strictly increasing and never reused. Exactly one request
// is active at a time: issuing a new one supersedes the prior active request,
// whose eventual result is silently discarded. The filter is a single
// compare-and-swap against the active-id field, never object identity or
// captured closures.
//
// The timeout for the next probe adapts to history: fast successes shrink
// it, slow successes and failures grow it, always clamped to the configured
// bounds.
type ProbeManager struct {
	cfg     ProbeConfig
	factory SourceFactory

	seq    atomic.Uint64
	active atomic.Uint64 // 0 = no active request

	timeoutMu sync.Mutex
	timeout   time.Duration

	pool    chan struct{}
	results chan ProbeResult

	staleDrops  uint64 // atomic
	resultDrops uint64 // atomic

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewProbeManager builds a manager with its bounded task pool.
func NewProbeManager(cfg ProbeConfig, factory SourceFactory) (*ProbeManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("capturepipe: nil source factory")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ProbeManager{
		cfg:     cfg,
		factory: factory,
		timeout: cfg.InitialTimeout(),
		pool:    make(chan struct{}, cfg.PoolSize),
		results: make(chan ProbeResult, cfg.ResultBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Results returns the delivered-outcome channel.
func (pm *ProbeManager) Results() <-chan ProbeResult {
	return pm.results
}

// Active returns the currently active request id, if any.
func (pm *ProbeManager) Active() (uint64, bool) {
	id := pm.active.Load()
	return id, id != 0
}

// AdaptiveTimeout returns the timeout the next Issue will use.
func (pm *ProbeManager) AdaptiveTimeout() time.Duration {
	pm.timeoutMu.Lock()
	defer pm.timeoutMu.Unlock()
	return pm.timeout
}

// Issue dispatches a probe with the current adaptive timeout and returns its
// request id. Any prior active request is superseded immediately.
func (pm *ProbeManager) Issue(kind ProbeKind, target Target) uint64 {
	return pm.IssueWithTimeout(kind, target, pm.AdaptiveTimeout())
}

// IssueWithTimeout is Issue with an explicit deadline.
func (pm *ProbeManager) IssueWithTimeout(kind ProbeKind, target Target, timeout time.Duration) uint64 {
	id := pm.seq.Add(1)
	if prev := pm.active.Swap(id); prev != 0 {
		slog.Debug("capturepipe: probe superseded", "superseded", prev, "by", id)
	}

	pm.wg.Add(1)
	go pm.runProbe(id, kind, target, timeout)
	return id
}

// Cancel clears the active id without waiting for the task to stop; the
// id filter neutralizes its eventual result.
func (pm *ProbeManager) Cancel() {
	if prev := pm.active.Swap(0); prev != 0 {
		slog.Debug("capturepipe: probe cancelled", "id", prev)
	}
}

// Close cancels all outstanding probe work and waits for the tasks to
// observe it. Idempotent.
func (pm *ProbeManager) Close() {
	pm.closeOnce.Do(func() {
		pm.Cancel()
		pm.cancel()
		pm.wg.Wait()
	})
}

// runProbe executes one probe task end to end.
func (pm *ProbeManager) runProbe(id uint64, kind ProbeKind, target Target, timeout time.Duration) {
	defer pm.wg.Done()

	// Bounded pool: at most PoolSize probes touch the backend concurrently.
	select {
	case pm.pool <- struct{}{}:
		defer func() { <-pm.pool }()
	case <-pm.ctx.Done():
		return
	}

	// Superseded while queued behind the pool: skip the backend entirely.
	if pm.active.Load() != id {
		atomic.AddUint64(&pm.staleDrops, 1)
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(pm.ctx, timeout)
	f, err := pm.capture(ctx, kind, target)
	cancel()
	duration := time.Since(start)

	// The core filter: only the still-active request may deliver. The swap
	// to zero both claims delivery rights and clears the active slot.
	if !pm.active.CompareAndSwap(id, 0) {
		atomic.AddUint64(&pm.staleDrops, 1)
		slog.Debug("capturepipe: stale probe result dropped", "id", id, "duration", duration)
		return
	}

	ok := err == nil && f != nil
	pm.adapt(ok, duration)

	res := ProbeResult{
		RequestID: id,
		TraceID:   uuid.NewString(),
		Kind:      kind,
		Target:    target,
		OK:        ok,
		Err:       err,
		Duration:  duration,
		Frame:     f,
	}
	select {
	case pm.results <- res:
	default:
		atomic.AddUint64(&pm.resultDrops, 1)
		slog.Warn("capturepipe: probe result dropped, channel full", "id", id)
	}
}

// capture runs the backend interaction for one probe kind.
func (pm *ProbeManager) capture(ctx context.Context, kind ProbeKind, target Target) (*Frame, error) {
	src := pm.factory()
	if err := src.Open(ctx, target); err != nil {
		return nil, fmt.Errorf("capturepipe: probe open: %w", err)
	}
	defer func() {
		if err := src.Close(time.Second); err != nil {
			slog.Warn("capturepipe: probe source close failed", "error", err)
		}
	}()

	switch kind {
	case ProbePreview:
		return pm.previewCapture(ctx, src)
	case ProbeTest:
		f, err := src.CaptureFrame()
		if err != nil {
			return nil, fmt.Errorf("capturepipe: probe capture: %w", err)
		}
		if f == nil {
			return nil, ErrNoFrame
		}
		return f, nil
	default:
		return nil, fmt.Errorf("capturepipe: unknown probe kind %d", kind)
	}
}

// previewCapture polls the fast path until the deadline nears, then makes
// one validated attempt as a fallback.
func (pm *ProbeManager) previewCapture(ctx context.Context, src CaptureSource) (*Frame, error) {
	ticker := time.NewTicker(previewPollInterval)
	defer ticker.Stop()

	for {
		f, err := src.CaptureFrameFast()
		if err == nil && f != nil {
			return f, nil
		}

		select {
		case <-ctx.Done():
			// Last chance: one validated capture before reporting timeout.
			if f, err := src.CaptureFrame(); err == nil && f != nil {
				return f, nil
			}
			return nil, fmt.Errorf("capturepipe: preview probe timed out: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// adapt revises the adaptive timeout from a delivered outcome.
func (pm *ProbeManager) adapt(ok bool, duration time.Duration) {
	pm.timeoutMu.Lock()
	defer pm.timeoutMu.Unlock()

	next := pm.timeout
	switch {
	case ok && duration < pm.cfg.FastSuccess():
		next = time.Duration(float64(next) * pm.cfg.ShrinkFactor)
	case ok && duration > pm.cfg.SlowSuccess():
		next = time.Duration(float64(next) * pm.cfg.GrowSlowFactor)
	case !ok:
		next = time.Duration(float64(next) * pm.cfg.GrowFailFactor)
	}

	if next < pm.cfg.MinTimeout() {
		next = pm.cfg.MinTimeout()
	}
	if next > pm.cfg.MaxTimeout() {
		next = pm.cfg.MaxTimeout()
	}
	pm.timeout = next
}
