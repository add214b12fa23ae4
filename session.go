package capturepipe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiona/capturepipe/internal/cache"
	"github.com/visiona/capturepipe/internal/pipeline"
	"github.com/visiona/capturepipe/internal/worker"
)

// fpsWindow is the number of recent frame arrivals used to derive the
// measured capture rate.
const fpsWindow = 60

// SessionManager is the caller-facing capture façade.
//
// Contract: StartCapture, StopCapture and SetFPS never block on the capture
// backend: they enqueue commands to the worker goroutine that owns it.
// Results arrive on Events(); presentation frames on Frames(). One live
// session at a time: starting while a session is pending or active first
// ends the old one.
//
// Stop is optimistic: the manager reports "not capturing" the moment stop is
// requested, while the worker closes the source asynchronously and confirms
// with a stop acknowledgment.
type SessionManager struct {
	cfg Config

	w     *worker.Worker
	pipe  *pipeline.Orchestrator
	cache *cache.Cache

	events  chan Event
	stopAck chan struct{}

	state      atomic.Int32
	captureFPS atomic.Int32
	closed     atomic.Bool

	mu          sync.Mutex
	target      Target
	baseWorker  worker.Stats // counters at session start, for per-session stats
	basePipe    pipeline.Stats
	frameTimes  []time.Time
	eventDrops  uint64

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewSessionManager builds a manager around a capture source factory. The
// pipeline starts immediately; no frames flow until StartCapture.
func NewSessionManager(cfg Config, factory SourceFactory) (*SessionManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("capturepipe: nil source factory")
	}

	w, err := worker.New(factory, cfg.EventBuffer)
	if err != nil {
		return nil, fmt.Errorf("capturepipe: %w", err)
	}

	sm := &SessionManager{
		cfg:  cfg,
		w:    w,
		pipe: pipeline.New(cfg.CaptureFPS, cfg.DisplayFPS, cfg.FrameBuffer),
		cache: cache.New(cache.Config{
			MaxFrames:     cfg.Cache.MaxFrames,
			MaxBytes:      cfg.Cache.MaxBytes,
			SweepInterval: cfg.Cache.SweepInterval(),
			StaleAfter:    cfg.Cache.StaleAfter(),
			TargetRate:    float64(cfg.CaptureFPS),
		}),
		events:  make(chan Event, cfg.EventBuffer),
		stopAck: make(chan struct{}, 1),
	}
	sm.captureFPS.Store(int32(cfg.CaptureFPS))

	ctx, cancel := context.WithCancel(context.Background())
	sm.cancel = cancel

	if err := sm.pipe.Start(ctx); err != nil {
		cancel()
		w.Close(time.Second)
		sm.cache.Close()
		return nil, err
	}

	sm.wg.Add(2)
	go sm.eventLoop(ctx)
	go sm.tickLoop(ctx)
	return sm, nil
}

// Frames returns the presentation frame channel (frame-ready notifications).
func (sm *SessionManager) Frames() <-chan DisplayFrame {
	return sm.pipe.Out()
}

// Events returns the session event channel.
func (sm *SessionManager) Events() <-chan Event {
	return sm.events
}

// State returns the current session state.
func (sm *SessionManager) State() SessionState {
	return SessionState(sm.state.Load())
}

// Capturing reports whether frames are flowing. Stopping counts as not
// capturing (optimistic stop).
func (sm *SessionManager) Capturing() bool {
	return sm.State() == StateCapturing
}

// Target returns the most recently requested capture target.
func (sm *SessionManager) Target() Target {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.target
}

// Cache exposes the addressable frame cache for consumers that need frames
// by id instead of just "latest".
func (sm *SessionManager) Cache() *cache.Cache {
	return sm.cache
}

// StartCapture begins a session against target. Non-blocking: the outcome
// arrives as an EventStarted or EventError on Events(). A pending or active
// session is implicitly ended first.
func (sm *SessionManager) StartCapture(target Target) error {
	if sm.closed.Load() {
		return fmt.Errorf("capturepipe: session manager closed")
	}

	sm.mu.Lock()
	sm.target = target
	// Per-session counters restart from here.
	sm.baseWorker = sm.w.Stats()
	sm.basePipe = sm.pipe.Stats()
	sm.frameTimes = nil
	sm.mu.Unlock()

	sm.state.Store(int32(StateStarting))

	opts := SourceOptions{FPS: int(sm.captureFPS.Load())}
	if !sm.w.RequestStart(target, opts) {
		sm.state.Store(int32(StateIdle))
		return fmt.Errorf("capturepipe: worker command queue full")
	}
	slog.Info("capturepipe: capture start requested", "target", target.String())
	return nil
}

// StopCapture requests the session end. Non-blocking and idempotent: safe
// before any start and safe to repeat. The worker acknowledges every stop.
func (sm *SessionManager) StopCapture() {
	switch sm.State() {
	case StateStarting, StateCapturing:
		sm.state.Store(int32(StateStopping))
	}
	sm.w.RequestStop()
}

// SetFPS changes the capture rate (1..120). The display cadence follows
// automatically: fewer distinct frames mean fewer frame-ready notifications.
func (sm *SessionManager) SetFPS(fps int) {
	if fps < 1 {
		fps = 1
	}
	if fps > 120 {
		fps = 120
	}
	sm.captureFPS.Store(int32(fps))
	sm.w.RequestSetRate(fps)
}

// Close tears the manager down: stop the session, wait a bounded interval
// for the worker's stop acknowledgment, then shut the worker down. A worker
// stuck in a hung native close is abandoned after the bound. Go cannot kill
// a goroutine, so the detached goroutine exits on its own if the native call
// ever returns, and its late events are discarded. Idempotent.
func (sm *SessionManager) Close() error {
	sm.closeOnce.Do(func() {
		sm.closed.Store(true)
		deadline := time.Now().Add(sm.cfg.StopTimeout())

		sm.StopCapture()

		select {
		case <-sm.stopAck:
		case <-time.After(time.Until(deadline)):
			slog.Warn("capturepipe: stop not acknowledged, forcing teardown",
				"timeout", sm.cfg.StopTimeout())
		}

		remaining := time.Until(deadline)
		if remaining < 50*time.Millisecond {
			remaining = 50 * time.Millisecond
		}
		sm.closeErr = sm.w.Close(remaining)

		sm.cancel()
		sm.wg.Wait()
		sm.pipe.Stop()
		sm.cache.Close()
	})
	return sm.closeErr
}

// Stats assembles the per-session performance snapshot.
func (sm *SessionManager) Stats() SessionStats {
	ws := sm.w.Stats()
	ps := sm.pipe.Stats()
	cs := sm.cache.Stats()

	sm.mu.Lock()
	base := sm.baseWorker
	basePipe := sm.basePipe
	fps := sm.measuredFPSLocked()
	eventDrops := sm.eventDrops
	sm.mu.Unlock()

	return SessionStats{
		State:       sm.State(),
		Captured:    ws.Captured - base.Captured,
		Displayed:   ps.Display.Displayed - basePipe.Display.Displayed,
		Dropped:     (ps.SubmitDrops - basePipe.SubmitDrops) + (ps.Display.OutputDrops - basePipe.Display.OutputDrops),
		CaptureErrs: ws.CaptureErrs - base.CaptureErrs,
		MeasuredFPS: fps,
		CaptureFPS:  int(sm.captureFPS.Load()),
		DisplayFPS:  ps.DisplayFPS,
		EventDrops:  eventDrops,
		MemoryMB:    float64(cs.Bytes) / (1 << 20),
		CacheFrames: cs.Entries,
		CacheHits:   cs.Hits,
		CacheMisses: cs.Misses,
	}
}

// measuredFPSLocked derives the observed capture rate from the rolling
// frame-arrival window. Caller holds sm.mu.
func (sm *SessionManager) measuredFPSLocked() float64 {
	n := len(sm.frameTimes)
	if n < 2 {
		return 0
	}
	span := sm.frameTimes[n-1].Sub(sm.frameTimes[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(n-1) / span
}

func (sm *SessionManager) recordFrameTime(t time.Time) {
	sm.mu.Lock()
	sm.frameTimes = append(sm.frameTimes, t)
	if len(sm.frameTimes) > fpsWindow {
		sm.frameTimes = sm.frameTimes[len(sm.frameTimes)-fpsWindow:]
	}
	sm.mu.Unlock()
}

// eventLoop republishes worker events into the caller's channels and feeds
// captured frames into the pipeline and cache.
func (sm *SessionManager) eventLoop(ctx context.Context) {
	defer sm.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-sm.w.Events():
			sm.handleWorkerEvent(ev)

		case w := <-sm.cache.Warnings():
			slog.Warn("capturepipe: cache performance warning",
				"kind", string(w.Kind), "detail", w.Detail)
		}
	}
}

func (sm *SessionManager) handleWorkerEvent(ev worker.Event) {
	switch ev.Kind {
	case worker.EventStarted:
		sm.state.Store(int32(StateCapturing))
		sm.publish(Event{Kind: EventStarted, Target: ev.Target, At: time.Now()})

	case worker.EventStartFailed:
		sm.state.Store(int32(StateStoppedError))
		slog.Warn("capturepipe: capture start failed", "target", ev.Target.String(), "error", ev.Err)
		sm.publish(Event{Kind: EventError, Target: ev.Target, Op: ev.Op, Err: ev.Err, At: time.Now()})

	case worker.EventStopped:
		sm.state.Store(int32(StateIdle))
		select {
		case sm.stopAck <- struct{}{}:
		default:
		}
		sm.publish(Event{Kind: EventStopped, Target: ev.Target, At: time.Now()})

	case worker.EventFrame:
		sm.recordFrameTime(ev.Frame.Timestamp)
		sm.pipe.SubmitRaw(ev.Frame)
		sm.cache.Submit(ev.Frame)

	case worker.EventError:
		slog.Warn("capturepipe: capture error", "op", ev.Op, "error", ev.Err)
		sm.publish(Event{Kind: EventError, Target: ev.Target, Op: ev.Op, Err: ev.Err, At: time.Now()})
	}
}

// tickLoop drives periodic capture requests at the configured rate and the
// stats snapshots. Both timers only enqueue messages or read counters; no
// blocking work happens here.
func (sm *SessionManager) tickLoop(ctx context.Context) {
	defer sm.wg.Done()

	capTicker := time.NewTicker(sm.captureInterval())
	defer capTicker.Stop()
	statsTicker := time.NewTicker(sm.cfg.StatsInterval())
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-capTicker.C:
			capTicker.Reset(sm.captureInterval())
			if sm.State() == StateCapturing {
				sm.w.RequestCapture()
			}

		case <-statsTicker.C:
			if sm.State() == StateCapturing {
				sm.publish(Event{Kind: EventStats, Stats: sm.Stats(), At: time.Now()})
			}
		}
	}
}

func (sm *SessionManager) captureInterval() time.Duration {
	fps := sm.captureFPS.Load()
	if fps < 1 {
		fps = 1
	}
	return time.Second / time.Duration(fps)
}

// publish delivers an event without blocking; a full channel drops it.
func (sm *SessionManager) publish(ev Event) {
	select {
	case sm.events <- ev:
	default:
		sm.mu.Lock()
		sm.eventDrops++
		sm.mu.Unlock()
	}
}
