// Package worker runs the external capture source inside one serialized
// goroutine. Open, capture, and close never execute on a caller goroutine;
// callers talk to the worker only through an asynchronous FIFO command
// channel, so a slow or hung native call can never block them.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiona/capturepipe/internal/frame"
)

const (
	// cmdBuffer sizes the command channel. Capture-one commands arrive at
	// tick rate; control commands are rare.
	cmdBuffer = 64

	// defaultOpenTimeout bounds a single source open call.
	defaultOpenTimeout = 5 * time.Second

	// defaultCloseTimeout is the join timeout handed to the source's close.
	defaultCloseTimeout = 2 * time.Second
)

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdCaptureOne
	cmdSetRate
)

type command struct {
	kind   cmdKind
	target frame.Target
	opts   frame.SourceOptions
	fps    int
}

// EventKind classifies worker events.
type EventKind int

const (
	// EventStarted: the source opened and capture may begin.
	EventStarted EventKind = iota

	// EventStartFailed: open failed or was aborted by a stop request.
	EventStartFailed

	// EventStopped: the stop acknowledgment. Emitted for every stop
	// command, whether or not a source was open.
	EventStopped

	// EventFrame carries one captured frame.
	EventFrame

	// EventError carries a recoverable capture error.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventStartFailed:
		return "start-failed"
	case EventStopped:
		return "stopped"
	case EventFrame:
		return "frame"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a message from the worker goroutine to its owner. Control events
// (started, start-failed, stopped) are delivered reliably; frame and error
// events are dropped when the owner falls behind.
type Event struct {
	Kind   EventKind
	Target frame.Target
	Frame  *frame.Frame
	Op     string // operation name for error events
	Err    error
}

// Stats is a snapshot of worker counters.
type Stats struct {
	Captured    uint64
	CaptureErrs uint64
	RateSkips   uint64 // capture commands skipped by the inter-capture floor
	CmdDrops    uint64 // commands rejected on a full channel
	EventDrops  uint64 // frame/error events dropped on a full channel
}

// Worker owns one capture source lifecycle at a time.
type Worker struct {
	factory frame.SourceFactory

	cmds   chan command
	events chan Event

	// stopRequested is set by RequestStop before the stop command is even
	// enqueued, so an open call already in flight can observe it the moment
	// it returns and close a late-succeeding source instead of leaking it.
	stopRequested atomic.Bool

	openTimeout  time.Duration
	closeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once

	captured    uint64 // atomic
	captureErrs uint64 // atomic
	rateSkips   uint64 // atomic
	cmdDrops    uint64 // atomic
	eventDrops  uint64 // atomic
}

// New creates and starts a worker. eventBuffer sizes the event channel.
func New(factory frame.SourceFactory, eventBuffer int) (*Worker, error) {
	if factory == nil {
		return nil, fmt.Errorf("worker: nil source factory")
	}
	if eventBuffer <= 0 {
		eventBuffer = 32
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		factory:      factory,
		cmds:         make(chan command, cmdBuffer),
		events:       make(chan Event, eventBuffer),
		openTimeout:  defaultOpenTimeout,
		closeTimeout: defaultCloseTimeout,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Events returns the worker's event channel.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// RequestStart enqueues a start command. Non-blocking; returns false if the
// command channel is full.
func (w *Worker) RequestStart(target frame.Target, opts frame.SourceOptions) bool {
	w.stopRequested.Store(false)
	return w.enqueue(command{kind: cmdStart, target: target, opts: opts})
}

// RequestStop enqueues a stop command. The stop flag is raised first so an
// in-flight open aborts as soon as it returns.
func (w *Worker) RequestStop() bool {
	w.stopRequested.Store(true)
	return w.enqueue(command{kind: cmdStop})
}

// RequestCapture enqueues a capture-one command. Bursts beyond the
// configured rate are skipped inside the worker, not here.
func (w *Worker) RequestCapture() bool {
	return w.enqueue(command{kind: cmdCaptureOne})
}

// RequestSetRate enqueues a rate change for the inter-capture floor.
func (w *Worker) RequestSetRate(fps int) bool {
	return w.enqueue(command{kind: cmdSetRate, fps: fps})
}

func (w *Worker) enqueue(c command) bool {
	select {
	case w.cmds <- c:
		return true
	default:
		atomic.AddUint64(&w.cmdDrops, 1)
		return false
	}
}

// Close shuts the worker down, waiting up to timeout for the goroutine to
// finish its current native call. On timeout the goroutine is abandoned (it
// exits on its own when the native call eventually returns) and an error is
// returned. Idempotent.
func (w *Worker) Close(timeout time.Duration) error {
	var err error
	w.closeOnce.Do(func() {
		w.stopRequested.Store(true)
		w.cancel()

		select {
		case <-w.done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker: shutdown timed out after %v, goroutine abandoned", timeout)
			slog.Warn("worker: forced termination", "timeout", timeout)
		}
	})
	return err
}

// Stats returns a counter snapshot.
func (w *Worker) Stats() Stats {
	return Stats{
		Captured:    atomic.LoadUint64(&w.captured),
		CaptureErrs: atomic.LoadUint64(&w.captureErrs),
		RateSkips:   atomic.LoadUint64(&w.rateSkips),
		CmdDrops:    atomic.LoadUint64(&w.cmdDrops),
		EventDrops:  atomic.LoadUint64(&w.eventDrops),
	}
}

// run is the worker goroutine. All source calls happen here and only here.
func (w *Worker) run() {
	defer close(w.done)

	var (
		src         frame.CaptureSource
		target      frame.Target
		minInterval time.Duration
		lastCapture time.Time
	)

	closeSource := func() {
		if src == nil {
			return
		}
		if err := src.Close(w.closeTimeout); err != nil {
			slog.Warn("worker: source close failed", "error", err, "target", target)
		}
		src = nil
	}
	defer closeSource()

	for {
		var cmd command
		select {
		case <-w.ctx.Done():
			return
		case cmd = <-w.cmds:
		}

		switch cmd.kind {
		case cmdStart:
			closeSource() // prior session, if any, ends first

			s := w.factory()
			openCtx, cancel := context.WithTimeout(w.ctx, w.openTimeout)
			err := s.Open(openCtx, cmd.target)
			cancel()

			// A stop issued mid-open wins even over a successful open: the
			// late-succeeding source is closed, never leaked.
			if w.stopRequested.Load() {
				if err == nil {
					if cerr := s.Close(w.closeTimeout); cerr != nil {
						slog.Warn("worker: close after aborted open failed", "error", cerr)
					}
				}
				w.emitControl(Event{Kind: EventStartFailed, Target: cmd.target,
					Op: "open", Err: fmt.Errorf("worker: start aborted by stop request")})
				continue
			}
			if err != nil {
				w.emitControl(Event{Kind: EventStartFailed, Target: cmd.target, Op: "open", Err: err})
				continue
			}

			if err := s.Configure(cmd.opts); err != nil {
				slog.Warn("worker: source configure failed", "error", err, "target", cmd.target)
			}
			src = s
			target = cmd.target
			if cmd.opts.FPS > 0 {
				minInterval = time.Second / time.Duration(cmd.opts.FPS)
			}
			lastCapture = time.Time{}
			w.emitControl(Event{Kind: EventStarted, Target: cmd.target})

		case cmdStop:
			closeSource()
			w.stopRequested.Store(false)
			// The ack is emitted unconditionally: the owner's teardown wait
			// keys off it whether or not a source was open.
			w.emitControl(Event{Kind: EventStopped, Target: target})

		case cmdSetRate:
			if cmd.fps > 0 {
				minInterval = time.Second / time.Duration(cmd.fps)
			}

		case cmdCaptureOne:
			if src == nil {
				continue
			}
			// Burst guard: even if the driving timer fires faster than the
			// configured rate, captures keep the minimum spacing.
			now := time.Now()
			if minInterval > 0 && !lastCapture.IsZero() && now.Sub(lastCapture) < minInterval {
				atomic.AddUint64(&w.rateSkips, 1)
				continue
			}

			f, err := src.CaptureFrame()
			if err != nil {
				atomic.AddUint64(&w.captureErrs, 1)
				w.emitLossy(Event{Kind: EventError, Target: target, Op: "capture", Err: err})
				continue
			}
			if f == nil {
				atomic.AddUint64(&w.captureErrs, 1)
				continue
			}
			lastCapture = now
			// Frames are numbered here, not by the source: downstream dedup
			// keys on Seq and the source contract does not require setting it.
			f.Seq = atomic.AddUint64(&w.captured, 1)
			w.emitLossy(Event{Kind: EventFrame, Target: target, Frame: f})
		}
	}
}

// emitControl delivers a control event, waiting if the owner is slow.
// Shutdown unblocks it.
func (w *Worker) emitControl(ev Event) {
	select {
	case w.events <- ev:
	case <-w.ctx.Done():
	}
}

// emitLossy delivers a frame or error event, dropping it if the owner has
// fallen behind.
func (w *Worker) emitLossy(ev Event) {
	select {
	case w.events <- ev:
	default:
		atomic.AddUint64(&w.eventDrops, 1)
	}
}
