package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/visiona/capturepipe/internal/frame"
)

// fakeSource is a controllable capture source for worker tests. Like a
// minimal real backend, it leaves Frame.Seq at zero.
type fakeSource struct {
	openDelay time.Duration
	openErr   error
	hangClose bool

	opened int32 // atomic
	closed int32 // atomic
}

func (s *fakeSource) Open(ctx context.Context, _ frame.Target) error {
	if s.openDelay > 0 {
		select {
		case <-time.After(s.openDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.openErr != nil {
		return s.openErr
	}
	atomic.AddInt32(&s.opened, 1)
	return nil
}

func (s *fakeSource) Configure(frame.SourceOptions) error { return nil }

func (s *fakeSource) CaptureFrame() (*frame.Frame, error) {
	return &frame.Frame{
		Data: make([]byte, 4), Width: 1, Height: 1,
		Format: frame.FormatBGRA, Timestamp: time.Now(),
	}, nil
}

func (s *fakeSource) CaptureFrameFast() (*frame.Frame, error) { return s.CaptureFrame() }

func (s *fakeSource) Close(time.Duration) error {
	if s.hangClose {
		select {} // never returns
	}
	atomic.AddInt32(&s.closed, 1)
	return nil
}

func waitEvent(t *testing.T, w *Worker, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-w.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %v event within %v", kind, timeout)
		}
	}
}

// TestStartCaptureStop validates the happy path: open, one captured frame,
// stop acknowledgment, source closed exactly once.
func TestStartCaptureStop(t *testing.T) {
	src := &fakeSource{}
	w, err := New(func() frame.CaptureSource { return src }, 32)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Close(time.Second)

	target := frame.Target{Kind: frame.TargetTitle, Title: "W"}
	if !w.RequestStart(target, frame.SourceOptions{FPS: 60}) {
		t.Fatal("RequestStart rejected")
	}
	waitEvent(t, w, EventStarted, time.Second)

	w.RequestCapture()
	ev := waitEvent(t, w, EventFrame, time.Second)
	if ev.Frame == nil {
		t.Fatal("frame event without frame")
	}

	w.RequestStop()
	waitEvent(t, w, EventStopped, time.Second)

	if got := atomic.LoadInt32(&src.closed); got != 1 {
		t.Errorf("source closed %d times, want 1", got)
	}
}

// TestFramesNumberedByWorker validates that emitted frames carry a strictly
// increasing nonzero Seq even when the source leaves it at zero, so
// downstream dedup never mistakes a fresh frame for an already-seen one.
func TestFramesNumberedByWorker(t *testing.T) {
	src := &fakeSource{}
	w, _ := New(func() frame.CaptureSource { return src }, 32)
	defer w.Close(time.Second)

	w.RequestStart(frame.Target{Kind: frame.TargetMonitor}, frame.SourceOptions{})
	waitEvent(t, w, EventStarted, time.Second)

	var last uint64
	for i := 0; i < 5; i++ {
		w.RequestCapture()
		ev := waitEvent(t, w, EventFrame, time.Second)
		if ev.Frame.Seq == 0 {
			t.Fatal("emitted frame left with zero Seq")
		}
		if ev.Frame.Seq <= last {
			t.Fatalf("Seq %d after %d, want strictly increasing", ev.Frame.Seq, last)
		}
		last = ev.Frame.Seq
	}
}

// TestOpenFailureSurfaced validates that a failing open yields a
// start-failed event with the operation name and no started event.
func TestOpenFailureSurfaced(t *testing.T) {
	src := &fakeSource{openErr: errors.New("window not found")}
	w, _ := New(func() frame.CaptureSource { return src }, 32)
	defer w.Close(time.Second)

	w.RequestStart(frame.Target{Kind: frame.TargetTitle, Title: "missing"}, frame.SourceOptions{})

	ev := waitEvent(t, w, EventStartFailed, time.Second)
	if ev.Op != "open" {
		t.Errorf("Op = %q, want %q", ev.Op, "open")
	}
	if ev.Err == nil {
		t.Error("start-failed event without error")
	}
}

// TestStopDuringOpenClosesLateSource validates the late-open contract: a
// stop issued while open is in flight wins, and the successfully opened
// source is closed rather than leaked.
func TestStopDuringOpenClosesLateSource(t *testing.T) {
	src := &fakeSource{openDelay: 100 * time.Millisecond}
	w, _ := New(func() frame.CaptureSource { return src }, 32)
	defer w.Close(time.Second)

	w.RequestStart(frame.Target{Kind: frame.TargetTitle, Title: "W"}, frame.SourceOptions{})
	time.Sleep(20 * time.Millisecond) // let the worker enter Open
	w.RequestStop()

	waitEvent(t, w, EventStartFailed, time.Second)
	waitEvent(t, w, EventStopped, time.Second)

	if got := atomic.LoadInt32(&src.closed); got != 1 {
		t.Errorf("late-succeeding source closed %d times, want 1", got)
	}
}

// TestCaptureRateLimited validates the burst guard: capture commands arriving
// faster than the configured rate are skipped, not executed.
func TestCaptureRateLimited(t *testing.T) {
	src := &fakeSource{}
	w, _ := New(func() frame.CaptureSource { return src }, 256)
	defer w.Close(time.Second)

	w.RequestStart(frame.Target{Kind: frame.TargetMonitor}, frame.SourceOptions{FPS: 10}) // 100ms floor
	waitEvent(t, w, EventStarted, time.Second)

	// 20 requests in well under one 100ms period: at most 2 may capture
	// (one immediately, one after the floor elapses mid-burst).
	for i := 0; i < 20; i++ {
		w.RequestCapture()
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	stats := w.Stats()
	if stats.Captured > 2 {
		t.Errorf("Captured = %d, want <= 2 under a 100ms floor", stats.Captured)
	}
	if stats.RateSkips == 0 {
		t.Error("RateSkips = 0, want > 0")
	}
}

// TestStopWithoutStartAcks validates that stop always acks, open source or
// not, so teardown never waits on a session that was never started.
func TestStopWithoutStartAcks(t *testing.T) {
	w, _ := New(func() frame.CaptureSource { return &fakeSource{} }, 32)
	defer w.Close(time.Second)

	w.RequestStop()
	waitEvent(t, w, EventStopped, time.Second)
}

// TestCloseAbandonsHungSource validates bounded teardown: with a source
// whose close never returns, Close gives up after the timeout instead of
// hanging the caller.
func TestCloseAbandonsHungSource(t *testing.T) {
	src := &fakeSource{hangClose: true}
	w, _ := New(func() frame.CaptureSource { return src }, 32)

	w.RequestStart(frame.Target{Kind: frame.TargetMonitor}, frame.SourceOptions{})
	waitEvent(t, w, EventStarted, time.Second)
	w.RequestStop() // worker goroutine now blocks in Close

	start := time.Now()
	err := w.Close(200 * time.Millisecond)
	if err == nil {
		t.Error("Close returned nil, want timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Close took %v, want ~200ms bound", elapsed)
	}
}

// TestCloseIdempotent validates repeated Close calls.
func TestCloseIdempotent(t *testing.T) {
	w, _ := New(func() frame.CaptureSource { return &fakeSource{} }, 32)

	if err := w.Close(time.Second); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := w.Close(time.Second); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
