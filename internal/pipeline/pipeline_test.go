package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/visiona/capturepipe/internal/frame"
)

func rawFrame(seq uint64) *frame.Frame {
	data := make([]byte, 4*4*4)
	for i := range data {
		data[i] = byte(seq)
	}
	return &frame.Frame{
		Data: data, Width: 4, Height: 4,
		Format: frame.FormatBGRA, Timestamp: time.Now(), Seq: seq,
	}
}

// TestSubmitNeverBlocks validates the producer contract: raw submission is a
// plain buffer write even with no pipeline running and no reader.
func TestSubmitNeverBlocks(t *testing.T) {
	o := New(60, 30, 1)

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 1000; i++ {
			o.SubmitRaw(rawFrame(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SubmitRaw blocked")
	}

	if got := o.Stats().Received; got != 1000 {
		t.Errorf("Received = %d, want 1000", got)
	}
}

// TestEndToEndFlow validates the full path: a raw frame submitted to the
// orchestrator comes out converted on the display channel.
func TestEndToEndFlow(t *testing.T) {
	o := New(60, 30, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer o.Stop()

	o.SubmitRaw(rawFrame(1))

	select {
	case df := <-o.Out():
		if df.Seq != 1 {
			t.Errorf("emitted Seq = %d, want 1", df.Seq)
		}
		if df.Width != 4 || df.Height != 4 {
			t.Errorf("emitted shape %dx%d, want 4x4", df.Width, df.Height)
		}
	case <-time.After(time.Second):
		t.Fatal("no display frame within 1s")
	}

	stats := o.Stats()
	if stats.Forwarded == 0 {
		t.Error("Forwarded = 0 after an emission")
	}
}

// TestForwardDedup validates that the producer tick forwards a given frame at
// most once even when several ticks pass between submissions.
func TestForwardDedup(t *testing.T) {
	o := New(120, 60, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer o.Stop()

	o.SubmitRaw(rawFrame(42))
	time.Sleep(150 * time.Millisecond)

	if got := o.Stats().Forwarded; got != 1 {
		t.Errorf("Forwarded = %d, want 1 (same frame must not be re-forwarded)", got)
	}
}

// TestDoubleStartRejected validates the single-instance contract.
func TestDoubleStartRejected(t *testing.T) {
	o := New(60, 30, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	defer o.Stop()

	if err := o.Start(ctx); err == nil {
		t.Error("second Start succeeded, want error")
	}
}

// TestSetRatesClamped validates both rate bounds: producer 10..120, display
// 5..60.
func TestSetRatesClamped(t *testing.T) {
	o := New(60, 30, 1)

	o.SetRates(1, 1)
	stats := o.Stats()
	if stats.ProduceFPS != 10 {
		t.Errorf("ProduceFPS = %d, want 10", stats.ProduceFPS)
	}
	if stats.DisplayFPS != 5 {
		t.Errorf("DisplayFPS = %d, want 5", stats.DisplayFPS)
	}

	o.SetRates(1000, 1000)
	stats = o.Stats()
	if stats.ProduceFPS != 120 {
		t.Errorf("ProduceFPS = %d, want 120", stats.ProduceFPS)
	}
	if stats.DisplayFPS != 60 {
		t.Errorf("DisplayFPS = %d, want 60", stats.DisplayFPS)
	}
}

// TestStopIdempotent validates that Stop may be called repeatedly.
func TestStopIdempotent(t *testing.T) {
	o := New(60, 30, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	o.Stop()
	o.Stop() // must not panic or hang
}
