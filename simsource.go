package capturepipe

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SimulatedSource is a deterministic synthetic capture source for tests and
// the demo binary: it renders a moving gradient instead of touching any
// native capture backend. Latency and failure injection knobs exercise the
// timeout, abort and forced-teardown paths.
//
// Safe for reuse: a closed source can be opened again.
type SimulatedSource struct {
	// Width and Height shape the generated frames (defaults 64x48).
	Width, Height int

	// OpenDelay and CaptureDelay simulate native call latency. Open
	// respects context cancellation during the delay.
	OpenDelay    time.Duration
	CaptureDelay time.Duration

	// FailOpen makes every Open fail after its delay.
	FailOpen bool

	// FailFastCapture makes CaptureFrameFast always fail, forcing preview
	// probes onto the validated fallback path.
	FailFastCapture bool

	// HangOnClose makes Close block forever, exercising the bounded
	// teardown and goroutine abandonment path.
	HangOnClose bool

	mu   sync.Mutex
	open bool
	fps  int
	seq  uint64
}

func (s *SimulatedSource) dims() (int, int) {
	w, h := s.Width, s.Height
	if w <= 0 {
		w = 64
	}
	if h <= 0 {
		h = 48
	}
	return w, h
}

// Open simulates resolving and opening a capture target.
func (s *SimulatedSource) Open(ctx context.Context, target Target) error {
	if s.OpenDelay > 0 {
		select {
		case <-time.After(s.OpenDelay):
		case <-ctx.Done():
			return fmt.Errorf("capturepipe: simulated open: %w", ctx.Err())
		}
	}
	if s.FailOpen {
		return fmt.Errorf("capturepipe: simulated open failed for %s", target.String())
	}

	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	return nil
}

// Configure records the requested options.
func (s *SimulatedSource) Configure(opts SourceOptions) error {
	s.mu.Lock()
	s.fps = opts.FPS
	s.mu.Unlock()
	return nil
}

// CaptureFrame generates the next synthetic frame.
func (s *SimulatedSource) CaptureFrame() (*Frame, error) {
	if s.CaptureDelay > 0 {
		time.Sleep(s.CaptureDelay)
	}
	return s.generate()
}

// CaptureFrameFast is the unvalidated capture path.
func (s *SimulatedSource) CaptureFrameFast() (*Frame, error) {
	if s.FailFastCapture {
		return nil, ErrNoFrame
	}
	return s.generate()
}

// Close releases the simulated target.
func (s *SimulatedSource) Close(joinTimeout time.Duration) error {
	if s.HangOnClose {
		select {} // simulated misbehaving native resource
	}

	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}

// generate renders a BGRA gradient that shifts with the sequence number, so
// consecutive frames differ and dedup logic sees real progress.
func (s *SimulatedSource) generate() (*Frame, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, ErrSourceClosed
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	w, h := s.dims()
	data := make([]byte, w*h*4)
	shift := byte(seq)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			data[i+0] = byte(x) + shift // B
			data[i+1] = byte(y)         // G
			data[i+2] = shift           // R
			data[i+3] = 0xFF            // A
		}
	}

	return &Frame{
		Data:      data,
		Width:     w,
		Height:    h,
		Format:    FormatBGRA,
		Timestamp: time.Now(),
		Seq:       seq,
	}, nil
}
