package frame

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoFrame is returned by CaptureFrame/CaptureFrameFast when the
	// backend has no frame ready yet. Not a failure: callers skip and retry
	// on the next tick.
	ErrNoFrame = errors.New("capture source: no frame available")

	// ErrSourceClosed is returned when capture is attempted on a source that
	// is not open.
	ErrSourceClosed = errors.New("capture source: not open")
)

// SourceOptions configures an open capture source.
type SourceOptions struct {
	// FPS is the backend-side capture rate hint.
	FPS int

	// IncludeCursor draws the cursor into captured frames.
	IncludeCursor bool

	// BorderRequired keeps the OS capture border indicator.
	BorderRequired bool

	// RestoreMinimized restores a minimized target window before capture.
	RestoreMinimized bool
}

// CaptureSource is the contract for the native screen/window capture backend.
//
// The backend is an external collaborator: capturepipe never implements OS
// capture itself, it only coordinates one. Implementations must guarantee:
//   - Open respects ctx cancellation/deadline and never blocks past it
//   - CaptureFrame/CaptureFrameFast return ErrNoFrame while warming up
//   - Close is idempotent and bounded by joinTimeout
//
// Implementations need not populate Frame.Seq: the capture worker numbers
// every emitted frame itself.
//
// Thread-safety is NOT required: capturepipe serializes all calls inside a
// single worker goroutine (probe tasks use a dedicated source instance each).
type CaptureSource interface {
	// Open resolves the target and starts the native capture session.
	Open(ctx context.Context, target Target) error

	// Configure applies backend options. Valid only while open.
	Configure(opts SourceOptions) error

	// CaptureFrame grabs one validated frame, or ErrNoFrame if none is ready.
	CaptureFrame() (*Frame, error)

	// CaptureFrameFast grabs one frame skipping validation, or ErrNoFrame.
	CaptureFrameFast() (*Frame, error)

	// Close releases the native session, waiting at most joinTimeout for
	// backend resources to be released.
	Close(joinTimeout time.Duration) error
}

// SourceFactory produces a fresh CaptureSource. Probe tasks open their own
// short-lived source so they never contend with a running session's backend.
type SourceFactory func() CaptureSource
