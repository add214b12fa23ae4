package capturepipe

import (
	"time"

	"github.com/visiona/capturepipe/internal/frame"
)

// Core frame and target types live in internal/frame so the internal
// pipeline packages can share them without importing the public surface.
// They are re-exported here as aliases; both names refer to the same type.
type (
	Frame         = frame.Frame
	FrameMetadata = frame.Metadata
	DisplayFrame  = frame.DisplayFrame
	PixelFormat   = frame.PixelFormat
	Target        = frame.Target
	TargetKind    = frame.TargetKind
	SourceOptions = frame.SourceOptions
	CaptureSource = frame.CaptureSource
	SourceFactory = frame.SourceFactory
)

// Pixel formats.
const (
	FormatBGRA = frame.FormatBGRA
	FormatBGR  = frame.FormatBGR
	FormatGray = frame.FormatGray
)

// Target kinds.
const (
	TargetWindow  = frame.TargetWindow
	TargetTitle   = frame.TargetTitle
	TargetProcess = frame.TargetProcess
	TargetMonitor = frame.TargetMonitor
)

// Sentinel errors from the capture source contract.
var (
	ErrNoFrame      = frame.ErrNoFrame
	ErrSourceClosed = frame.ErrSourceClosed
)

// SessionState is the capture session lifecycle state.
type SessionState int32

const (
	// StateIdle: no session. The initial state and the state after every
	// completed or failed stop.
	StateIdle SessionState = iota

	// StateStarting: a start was requested; the worker is opening the source.
	StateStarting

	// StateCapturing: the source is open and frames are flowing.
	StateCapturing

	// StateStopping: a stop was requested; the worker has not yet
	// acknowledged. Callers already observe "not capturing".
	StateStopping

	// StateStoppedError: the last session ended with an unrecoverable
	// error. Functionally equivalent to idle; a new start clears it.
	StateStoppedError
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	case StateStoppedError:
		return "stopped-error"
	default:
		return "unknown"
	}
}

// EventKind classifies session events.
type EventKind int

const (
	// EventStarted: the session reached Capturing.
	EventStarted EventKind = iota

	// EventStopped: the worker acknowledged a stop.
	EventStopped

	// EventError: a recoverable capture or session error. Op names the
	// failing operation.
	EventError

	// EventStats: a periodic performance snapshot.
	EventStats
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventError:
		return "error"
	case EventStats:
		return "stats"
	default:
		return "unknown"
	}
}

// Event is a session notification. Delivery is best-effort on a buffered
// channel; a full channel drops the event rather than blocking the session.
type Event struct {
	Kind   EventKind
	Target Target
	Op     string
	Err    error
	Stats  SessionStats
	At     time.Time
}

// SessionStats is the periodic performance snapshot published with
// EventStats and returned by SessionManager.Stats.
type SessionStats struct {
	State       SessionState
	Captured    uint64
	Displayed   uint64
	Dropped     uint64
	CaptureErrs uint64
	MeasuredFPS float64
	CaptureFPS  int
	DisplayFPS  int

	// EventDrops counts session events discarded on a full Events() channel
	// over the manager's lifetime. A growing value means the consumer is not
	// draining Events() fast enough.
	EventDrops uint64

	MemoryMB float64
	CacheFrames int
	CacheHits   uint64
	CacheMisses uint64
}
