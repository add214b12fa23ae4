package frame

import "fmt"

// TargetKind selects how a capture target is identified.
type TargetKind int

const (
	// TargetWindow identifies a window by its native handle.
	TargetWindow TargetKind = iota
	// TargetTitle identifies a window by title text (optionally substring).
	TargetTitle
	// TargetProcess identifies a window by owning process name.
	TargetProcess
	// TargetMonitor identifies a monitor by index.
	TargetMonitor
)

// String returns a human-readable kind tag.
func (k TargetKind) String() string {
	switch k {
	case TargetWindow:
		return "window"
	case TargetTitle:
		return "title"
	case TargetProcess:
		return "process"
	case TargetMonitor:
		return "monitor"
	default:
		return "unknown"
	}
}

// Target identifies what a capture session or probe should capture.
// A target is resolved once at session start and is immutable for the
// session's lifetime.
type Target struct {
	// Kind selects which of the fields below identifies the target.
	Kind TargetKind

	// Handle is the native window handle (Kind == TargetWindow).
	Handle uintptr

	// Title is the window title text (Kind == TargetTitle).
	Title string

	// Process is the owning process name (Kind == TargetProcess).
	Process string

	// Monitor is the monitor index (Kind == TargetMonitor).
	Monitor int

	// PartialMatch allows substring matching for title/process lookups.
	PartialMatch bool
}

// String returns a compact identifier suitable for logging.
func (t Target) String() string {
	switch t.Kind {
	case TargetWindow:
		return fmt.Sprintf("window:%#x", t.Handle)
	case TargetTitle:
		return fmt.Sprintf("title:%q", t.Title)
	case TargetProcess:
		return fmt.Sprintf("process:%q", t.Process)
	case TargetMonitor:
		return fmt.Sprintf("monitor:%d", t.Monitor)
	default:
		return "target:unknown"
	}
}
