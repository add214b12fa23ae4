// Package frame defines the core frame and target types shared by every
// capturepipe subsystem.
//
// This package is INTERNAL - clients use the aliases exported by the parent
// package. Reason: the public root package and the subsystems under
// internal/ need the same types without an import cycle, so the canonical
// definitions live here and the root package re-exports them.
package frame

import "time"

// PixelFormat identifies the channel layout of a frame's pixel data.
type PixelFormat int

const (
	// FormatBGRA is 4 bytes per pixel, the native layout of most desktop
	// capture backends.
	FormatBGRA PixelFormat = iota
	// FormatBGR is 3 bytes per pixel.
	FormatBGR
	// FormatGray is 1 byte per pixel.
	FormatGray
)

// Channels returns the number of bytes per pixel for the format.
func (f PixelFormat) Channels() int {
	switch f {
	case FormatBGRA:
		return 4
	case FormatBGR:
		return 3
	case FormatGray:
		return 1
	default:
		return 0
	}
}

// String returns a human-readable format tag.
func (f PixelFormat) String() string {
	switch f {
	case FormatBGRA:
		return "BGRA"
	case FormatBGR:
		return "BGR"
	case FormatGray:
		return "GRAY"
	default:
		return "unknown"
	}
}

// Frame represents a captured image buffer with immutability contract for
// zero-copy sharing.
//
// IMMUTABILITY CONTRACT:
//   - Producer: MUST NOT modify frame.Data after handing the frame off
//   - Consumers: MUST NOT modify frame.Data (read-only access)
//   - Enforcement: documentation-based (runtime checks would add overhead)
//
// A frame is copied exactly once on its way into shared storage (swap buffer
// or cache); every consumer after that point shares the same backing slice.
type Frame struct {
	// Data contains the raw pixel bytes in the layout described by Format.
	// MUST NOT be modified after the frame is published (shared by reference).
	Data []byte

	// Width of the frame in pixels
	Width int

	// Height of the frame in pixels
	Height int

	// Format describes the channel layout of Data
	Format PixelFormat

	// Timestamp when the frame was captured (source time, not processing time)
	Timestamp time.Time

	// Seq is a monotonically increasing sequence number assigned by the
	// capture worker when the frame is emitted; sources may leave it zero.
	// Used for drop detection and duplicate suppression.
	Seq uint64
}

// SizeBytes returns the memory footprint of the pixel data.
func (f *Frame) SizeBytes() int {
	return len(f.Data)
}

// Clone returns a deep copy of the frame. This is the single copy made when
// a frame crosses from the producer into shared storage.
func (f *Frame) Clone() *Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return &Frame{
		Data:      data,
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Timestamp: f.Timestamp,
		Seq:       f.Seq,
	}
}

// Metadata describes a cached frame. It is always created alongside the
// cached frame and deleted together with it.
type Metadata struct {
	// FrameID is an opaque identifier, unique per submission.
	FrameID string

	// Timestamp mirrors the frame's capture time. Age-based eviction and
	// staleness sweeps order entries by this field.
	Timestamp time.Time

	// Width and Height in pixels
	Width  int
	Height int

	// Format of the underlying pixel data
	Format PixelFormat

	// SizeBytes is the memory footprint counted against the byte budget.
	SizeBytes int
}

// DisplayFrame is a presentation-ready frame: pixel data converted to RGBA
// so a renderer can draw it without further format negotiation.
type DisplayFrame struct {
	// Pix is tightly packed RGBA, 4 bytes per pixel, Stride = 4*Width.
	Pix []byte

	// Width and Height in pixels
	Width  int
	Height int

	// Stride is the byte distance between rows in Pix.
	Stride int

	// Timestamp is the capture time of the source frame.
	Timestamp time.Time

	// Seq is carried over from the source frame.
	Seq uint64
}
