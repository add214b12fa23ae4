// Package swap implements the double-buffer latest-frame holder at the heart
// of the pipeline.
//
// Philosophy: "Drop frames, never queue. Latency > Completeness."
//
// Two alternating slots hold at most one published frame each; exactly one
// slot is "current" at any time. Writers copy into the inactive slot and flip
// the current pointer under a single short-held mutex, so readers always
// observe a fully written frame and never a partially overwritten one.
// Frames published between two Latest() calls are silently lost: the buffer
// trades completeness for a bounded two-slot footprint.
package swap

import (
	"sync"
	"sync/atomic"

	"github.com/visiona/capturepipe/internal/frame"
)

// Stats is a snapshot of buffer counters.
type Stats struct {
	// Frames is the number of successful Put calls.
	Frames uint64

	// Drops is the number of Put calls that failed (nil frame or copy
	// failure). Overwritten-but-unread frames are NOT drops here: latest-wins
	// overwriting is the buffer's contract, not a failure.
	Drops uint64

	// Current names the slot holding the latest frame ("a" or "b").
	Current string

	// HasFrame reports whether the buffer was ever populated.
	HasFrame bool
}

// Buffer is the double-buffer swap holder.
//
// Thread-safety: all methods safe for concurrent use. Put and Latest each
// hold the mutex only for a pointer flip plus counter update; the frame copy
// happens once inside Put (copy-in), and Latest returns the shared read-only
// frame without copying (copy-out avoided by the immutability contract).
type Buffer struct {
	mu      sync.Mutex
	slotA   *frame.Frame
	slotB   *frame.Frame
	current byte // 'a' or 'b'

	frames uint64 // atomic
	drops  uint64 // atomic
}

// New creates an empty buffer with slot "a" current.
func New() *Buffer {
	return &Buffer{current: 'a'}
}

// Put copies f into the inactive slot and atomically flips which slot is
// current. Never blocks beyond the short mutex hold and never returns an
// error to the caller's control flow: a nil frame is counted as a drop and
// reported as false.
func (b *Buffer) Put(f *frame.Frame) bool {
	if f == nil {
		atomic.AddUint64(&b.drops, 1)
		return false
	}

	// Copy before taking the lock: the copy dominates the cost and must not
	// extend the critical section.
	c := f.Clone()

	b.mu.Lock()
	if b.current == 'a' {
		b.slotB = c
		b.current = 'b'
	} else {
		b.slotA = c
		b.current = 'a'
	}
	b.mu.Unlock()

	atomic.AddUint64(&b.frames, 1)
	return true
}

// Latest returns the current slot's frame without copying, or nil if the
// buffer was never populated. The returned frame is shared: callers must
// treat it as read-only.
func (b *Buffer) Latest() *frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == 'a' {
		return b.slotA
	}
	return b.slotB
}

// Stats returns a non-blocking snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	current := string(b.current)
	has := b.slotA != nil || b.slotB != nil
	b.mu.Unlock()

	return Stats{
		Frames:   atomic.LoadUint64(&b.frames),
		Drops:    atomic.LoadUint64(&b.drops),
		Current:  current,
		HasFrame: has,
	}
}
