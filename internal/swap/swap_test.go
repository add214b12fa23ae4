package swap

import (
	"sync"
	"testing"
	"time"

	"github.com/visiona/capturepipe/internal/frame"
)

func testFrame(seq uint64, tag byte) *frame.Frame {
	return &frame.Frame{
		Data:      []byte{tag, tag, tag, tag},
		Width:     1,
		Height:    1,
		Format:    frame.FormatBGRA,
		Timestamp: time.Now(),
		Seq:       seq,
	}
}

// TestLatestWins validates the overwrite contract: after any sequence of
// Puts, Latest returns the most recent frame and intermediate frames are
// silently lost.
func TestLatestWins(t *testing.T) {
	b := New()

	if b.Latest() != nil {
		t.Fatal("Latest() on empty buffer should be nil")
	}

	b.Put(testFrame(1, 'A'))
	b.Put(testFrame(2, 'B'))
	b.Put(testFrame(3, 'C'))

	got := b.Latest()
	if got == nil {
		t.Fatal("Latest() returned nil after Put")
	}
	if got.Seq != 3 {
		t.Errorf("Latest().Seq = %d, want 3 (most recent write wins)", got.Seq)
	}

	stats := b.Stats()
	if stats.Frames != 3 {
		t.Errorf("Frames = %d, want 3", stats.Frames)
	}
	if stats.Drops != 0 {
		t.Errorf("Drops = %d, want 0", stats.Drops)
	}
}

// TestPutCopiesFrame validates the copy-in contract: mutating the caller's
// frame after Put must not affect the stored frame.
func TestPutCopiesFrame(t *testing.T) {
	b := New()

	f := testFrame(1, 'X')
	b.Put(f)
	f.Data[0] = 'Y'

	got := b.Latest()
	if got.Data[0] != 'X' {
		t.Errorf("stored frame shares caller's backing slice (got %q, want %q)", got.Data[0], byte('X'))
	}
}

// TestNilFrameCountedAsDrop validates that a nil frame increments the drop
// counter and returns false without affecting the current frame.
func TestNilFrameCountedAsDrop(t *testing.T) {
	b := New()
	b.Put(testFrame(1, 'A'))

	if b.Put(nil) {
		t.Error("Put(nil) = true, want false")
	}

	stats := b.Stats()
	if stats.Drops != 1 {
		t.Errorf("Drops = %d, want 1", stats.Drops)
	}
	if got := b.Latest(); got == nil || got.Seq != 1 {
		t.Error("nil Put must not disturb the current frame")
	}
}

// TestSlotAlternation validates that consecutive Puts alternate the current
// slot, so a reader holding the previous frame is never overwritten in place.
func TestSlotAlternation(t *testing.T) {
	b := New()

	b.Put(testFrame(1, 'A'))
	first := b.Stats().Current
	b.Put(testFrame(2, 'B'))
	second := b.Stats().Current

	if first == second {
		t.Errorf("current slot did not alternate: %q then %q", first, second)
	}
}

// TestConcurrentPutLatest validates non-blocking submission under concurrent
// readers: a writer and several readers run together and every observed
// frame is fully written (all bytes equal).
func TestConcurrentPutLatest(t *testing.T) {
	b := New()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(0); i < 500; i++ {
			tag := byte('A' + i%26)
			b.Put(testFrame(i, tag))
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				f := b.Latest()
				if f == nil {
					continue
				}
				for _, c := range f.Data {
					if c != f.Data[0] {
						t.Error("observed a partially written frame")
						return
					}
				}
			}
		}()
	}

	wg.Wait()
}
