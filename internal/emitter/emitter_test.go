package emitter

import (
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// TestNewRejectsEmptyBroker validates fail-fast construction.
func TestNewRejectsEmptyBroker(t *testing.T) {
	if _, err := New("", "id", "topic", 0); err == nil {
		t.Error("New accepted an empty broker")
	}
	if _, err := New("tcp://localhost:1883", "id", "", 0); err == nil {
		t.Error("New accepted an empty topic")
	}
}

// TestEmitNeverBlocksWithoutConnection validates the fire-and-forget
// contract: with no broker connected, emissions drop instead of blocking.
func TestEmitNeverBlocksWithoutConnection(t *testing.T) {
	e, err := New("tcp://localhost:1883", "test", "capturepipe/stats", 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			e.EmitStats(StatsPayload{InstanceID: "test", At: time.Now(), Captured: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("EmitStats blocked without a connection")
	}

	stats := e.Stats()
	if stats.Published != 0 {
		t.Errorf("Published = %d without a connection, want 0", stats.Published)
	}
	if stats.Dropped == 0 {
		t.Error("Dropped = 0 after overflowing the queue, want > 0")
	}
}

// TestStatsPayloadRoundTrip validates the wire shape survives msgpack.
func TestStatsPayloadRoundTrip(t *testing.T) {
	in := StatsPayload{
		InstanceID:  "cap-1",
		At:          time.Now().UTC().Truncate(time.Millisecond),
		State:       "capturing",
		Captured:    120,
		Displayed:   60,
		Dropped:     3,
		MeasuredFPS: 59.7,
		MemoryMB:    42.5,
	}

	raw, err := msgpack.Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out StatsPayload
	if err := msgpack.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.InstanceID != in.InstanceID || out.Captured != in.Captured || out.MeasuredFPS != in.MeasuredFPS {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}
}

// TestCloseIdempotent validates repeated Close without a connection.
func TestCloseIdempotent(t *testing.T) {
	e, err := New("tcp://localhost:1883", "test", "capturepipe/stats", 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	e.Close()
	e.Close()
}
