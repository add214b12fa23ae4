package capturepipe

import (
	"testing"
	"time"
)

func probeConfig() ProbeConfig {
	return DefaultConfig().Probe
}

func waitResult(t *testing.T, pm *ProbeManager, timeout time.Duration) ProbeResult {
	t.Helper()
	select {
	case res := <-pm.Results():
		return res
	case <-time.After(timeout):
		t.Fatal("no probe result")
		return ProbeResult{}
	}
}

// TestMonotonicRequestIDs validates that ids are strictly increasing and
// never reused across many issues.
func TestMonotonicRequestIDs(t *testing.T) {
	pm, err := NewProbeManager(probeConfig(), simFactory(&SimulatedSource{}))
	if err != nil {
		t.Fatalf("NewProbeManager failed: %v", err)
	}
	defer pm.Close()

	var last uint64
	for i := 0; i < 50; i++ {
		id := pm.Issue(ProbeTest, Target{Kind: TargetMonitor})
		if id <= last {
			t.Fatalf("id %d issued after %d, want strictly increasing", id, last)
		}
		last = id
	}
}

// TestSupersession validates the core correctness invariant: issue(A), then
// issue(B) before A resolves: A's late completion is dropped, B's delivered.
func TestSupersession(t *testing.T) {
	pm, err := NewProbeManager(probeConfig(), simFactory(&SimulatedSource{OpenDelay: 150 * time.Millisecond}))
	if err != nil {
		t.Fatalf("NewProbeManager failed: %v", err)
	}
	defer pm.Close()

	a := pm.Issue(ProbeTest, Target{Kind: TargetTitle, Title: "A"})
	b := pm.Issue(ProbeTest, Target{Kind: TargetTitle, Title: "B"})

	res := waitResult(t, pm, 2*time.Second)
	if res.RequestID != b {
		t.Errorf("delivered result for request %d, want %d (the superseding one)", res.RequestID, b)
	}

	// A's late completion must never surface.
	select {
	case late := <-pm.Results():
		t.Errorf("stale result for request %d delivered (issued as %d)", late.RequestID, a)
	case <-time.After(400 * time.Millisecond):
	}

	if _, active := pm.Active(); active {
		t.Error("active id not cleared after delivery")
	}
}

// TestCancelNeutralizesResult validates that Cancel drops the in-flight
// probe's eventual result without waiting for the task.
func TestCancelNeutralizesResult(t *testing.T) {
	pm, err := NewProbeManager(probeConfig(), simFactory(&SimulatedSource{OpenDelay: 100 * time.Millisecond}))
	if err != nil {
		t.Fatalf("NewProbeManager failed: %v", err)
	}
	defer pm.Close()

	pm.Issue(ProbePreview, Target{Kind: TargetMonitor})
	pm.Cancel()

	if _, active := pm.Active(); active {
		t.Error("Active after Cancel")
	}

	select {
	case res := <-pm.Results():
		t.Errorf("cancelled probe delivered result %d", res.RequestID)
	case <-time.After(500 * time.Millisecond):
	}
}

// TestAdaptiveTimeoutCeiling validates the bounds property: 10 consecutive
// failures push the timeout to the maximum and never beyond.
func TestAdaptiveTimeoutCeiling(t *testing.T) {
	cfg := probeConfig()
	pm, err := NewProbeManager(cfg, simFactory(&SimulatedSource{FailOpen: true}))
	if err != nil {
		t.Fatalf("NewProbeManager failed: %v", err)
	}
	defer pm.Close()

	for i := 0; i < 10; i++ {
		pm.Issue(ProbeTest, Target{Kind: TargetMonitor})
		res := waitResult(t, pm, 2*time.Second)
		if res.OK {
			t.Fatal("probe against failing source reported success")
		}
		if got := pm.AdaptiveTimeout(); got > cfg.MaxTimeout() {
			t.Fatalf("timeout %v exceeded ceiling %v after %d failures", got, cfg.MaxTimeout(), i+1)
		}
	}

	if got := pm.AdaptiveTimeout(); got != cfg.MaxTimeout() {
		t.Errorf("timeout after 10 failures = %v, want ceiling %v", got, cfg.MaxTimeout())
	}
}

// TestAdaptiveTimeoutFloor validates that repeated fast successes shrink the
// timeout down to the floor and no further.
func TestAdaptiveTimeoutFloor(t *testing.T) {
	cfg := probeConfig()
	pm, err := NewProbeManager(cfg, simFactory(&SimulatedSource{}))
	if err != nil {
		t.Fatalf("NewProbeManager failed: %v", err)
	}
	defer pm.Close()

	for i := 0; i < 15; i++ {
		pm.Issue(ProbeTest, Target{Kind: TargetMonitor})
		res := waitResult(t, pm, 2*time.Second)
		if !res.OK {
			t.Fatalf("probe %d failed: %v", i, res.Err)
		}
	}

	if got := pm.AdaptiveTimeout(); got != cfg.MinTimeout() {
		t.Errorf("timeout after repeated fast successes = %v, want floor %v", got, cfg.MinTimeout())
	}
}

// TestFastSuccessShrinks validates the first revision step in isolation.
func TestFastSuccessShrinks(t *testing.T) {
	cfg := probeConfig()
	pm, err := NewProbeManager(cfg, simFactory(&SimulatedSource{}))
	if err != nil {
		t.Fatalf("NewProbeManager failed: %v", err)
	}
	defer pm.Close()

	pm.Issue(ProbeTest, Target{Kind: TargetMonitor})
	waitResult(t, pm, 2*time.Second)

	want := time.Duration(float64(cfg.InitialTimeout()) * cfg.ShrinkFactor)
	if got := pm.AdaptiveTimeout(); got != want {
		t.Errorf("timeout after one fast success = %v, want %v", got, want)
	}
}

// TestProbeTestDeliversFrame validates the test-kind probe: full
// open/capture/close yields a frame with the source's shape.
func TestProbeTestDeliversFrame(t *testing.T) {
	pm, err := NewProbeManager(probeConfig(), simFactory(&SimulatedSource{Width: 32, Height: 24}))
	if err != nil {
		t.Fatalf("NewProbeManager failed: %v", err)
	}
	defer pm.Close()

	pm.Issue(ProbeTest, Target{Kind: TargetTitle, Title: "W"})

	res := waitResult(t, pm, 2*time.Second)
	if !res.OK {
		t.Fatalf("probe failed: %v", res.Err)
	}
	if res.Frame == nil || res.Frame.Width != 32 || res.Frame.Height != 24 {
		t.Errorf("probe frame shape wrong: %+v", res.Frame)
	}
	if res.Kind != ProbeTest {
		t.Errorf("result kind = %v, want %v", res.Kind, ProbeTest)
	}
	if res.Duration <= 0 {
		t.Error("result carries no duration")
	}
	if res.TraceID == "" {
		t.Error("result carries no trace id")
	}
}

// TestPreviewFallsBackToValidatedCapture validates the preview path when the
// fast capture never succeeds: the deadline triggers one validated attempt,
// which delivers.
func TestPreviewFallsBackToValidatedCapture(t *testing.T) {
	pm, err := NewProbeManager(probeConfig(), simFactory(&SimulatedSource{FailFastCapture: true}))
	if err != nil {
		t.Fatalf("NewProbeManager failed: %v", err)
	}
	defer pm.Close()

	pm.IssueWithTimeout(ProbePreview, Target{Kind: TargetMonitor}, 100*time.Millisecond)

	res := waitResult(t, pm, 2*time.Second)
	if !res.OK {
		t.Fatalf("preview fallback failed: %v", res.Err)
	}
	if res.Frame == nil {
		t.Error("fallback delivered no frame")
	}
}

// TestInvalidProbeConfigRejected validates fail-fast construction.
func TestInvalidProbeConfigRejected(t *testing.T) {
	cfg := probeConfig()
	cfg.PoolSize = 5

	if _, err := NewProbeManager(cfg, simFactory(&SimulatedSource{})); err == nil {
		t.Error("NewProbeManager accepted pool_size 5")
	}
}
