// Package capturepipe implements an asynchronous screen-capture frame
// pipeline: a capture worker that owns the native source, a latest-wins
// frame path to a rate-limited display consumer, a memory-bounded
// addressable frame cache, and a request lifecycle manager for one-shot
// preview/test probes with adaptive timeouts.
//
// # Core Philosophy
//
// "Drop frames, never queue. Latency > Completeness."
//
// Every buffer in the pipeline holds exactly the most recent frame. When a
// consumer falls behind, frames are overwritten or dropped, never queued, so
// latency cannot drift and memory cannot build up. The pipeline trades
// completeness for bounded latency and memory.
//
// # Concurrency Model
//
// One worker goroutine owns all native capture calls (open, capture, close);
// callers communicate with it only through an asynchronous FIFO command
// channel and are guaranteed never to block on the backend, no matter how
// long a native call takes. Timers (producer tick, display tick, capture
// request tick, cache sweep) only touch thread-safe buffers or enqueue
// messages; none of them do blocking work.
//
// # Basic Usage
//
//	cfg := capturepipe.DefaultConfig()
//	sm, err := capturepipe.NewSessionManager(cfg, func() capturepipe.CaptureSource {
//	    return &capturepipe.SimulatedSource{}
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sm.Close()
//
//	sm.StartCapture(capturepipe.Target{Kind: capturepipe.TargetTitle, Title: "Editor"})
//	for df := range sm.Frames() {
//	    render(df) // presentation-ready RGBA
//	}
//
// Probing a target before committing to a session:
//
//	pm, _ := capturepipe.NewProbeManager(cfg.Probe, factory)
//	defer pm.Close()
//
//	pm.Issue(capturepipe.ProbeTest, target)
//	res := <-pm.Results() // only the most recently issued probe delivers
//
// # Teardown Guarantees
//
// SessionManager.Close waits a bounded interval for the worker's stop
// acknowledgment, then abandons a worker stuck in a hung native close. A
// misbehaving backend can delay teardown by at most the configured stop
// timeout (default 2.5s); it can never hang the caller indefinitely.
package capturepipe
