// Package pipeline implements the frame pipeline orchestrator: a producer
// side tick that drains the latest submitted raw frame into the display
// consumer, decoupling capture cadence from render cadence.
//
// Two independently configurable rates exist on purpose: the producer may
// run faster than the display to minimize staleness, while the display runs
// only as fast as its reader needs. Both sides are latest-wins buffers, so
// neither rate mismatch nor a slow reader can ever make a producer wait.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiona/capturepipe/internal/display"
	"github.com/visiona/capturepipe/internal/frame"
	"github.com/visiona/capturepipe/internal/swap"
)

// minProduceInterval floors the producer period at ~120 Hz.
const minProduceInterval = 8 * time.Millisecond

// Stats merges producer-side and display-side counters.
type Stats struct {
	// Received is the number of raw frames submitted to the pipeline.
	Received uint64

	// Forwarded is the number of distinct frames handed to the display
	// consumer by the producer tick.
	Forwarded uint64

	// SubmitDrops counts raw submissions rejected by the intake buffer.
	SubmitDrops uint64

	// ProduceFPS and DisplayFPS are the configured rates.
	ProduceFPS int
	DisplayFPS int

	// Intake is the producer-side swap buffer snapshot.
	Intake swap.Stats

	// Display is the display consumer snapshot.
	Display display.Stats
}

// Orchestrator owns the intake buffer, the producer tick, and the display
// consumer.
type Orchestrator struct {
	intake   *swap.Buffer
	consumer *display.Consumer

	mu       sync.Mutex
	fps      int
	interval time.Duration
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	received    uint64 // atomic
	forwarded   uint64 // atomic
	submitDrops uint64 // atomic

	lastForwardSeq uint64 // producer-tick local
}

// New creates an orchestrator with the given producer and display rates.
// outBuffer sizes the display output channel.
func New(produceFPS, displayFPS, outBuffer int) *Orchestrator {
	o := &Orchestrator{
		intake:   swap.New(),
		consumer: display.NewConsumer(displayFPS, outBuffer),
	}
	o.setProduceRate(produceFPS)
	return o
}

// Out returns the presentation frame channel.
func (o *Orchestrator) Out() <-chan frame.DisplayFrame {
	return o.consumer.Out()
}

// StatsUpdates returns the display consumer's periodic stats channel.
func (o *Orchestrator) StatsUpdates() <-chan display.Stats {
	return o.consumer.StatsUpdates()
}

// SubmitRaw places a raw captured frame into the intake buffer. Non-blocking;
// the previous unforwarded frame, if any, is overwritten (latest wins).
func (o *Orchestrator) SubmitRaw(f *frame.Frame) bool {
	atomic.AddUint64(&o.received, 1)
	ok := o.intake.Put(f)
	if !ok {
		atomic.AddUint64(&o.submitDrops, 1)
	}
	return ok
}

// Start launches the producer tick and the display consumer.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return fmt.Errorf("pipeline: already started")
	}

	ctx, o.cancel = context.WithCancel(ctx)
	if err := o.consumer.Start(ctx); err != nil {
		o.cancel()
		return err
	}
	o.running = true

	o.wg.Add(1)
	go o.run(ctx)
	return nil
}

// Stop halts producer and display loops. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	o.consumer.Stop()
}

// SetRates reconfigures producer and display cadence. Both take effect
// within one tick; no restart needed.
func (o *Orchestrator) SetRates(produceFPS, displayFPS int) {
	o.mu.Lock()
	o.setProduceRate(produceFPS)
	o.mu.Unlock()
	o.consumer.SetFPS(displayFPS)
}

func (o *Orchestrator) setProduceRate(fps int) {
	if fps < 10 {
		fps = 10
	}
	if fps > 120 {
		fps = 120
	}
	o.fps = fps

	interval := time.Second / time.Duration(fps)
	if interval < minProduceInterval {
		interval = minProduceInterval
	}
	o.interval = interval
}

func (o *Orchestrator) produceInterval() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interval
}

// ClearCaches resets the display conversion cache.
func (o *Orchestrator) ClearCaches() {
	o.consumer.ClearCache()
}

// run is the producer tick loop: drain the latest intake frame and republish
// it into the display consumer's buffer.
func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.produceInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ticker.Reset(o.produceInterval())

			// Seq is assigned by the capture worker starting at 1, so the
			// zero-initialized lastForwardSeq never masks the first frame.
			f := o.intake.Latest()
			if f == nil || f.Seq == o.lastForwardSeq {
				continue
			}
			o.lastForwardSeq = f.Seq
			o.consumer.Submit(f)
			atomic.AddUint64(&o.forwarded, 1)
		}
	}
}

// Stats returns a merged counter snapshot.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	fps := o.fps
	o.mu.Unlock()

	return Stats{
		Received:    atomic.LoadUint64(&o.received),
		Forwarded:   atomic.LoadUint64(&o.forwarded),
		SubmitDrops: atomic.LoadUint64(&o.submitDrops),
		ProduceFPS:  fps,
		DisplayFPS:  o.consumer.FPS(),
		Intake:      o.intake.Stats(),
		Display:     o.consumer.Stats(),
	}
}
