// Package display implements the rate-limited display consumer: a timer
// driven loop that pulls the latest frame from a swap buffer at a capped
// cadence, converts it to presentation RGBA, and emits it without ever
// blocking or stopping on a bad frame.
package display

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiona/capturepipe/internal/frame"
	"github.com/visiona/capturepipe/internal/swap"
)

const (
	// minInterval floors the display period at ~60 Hz regardless of the
	// configured rate.
	minInterval = 16 * time.Millisecond

	// statsEvery is the emitted-frame period between aggregated stats
	// snapshots.
	statsEvery = 30
)

// Stats is a snapshot of display-side counters.
type Stats struct {
	// Displayed is the number of frames emitted on the output channel.
	Displayed uint64

	// OutputDrops counts frames dropped because the output channel was full.
	OutputDrops uint64

	// ConvertFailures counts conversion errors (swallowed, loop continues).
	ConvertFailures uint64

	// ConvertTime is the duration of the most recent conversion.
	ConvertTime time.Duration

	// FPS is the configured display rate.
	FPS int

	// CachedPlans is the conversion-plan cache occupancy.
	CachedPlans int

	// Buffer is the consumer-side swap buffer snapshot.
	Buffer swap.Stats
}

// Consumer pulls frames from its buffer at the display cadence and emits
// converted frames.
//
// Goroutine topology: one goroutine (the tick loop), spawned by Start and
// stopped by Stop or ctx cancellation. Submit and SetFPS are safe from any
// goroutine.
type Consumer struct {
	buf  *swap.Buffer
	conv *Converter

	out     chan frame.DisplayFrame
	statsCh chan Stats

	mu       sync.Mutex
	fps      int
	interval time.Duration
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	displayed       uint64 // atomic
	outputDrops     uint64 // atomic
	convertFailures uint64 // atomic
	convertNanos    int64  // atomic, most recent conversion duration

	lastEmit    time.Time // tick-loop local guard against early ticks
	lastEmitSeq uint64    // suppress re-emitting an already displayed frame
}

// NewConsumer creates a consumer with its own swap buffer.
//
// outBuffer sizes the output channel; sends are non-blocking, a full channel
// drops the frame and counts it (the consumer never waits on its reader).
func NewConsumer(fps int, outBuffer int) *Consumer {
	c := &Consumer{
		buf:     swap.New(),
		conv:    NewConverter(),
		out:     make(chan frame.DisplayFrame, outBuffer),
		statsCh: make(chan Stats, 4),
	}
	c.setRate(fps)
	return c
}

// Out returns the presentation frame channel.
func (c *Consumer) Out() <-chan frame.DisplayFrame {
	return c.out
}

// StatsUpdates returns the periodic stats channel (one snapshot per 30
// emitted frames, non-blocking sends).
func (c *Consumer) StatsUpdates() <-chan Stats {
	return c.statsCh
}

// Submit places a frame into the consumer's buffer (latest wins).
func (c *Consumer) Submit(f *frame.Frame) bool {
	return c.buf.Put(f)
}

// Start launches the tick loop. Returns an error if already running.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("display: consumer already started")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop halts the tick loop and waits for it to exit. Idempotent.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
}

// SetFPS changes the display cadence. Takes effect within one tick.
func (c *Consumer) SetFPS(fps int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setRate(fps)
}

func (c *Consumer) setRate(fps int) {
	if fps < 5 {
		fps = 5
	}
	if fps > 60 {
		fps = 60
	}
	c.fps = fps

	interval := time.Second / time.Duration(fps)
	if interval < minInterval {
		interval = minInterval
	}
	c.interval = interval
}

// FPS returns the configured display rate.
func (c *Consumer) FPS() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fps
}

// ClearCache drops the conversion-plan cache.
func (c *Consumer) ClearCache() {
	c.conv.Clear()
}

// run is the tick loop. Conversion failures are logged and swallowed; the
// loop only exits on ctx cancellation.
func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.currentInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			// Pick up rate changes without restarting the loop.
			ticker.Reset(c.currentInterval())
			c.tick(now)
		}
	}
}

func (c *Consumer) currentInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// tick emits at most one converted frame.
func (c *Consumer) tick(now time.Time) {
	// Guard against ticks arriving early after a rate change.
	if !c.lastEmit.IsZero() && now.Sub(c.lastEmit) < c.currentInterval() {
		return
	}

	f := c.buf.Latest()
	if f == nil {
		return
	}

	// A frame is emitted at most once: re-displaying the same frame at the
	// display cadence would only produce duplicate notifications.
	if f.Seq == c.lastEmitSeq && f.Seq != 0 {
		return
	}

	start := time.Now()
	df, err := c.conv.Convert(f)
	atomic.StoreInt64(&c.convertNanos, int64(time.Since(start)))
	if err != nil {
		atomic.AddUint64(&c.convertFailures, 1)
		slog.Warn("display: frame conversion failed", "error", err, "seq", f.Seq)
		return
	}

	select {
	case c.out <- *df:
		c.lastEmit = now
		c.lastEmitSeq = f.Seq
		n := atomic.AddUint64(&c.displayed, 1)
		if n%statsEvery == 0 {
			c.publishStats()
		}
	default:
		atomic.AddUint64(&c.outputDrops, 1)
	}
}

func (c *Consumer) publishStats() {
	select {
	case c.statsCh <- c.Stats():
	default:
	}
}

// Stats returns a non-blocking counter snapshot.
func (c *Consumer) Stats() Stats {
	return Stats{
		Displayed:       atomic.LoadUint64(&c.displayed),
		OutputDrops:     atomic.LoadUint64(&c.outputDrops),
		ConvertFailures: atomic.LoadUint64(&c.convertFailures),
		ConvertTime:     time.Duration(atomic.LoadInt64(&c.convertNanos)),
		FPS:             c.FPS(),
		CachedPlans:     c.conv.CachedPlans(),
		Buffer:          c.buf.Stats(),
	}
}
