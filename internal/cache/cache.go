// Package cache implements a memory-bounded store of recent frames keyed by
// frame id, for consumers that need addressable access instead of just
// "latest".
//
// Two limits apply at once: a slot count and an aggregate byte budget. When
// an insertion would exceed either, the oldest entries by submission time are
// evicted first (strict FIFO-by-age, not LRU-by-access: an old frame that is
// still being read is still old). Submission never blocks: a frame that
// cannot fit even after eviction is dropped and counted.
package cache

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/visiona/capturepipe/internal/frame"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultMaxFrames      = 100
	DefaultMaxBytes       = 200 << 20 // 200 MiB
	DefaultSweepInterval  = 5 * time.Second
	DefaultStaleAfter     = 10 * time.Second
	DefaultWarnProcessing = 50 * time.Millisecond
	DefaultRateWarnFactor = 1.2
)

// WarningKind classifies performance warnings emitted by the cache.
type WarningKind string

const (
	// WarnSlowProcessing fires when a single submission took longer than the
	// configured processing threshold.
	WarnSlowProcessing WarningKind = "slow_processing"

	// WarnHighRate fires when the observed submission rate exceeds the
	// configured target rate by the warn factor. It is a signal for
	// adaptive-rate consumers to throttle upstream.
	WarnHighRate WarningKind = "high_rate"
)

// Warning is a performance signal. Delivery is best-effort: a full warning
// channel drops the warning rather than blocking the submitter.
type Warning struct {
	Kind     WarningKind
	Detail   string
	Observed time.Duration // submission processing time (slow_processing)
	Rate     float64       // observed frames/sec (high_rate)
	At       time.Time
}

// Config tunes cache limits and maintenance behavior.
type Config struct {
	// MaxFrames caps the number of live entries. <=0 selects the default.
	MaxFrames int

	// MaxBytes caps the aggregate frame payload. <=0 selects the default.
	MaxBytes int64

	// SweepInterval is the maintenance period. The sweep removes entries
	// older than StaleAfter regardless of the byte budget, bounding memory
	// even under low submission rate with stalled Release calls.
	SweepInterval time.Duration

	// StaleAfter is the age past which a sweep removes an entry.
	StaleAfter time.Duration

	// TargetRate is the expected submission rate in frames/sec. Zero
	// disables the high-rate warning.
	TargetRate float64

	// WarnProcessing is the per-submission processing time threshold.
	WarnProcessing time.Duration

	// RateWarnFactor scales TargetRate into the high-rate threshold.
	RateWarnFactor float64
}

func (c Config) withDefaults() Config {
	if c.MaxFrames <= 0 {
		c.MaxFrames = DefaultMaxFrames
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.WarnProcessing <= 0 {
		c.WarnProcessing = DefaultWarnProcessing
	}
	if c.RateWarnFactor <= 0 {
		c.RateWarnFactor = DefaultRateWarnFactor
	}
	return c
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries    int
	Bytes      int64
	MaxFrames  int
	MaxBytes   int64
	Submitted  uint64
	Dropped    uint64
	Evicted    uint64
	SweptStale uint64
	Hits       uint64
	Misses     uint64
	Efficiency float64 // hits / (hits + misses), 0 when no lookups yet
}

type entry struct {
	meta  frame.Metadata
	frame *frame.Frame
	added time.Time
}

// Cache is the memory-bounded frame store.
//
// Thread-safety: one mutex per operation, copy-in on submission only; no I/O
// and no subscriber callbacks run under the lock.
type Cache struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
	order   []string // submission order, oldest first
	bytes   int64
	latest  *entry

	subMu sync.Mutex
	subs  []chan frame.Metadata

	warnings chan Warning

	submitted  uint64 // atomic
	dropped    uint64 // atomic
	evicted    uint64 // atomic
	sweptStale uint64 // atomic
	hits       uint64 // atomic
	misses     uint64 // atomic
	subDrops   uint64 // atomic

	rateMu     sync.Mutex
	rateWindow time.Time
	rateCount  int

	sweepStop chan struct{}
	sweepDone chan struct{}
	stopOnce  sync.Once
}

// New creates a cache and starts its maintenance sweep.
func New(cfg Config) *Cache {
	c := &Cache{
		cfg:       cfg.withDefaults(),
		entries:   make(map[string]*entry),
		warnings:  make(chan Warning, 8),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Close stops the maintenance sweep. Idempotent.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.sweepStop)
		<-c.sweepDone
	})
}

// Warnings returns the performance warning channel.
func (c *Cache) Warnings() <-chan Warning {
	return c.warnings
}

// Subscribe registers a metadata notification channel. Each successful
// submission sends the new frame's metadata; a full channel drops the
// notification (subscribers must keep up or lose signals, never block the
// submitter).
func (c *Cache) Subscribe(buffer int) <-chan frame.Metadata {
	ch := make(chan frame.Metadata, buffer)
	c.subMu.Lock()
	c.subs = append(c.subs, ch)
	c.subMu.Unlock()
	return ch
}

// Submit stores a frame under a fresh id, evicting oldest entries as needed
// to honor both limits. Returns the assigned id and true on success; a frame
// that cannot fit is dropped and counted.
//
// The stored copy is shared between the "latest" pointer and the addressable
// map: one copy, exposed read-only.
func (c *Cache) Submit(f *frame.Frame) (string, bool) {
	return c.SubmitID(uuid.NewString(), f)
}

// SubmitID is Submit with a caller-chosen id. An id collision replaces the
// prior entry.
func (c *Cache) SubmitID(id string, f *frame.Frame) (string, bool) {
	start := time.Now()
	atomic.AddUint64(&c.submitted, 1)

	if f == nil || id == "" {
		atomic.AddUint64(&c.dropped, 1)
		return "", false
	}

	size := int64(f.SizeBytes())
	if size > c.cfg.MaxBytes {
		atomic.AddUint64(&c.dropped, 1)
		slog.Warn("frame-cache: frame exceeds byte budget, dropped",
			"id", id, "size", size, "budget", c.cfg.MaxBytes)
		return "", false
	}

	stored := f.Clone()
	e := &entry{
		meta: frame.Metadata{
			FrameID:   id,
			Timestamp: f.Timestamp,
			Width:     f.Width,
			Height:    f.Height,
			Format:    f.Format,
			SizeBytes: int(size),
		},
		frame: stored,
		added: start,
	}

	c.mu.Lock()
	if old, ok := c.entries[id]; ok {
		c.removeLocked(id, old)
		// Drop the stale order slot so the replacement keeps its new age.
		for i, oid := range c.order {
			if oid == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	for (len(c.entries) >= c.cfg.MaxFrames || c.bytes+size > c.cfg.MaxBytes) && len(c.order) > 0 {
		c.evictOldestLocked()
	}
	c.entries[id] = e
	c.order = append(c.order, id)
	c.bytes += size
	c.latest = e
	c.mu.Unlock()

	c.notify(e.meta)
	c.observeSubmission(start)
	return id, true
}

// evictOldestLocked removes the oldest live entry. Caller holds c.mu.
func (c *Cache) evictOldestLocked() {
	for len(c.order) > 0 {
		id := c.order[0]
		c.order = c.order[1:]
		e, ok := c.entries[id]
		if !ok {
			continue // already released explicitly
		}
		delete(c.entries, id)
		c.bytes -= int64(e.meta.SizeBytes)
		if c.latest == e {
			c.latest = nil
		}
		atomic.AddUint64(&c.evicted, 1)
		return
	}
}

// removeLocked deletes a known entry without touching the order slice (the
// stale order slot is skipped lazily by the evictor). Caller holds c.mu.
func (c *Cache) removeLocked(id string, e *entry) {
	delete(c.entries, id)
	c.bytes -= int64(e.meta.SizeBytes)
	if c.latest == e {
		c.latest = nil
	}
}

// Latest returns the most recently submitted frame, or nil.
func (c *Cache) Latest() *frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return nil
	}
	return c.latest.frame
}

// Get returns the frame stored under id, counting the lookup as a hit or
// miss for the efficiency metric.
func (c *Cache) Get(id string) (*frame.Frame, frame.Metadata, bool) {
	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()

	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return nil, frame.Metadata{}, false
	}
	atomic.AddUint64(&c.hits, 1)
	return e.frame, e.meta, true
}

// Release removes the entry stored under id. Returns false if absent.
func (c *Cache) Release(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return false
	}
	c.removeLocked(id, e)
	return true
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.order = nil
	c.bytes = 0
	c.latest = nil
	c.mu.Unlock()
}

// Efficiency returns hits/(hits+misses), or 0 before any lookup.
func (c *Cache) Efficiency() float64 {
	h := atomic.LoadUint64(&c.hits)
	m := atomic.LoadUint64(&c.misses)
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

// Stats returns a counter snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	bytes := c.bytes
	c.mu.Unlock()

	return Stats{
		Entries:    entries,
		Bytes:      bytes,
		MaxFrames:  c.cfg.MaxFrames,
		MaxBytes:   c.cfg.MaxBytes,
		Submitted:  atomic.LoadUint64(&c.submitted),
		Dropped:    atomic.LoadUint64(&c.dropped),
		Evicted:    atomic.LoadUint64(&c.evicted),
		SweptStale: atomic.LoadUint64(&c.sweptStale),
		Hits:       atomic.LoadUint64(&c.hits),
		Misses:     atomic.LoadUint64(&c.misses),
		Efficiency: c.Efficiency(),
	}
}

func (c *Cache) notify(meta frame.Metadata) {
	c.subMu.Lock()
	subs := c.subs
	c.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- meta:
		default:
			atomic.AddUint64(&c.subDrops, 1)
		}
	}
}

// observeSubmission measures processing time and submission rate, emitting
// warnings past the configured thresholds.
func (c *Cache) observeSubmission(start time.Time) {
	elapsed := time.Since(start)
	if elapsed > c.cfg.WarnProcessing {
		c.warn(Warning{
			Kind:     WarnSlowProcessing,
			Detail:   fmt.Sprintf("submission took %v (threshold %v)", elapsed, c.cfg.WarnProcessing),
			Observed: elapsed,
			At:       time.Now(),
		})
	}

	if c.cfg.TargetRate <= 0 {
		return
	}

	c.rateMu.Lock()
	now := time.Now()
	if c.rateWindow.IsZero() || now.Sub(c.rateWindow) >= time.Second {
		if !c.rateWindow.IsZero() {
			rate := float64(c.rateCount) / now.Sub(c.rateWindow).Seconds()
			if rate > c.cfg.TargetRate*c.cfg.RateWarnFactor {
				c.rateMu.Unlock()
				c.warn(Warning{
					Kind:   WarnHighRate,
					Detail: fmt.Sprintf("submission rate %.1f/s exceeds %.1f/s target", rate, c.cfg.TargetRate),
					Rate:   rate,
					At:     now,
				})
				c.rateMu.Lock()
			}
		}
		c.rateWindow = now
		c.rateCount = 0
	}
	c.rateCount++
	c.rateMu.Unlock()
}

func (c *Cache) warn(w Warning) {
	select {
	case c.warnings <- w:
	default:
	}
}

// sweepLoop removes stale entries on a fixed period until Close.
func (c *Cache) sweepLoop() {
	defer close(c.sweepDone)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.sweepStop:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// sweep removes entries older than StaleAfter. Stale entries sit at the
// front of the order slice, so the scan stops at the first fresh one.
func (c *Cache) sweep(now time.Time) {
	cutoff := now.Add(-c.cfg.StaleAfter)

	c.mu.Lock()
	removed := 0
	for len(c.order) > 0 {
		id := c.order[0]
		e, ok := c.entries[id]
		if !ok {
			c.order = c.order[1:]
			continue
		}
		if e.added.After(cutoff) {
			break
		}
		c.order = c.order[1:]
		c.removeLocked(id, e)
		removed++
	}
	c.mu.Unlock()

	if removed > 0 {
		atomic.AddUint64(&c.sweptStale, uint64(removed))
		slog.Debug("frame-cache: swept stale entries", "removed", removed)
	}
}
