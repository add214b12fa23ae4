package display

import (
	"fmt"
	"sync"

	"github.com/visiona/capturepipe/internal/frame"
)

// maxPlans bounds the conversion-plan cache. Same-shaped frames dominate a
// capture session, so a handful of plans covers steady state; the bound only
// matters when targets change shape repeatedly.
const maxPlans = 10

// shape keys the plan cache: frames with equal dimensions and format share
// one negotiated conversion plan.
type shape struct {
	width  int
	height int
	format frame.PixelFormat
}

// plan holds the negotiated layout for converting one frame shape to RGBA.
type plan struct {
	srcChannels int
	stride      int // destination row stride, 4*width
	pixels      int
}

// Converter turns raw capture frames into presentation-ready RGBA.
//
// The plan cache avoids renegotiating layout (channel count, stride, bounds
// checks) for every frame of the same shape. Each conversion still allocates
// a fresh destination slice: output frames cross goroutine boundaries and
// must not share backing storage.
type Converter struct {
	mu    sync.Mutex
	plans map[shape]*plan
}

// NewConverter creates an empty converter.
func NewConverter() *Converter {
	return &Converter{plans: make(map[shape]*plan)}
}

// Convert produces an RGBA DisplayFrame from a raw frame.
func (c *Converter) Convert(f *frame.Frame) (*frame.DisplayFrame, error) {
	p, err := c.planFor(f)
	if err != nil {
		return nil, err
	}

	dst := make([]byte, p.stride*f.Height)

	switch f.Format {
	case frame.FormatBGRA:
		for i := 0; i < p.pixels; i++ {
			s := i * 4
			d := i * 4
			dst[d+0] = f.Data[s+2] // R
			dst[d+1] = f.Data[s+1] // G
			dst[d+2] = f.Data[s+0] // B
			dst[d+3] = f.Data[s+3] // A
		}
	case frame.FormatBGR:
		for i := 0; i < p.pixels; i++ {
			s := i * 3
			d := i * 4
			dst[d+0] = f.Data[s+2]
			dst[d+1] = f.Data[s+1]
			dst[d+2] = f.Data[s+0]
			dst[d+3] = 0xFF
		}
	case frame.FormatGray:
		for i := 0; i < p.pixels; i++ {
			v := f.Data[i]
			d := i * 4
			dst[d+0] = v
			dst[d+1] = v
			dst[d+2] = v
			dst[d+3] = 0xFF
		}
	}

	return &frame.DisplayFrame{
		Pix:       dst,
		Width:     f.Width,
		Height:    f.Height,
		Stride:    p.stride,
		Timestamp: f.Timestamp,
		Seq:       f.Seq,
	}, nil
}

// planFor returns the cached plan for the frame's shape, negotiating and
// caching a new one on miss.
func (c *Converter) planFor(f *frame.Frame) (*plan, error) {
	if f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("display: invalid frame dimensions %dx%d", f.Width, f.Height)
	}

	ch := f.Format.Channels()
	if ch == 0 {
		return nil, fmt.Errorf("display: unsupported pixel format %v", f.Format)
	}

	pixels := f.Width * f.Height
	if len(f.Data) < pixels*ch {
		return nil, fmt.Errorf(
			"display: short frame data: got %d bytes, need %d (%dx%d %s)",
			len(f.Data), pixels*ch, f.Width, f.Height, f.Format,
		)
	}

	key := shape{width: f.Width, height: f.Height, format: f.Format}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.plans[key]; ok {
		return p, nil
	}

	p := &plan{
		srcChannels: ch,
		stride:      4 * f.Width,
		pixels:      pixels,
	}
	if len(c.plans) < maxPlans {
		c.plans[key] = p
	}
	return p, nil
}

// Clear drops all cached plans.
func (c *Converter) Clear() {
	c.mu.Lock()
	c.plans = make(map[shape]*plan)
	c.mu.Unlock()
}

// CachedPlans returns the number of cached plans (for stats).
func (c *Converter) CachedPlans() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.plans)
}
