// ABOUTME: Headless output that drains rings at a nominal rate with clock error
// ABOUTME: Stands in for a DAC whose crystal runs fast or slow by some ppm
package output

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// Clocked consumes the output rings as a DAC running at
// sampleRate·(1+ppm/1e6) would, without playing anything
type Clocked struct {
	*drain

	ppm        float64
	warp       atomic.Uint64 // float64 bits
	sampleRate int
	channels   int
	carry      float64
	frameBuf   []int32
	sink       func(frames []int32)
}

// NewClocked creates a clocked drain over src. sink, if not nil, receives
// each interleaved chunk after volume is applied.
func NewClocked(src Source, ppm float64, sink func(frames []int32)) *Clocked {
	return &Clocked{drain: newDrain(src), ppm: ppm, sink: sink}
}

// SetWarp stretches (positive) or compresses (negative) playback, the way a
// hardware rate control would
func (c *Clocked) SetWarp(warp float64) {
	if warp <= -1 {
		warp = 0
	}
	c.warp.Store(math.Float64bits(warp))
}

// Open sets the nominal rate
func (c *Clocked) Open(sampleRate, channels int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("clocked: sample rate %d", sampleRate)
	}
	if channels != len(c.src.Rings) {
		return fmt.Errorf("clocked: %d channels requested, %d rings", channels, len(c.src.Rings))
	}
	c.sampleRate = sampleRate
	c.channels = channels
	return nil
}

// Advance consumes the frames the DAC would have played in elapsedUs and
// returns how many were taken from the rings
func (c *Clocked) Advance(elapsedUs int64) int {
	if c.sampleRate == 0 || elapsedUs <= 0 {
		return 0
	}
	warp := math.Float64frombits(c.warp.Load())
	rate := float64(c.sampleRate) * (1 + c.ppm/1e6) / (1 + warp)
	exact := float64(elapsedUs)*rate/1e6 + c.carry
	frames := int(exact)
	c.carry = exact - float64(frames)
	if frames == 0 {
		return 0
	}

	n := frames * c.channels
	if cap(c.frameBuf) < n {
		c.frameBuf = make([]int32, n)
	}
	buf := c.frameBuf[:n]
	got := c.read(buf, frames)
	if c.sink != nil {
		c.sink(buf)
	}
	return got
}

// Run advances on a wall-clock ticker until ctx is cancelled
func (c *Clocked) Run(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			c.Advance(now.Sub(last).Microseconds())
			last = now
		}
	}
}

// Close stops nothing; the drain is driven by its caller
func (c *Clocked) Close() error {
	return nil
}
