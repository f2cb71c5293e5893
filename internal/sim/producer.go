// ABOUTME: Simulated audio producer feeding the playout input rings
// ABOUTME: Generates a tagged 440Hz tone from a source clock that drifts against the reference
package sim

import (
	"context"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Resonate-Protocol/resonate-ttp/pkg/audio"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/audio/ring"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/tag"
)

const (
	DefaultFrequency = 440.0
	DefaultBlockUs   = 10_000
	DefaultLatencyUs = 50_000
)

// Config describes the simulated source
type Config struct {
	SampleRate int
	Channels   int
	BlockUs    int64   // duration of one tagged block at the nominal rate
	LatencyUs  int64   // time-to-play lead over the block's source time
	DriftPPM   float64 // source clock error against the reference clock
	Frequency  float64
	VoidEvery  int // every Nth block carries a void tag; 0 disables
}

// Stats counts what the producer has written
type Stats struct {
	Blocks     int64
	VoidBlocks int64
	Frames     int64
	Stalls     int64 // blocks that waited for input space
}

// Producer writes blocks into per-channel input rings and tags each one
type Producer struct {
	cfg    Config
	in     []*ring.Buffer
	tags   *tag.Stream
	frames int

	startUs int64
	started bool
	block   int64
	index   uint64
	shiftUs int64

	planar [][]int32
	stats  Stats
}

// New creates a producer over one input ring per channel and the tag stream
// attached to channel 0
func New(cfg Config, in []*ring.Buffer, tags *tag.Stream) (*Producer, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sim: sample rate %d", cfg.SampleRate)
	}
	if cfg.Channels != len(in) || len(in) == 0 {
		return nil, fmt.Errorf("sim: %d channels, %d rings", cfg.Channels, len(in))
	}
	if tags == nil {
		return nil, fmt.Errorf("sim: nil tag stream")
	}
	if cfg.BlockUs <= 0 {
		cfg.BlockUs = DefaultBlockUs
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = DefaultFrequency
	}

	frames := int(cfg.BlockUs * int64(cfg.SampleRate) / 1_000_000)
	if frames <= 0 {
		return nil, fmt.Errorf("sim: block of %dus holds no samples", cfg.BlockUs)
	}

	p := &Producer{
		cfg:    cfg,
		in:     in,
		tags:   tags,
		frames: frames,
		planar: make([][]int32, cfg.Channels),
	}
	for i := range p.planar {
		p.planar[i] = make([]int32, frames)
	}
	return p, nil
}

// BlockFrames returns the samples per channel in one block
func (p *Producer) BlockFrames() int {
	return p.frames
}

// Jump shifts the time-to-play of every later block. A negative shift makes
// them late, a positive one early.
func (p *Producer) Jump(deltaUs int64) {
	p.shiftUs += deltaUs
	log.WithField("shift_us", p.shiftUs).Info("Source timeline jumped")
}

// blockSpanUs is one block's duration on the reference clock
func (p *Producer) blockSpanUs() float64 {
	return float64(p.cfg.BlockUs) * (1 + p.cfg.DriftPPM/1e6)
}

// due is the reference time at which block n has been produced
func (p *Producer) due(n int64) int64 {
	return p.startUs + int64(float64(n+1)*p.blockSpanUs())
}

// Produce writes every block that is due at nowUs and returns how many were
// written. A block that does not fit in the input rings waits for the next call.
func (p *Producer) Produce(nowUs int64) int {
	if !p.started {
		p.startUs = nowUs
		p.started = true
	}

	written := 0
	for p.due(p.block) <= nowUs {
		if !p.fits() {
			p.stats.Stalls++
			break
		}
		p.writeBlock()
		written++
	}
	return written
}

func (p *Producer) fits() bool {
	for _, r := range p.in {
		if r.Space() < p.frames {
			return false
		}
	}
	return true
}

func (p *Producer) writeBlock() {
	blk := p.nextBlock()
	for ch, r := range p.in {
		r.Write(blk.Samples[ch])
	}
	p.tags.Append(tag.Tag{
		Length:       blk.Frames() * audio.BytesPerSample,
		Timestamp:    blk.Timestamp,
		PlaybackTime: blk.PlaybackTime,
		RateAdjust:   blk.RateAdjust,
		Void:         blk.Void,
	})

	p.index += uint64(blk.Frames())
	p.block++
	p.stats.Blocks++
	p.stats.Frames += int64(blk.Frames())
	if blk.Void {
		p.stats.VoidBlocks++
	}
}

// nextBlock renders the tone for the current block into the planar scratch
func (p *Producer) nextBlock() audio.Block {
	amplitude := float64(audio.Max24Bit) * 0.5
	for i := 0; i < p.frames; i++ {
		t := float64(p.index+uint64(i)) / float64(p.cfg.SampleRate)
		s := int32(math.Sin(2*math.Pi*p.cfg.Frequency*t) * amplitude)
		for ch := range p.planar {
			p.planar[ch][i] = s
		}
	}

	sourceUs := p.startUs + int64(float64(p.block)*p.blockSpanUs())
	return audio.Block{
		Timestamp:    sourceUs,
		PlaybackTime: sourceUs + p.cfg.LatencyUs + p.shiftUs,
		RateAdjust:   p.cfg.DriftPPM / 1e6,
		Void:         p.cfg.VoidEvery > 0 && p.block%int64(p.cfg.VoidEvery) == int64(p.cfg.VoidEvery-1),
		Samples:      p.planar,
	}
}

// Stats returns the producer counters
func (p *Producer) Stats() Stats {
	return p.stats
}

// Clock is the time source Run reads
type Clock interface {
	NowMicros() int64
}

// Run produces on a wall-clock ticker until ctx is cancelled
func (p *Producer) Run(ctx context.Context, clock Clock, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Produce(clock.NowMicros())
		}
	}
}
