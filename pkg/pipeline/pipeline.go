// ABOUTME: Sample-moving pipeline between input and output channel buffers
// ABOUTME: Copies, warps through per-channel resamplers, pads and discards in lockstep
package pipeline

import (
	"github.com/Resonate-Protocol/resonate-ttp/pkg/audio/resample"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/ttp"
)

// Pipeline moves audio for a fixed set of channels. All channels advance by
// the same count; channel 0's counts are reported.
type Pipeline struct {
	rs  []*resample.Resampler
	in  []int32
	out []int32
}

// New creates a pipeline with one resampler per channel at a fixed rate
func New(channels, sampleRate int) *Pipeline {
	p := &Pipeline{rs: make([]*resample.Resampler, channels)}
	for i := range p.rs {
		p.rs[i] = resample.New(sampleRate, sampleRate)
	}
	return p
}

// Channels returns the number of channels the pipeline was built for
func (p *Pipeline) Channels() int {
	return len(p.rs)
}

// Copy moves up to n samples unmodified from each input to its output,
// through each channel's resampler delay
func (p *Pipeline) Copy(ch []ttp.Channel, n int) int {
	n = min(n, minData(ch), minSpace(ch))
	if n <= 0 {
		return 0
	}
	in := p.scratchIn(n)
	out := p.scratchOut(n)
	for i, c := range ch {
		got := c.In.Read(in)
		moved := p.rs[i].Passthrough(in[:got], out)
		c.Out.Write(out[:moved])
	}
	return n
}

// Warp feeds up to n input samples per channel through the resamplers
func (p *Pipeline) Warp(ch []ttp.Channel, n int, warp float64) (consumed, produced int) {
	n = min(n, minData(ch))
	space := minSpace(ch)
	if n <= 0 || space <= 0 {
		return 0, 0
	}

	in := p.scratchIn(n)
	out := p.scratchOut(space)
	for i, c := range ch {
		r := p.rs[i]
		r.SetWarp(warp)

		got := c.In.Peek(in)
		used, made := r.Process(in[:got], out)
		c.Out.Write(out[:made])
		c.In.Discard(used)

		if i == 0 {
			consumed, produced = used, made
		}
	}
	return consumed, produced
}

// Silence writes up to n zero samples to every output
func (p *Pipeline) Silence(ch []ttp.Channel, n int) int {
	n = min(n, minSpace(ch))
	if n <= 0 {
		return 0
	}
	zero := p.scratchIn(1)
	zero[0] = 0
	held := p.scratchOut(1)
	for i, c := range ch {
		// The held sample precedes the silence; a zero takes its place
		p.rs[i].Passthrough(zero, held)
		c.Out.Write(held)
		c.Out.WriteSilence(n - 1)
	}
	return n
}

// Discard drops up to n samples from every input
func (p *Pipeline) Discard(ch []ttp.Channel, n int) int {
	n = min(n, minData(ch))
	if n <= 0 {
		return 0
	}
	for _, c := range ch {
		c.In.Discard(n)
	}
	return n
}

// Reset clears the resamplers' interpolation phase after a discontinuity
func (p *Pipeline) Reset() {
	for _, r := range p.rs {
		r.Reset()
	}
}

func (p *Pipeline) scratchIn(n int) []int32 {
	if cap(p.in) < n {
		p.in = make([]int32, n)
	}
	return p.in[:n]
}

func (p *Pipeline) scratchOut(n int) []int32 {
	if cap(p.out) < n {
		p.out = make([]int32, n)
	}
	return p.out[:n]
}

func minData(ch []ttp.Channel) int {
	if len(ch) == 0 {
		return 0
	}
	n := ch[0].In.Data()
	for _, c := range ch[1:] {
		n = min(n, c.In.Data())
	}
	return n
}

func minSpace(ch []ttp.Channel) int {
	if len(ch) == 0 {
		return 0
	}
	n := ch[0].Out.Space()
	for _, c := range ch[1:] {
		n = min(n, c.Out.Space())
	}
	return n
}
