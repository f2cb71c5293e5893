// ABOUTME: Linear-interpolation resampler with an adjustable warp factor
// ABOUTME: Keeps position and last sample across calls so chunk edges stay continuous
package resample

// Resampler converts one channel of audio by linear interpolation.
// The ratio is input samples per output sample; a warp w sets it to 1/(1+w),
// so a positive warp stretches the input and a negative warp compresses it.
type Resampler struct {
	inputRate  int
	outputRate int
	warp       float64
	ratio      float64
	position   float64 // fractional read position; 0 refers to lastSample
	lastSample int32
}

// New creates a resampler for a single channel
func New(inputRate, outputRate int) *Resampler {
	r := &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
	}
	r.SetWarp(0)
	return r
}

// SetWarp sets the fractional rate adjustment on top of the base ratio
func (r *Resampler) SetWarp(warp float64) {
	if warp <= -1 {
		warp = 0
	}
	r.warp = warp
	base := 1.0
	if r.inputRate > 0 && r.outputRate > 0 {
		base = float64(r.inputRate) / float64(r.outputRate)
	}
	r.ratio = base / (1.0 + warp)
}

// Warp returns the current warp factor
func (r *Resampler) Warp() float64 {
	return r.warp
}

// Process interpolates input into output and reports how many input samples
// were consumed and how many output samples were produced. It stops when
// output is full or input is exhausted; unconsumed input should be passed
// again on the next call.
func (r *Resampler) Process(input []int32, output []int32) (consumed, produced int) {
	if len(input) == 0 {
		return 0, 0
	}

	for produced < len(output) {
		idx := int(r.position)
		if idx >= len(input) {
			break
		}

		frac := r.position - float64(idx)

		s0 := r.lastSample
		if idx > 0 {
			s0 = input[idx-1]
		}
		s1 := input[idx]

		output[produced] = int32(float64(s0) + (float64(s1)-float64(s0))*frac)
		produced++
		r.position += r.ratio
	}

	consumed = int(r.position)
	if consumed > len(input) {
		consumed = len(input)
	}
	if consumed > 0 {
		r.lastSample = input[consumed-1]
	}
	r.position -= float64(consumed)

	return consumed, produced
}

// Passthrough moves input to output at unity rate through the same
// one-sample delay Process keeps, so copied and interpolated stretches stay
// in order. The fractional position is left as it was. Returns the number of
// samples moved, which is the shorter of the two slices.
func (r *Resampler) Passthrough(input []int32, output []int32) int {
	n := min(len(input), len(output))
	if n == 0 {
		return 0
	}
	output[0] = r.lastSample
	copy(output[1:n], input[:n-1])
	r.lastSample = input[n-1]
	return n
}

// Reset clears the interpolation phase after a discontinuity. The held
// sample has already been consumed, so it is kept and plays next.
func (r *Resampler) Reset() {
	r.position = 0
}

// OutputSamplesNeeded estimates how many output samples inputSamples will produce
func (r *Resampler) OutputSamplesNeeded(inputSamples int) int {
	return int(float64(inputSamples) / r.ratio)
}

// InputSamplesNeeded estimates how many input samples produce outputSamples
func (r *Resampler) InputSamplesNeeded(outputSamples int) int {
	return int(float64(outputSamples) * r.ratio)
}
