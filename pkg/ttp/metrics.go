// ABOUTME: Buffer level metrics across all channels
// ABOUTME: Converts between sample counts and microseconds at a sample rate
package ttp

import "github.com/Resonate-Protocol/resonate-ttp/pkg/audio"

// SamplesToMicros converts a sample count to microseconds, truncating
func SamplesToMicros(n int, rate int) int64 {
	if rate <= 0 || n <= 0 {
		return 0
	}
	return int64(n) * 1_000_000 / int64(rate)
}

// MicrosToSamples converts microseconds to a sample count, truncating
func MicrosToSamples(us int64, rate int) int {
	if rate <= 0 || us <= 0 {
		return 0
	}
	return int(us * int64(rate) / 1_000_000)
}

// outputSpace is the smallest free space across output channels
func (e *Engine) outputSpace() int {
	space := -1
	for _, ch := range e.channels {
		if s := ch.Out.Space(); space < 0 || s < space {
			space = s
		}
	}
	if space < 0 {
		return 0
	}
	return space
}

// outputData is the smallest buffered level across output channels
func (e *Engine) outputData() int {
	data := -1
	for _, ch := range e.channels {
		if d := ch.Out.Data(); data < 0 || d < data {
			data = d
		}
	}
	if data < 0 {
		return 0
	}
	return data
}

// inputData is the smallest level across input channels, clamped to what
// the tag stream has announced
func (e *Engine) inputData() int {
	data := -1
	for _, ch := range e.channels {
		if d := ch.In.Data(); data < 0 || d < data {
			data = d
		}
	}
	if data < 0 {
		return 0
	}
	if e.tracker.src != nil {
		if avail := e.tracker.src.Available() / audio.BytesPerSample; avail < data {
			data = avail
		}
	}
	return data
}
