// ABOUTME: Timing error computation and late/on-time/early classification
// ABOUTME: Samples clock and output level together under the engine guard
package ttp

import "fmt"

// Status classifies a tag's timing error
type Status int

const (
	Late Status = iota + 1
	OnTime
	Early
)

func (s Status) String() string {
	switch s {
	case Late:
		return "late"
	case OnTime:
		return "on-time"
	case Early:
		return "early"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Classify compares a signed error against a symmetric threshold
func Classify(errUs, thresholdUs int64) Status {
	switch {
	case errUs < -thresholdUs:
		return Late
	case errUs > thresholdUs:
		return Early
	}
	return OnTime
}

// snapshot reads the clock and the output level as one observation
func (e *Engine) snapshot() (nowUs int64, outData int) {
	e.guard.Lock()
	nowUs = e.cfg.Clock.NowMicros()
	outData = e.outputData()
	e.guard.Unlock()
	return nowUs, outData
}

// timingError is how far ahead of the output position a time-to-play lies.
// Positive means the tag is early, negative means it is late.
func (e *Engine) timingError(playbackUs int64) int64 {
	now, data := e.snapshot()
	lookahead := SamplesToMicros(data, e.cfg.SampleRate) + e.delayUs.Load()
	return playbackUs - (now + lookahead)
}

func (e *Engine) tighten() {
	e.threshold = TightThresholdUs
}

func (e *Engine) widen() {
	e.threshold = LooseThresholdUs
}
