// ABOUTME: Correction policies for late, on-time and early tags
// ABOUTME: Discards late audio, rate-warps on-time audio and pads early audio with silence
package ttp

import (
	log "github.com/sirupsen/logrus"
)

// late drops samples so the tag's remaining audio lines up with its
// time-to-play. Returns true when the run should keep going.
func (e *Engine) late(errUs int64) bool {
	e.cfg.Corrector.Reset()
	e.tighten()

	cur := &e.tracker.cur
	drop := MicrosToSamples(-errUs, e.cfg.SampleRate)
	remaining := cur.remaining

	consumed := min(remaining, drop, e.inputData())
	if consumed > 0 {
		consumed = e.cfg.Pipeline.Discard(e.channels, consumed)
		e.cfg.Pipeline.Reset()
		e.tracker.consume(consumed)
		e.updateStats(func(s *Stats) { s.Discarded += int64(consumed) })
	}

	e.log.WithFields(log.Fields{
		"error_us": errUs,
		"drop":     drop,
		"dropped":  consumed,
	}).Debug("Late tag: discarding")

	switch {
	case consumed >= remaining:
		// Whole tag gone; the next tag gets its own measurement
		return true
	case consumed == drop:
		// Remainder of the tag is on time by construction
		cur.err = 0
		cur.status = OnTime
		return e.onTime(0, false, e.tracker.activeBound(), cur.void)
	default:
		// Out of input; resume from the advanced playback time next run
		cur.status = Late
		return false
	}
}

// early pads the output with silence so the tag starts on time. The tag
// itself is left untouched for the next iteration.
func (e *Engine) early(errUs int64) bool {
	e.cfg.Corrector.Reset()
	e.tighten()
	e.monitor.reset()

	n := MicrosToSamples(errUs, e.cfg.SampleRate)
	if space := e.outputSpace(); n > space {
		n = space
	}
	if n > 0 {
		n = e.cfg.Pipeline.Silence(e.channels, n)
		e.cfg.Pipeline.Reset()
		e.updateStats(func(s *Stats) { s.Silenced += int64(n) })
	}

	e.log.WithFields(log.Fields{
		"error_us": errUs,
		"silence":  n,
	}).Debug("Early tag: inserting silence")

	return n > 0 && e.outputSpace() > e.margin
}

// onTime moves up to bound samples to the output. A new measurement feeds
// the rate corrector; continuations reuse its current output.
func (e *Engine) onTime(errUs int64, measured bool, bound int, void bool) bool {
	var warp float64
	if measured {
		e.widen()
		warp = e.cfg.Corrector.Step(errUs)
	} else {
		warp = e.cfg.Corrector.Warp()
	}

	available := bound
	if in := e.inputData(); in < available {
		available = in
	}
	if room := e.outputSpace() - e.margin; room < available {
		available = room
	}
	if available <= 0 {
		return false
	}

	var consumed, produced int
	if void {
		consumed = e.cfg.Pipeline.Copy(e.channels, available)
		produced = consumed
	} else {
		consumed, produced = e.applyWarp(available, warp)
	}
	e.tracker.consume(consumed)

	e.updateStats(func(s *Stats) {
		s.Consumed += int64(consumed)
		s.Produced += int64(produced)
		s.Warp = warp
	})

	return consumed == available && e.outputSpace() > e.margin
}

// applyWarp processes n samples through the selected rate target
func (e *Engine) applyWarp(n int, warp float64) (consumed, produced int) {
	switch t := e.target.(type) {
	case HardwareWarp:
		if warp != e.lastWarp {
			t.Apply(warp)
			e.lastWarp = warp
		}
	case DelegateOperator:
		if warp != e.lastWarp {
			if err := e.cfg.Delegates.SendRateAdjust(t.ID, warp); err != nil {
				e.log.WithError(err).WithField("delegate", t.ID).Warn("Rate adjust not delivered")
			} else {
				e.lastWarp = warp
			}
		}
	default:
		return e.cfg.Pipeline.Warp(e.channels, n, warp)
	}
	n = e.cfg.Pipeline.Copy(e.channels, n)
	return n, n
}
