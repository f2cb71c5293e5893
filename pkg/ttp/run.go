// ABOUTME: Periodic run loop and buffer-wrap avoidance
// ABOUTME: Iterates classification and correction until no more progress fits in the period
package ttp

import (
	log "github.com/sirupsen/logrus"

	"github.com/Resonate-Protocol/resonate-ttp/pkg/audio"
)

// Run performs one scheduling period of work. It is the periodic entry
// point and must not be called concurrently with itself.
func (e *Engine) Run() {
	if !e.ready {
		return
	}

	for {
		e.tracker.checkForTags()
		if !e.step() {
			break
		}
	}

	e.avoidWrap()

	level := e.outputData()
	e.updateStats(func(s *Stats) {
		s.Runs++
		s.State = e.State()
		s.Threshold = e.threshold
		s.LateCounter = e.monitor.count
		s.OutputLevel = level
	})
}

// step makes one unit of progress and reports whether to iterate again
func (e *Engine) step() bool {
	if e.startup {
		if f, ok := e.tracker.fields(); ok && !f.Void && e.tracker.tagAvailable() {
			e.startup = false
			e.log.WithField("playback_us", f.PlaybackTime).Info("First tag seen, leaving startup")
			return e.startTag()
		}
		return e.skipLeadIn()
	}

	if e.tracker.active() {
		return e.resume()
	}
	if e.tracker.tagAvailable() {
		return e.startTag()
	}

	// Untimed audio between tags plays at the current rate
	bound := e.tracker.untaggedBound(e.inputData())
	return e.onTime(0, false, bound, false)
}

// startTag classifies the tag at the read offset and corrects for it
func (e *Engine) startTag() bool {
	f, ok := e.tracker.fields()
	if !ok || f.Length < audio.BytesPerSample {
		return false
	}

	if f.Void {
		e.tracker.save(f, 0, OnTime)
		e.updateStats(func(s *Stats) { s.VoidTags++ })
		return e.onTime(0, false, e.tracker.activeBound(), true)
	}

	errUs := e.timingError(f.PlaybackTime)
	status := Classify(errUs, e.threshold)
	e.tracker.save(f, errUs, status)

	e.updateStats(func(s *Stats) {
		s.LastError = errUs
		switch status {
		case Late:
			s.LateTags++
		case Early:
			s.EarlyTags++
		default:
			s.OnTimeTags++
		}
	})

	switch status {
	case Late:
		if e.monitor.late(errUs) {
			e.raiseFault(errUs)
		}
		return e.late(errUs)
	case Early:
		return e.early(errUs)
	default:
		e.monitor.reset()
		return e.onTime(errUs, true, e.tracker.activeBound(), false)
	}
}

// resume continues a tag that was partly played in an earlier iteration
func (e *Engine) resume() bool {
	cur := &e.tracker.cur
	if cur.status != Late {
		return e.onTime(0, false, e.tracker.activeBound(), cur.void)
	}

	// A late tag left over from a short input is measured again from the
	// playback time of its first undropped sample
	errUs := e.timingError(cur.playbackTime(e.cfg.SampleRate))
	cur.err = errUs
	e.updateStats(func(s *Stats) { s.LastError = errUs })

	switch Classify(errUs, e.threshold) {
	case Late:
		return e.late(errUs)
	case Early:
		return e.early(errUs)
	default:
		cur.status = OnTime
		e.monitor.reset()
		return e.onTime(errUs, true, e.tracker.activeBound(), cur.void)
	}
}

// skipLeadIn drops untimed audio ahead of the first real tag during startup
func (e *Engine) skipLeadIn() bool {
	var n int
	if f, ok := e.tracker.fields(); ok && f.Void && e.tracker.tagAvailable() {
		n = f.Length / audio.BytesPerSample
	} else if next, ok := e.tracker.samplesToNextTag(); ok {
		n = next
	} else {
		return false
	}

	if in := e.inputData(); n > in {
		n = in
	}
	if n <= 0 {
		return false
	}

	n = e.cfg.Pipeline.Discard(e.channels, n)
	e.cfg.Pipeline.Reset()
	e.tracker.consume(n)
	e.updateStats(func(s *Stats) { s.LeadIn += int64(n) })
	return n > 0
}

// avoidWrap tops the output up with silence when it would run dry before
// the next period. Returns the number of samples inserted.
func (e *Engine) avoidWrap() int {
	have := SamplesToMicros(e.outputData(), e.cfg.SampleRate)
	need := e.cfg.PeriodUs + WrapMarginUs
	if have >= need {
		return 0
	}

	n := MicrosToSamples(need-have, e.cfg.SampleRate)
	if space := e.outputSpace(); n > space {
		n = space
	}
	if n <= 0 {
		return 0
	}

	n = e.cfg.Pipeline.Silence(e.channels, n)
	e.updateStats(func(s *Stats) { s.TopUp += int64(n) })
	e.log.WithFields(log.Fields{
		"have_us": have,
		"silence": n,
	}).Debug("Output running low, topping up with silence")
	return n
}
