// ABOUTME: Tracks the timing tag currently being played out
// ABOUTME: Lets the engine resume a partially consumed tag across runs
package ttp

import (
	"fmt"

	"github.com/Resonate-Protocol/resonate-ttp/pkg/audio"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/tag"
)

// TagState is the tracker's position in the tag life cycle
type TagState int

const (
	NoTag TagState = iota
	TagPending
	TagActive
	TagConsumed
)

func (s TagState) String() string {
	switch s {
	case NoTag:
		return "none"
	case TagPending:
		return "pending"
	case TagActive:
		return "active"
	case TagConsumed:
		return "consumed"
	}
	return fmt.Sprintf("tagstate(%d)", int(s))
}

// currentTag is the snapshot of the tag being played out
type currentTag struct {
	length     int // samples
	remaining  int
	consumed   int
	index      int // byte offset
	timestamp  int64
	playback   int64 // time-to-play of the tag's first sample
	rateAdjust float64
	err        int64
	status     Status
	void       bool
}

// playbackTime is the time-to-play of the next unconsumed sample. It is
// derived from the tag's original time on every call so repeated partial
// drops do not accumulate rounding.
func (c *currentTag) playbackTime(rate int) int64 {
	if c.consumed == 0 || rate <= 0 {
		return c.playback
	}
	adv := float64(c.consumed) * 1e6 / float64(rate) * (1 + c.rateAdjust)
	return c.playback + int64(adv)
}

type tracker struct {
	src TagSource
	cur currentTag
	st  TagState
}

func (t *tracker) checkForTags() {
	if t.st == TagConsumed {
		t.st = NoTag
	}
	if t.src != nil {
		t.src.Refresh()
	}
}

// tagAvailable reports a tag boundary at the current read offset
func (t *tracker) tagAvailable() bool {
	return t.src != nil && t.src.HasPending() && t.src.AtReadBoundary()
}

func (t *tracker) fields() (tag.Fields, bool) {
	if t.src == nil {
		return tag.Fields{}, false
	}
	return t.src.Fields()
}

// samplesToNextTag is the distance from the read offset to the next detected tag
func (t *tracker) samplesToNextTag() (int, bool) {
	f, ok := t.fields()
	if !ok {
		return 0, false
	}
	size := t.src.BufferSize()
	if size <= 0 {
		return 0, false
	}
	dist := ((f.Index-t.src.ReadOffset())%size + size) % size
	return dist / audio.BytesPerSample, true
}

// save snapshots the head tag. Early tags are not consumed, so they stay pending.
func (t *tracker) save(f tag.Fields, err int64, status Status) {
	n := f.Length / audio.BytesPerSample
	t.cur = currentTag{
		length:     n,
		remaining:  n,
		index:      f.Index,
		timestamp:  f.Timestamp,
		playback:   f.PlaybackTime,
		rateAdjust: f.RateAdjust,
		err:        err,
		status:     status,
		void:       f.Void,
	}
	if status != Early && n > 0 {
		t.st = TagActive
	}
}

// active reports whether a saved tag still has samples to play. A new tag
// arriving at the read offset ends the current one early.
func (t *tracker) active() bool {
	if t.st != TagActive {
		return false
	}
	if t.cur.consumed > 0 && t.tagAvailable() {
		t.finish()
		return false
	}
	return true
}

// activeBound is how many samples of the active tag may be processed
func (t *tracker) activeBound() int {
	n := t.cur.remaining
	if t.cur.consumed > 0 || !t.tagAvailable() {
		if next, ok := t.samplesToNextTag(); ok && next > 0 && next < n {
			n = next
		}
	}
	return n
}

// untaggedBound is how many untimed samples lie before the next tag
func (t *tracker) untaggedBound(input int) int {
	if next, ok := t.samplesToNextTag(); ok && next < input {
		return next
	}
	return input
}

// consume advances the tag stream by n samples
func (t *tracker) consume(n int) {
	if n <= 0 {
		return
	}
	if t.src != nil {
		t.src.Advance(n * audio.BytesPerSample)
	}
	if t.st != TagActive {
		return
	}
	t.cur.consumed += n
	t.cur.remaining -= n
	if t.cur.remaining <= 0 {
		t.finish()
	}
}

func (t *tracker) finish() {
	t.cur.remaining = 0
	t.st = TagConsumed
}

func (t *tracker) state() TagState {
	if t.st == TagActive {
		return TagActive
	}
	if t.src != nil && t.src.HasPending() {
		return TagPending
	}
	return t.st
}

func (t *tracker) clear() {
	t.cur = currentTag{}
	t.st = NoTag
}
