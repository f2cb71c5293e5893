// ABOUTME: DAC consumer interface and shared ring draining
// ABOUTME: Reads output rings under the engine guard and applies volume
package output

import (
	"sync"
	"sync/atomic"

	"github.com/Resonate-Protocol/resonate-ttp/pkg/audio"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/audio/ring"
)

// Output represents a consumer of the engine's output rings
type Output interface {
	// Open starts consuming at the given format
	Open(sampleRate, channels int) error

	// Close stops consuming and releases resources
	Close() error

	SetVolume(volume int)
	SetMuted(muted bool)
}

// Source is the set of output rings a consumer drains, one per channel.
// Guard must be the engine's guard: read positions only move while it is held.
type Source struct {
	Rings []*ring.Buffer
	Guard sync.Locker
}

// drain is shared read state for the consumers
type drain struct {
	src    Source
	planar [][]int32

	volume    atomic.Int32
	muted     atomic.Bool
	frames    atomic.Int64
	underruns atomic.Int64
}

func newDrain(src Source) *drain {
	if src.Guard == nil {
		src.Guard = &sync.Mutex{}
	}
	d := &drain{src: src}
	d.volume.Store(100)
	return d
}

// read fills dst with up to frames interleaved frames, padding any shortfall
// with silence. Returns the number of frames taken from the rings.
func (d *drain) read(dst []int32, frames int) int {
	channels := len(d.src.Rings)
	if channels == 0 || frames <= 0 {
		return 0
	}
	if len(d.planar) != channels || cap(d.planar[0]) < frames {
		d.planar = make([][]int32, channels)
		for ch := range d.planar {
			d.planar[ch] = make([]int32, frames)
		}
	}

	d.src.Guard.Lock()
	avail := frames
	for _, r := range d.src.Rings {
		avail = min(avail, r.Data())
	}
	for ch, r := range d.src.Rings {
		d.planar[ch] = d.planar[ch][:avail]
		r.Read(d.planar[ch])
	}
	d.src.Guard.Unlock()

	audio.Interleave(dst, d.planar)
	for i := avail * channels; i < frames*channels; i++ {
		dst[i] = 0
	}
	if avail < frames {
		d.underruns.Add(1)
	}
	d.frames.Add(int64(avail))

	applyVolume(dst[:frames*channels], int(d.volume.Load()), d.muted.Load())
	return avail
}

// SetVolume sets the volume (0-100)
func (d *drain) SetVolume(volume int) {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	d.volume.Store(int32(volume))
}

// SetMuted sets mute state
func (d *drain) SetMuted(muted bool) {
	d.muted.Store(muted)
}

// Volume returns current volume
func (d *drain) Volume() int {
	return int(d.volume.Load())
}

// IsMuted returns mute state
func (d *drain) IsMuted() bool {
	return d.muted.Load()
}

// Frames returns the number of frames taken from the rings
func (d *drain) Frames() int64 {
	return d.frames.Load()
}

// Underruns returns how many reads found less audio than requested
func (d *drain) Underruns() int64 {
	return d.underruns.Load()
}

// applyVolume scales samples in place with clipping protection
func applyVolume(samples []int32, volume int, muted bool) {
	if volume == 100 && !muted {
		return
	}
	multiplier := getVolumeMultiplier(volume, muted)
	for i, sample := range samples {
		scaled := int64(float64(sample) * multiplier)
		if scaled > audio.Max24Bit {
			scaled = audio.Max24Bit
		} else if scaled < audio.Min24Bit {
			scaled = audio.Min24Bit
		}
		samples[i] = int32(scaled)
	}
}

func getVolumeMultiplier(volume int, muted bool) float64 {
	if muted {
		return 0.0
	}
	return float64(volume) / 100.0
}
