// ABOUTME: Oto-based audio output pulling from the playout rings
// ABOUTME: The device reads interleaved 16-bit PCM through an io.Reader
package output

import (
	"encoding/binary"
	"fmt"

	"github.com/ebitengine/oto/v3"
	log "github.com/sirupsen/logrus"

	"github.com/Resonate-Protocol/resonate-ttp/pkg/audio"
)

// Oto plays the output rings on the system audio device
type Oto struct {
	*drain

	otoCtx     *oto.Context
	player     *oto.Player
	sampleRate int
	channels   int
	frameBuf   []int32
	ready      bool
}

// NewOto creates an Oto output over src
func NewOto(src Source) *Oto {
	return &Oto{drain: newDrain(src)}
}

// Open initializes the output device
func (o *Oto) Open(sampleRate, channels int) error {
	if channels != len(o.src.Rings) {
		return fmt.Errorf("oto: %d channels requested, %d rings", channels, len(o.src.Rings))
	}

	// oto allows one context per process
	if o.otoCtx != nil {
		if o.sampleRate != sampleRate || o.channels != channels {
			log.Warnf("Format change (%dHz %dch -> %dHz %dch) not supported by oto, keeping existing context",
				o.sampleRate, o.channels, sampleRate, channels)
		}
		return nil
	}

	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	o.otoCtx = ctx
	o.sampleRate = sampleRate
	o.channels = channels

	o.player = o.otoCtx.NewPlayer(o)
	o.player.Play()
	o.ready = true

	log.Infof("Audio output initialized: %dHz, %d channels", sampleRate, channels)
	return nil
}

// Read implements io.Reader for the oto player. It never blocks: missing
// audio is rendered as silence.
func (o *Oto) Read(p []byte) (int, error) {
	channels := len(o.src.Rings)
	if channels == 0 {
		return 0, fmt.Errorf("oto: no rings")
	}
	frames := len(p) / (2 * channels)
	if frames == 0 {
		return 0, nil
	}

	n := frames * channels
	if cap(o.frameBuf) < n {
		o.frameBuf = make([]int32, n)
	}
	buf := o.frameBuf[:n]
	o.read(buf, frames)

	for i, s := range buf {
		binary.LittleEndian.PutUint16(p[i*2:], uint16(audio.SampleToInt16(s)))
	}
	return n * 2, nil
}

// Close releases output resources
func (o *Oto) Close() error {
	if o.player != nil {
		if err := o.player.Close(); err != nil {
			log.WithError(err).Debug("Closing oto player")
		}
		o.player = nil
	}
	if o.otoCtx != nil {
		if err := o.otoCtx.Suspend(); err != nil {
			log.WithError(err).Debug("Suspending oto context")
		}
	}
	o.ready = false
	return nil
}

// BufferedMicros is the audio accepted by the device but not yet heard,
// which callers add to the engine's endpoint delay
func (o *Oto) BufferedMicros() int64 {
	if o.player == nil || o.sampleRate == 0 || o.channels == 0 {
		return 0
	}
	frames := int64(o.player.BufferedSize()) / int64(2*o.channels)
	return frames * 1_000_000 / int64(o.sampleRate)
}
