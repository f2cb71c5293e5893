// ABOUTME: Deterministic end-to-end playout session on a virtual clock
// ABOUTME: Wires producer, tag stream, engine, pipeline and a clocked DAC together
package sim

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Resonate-Protocol/resonate-ttp/pkg/audio/output"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/audio/ring"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/pid"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/pipeline"
	clocks "github.com/Resonate-Protocol/resonate-ttp/pkg/sync"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/tag"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/ttp"
)

// Rate correction targets a session can select
const (
	TargetSoftware = "software"
	TargetHardware = "hardware"
)

// SessionConfig describes one simulated audio path
type SessionConfig struct {
	Source Config

	PeriodUs        int64
	InputUs         int64 // input ring capacity
	OutputUs        int64 // output ring capacity
	DACPPM          float64
	EndpointDelayUs int64
	MaxWarp         float64
	Target          string

	ConnectionID uint32
	EndpointID   uint32
	Fault        ttp.FaultFunc
	Logger       *log.Entry

	// Sink receives every interleaved chunk the DAC plays
	Sink func(frames []int32)
}

// Session is a producer, engine and DAC sharing a virtual clock
type Session struct {
	Clock    *clocks.ManualClock
	Engine   *ttp.Engine
	Producer *Producer
	DAC      *output.Clocked
	Tags     *tag.Stream

	cfg   SessionConfig
	out   []*ring.Buffer
	steps int64
}

// NewSession builds and initialises a session starting at startUs
func NewSession(cfg SessionConfig, startUs int64) (*Session, error) {
	if cfg.PeriodUs <= 0 {
		return nil, fmt.Errorf("session: period %dus", cfg.PeriodUs)
	}
	if cfg.InputUs <= 0 {
		cfg.InputUs = 500_000
	}
	if cfg.OutputUs <= 0 {
		cfg.OutputUs = 200_000
	}

	rate := cfg.Source.SampleRate
	inCap := ttp.MicrosToSamples(cfg.InputUs, rate)
	outCap := ttp.MicrosToSamples(cfg.OutputUs, rate)

	s := &Session{
		Clock: clocks.NewManualClock(startUs),
		Tags:  tag.NewForSamples(inCap),
		cfg:   cfg,
	}

	var in []*ring.Buffer
	var channels []ttp.Channel
	for i := 0; i < cfg.Source.Channels; i++ {
		r, o := ring.New(inCap), ring.New(outCap)
		in = append(in, r)
		s.out = append(s.out, o)
		channels = append(channels, ttp.Channel{In: r, Out: o})
	}

	producer, err := New(cfg.Source, in, s.Tags)
	if err != nil {
		return nil, err
	}
	s.Producer = producer

	guard := &sync.Mutex{}
	s.DAC = output.NewClocked(output.Source{Rings: s.out, Guard: guard}, cfg.DACPPM, cfg.Sink)
	if err := s.DAC.Open(rate, cfg.Source.Channels); err != nil {
		return nil, err
	}

	s.Engine = ttp.New()
	err = s.Engine.Init(ttp.Config{
		Channels:        channels,
		Pipeline:        pipeline.New(len(channels), rate),
		Tags:            s.Tags,
		Corrector:       pid.New(pid.Config{MaxWarp: cfg.MaxWarp}),
		Clock:           s.Clock,
		Guard:           guard,
		SampleRate:      rate,
		PeriodUs:        cfg.PeriodUs,
		EndpointDelayUs: cfg.EndpointDelayUs,
		MaxWarp:         cfg.MaxWarp,
		Fault:           cfg.Fault,
		ConnectionID:    cfg.ConnectionID,
		EndpointID:      cfg.EndpointID,
		Logger:          cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	switch cfg.Target {
	case "", TargetSoftware:
	case TargetHardware:
		if err := s.Engine.EnableHardwareWarp(s.DAC.SetWarp); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
	default:
		return nil, fmt.Errorf("session: unknown rate target %q", cfg.Target)
	}

	return s, nil
}

// Step advances the virtual clock by one period: the DAC plays what it
// would have played, the producer delivers what is due, then the engine runs
func (s *Session) Step() {
	s.Clock.Advance(s.cfg.PeriodUs)
	s.DAC.Advance(s.cfg.PeriodUs)
	s.Producer.Produce(s.Clock.NowMicros())
	s.Engine.Run()
	s.steps++
}

// Run performs n steps
func (s *Session) Run(n int) {
	for i := 0; i < n; i++ {
		s.Step()
	}
}

// Steps returns the number of periods simulated
func (s *Session) Steps() int64 {
	return s.steps
}

// OutputLevel is the audio queued for the DAC, in samples
func (s *Session) OutputLevel() int {
	level := -1
	for _, o := range s.out {
		if d := o.Data(); level < 0 || d < level {
			level = d
		}
	}
	return max(level, 0)
}

// Close releases the engine
func (s *Session) Close() {
	s.Engine.Destroy()
}
