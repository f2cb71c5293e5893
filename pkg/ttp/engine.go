// ABOUTME: Time-to-play playout engine lifecycle and collaborator interfaces
// ABOUTME: One Engine per audio path; created, initialised, run periodically and destroyed
package ttp

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Resonate-Protocol/resonate-ttp/pkg/audio"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/tag"
)

const (
	// TightThresholdUs is the error threshold after a hard correction
	TightThresholdUs = 50
	// LooseThresholdUs is the error threshold after a rate correction
	LooseThresholdUs = 2000
	// LateTagLimit is the number of consecutive worsening late tags that raise a fault
	LateTagLimit = 5
	// WrapMarginUs is added to one period when deciding to top up the output
	WrapMarginUs = 500
	// DefaultMaxWarp is assumed when Config.MaxWarp is unset
	DefaultMaxWarp = 0.005
)

var (
	ErrNoChannels     = errors.New("no channels configured")
	ErrInvalidConfig  = errors.New("invalid engine configuration")
	ErrNotInitialized = errors.New("engine not initialized")
	ErrTargetConflict = errors.New("rate correction target already selected")
)

// Buffer is one channel's circular sample buffer
type Buffer interface {
	Data() int
	Space() int
	Peek(dst []int32) int
	Read(dst []int32) int
	Write(src []int32) int
	Discard(n int) int
	WriteSilence(n int) int
}

// Channel pairs a producer-side input buffer with a consumer-side output buffer
type Channel struct {
	In  Buffer
	Out Buffer
}

// TagSource reports timing tags attached to channel 0's input byte stream
type TagSource interface {
	Refresh()
	HasPending() bool
	AtReadBoundary() bool
	Fields() (tag.Fields, bool)
	Advance(bytes int)
	ReadOffset() int
	BufferSize() int
	Available() int
}

// RateCorrector converts timing error into a warp factor
type RateCorrector interface {
	Reset()
	Step(errUs int64) float64
	Warp() float64
}

// Pipeline moves samples between the channel buffers
type Pipeline interface {
	Channels() int
	Copy(ch []Channel, n int) int
	Warp(ch []Channel, n int, warp float64) (consumed, produced int)
	Silence(ch []Channel, n int) int
	Discard(ch []Channel, n int) int
	// Reset must be called after buffers were mutated outside Copy/Warp
	Reset()
}

// Clock returns the current time in the same domain as tag playback times
type Clock interface {
	NowMicros() int64
}

// FaultFunc receives unachievable-latency faults
type FaultFunc func(connectionID, endpointID uint32, magnitudeUs int64)

// DelegateBus forwards rate adjustments to another operator
type DelegateBus interface {
	SendRateAdjust(delegateID uint32, warp float64) error
}

// Config holds everything Init needs. Rate, period and delay are fixed for
// the life of the engine except through SetDelay.
type Config struct {
	Channels  []Channel
	Pipeline  Pipeline
	Tags      TagSource // nil degrades to silence top-up only
	Corrector RateCorrector
	Clock     Clock

	// Guard is held while sampling time and output level together. The DAC
	// consumer must hold it while advancing its read positions.
	Guard sync.Locker

	SampleRate      int
	PeriodUs        int64
	EndpointDelayUs int64
	MaxWarp         float64

	Fault        FaultFunc
	ConnectionID uint32
	EndpointID   uint32
	Delegates    DelegateBus

	Logger *log.Entry
}

// State is the engine's coarse state
type State int

const (
	StateStartup State = iota
	StateSteady
)

func (s State) String() string {
	switch s {
	case StateStartup:
		return "startup"
	case StateSteady:
		return "steady"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Stats are cumulative counters readable while the engine runs
type Stats struct {
	State       State
	Threshold   int64
	Warp        float64
	LastError   int64
	LateCounter int

	Runs       int64
	LateTags   int64
	OnTimeTags int64
	EarlyTags  int64
	VoidTags   int64
	Faults     int64

	Discarded int64 // samples dropped for late tags
	LeadIn    int64 // samples dropped before the first tag
	Silenced  int64 // samples inserted for early tags
	TopUp     int64 // samples inserted by wrap avoidance
	Consumed  int64 // input samples moved on time
	Produced  int64 // output samples written on time

	OutputLevel int // output samples buffered after the last run
}

// Engine synchronises one audio path to its time-to-play tags
type Engine struct {
	id  uuid.UUID
	log *log.Entry

	cfg      Config
	channels []Channel
	guard    sync.Locker
	delayUs  atomic.Int64
	target   RateTarget
	lastWarp float64

	tracker   tracker
	monitor   lateMonitor
	threshold int64
	margin    int
	startup   bool
	ready     bool

	statsMu sync.Mutex
	stats   Stats
}

// New creates an uninitialised engine
func New() *Engine {
	id := uuid.New()
	return &Engine{
		id:        id,
		log:       log.WithField("engine", id.String()),
		target:    SoftwareWarp{},
		threshold: TightThresholdUs,
		startup:   true,
	}
}

// ID returns the engine's identifier
func (e *Engine) ID() uuid.UUID {
	return e.id
}

// Init validates cfg and prepares the engine to run
func (e *Engine) Init(cfg Config) error {
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("init: %w", ErrNoChannels)
	}
	for i, ch := range cfg.Channels {
		if ch.In == nil || ch.Out == nil {
			return fmt.Errorf("init: channel %d missing a buffer: %w", i, ErrInvalidConfig)
		}
	}
	if cfg.SampleRate <= 0 {
		return fmt.Errorf("init: sample rate %d: %w", cfg.SampleRate, ErrInvalidConfig)
	}
	if cfg.PeriodUs <= 0 {
		return fmt.Errorf("init: period %dus: %w", cfg.PeriodUs, ErrInvalidConfig)
	}
	if cfg.EndpointDelayUs < 0 {
		return fmt.Errorf("init: endpoint delay %dus: %w", cfg.EndpointDelayUs, ErrInvalidConfig)
	}
	if cfg.Pipeline == nil || cfg.Corrector == nil || cfg.Clock == nil {
		return fmt.Errorf("init: pipeline, corrector and clock are required: %w", ErrInvalidConfig)
	}
	if n := cfg.Pipeline.Channels(); n != len(cfg.Channels) {
		return fmt.Errorf("init: pipeline has %d channels, engine has %d: %w",
			n, len(cfg.Channels), ErrInvalidConfig)
	}
	if cfg.Tags != nil {
		in := cfg.Channels[0].In
		if want := (in.Data() + in.Space()) * audio.BytesPerSample; cfg.Tags.BufferSize() != want {
			return fmt.Errorf("init: tag stream covers %d bytes, input buffer %d: %w",
				cfg.Tags.BufferSize(), want, ErrInvalidConfig)
		}
	}
	if cfg.MaxWarp <= 0 {
		cfg.MaxWarp = DefaultMaxWarp
	}
	if cfg.Logger != nil {
		e.log = cfg.Logger.WithField("engine", e.id.String())
	}

	e.cfg = cfg
	e.channels = cfg.Channels
	e.guard = cfg.Guard
	if e.guard == nil {
		e.guard = &sync.Mutex{}
	}
	e.delayUs.Store(cfg.EndpointDelayUs)

	periodSamples := MicrosToSamples(cfg.PeriodUs, cfg.SampleRate)
	e.margin = int(math.Ceil(float64(periodSamples)*cfg.MaxWarp)) + 1

	e.tracker = tracker{src: cfg.Tags}
	e.reset()
	e.ready = true

	e.log.WithFields(log.Fields{
		"channels": len(cfg.Channels),
		"rate":     cfg.SampleRate,
		"period":   cfg.PeriodUs,
		"delay":    cfg.EndpointDelayUs,
		"margin":   e.margin,
	}).Info("Playout engine initialized")

	return nil
}

// EnableHardwareWarp routes warp to a hardware rate callback instead of resampling
func (e *Engine) EnableHardwareWarp(apply func(warp float64)) error {
	if !e.ready {
		return fmt.Errorf("enable hardware warp: %w", ErrNotInitialized)
	}
	if apply == nil {
		return fmt.Errorf("enable hardware warp: nil callback: %w", ErrInvalidConfig)
	}
	if _, ok := e.target.(DelegateOperator); ok {
		return fmt.Errorf("enable hardware warp: %w", ErrTargetConflict)
	}
	e.target = HardwareWarp{Apply: apply}
	e.lastWarp = math.NaN()
	e.log.Info("Rate correction target: hardware warp")
	return nil
}

// EnableDelegateRateAdjust forwards warp to another operator instead of resampling
func (e *Engine) EnableDelegateRateAdjust(delegateID uint32) error {
	if !e.ready {
		return fmt.Errorf("enable delegate rate adjust: %w", ErrNotInitialized)
	}
	if e.cfg.Delegates == nil {
		return fmt.Errorf("enable delegate rate adjust: no delegate bus: %w", ErrInvalidConfig)
	}
	if _, ok := e.target.(HardwareWarp); ok {
		return fmt.Errorf("enable delegate rate adjust: %w", ErrTargetConflict)
	}
	e.target = DelegateOperator{ID: delegateID}
	e.lastWarp = math.NaN()
	e.log.WithField("delegate", delegateID).Info("Rate correction target: delegate operator")
	return nil
}

// Target returns the selected rate correction target
func (e *Engine) Target() RateTarget {
	return e.target
}

// SetDelay changes the endpoint delay used in lookahead
func (e *Engine) SetDelay(delayUs int64) {
	if delayUs < 0 {
		delayUs = 0
	}
	e.delayUs.Store(delayUs)
}

// Reset re-enters startup, e.g. after the stream restarted
func (e *Engine) Reset() {
	if !e.ready {
		return
	}
	e.reset()
	e.log.Info("Playout engine reset to startup")
}

func (e *Engine) reset() {
	e.startup = true
	e.threshold = TightThresholdUs
	e.lastWarp = math.NaN()
	e.tracker.clear()
	e.monitor.reset()
	e.cfg.Corrector.Reset()
	e.cfg.Pipeline.Reset()

	e.statsMu.Lock()
	e.stats.State = StateStartup
	e.stats.Threshold = e.threshold
	e.stats.LateCounter = 0
	e.stats.Warp = 0
	e.statsMu.Unlock()
}

// Destroy releases the engine's collaborators; Run becomes a no-op
func (e *Engine) Destroy() {
	if !e.ready {
		return
	}
	e.cfg.Corrector.Reset()
	e.ready = false
	e.cfg = Config{}
	e.channels = nil
	e.tracker = tracker{}
	e.log.Info("Playout engine destroyed")
}

// State reports startup or steady operation
func (e *Engine) State() State {
	if e.startup {
		return StateStartup
	}
	return StateSteady
}

// Threshold returns the error threshold for the next classification
func (e *Engine) Threshold() int64 {
	return e.threshold
}

// SafetyMargin returns the output headroom reserved for warp overshoot
func (e *Engine) SafetyMargin() int {
	return e.margin
}

// TagState exposes the tracker state
func (e *Engine) TagState() TagState {
	return e.tracker.state()
}

// Stats returns a snapshot of the counters
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Engine) updateStats(fn func(s *Stats)) {
	e.statsMu.Lock()
	fn(&e.stats)
	e.statsMu.Unlock()
}
