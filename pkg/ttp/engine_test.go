// ABOUTME: End-to-end tests of the playout engine over real rings, tags and pipeline
// ABOUTME: Covers lifecycle errors, correction scenarios, faults and rate targets
package ttp_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonate-ttp/pkg/audio/ring"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/pid"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/pipeline"
	clocks "github.com/Resonate-Protocol/resonate-ttp/pkg/sync"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/tag"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/ttp"
)

const (
	testRate   = 48000
	testPeriod = int64(1000)
	inCap      = 48000
	outCap     = 4800
	t0         = int64(1_000_000)
)

type recordingCorrector struct {
	*pid.Controller
	steps []int64
}

func (r *recordingCorrector) Step(errUs int64) float64 {
	r.steps = append(r.steps, errUs)
	return r.Controller.Step(errUs)
}

// fixedCorrector never warps, so every sample plays exactly once
type fixedCorrector struct{}

func (fixedCorrector) Reset()             {}
func (fixedCorrector) Step(int64) float64 { return 0 }
func (fixedCorrector) Warp() float64      { return 0 }

type fault struct {
	conn, endpoint uint32
	magnitude      int64
}

type fakeBus struct {
	sent []float64
	err  error
}

func (b *fakeBus) SendRateAdjust(id uint32, warp float64) error {
	if b.err != nil {
		return b.err
	}
	b.sent = append(b.sent, warp)
	return nil
}

type harness struct {
	t      *testing.T
	eng    *ttp.Engine
	clock  *clocks.ManualClock
	in     []*ring.Buffer
	out    []*ring.Buffer
	tags   *tag.Stream
	corr   *recordingCorrector
	bus    *fakeBus
	faults []fault
	cfg    ttp.Config
	seq    int32
}

func newHarness(t *testing.T, mutate func(h *harness, cfg *ttp.Config)) *harness {
	t.Helper()

	h := &harness{
		t:     t,
		eng:   ttp.New(),
		clock: clocks.NewManualClock(t0),
		tags:  tag.NewForSamples(inCap),
		corr:  &recordingCorrector{Controller: pid.New(pid.Config{})},
		bus:   &fakeBus{},
	}

	var channels []ttp.Channel
	for i := 0; i < 2; i++ {
		in, out := ring.New(inCap), ring.New(outCap)
		h.in = append(h.in, in)
		h.out = append(h.out, out)
		channels = append(channels, ttp.Channel{In: in, Out: out})
	}

	h.cfg = ttp.Config{
		Channels:     channels,
		Pipeline:     pipeline.New(len(channels), testRate),
		Tags:         h.tags,
		Corrector:    h.corr,
		Clock:        h.clock,
		SampleRate:   testRate,
		PeriodUs:     testPeriod,
		ConnectionID: 3,
		EndpointID:   9,
		Delegates:    h.bus,
		Fault: func(conn, ep uint32, mag int64) {
			h.faults = append(h.faults, fault{conn, ep, mag})
		},
	}
	if mutate != nil {
		mutate(h, &h.cfg)
	}
	require.NoError(t, h.eng.Init(h.cfg))
	return h
}

// write puts n samples on every input channel
func (h *harness) write(n int) {
	for c, in := range h.in {
		buf := make([]int32, n)
		for i := range buf {
			h.seq++
			buf[i] = h.seq*int32(c+1) + 1
		}
		require.Equal(h.t, n, in.Write(buf))
	}
}

// produce writes n samples and tags them with playback
func (h *harness) produce(n int, playback int64) {
	h.write(n)
	h.tags.Append(tag.Tag{Length: n * 4, PlaybackTime: playback, Timestamp: playback})
}

func (h *harness) produceVoid(n int) {
	h.write(n)
	h.tags.Append(tag.Tag{Length: n * 4, Void: true})
}

func (h *harness) produceUntagged(n int) {
	h.write(n)
	h.tags.Extend(n * 4)
}

// at returns the playback time that yields errUs against the current
// clock and output level
func (h *harness) at(errUs int64) int64 {
	return h.clock.NowMicros() + ttp.SamplesToMicros(h.outData(), testRate) + h.cfg.EndpointDelayUs + errUs
}

func (h *harness) outData() int {
	return min(h.out[0].Data(), h.out[1].Data())
}

func (h *harness) drain() int {
	n := h.outData()
	buf := make([]int32, n)
	for _, out := range h.out {
		out.Read(buf)
	}
	return n
}

// played reads channel 0's output and returns the non-silent samples
func (h *harness) played() []int32 {
	buf := make([]int32, h.out[0].Data())
	h.out[0].Read(buf)
	h.out[1].Discard(h.out[1].Data())

	var got []int32
	for _, v := range buf {
		if v != 0 {
			got = append(got, v)
		}
	}
	return got
}

// span returns channel 0's sample values for write sequence numbers from..to
func span(from, to int32) []int32 {
	var out []int32
	for seq := from; seq <= to; seq++ {
		out = append(out, seq+1)
	}
	return out
}

// assertPlayedInOrder checks got is want, allowing the final sample to still
// be held in the resampler
func assertPlayedInOrder(t *testing.T, want, got []int32) {
	t.Helper()
	require.GreaterOrEqual(t, len(got), len(want)-1)
	require.LessOrEqual(t, len(got), len(want))
	assert.Equal(t, want[:len(got)], got)
}

// enterSteady plays one on-time tag so the engine leaves startup
func (h *harness) enterSteady() {
	h.produce(480, h.at(0))
	h.eng.Run()
	require.Equal(h.t, ttp.StateSteady, h.eng.State())
	h.drain()
}

func TestInitValidation(t *testing.T) {
	valid := func() ttp.Config {
		return ttp.Config{
			Channels:   []ttp.Channel{{In: ring.New(64), Out: ring.New(64)}},
			Pipeline:   pipeline.New(1, testRate),
			Tags:       tag.NewForSamples(64),
			Corrector:  pid.New(pid.Config{}),
			Clock:      clocks.NewManualClock(0),
			SampleRate: testRate,
			PeriodUs:   testPeriod,
		}
	}

	tests := []struct {
		name   string
		mutate func(c *ttp.Config)
		want   error
	}{
		{"no channels", func(c *ttp.Config) { c.Channels = nil }, ttp.ErrNoChannels},
		{"nil output", func(c *ttp.Config) { c.Channels[0].Out = nil }, ttp.ErrInvalidConfig},
		{"zero rate", func(c *ttp.Config) { c.SampleRate = 0 }, ttp.ErrInvalidConfig},
		{"zero period", func(c *ttp.Config) { c.PeriodUs = 0 }, ttp.ErrInvalidConfig},
		{"negative delay", func(c *ttp.Config) { c.EndpointDelayUs = -1 }, ttp.ErrInvalidConfig},
		{"nil pipeline", func(c *ttp.Config) { c.Pipeline = nil }, ttp.ErrInvalidConfig},
		{"nil corrector", func(c *ttp.Config) { c.Corrector = nil }, ttp.ErrInvalidConfig},
		{"nil clock", func(c *ttp.Config) { c.Clock = nil }, ttp.ErrInvalidConfig},
		{"pipeline width", func(c *ttp.Config) { c.Pipeline = pipeline.New(2, testRate) }, ttp.ErrInvalidConfig},
		{"tag stream size", func(c *ttp.Config) { c.Tags = tag.NewForSamples(32) }, ttp.ErrInvalidConfig},
		{"valid", func(c *ttp.Config) {}, nil},
		{"no tags", func(c *ttp.Config) { c.Tags = nil }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := ttp.New().Init(cfg)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSafetyMargin(t *testing.T) {
	h := newHarness(t, nil)
	// 48 samples per period, 0.5% of which rounds up, plus one
	assert.Equal(t, 2, h.eng.SafetyMargin())

	h = newHarness(t, func(_ *harness, c *ttp.Config) {
		c.PeriodUs = 100_000
		c.MaxWarp = 0.01
	})
	assert.Equal(t, 49, h.eng.SafetyMargin())
}

func TestTargetSelection(t *testing.T) {
	eng := ttp.New()
	assert.ErrorIs(t, eng.EnableHardwareWarp(func(float64) {}), ttp.ErrNotInitialized)
	assert.ErrorIs(t, eng.EnableDelegateRateAdjust(1), ttp.ErrNotInitialized)
	assert.Equal(t, "software", eng.Target().String())

	h := newHarness(t, nil)
	require.NoError(t, h.eng.EnableHardwareWarp(func(float64) {}))
	assert.ErrorIs(t, h.eng.EnableDelegateRateAdjust(1), ttp.ErrTargetConflict)
	assert.Equal(t, "hardware", h.eng.Target().String())

	h = newHarness(t, nil)
	require.NoError(t, h.eng.EnableDelegateRateAdjust(7))
	assert.ErrorIs(t, h.eng.EnableHardwareWarp(func(float64) {}), ttp.ErrTargetConflict)
	assert.Equal(t, "delegate(7)", h.eng.Target().String())

	h = newHarness(t, func(_ *harness, c *ttp.Config) { c.Delegates = nil })
	assert.ErrorIs(t, h.eng.EnableDelegateRateAdjust(7), ttp.ErrInvalidConfig)
	assert.ErrorIs(t, h.eng.EnableHardwareWarp(nil), ttp.ErrInvalidConfig)
}

// A small error after an on-time correction stays on time and only the rate
// corrector reacts
func TestSteadyStateOnTime(t *testing.T) {
	h := newHarness(t, nil)

	h.produce(480, h.at(0))
	h.eng.Run()
	require.Equal(t, int64(ttp.LooseThresholdUs), h.eng.Threshold())

	h.produce(480, h.at(10))
	h.eng.Run()

	st := h.eng.Stats()
	assert.Equal(t, int64(2), st.OnTimeTags)
	assert.Equal(t, []int64{0, 10}, h.corr.steps)
	assert.Equal(t, int64(10), st.LastError)
	assert.Zero(t, st.Discarded)
	assert.Zero(t, st.Silenced)
	assert.Zero(t, st.LateTags)
	assert.Zero(t, st.EarlyTags)
	assert.Equal(t, int64(960), st.Consumed)
	assert.Greater(t, st.Warp, 0.0)
	assert.Equal(t, ttp.StateSteady, st.State)
}

// A late tag shorter than the drop is discarded whole and the next tag is
// measured on its own
func TestHardLateDiscardsWholeTag(t *testing.T) {
	h := newHarness(t, nil)

	h.produce(200, h.at(-5000))
	h.produce(100, h.at(0))
	h.eng.Run()

	st := h.eng.Stats()
	assert.Equal(t, int64(200), st.Discarded)
	assert.Equal(t, int64(1), st.LateTags)
	assert.Equal(t, int64(1), st.OnTimeTags)
	assert.Equal(t, []int64{0}, h.corr.steps)
	assert.Equal(t, int64(100), st.Produced)
	assert.Equal(t, 100, h.outData())
	assert.Equal(t, 0, h.in[0].Data())
}

func TestLateDropThenPlaysRemainder(t *testing.T) {
	h := newHarness(t, nil)

	h.produce(480, h.at(-1000))
	h.eng.Run()

	st := h.eng.Stats()
	assert.Equal(t, int64(48), st.Discarded)
	assert.Equal(t, int64(432), st.Produced)
	assert.Empty(t, h.corr.steps, "the remainder plays at the current warp")
	assert.Equal(t, int64(ttp.TightThresholdUs), h.eng.Threshold())
	assert.Equal(t, ttp.NoTag, h.eng.TagState())
}

func TestLateResumesWhenInputArrives(t *testing.T) {
	h := newHarness(t, nil)

	// Tag announced ahead of most of its samples
	h.write(100)
	playback := h.at(-5000)
	h.tags.Append(tag.Tag{Length: 480 * 4, PlaybackTime: playback})
	h.eng.Run()

	st := h.eng.Stats()
	require.Equal(t, int64(100), st.Discarded)
	assert.Equal(t, ttp.TagActive, h.eng.TagState())
	topUp := int(st.TopUp)
	require.Equal(t, 72, topUp)

	h.write(380)
	h.eng.Run()

	// Measured again from the first undropped sample
	wantErr := playback + 2083 - (t0 + ttp.SamplesToMicros(topUp, testRate))
	st = h.eng.Stats()
	assert.Equal(t, wantErr, st.LastError)
	assert.Equal(t, int64(100+ttp.MicrosToSamples(-wantErr, testRate)), st.Discarded)
	assert.Equal(t, int64(1), st.LateTags)
	assert.Equal(t, int64(480)-st.Discarded, st.Produced)
}

func TestVoidTagKeepsSampleOrder(t *testing.T) {
	h := newHarness(t, func(_ *harness, c *ttp.Config) { c.Corrector = fixedCorrector{} })

	// Channel 0 gets sequence numbers 1-48, 97-106 and 117-164
	h.produce(48, h.at(0))
	h.produceVoid(10)
	h.produce(48, h.at(0))
	h.eng.Run()

	st := h.eng.Stats()
	require.Equal(t, int64(2), st.OnTimeTags)
	require.Equal(t, int64(1), st.VoidTags)

	want := append(span(1, 48), span(97, 106)...)
	want = append(want, span(117, 164)...)
	assertPlayedInOrder(t, want, h.played())
}

func TestLateDropKeepsSampleOrder(t *testing.T) {
	h := newHarness(t, func(_ *harness, c *ttp.Config) { c.Corrector = fixedCorrector{} })

	h.produce(48, h.at(0))
	h.eng.Run()

	// 3ms late: the first 144 samples of the second tag are dropped
	h.produce(480, h.at(-3000))
	h.eng.Run()

	st := h.eng.Stats()
	require.Equal(t, int64(1), st.LateTags)
	require.Equal(t, int64(144), st.Discarded)

	want := append(span(1, 48), span(97+144, 576)...)
	assertPlayedInOrder(t, want, h.played())
}

func TestResumedLateTagOnTimeResetsLateCount(t *testing.T) {
	h := newHarness(t, nil)

	h.write(100)
	playback := h.at(-3000)
	h.tags.Append(tag.Tag{Length: 480 * 4, PlaybackTime: playback})
	h.eng.Run()

	require.Equal(t, ttp.TagActive, h.eng.TagState())
	require.Equal(t, 1, h.eng.Stats().LateCounter)

	// Line the clock up so the undropped remainder measures exactly on time
	h.write(380)
	h.clock.Set(playback + ttp.SamplesToMicros(100, testRate) - ttp.SamplesToMicros(h.outData(), testRate))
	h.eng.Run()

	st := h.eng.Stats()
	assert.Zero(t, st.LastError)
	assert.Equal(t, int64(100), st.Discarded)
	assert.Equal(t, 0, st.LateCounter)
	assert.Equal(t, int64(380), st.Consumed)
}

// Early by more than the output can hold
func TestEarlyLimitedByOutputSpace(t *testing.T) {
	h := newHarness(t, nil)
	h.enterSteady()

	for _, out := range h.out {
		out.WriteSilence(outCap - 50)
	}
	h.produce(480, h.at(3000))
	h.eng.Run()

	st := h.eng.Stats()
	assert.Equal(t, int64(50), st.Silenced)
	assert.Equal(t, int64(1), st.EarlyTags)
	assert.Equal(t, 0, h.out[0].Space())
	assert.Equal(t, 480, h.in[0].Data(), "an early tag consumes no input")
	assert.Equal(t, ttp.TagPending, h.eng.TagState())
	assert.Equal(t, int64(ttp.TightThresholdUs), h.eng.Threshold())
}

func TestEarlyPadsThenPlays(t *testing.T) {
	h := newHarness(t, nil)

	h.produce(480, h.at(3000))
	h.eng.Run()

	st := h.eng.Stats()
	assert.Equal(t, int64(144), st.Silenced)
	assert.Equal(t, int64(1), st.EarlyTags)
	assert.Equal(t, int64(1), st.OnTimeTags)
	require.Len(t, h.corr.steps, 1)
	assert.InDelta(t, 0, h.corr.steps[0], 21)
	assert.Equal(t, 144+480, h.outData())
}

// Without a real tag nothing is corrected, only topped up
func TestStartupOnlyTopsUp(t *testing.T) {
	h := newHarness(t, nil)
	h.produceUntagged(300)

	h.eng.Run()

	st := h.eng.Stats()
	assert.Equal(t, ttp.StateStartup, st.State)
	assert.Empty(t, h.corr.steps)
	assert.Zero(t, st.Discarded+st.Silenced+st.Consumed)
	assert.Equal(t, int64(72), st.TopUp)
	assert.Equal(t, 300, h.in[0].Data())
}

func TestStartupSkipsLeadIn(t *testing.T) {
	h := newHarness(t, nil)
	h.produceUntagged(100)
	h.produceVoid(50)
	h.produce(480, h.at(0))

	h.eng.Run()

	st := h.eng.Stats()
	assert.Equal(t, int64(150), st.LeadIn)
	assert.Equal(t, ttp.StateSteady, st.State)
	assert.Equal(t, int64(1), st.OnTimeTags)
	assert.Zero(t, st.VoidTags)
	assert.Equal(t, 480, h.outData())
}

func TestTopUpIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	h.eng.Run()
	first := h.eng.Stats().TopUp
	h.eng.Run()
	h.eng.Run()

	st := h.eng.Stats()
	assert.Equal(t, int64(72), first)
	assert.Equal(t, first, st.TopUp)
	assert.Equal(t, int64(3), st.Runs)
	assert.Equal(t, 72, st.OutputLevel)
}

func TestNeverOverrunsOutput(t *testing.T) {
	h := newHarness(t, nil)
	h.produce(10_000, h.at(0))

	h.eng.Run()

	st := h.eng.Stats()
	assert.LessOrEqual(t, h.outData(), outCap)
	assert.LessOrEqual(t, st.Consumed, int64(outCap-h.eng.SafetyMargin()))
	assert.Equal(t, int64(h.outData()), st.Produced)
	assert.Equal(t, 10_000-int(st.Consumed), h.in[0].Data())

	// A full output stops every run without progress
	h.eng.Run()
	assert.Equal(t, st.Consumed, h.eng.Stats().Consumed)
}

func TestVoidAndUntaggedPassThrough(t *testing.T) {
	h := newHarness(t, nil)
	h.enterSteady()

	h.produceVoid(100)
	h.produceUntagged(60)
	h.eng.Run()

	st := h.eng.Stats()
	assert.Equal(t, int64(1), st.VoidTags)
	assert.Len(t, h.corr.steps, 1)
	assert.Equal(t, 160, h.outData())
	assert.Equal(t, 0, h.in[1].Data())
}

func TestLateFaultOnFifthWorseningTag(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 6; i++ {
		h.produce(480, h.at(-int64(3000+100*i)))
		h.eng.Run()
		h.drain()
	}

	require.Len(t, h.faults, 1)
	assert.Equal(t, fault{conn: 3, endpoint: 9, magnitude: 3400}, h.faults[0])
	st := h.eng.Stats()
	assert.Equal(t, int64(1), st.Faults)
	assert.Equal(t, int64(6), st.LateTags)
	assert.Equal(t, 1, st.LateCounter)
}

func TestOnTimeTagResetsLateCount(t *testing.T) {
	h := newHarness(t, nil)

	errs := []int64{-3000, -3100, -3200, -3300, 0, -3400, -3500, -3600, -3700}
	for _, e := range errs {
		h.produce(480, h.at(e))
		h.eng.Run()
		h.drain()
	}

	assert.Empty(t, h.faults)
	assert.Equal(t, 4, h.eng.Stats().LateCounter)
}

func TestHardwareWarpTarget(t *testing.T) {
	var applied []float64
	h := newHarness(t, nil)
	require.NoError(t, h.eng.EnableHardwareWarp(func(w float64) { applied = append(applied, w) }))

	h.produce(480, h.at(0))
	h.eng.Run()
	h.produce(480, h.at(500))
	h.eng.Run()

	require.Len(t, applied, 2)
	assert.Equal(t, 0.0, applied[0])
	assert.Greater(t, applied[1], 0.0)

	st := h.eng.Stats()
	assert.Equal(t, st.Consumed, st.Produced, "hardware warp copies samples")
	assert.Equal(t, 960, h.outData())
}

func TestDelegateTarget(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.eng.EnableDelegateRateAdjust(11))

	h.bus.err = errors.New("operator busy")
	h.produce(480, h.at(0))
	h.eng.Run()
	assert.Empty(t, h.bus.sent)

	h.bus.err = nil
	h.produce(480, h.at(-500))
	h.eng.Run()

	require.Len(t, h.bus.sent, 1)
	assert.Less(t, h.bus.sent[0], 0.0)
	st := h.eng.Stats()
	assert.Equal(t, st.Consumed, st.Produced)
}

func TestNoTagSourceOnlyTopsUp(t *testing.T) {
	h := newHarness(t, func(_ *harness, c *ttp.Config) { c.Tags = nil })
	h.write(500)

	h.eng.Run()

	st := h.eng.Stats()
	assert.Equal(t, int64(72), st.TopUp)
	assert.Equal(t, 500, h.in[0].Data())
	assert.Equal(t, ttp.NoTag, h.eng.TagState())
}

func TestDelayShiftsError(t *testing.T) {
	h := newHarness(t, func(_ *harness, c *ttp.Config) { c.EndpointDelayUs = 2000 })

	// Without the delay this tag would be early
	h.produce(480, h.clock.NowMicros()+2000)
	h.eng.Run()
	assert.Equal(t, int64(1), h.eng.Stats().OnTimeTags)

	// Negative delays clamp to zero, leaving the next tag 4ms early
	h.eng.SetDelay(-5)
	h.drain()
	h.produce(480, h.clock.NowMicros()+4000)
	h.eng.Run()
	st := h.eng.Stats()
	assert.Equal(t, int64(1), st.EarlyTags)
	assert.Equal(t, int64(4000), st.LastError)
}

func TestResetAndDestroy(t *testing.T) {
	h := newHarness(t, nil)
	h.enterSteady()

	h.eng.Reset()
	assert.Equal(t, ttp.StateStartup, h.eng.State())
	assert.Equal(t, int64(ttp.TightThresholdUs), h.eng.Threshold())
	assert.Equal(t, ttp.StateStartup, h.eng.Stats().State)

	h.eng.Destroy()
	runs := h.eng.Stats().Runs
	h.eng.Run()
	assert.Equal(t, runs, h.eng.Stats().Runs)
	assert.ErrorIs(t, h.eng.EnableHardwareWarp(func(float64) {}), ttp.ErrNotInitialized)
	h.eng.Destroy()
}

func TestEnginesAreIndependent(t *testing.T) {
	a := newHarness(t, nil)
	b := newHarness(t, nil)
	assert.NotEqual(t, a.eng.ID(), b.eng.ID())

	a.enterSteady()
	assert.Equal(t, ttp.StateSteady, a.eng.State())
	assert.Equal(t, ttp.StateStartup, b.eng.State())
}
