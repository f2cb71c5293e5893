// ABOUTME: End-to-end playout tests on a virtual clock
// ABOUTME: Tests drift tracking, recovery from timeline jumps and latency faults
package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonate-ttp/pkg/ttp"
)

func sessionConfig() SessionConfig {
	return SessionConfig{
		Source: Config{
			SampleRate: 48000,
			Channels:   2,
			BlockUs:    10_000,
			LatencyUs:  50_000,
			DriftPPM:   100,
		},
		PeriodUs: 1000,
		DACPPM:   -50,
	}
}

func newSession(t *testing.T, cfg SessionConfig) *Session {
	t.Helper()
	s, err := NewSession(cfg, 1_000_000)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// Every sample written to the output was either played or is still queued
func assertConserved(t *testing.T, s *Session) {
	t.Helper()
	st := s.Engine.Stats()
	written := st.Produced + st.Silenced + st.TopUp
	assert.Equal(t, written, s.DAC.Frames()+int64(s.OutputLevel()))
}

func TestSessionTracksDrift(t *testing.T) {
	for _, target := range []string{TargetSoftware, TargetHardware} {
		t.Run(target, func(t *testing.T) {
			cfg := sessionConfig()
			cfg.Target = target
			s := newSession(t, cfg)

			s.Run(20_000)

			st := s.Engine.Stats()
			assert.Equal(t, ttp.StateSteady, st.State)
			assert.Zero(t, st.LateTags)
			assert.Zero(t, st.Faults)
			assert.Greater(t, st.OnTimeTags, int64(1900))
			assert.Less(t, abs(st.LastError), int64(ttp.LooseThresholdUs))
			assert.Less(t, abs(st.Warp), ttp.DefaultMaxWarp+1e-12)
			assert.Equal(t, int64(20_000), s.Steps())
			assertConserved(t, s)
		})
	}
}

func TestSessionRecoversFromLateJump(t *testing.T) {
	s := newSession(t, sessionConfig())
	s.Run(2000)
	before := s.Engine.Stats()
	require.Zero(t, before.LateTags)

	s.Producer.Jump(-20_000)
	s.Run(2000)

	st := s.Engine.Stats()
	assert.GreaterOrEqual(t, st.LateTags, int64(1))
	assert.Greater(t, st.Discarded, before.Discarded)
	assert.Zero(t, st.Faults)
	assert.Less(t, abs(st.LastError), int64(ttp.LooseThresholdUs))
	assertConserved(t, s)
}

func TestSessionRecoversFromEarlyJump(t *testing.T) {
	s := newSession(t, sessionConfig())
	s.Run(2000)
	before := s.Engine.Stats()

	s.Producer.Jump(20_000)
	s.Run(2000)

	st := s.Engine.Stats()
	assert.Greater(t, st.EarlyTags, before.EarlyTags)
	assert.InDelta(t, before.Silenced+960, st.Silenced, 20)
	assert.Zero(t, st.LateTags)
	assertConserved(t, s)
}

func TestSessionVoidBlocksPassThrough(t *testing.T) {
	cfg := sessionConfig()
	cfg.Source.VoidEvery = 4
	s := newSession(t, cfg)

	s.Run(1000)

	st := s.Engine.Stats()
	assert.Greater(t, st.VoidTags, int64(10))
	assert.Zero(t, st.LateTags)
	assertConserved(t, s)
}

func TestSessionRaisesLatencyFault(t *testing.T) {
	type fault struct {
		conn, endpoint uint32
		magnitude      int64
	}
	var faults []fault

	cfg := sessionConfig()
	cfg.Source.LatencyUs = 0
	cfg.Source.DriftPPM = 0
	cfg.DACPPM = 0
	cfg.ConnectionID = 4
	cfg.EndpointID = 2
	cfg.Fault = func(conn, ep uint32, mag int64) {
		faults = append(faults, fault{conn, ep, mag})
	}
	s := newSession(t, cfg)

	// Each block lands 5ms later than the one before
	for i := 0; i < 7; i++ {
		s.Producer.Jump(-5000)
		s.Run(10)
	}

	st := s.Engine.Stats()
	assert.Equal(t, int64(6), st.LateTags)
	require.Len(t, faults, 1)
	assert.Equal(t, uint32(4), faults[0].conn)
	assert.Equal(t, uint32(2), faults[0].endpoint)
	assert.Greater(t, faults[0].magnitude, int64(30_000))
	assertConserved(t, s)
}

func TestSessionConfigErrors(t *testing.T) {
	cfg := sessionConfig()
	cfg.PeriodUs = 0
	_, err := NewSession(cfg, 0)
	assert.Error(t, err)

	cfg = sessionConfig()
	cfg.Target = "bogus"
	_, err = NewSession(cfg, 0)
	assert.Error(t, err)

	cfg = sessionConfig()
	cfg.Source.Channels = 0
	_, err = NewSession(cfg, 0)
	assert.Error(t, err)
}

func abs[T int64 | float64](v T) T {
	if v < 0 {
		return -v
	}
	return v
}
