// ABOUTME: Tests for the simulator command
// ABOUTME: Runs short simulations and checks the reports and recordings
package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonate-ttp/pkg/audio"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newCommand(&out)
	cmd.SetArgs(append([]string{"--report_every=0", "--level=warn"}, args...))
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestTextReport(t *testing.T) {
	out := run(t, "--steps=3000")
	assert.Contains(t, out, "simulated 3.000s in 3000 steps (software target)")
	assert.Contains(t, out, "faults: 0")
}

func TestJSONReport(t *testing.T) {
	out := run(t, "--steps=3000", "--json", "--source.drift_ppm=100", "--engine.target=hardware")

	var report struct {
		Steps int64 `json:"steps"`
		Stats struct {
			State      string `json:"state"`
			OnTimeTags int64  `json:"on_time_tags"`
			LateTags   int64  `json:"late_tags"`
		} `json:"stats"`
		Faults []any            `json:"faults"`
		DAC    map[string]int64 `json:"dac"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, int64(3000), report.Steps)
	assert.Equal(t, "steady", report.Stats.State)
	assert.Greater(t, report.Stats.OnTimeTags, int64(200))
	assert.Zero(t, report.Stats.LateTags)
	assert.Empty(t, report.Faults)
	assert.Positive(t, report.DAC["frames"])
}

func TestJumpMakesTagsLate(t *testing.T) {
	out := run(t, "--steps=3000", "--json", "--jump_at=1500", "--jump_us=-30000")

	var report struct {
		Stats struct {
			LateTags  int64 `json:"late_tags"`
			Discarded int64 `json:"discarded"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Positive(t, report.Stats.LateTags)
	assert.Positive(t, report.Stats.Discarded)
}

func TestRejectsNonPositiveSteps(t *testing.T) {
	cmd := newCommand(&bytes.Buffer{})
	cmd.SetArgs([]string{"--steps=0"})
	assert.Error(t, cmd.Execute())
}

func TestRecordWritesPlayedAudio(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.s24le")
	out := run(t, "--steps=1000", "--json", "--source.channels=1", "--record="+path)

	var report struct {
		DAC map[string]int64 `json:"dac"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Zero(t, len(data)%3)

	// One second at 48kHz, silence padded where the rings ran dry
	assert.InDelta(t, 48000, len(data)/3, 1)
	assert.LessOrEqual(t, report.DAC["frames"], int64(len(data)/3))

	peak := int32(0)
	for i := 0; i+3 <= len(data); i += 3 {
		peak = max(peak, audio.SampleFrom24Bit([3]byte{data[i], data[i+1], data[i+2]}))
	}
	assert.Greater(t, peak, int32(audio.Max24Bit/4))
}
