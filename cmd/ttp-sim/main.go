// ABOUTME: Headless deterministic playout simulator
// ABOUTME: Runs a session on a virtual clock and reports how the engine corrected
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Resonate-Protocol/resonate-ttp/internal/config"
	"github.com/Resonate-Protocol/resonate-ttp/internal/sim"
	"github.com/Resonate-Protocol/resonate-ttp/internal/telemetry"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/audio"
)

type simOptions struct {
	Steps       int
	JumpAt      int
	JumpUs      int64
	ReportEvery int
	JSON        bool
	Record      string
}

func main() {
	if err := newCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand(out io.Writer) *cobra.Command {
	opts := &simOptions{}

	cmd := &cobra.Command{
		Use:   "ttp-sim",
		Short: "Simulate a TTP playout path on a virtual clock",
		Long: `Runs producer, engine and a drifting DAC one period at a time on a
virtual clock, so a minute of playout takes milliseconds and every run is
reproducible.

Example:
  ttp-sim --steps=60000 --source.drift_ppm=150 --dac_ppm=-60
  ttp-sim --jump_at=5000 --jump_us=-20000 --json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			cfg.ApplyLogging()
			return simulate(cfg, opts, out)
		},
	}

	config.AddFlags(cmd.Flags())
	cmd.Flags().IntVar(&opts.Steps, "steps", 10_000, "number of engine periods to simulate")
	cmd.Flags().IntVar(&opts.JumpAt, "jump_at", 0, "step at which to shift the source timeline (0 disables)")
	cmd.Flags().Int64Var(&opts.JumpUs, "jump_us", 0, "timeline shift in microseconds; negative makes blocks late")
	cmd.Flags().IntVar(&opts.ReportEvery, "report_every", 1000, "log engine stats every N steps (0 disables)")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print the final stats as JSON")
	cmd.Flags().StringVar(&opts.Record, "record", "", "write what the DAC played as raw interleaved s24le")
	return cmd
}

func simulate(cfg *config.Config, opts *simOptions, out io.Writer) error {
	if opts.Steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", opts.Steps)
	}

	var sink func([]int32)
	if opts.Record != "" {
		rec, err := newRecorder(opts.Record)
		if err != nil {
			return err
		}
		defer rec.Close()
		sink = rec.write
	}

	var faults []telemetry.FaultEvent
	s, err := sim.NewSession(sim.SessionConfig{
		Source: sim.Config{
			SampleRate: cfg.Source.SampleRate,
			Channels:   cfg.Source.Channels,
			BlockUs:    cfg.Source.BlockUs,
			LatencyUs:  cfg.Source.LatencyUs,
			DriftPPM:   cfg.Source.DriftPPM,
			Frequency:  cfg.Source.Frequency,
			VoidEvery:  cfg.Source.VoidEvery,
		},
		PeriodUs:        cfg.Engine.PeriodUs,
		InputUs:         int64(cfg.Engine.InputMs) * 1000,
		OutputUs:        int64(cfg.Engine.OutputMs) * 1000,
		DACPPM:          cfg.DACPPM,
		EndpointDelayUs: cfg.Engine.DelayUs,
		MaxWarp:         cfg.Engine.MaxWarp,
		Target:          cfg.Engine.Target,
		ConnectionID:    cfg.Engine.ConnectionID,
		EndpointID:      cfg.Engine.EndpointID,
		Fault: func(conn, endpoint uint32, magnitudeUs int64) {
			faults = append(faults, telemetry.FaultEvent{ConnectionID: conn, EndpointID: endpoint, MagnitudeUs: magnitudeUs})
		},
		Sink: sink,
	}, 0)
	if err != nil {
		return err
	}
	defer s.Close()

	for i := 1; i <= opts.Steps; i++ {
		if i == opts.JumpAt && opts.JumpUs != 0 {
			log.WithField("step", i).Infof("Shifting source timeline by %dus", opts.JumpUs)
			s.Producer.Jump(opts.JumpUs)
		}
		s.Step()

		if opts.ReportEvery > 0 && i%opts.ReportEvery == 0 {
			st := s.Engine.Stats()
			log.WithFields(log.Fields{
				"step":  i,
				"state": st.State,
				"error": st.LastError,
				"warp":  fmt.Sprintf("%+.1fppm", st.Warp*1e6),
				"level": st.OutputLevel,
			}).Info("Engine")
		}
	}

	st := s.Engine.Stats()
	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Steps    int64                  `json:"steps"`
			Stats    *telemetry.StatsReport `json:"stats"`
			Faults   []telemetry.FaultEvent `json:"faults"`
			Producer sim.Stats              `json:"producer"`
			DAC      map[string]int64       `json:"dac"`
		}{
			Steps:    s.Steps(),
			Stats:    telemetry.NewStatsReport(st),
			Faults:   faults,
			Producer: s.Producer.Stats(),
			DAC:      map[string]int64{"frames": s.DAC.Frames(), "underruns": s.DAC.Underruns()},
		})
	}

	simUs := s.Steps() * cfg.Engine.PeriodUs
	fmt.Fprintf(out, "simulated %.3fs in %d steps (%s target)\n", float64(simUs)/1e6, s.Steps(), s.Engine.Target())
	fmt.Fprintf(out, "tags: on-time %d, late %d, early %d, void %d\n", st.OnTimeTags, st.LateTags, st.EarlyTags, st.VoidTags)
	fmt.Fprintf(out, "samples: produced %d, dropped %d, lead-in %d, silenced %d, top-up %d\n",
		st.Produced, st.Discarded, st.LeadIn, st.Silenced, st.TopUp)
	fmt.Fprintf(out, "final: error %dus, warp %+.1fppm, threshold %dus\n", st.LastError, st.Warp*1e6, st.Threshold)
	fmt.Fprintf(out, "faults: %d\n", len(faults))
	for _, f := range faults {
		fmt.Fprintf(out, "  connection %d endpoint %d: %dus\n", f.ConnectionID, f.EndpointID, f.MagnitudeUs)
	}
	return nil
}

// recorder writes played frames as packed 24-bit little-endian samples
type recorder struct {
	f   *os.File
	w   *bufio.Writer
	err error
}

func newRecorder(path string) (*recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("record: %w", err)
	}
	return &recorder{f: f, w: bufio.NewWriter(f)}, nil
}

func (r *recorder) write(frames []int32) {
	if r.err != nil {
		return
	}
	for _, s := range frames {
		b := audio.SampleTo24Bit(s)
		if _, err := r.w.Write(b[:]); err != nil {
			r.err = err
			log.Errorf("Recording stopped: %v", err)
			return
		}
	}
}

func (r *recorder) Close() error {
	if err := r.w.Flush(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}
