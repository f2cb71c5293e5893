// ABOUTME: Time-to-play playout synchronizer package
// ABOUTME: Aligns buffered audio with per-block playback times
// Package ttp moves audio from per-channel input buffers to per-channel
// output buffers so each sample reaches the DAC at its time-to-play.
//
// Each run classifies the tag at the read position as late, on time or
// early against the current clock and output level. Late audio is
// discarded, on-time audio is warped by a rate corrector, and early audio
// is preceded by silence. The output is topped up with silence whenever it
// would run dry before the next period.
//
// Example:
//
//	eng := ttp.New()
//	err := eng.Init(ttp.Config{
//		Channels:   channels,
//		Pipeline:   pipeline.New(len(channels), 48000),
//		Tags:       tags,
//		Corrector:  pid.New(pid.Config{}),
//		Clock:      clock,
//		SampleRate: 48000,
//		PeriodUs:   1000,
//	})
//	for range ticker.C {
//		eng.Run()
//	}
package ttp
