// ABOUTME: Playout simulation package
// ABOUTME: Drives the engine with a synthetic tagged source and a clocked DAC
// Package sim simulates a complete playout path.
//
// Producer stands in for a network receiver and decoder, writing a tagged
// tone whose source clock drifts against the reference. Session wires a
// producer, a ttp.Engine and a clocked DAC onto a virtual clock so whole
// minutes of playout run deterministically in milliseconds.
//
// Example:
//
//	s, err := sim.NewSession(cfg, 0)
//	s.Run(60_000)
//	stats := s.Engine.Stats()
package sim
