// ABOUTME: Audio output package for playing the playout rings
// ABOUTME: Provides the Output interface, an oto device and a clocked drain
// Package output provides consumers for the engine's output rings.
//
// Oto plays through the system audio device; Clocked drains at a nominal
// rate with a configurable clock error for headless runs.
//
// Example:
//
//	out := output.NewOto(output.Source{Rings: rings, Guard: guard})
//	err := out.Open(48000, 2)
package output
