// ABOUTME: Audio resampling package using linear interpolation
// ABOUTME: Converts sample rates and applies small playback-rate warps
// Package resample provides per-channel sample rate conversion.
//
// Uses linear interpolation. A warp factor nudges the ratio so playback can be
// sped up or slowed down imperceptibly to track a target clock.
//
// Example:
//
//	r := resample.New(48000, 48000)
//	r.SetWarp(0.001)
//	consumed, produced := r.Process(in, out)
package resample
