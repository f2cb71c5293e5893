// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines the tagged Block type and sample conversion functions
// Package audio provides fundamental audio types shared by the playout engine,
// its producers and its DAC outputs.
//
// Block holds planar samples carrying one time-to-play tag. The package also
// provides interleaving and the 16-bit and 24-bit sample conversions the
// outputs and recorders use.
//
// Example:
//
//	blk := audio.Block{
//	    PlaybackTime: ttp,
//	    Samples:      [][]int32{left, right},
//	}
//	n := audio.Interleave(frame, blk.Samples)
package audio
