// ABOUTME: Lock-free sample ring package
// ABOUTME: Per-channel SPSC buffers shared between producer, engine and DAC
// Package ring provides a single-producer single-consumer circular buffer
// of int32 PCM samples.
//
// The producer owns the write position and the consumer owns the read
// position, so levels computed from the two positions are safe without a
// shared lock.
//
// Example:
//
//	rb := ring.New(4800)
//	rb.Write(samples)
//	n := rb.Read(out)
package ring
