// ABOUTME: Single-producer single-consumer sample ring buffer
// ABOUTME: Read and write positions are atomics, each owned by exactly one side
package ring

import "sync/atomic"

// Buffer is a fixed-capacity circular buffer of int32 samples for one
// channel. One goroutine may write and one goroutine may read concurrently.
// Writes never overwrite unread data; they are clamped to the free space.
type Buffer struct {
	samples []int32
	size    uint64

	// Monotonic counters. wr is only stored by the writer, rd only by the reader.
	wr atomic.Uint64
	rd atomic.Uint64
}

// New creates a ring holding up to capacity samples
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		samples: make([]int32, capacity),
		size:    uint64(capacity),
	}
}

// Cap returns the capacity in samples
func (b *Buffer) Cap() int {
	return int(b.size)
}

// Data returns the number of samples available to read. The read position
// is loaded first so a third observer never sees it pass the write position.
func (b *Buffer) Data() int {
	r := b.rd.Load()
	return int(b.wr.Load() - r)
}

// Space returns the number of samples that can be written
func (b *Buffer) Space() int {
	return int(b.size - (b.wr.Load() - b.rd.Load()))
}

// Write appends samples and returns how many were stored
func (b *Buffer) Write(src []int32) int {
	w := b.wr.Load()
	free := b.size - (w - b.rd.Load())
	n := uint64(len(src))
	if n > free {
		n = free
	}
	for i := uint64(0); i < n; i++ {
		b.samples[(w+i)%b.size] = src[i]
	}
	b.wr.Store(w + n)
	return int(n)
}

// WriteSilence appends up to n zero samples and returns how many were stored
func (b *Buffer) WriteSilence(n int) int {
	if n <= 0 {
		return 0
	}
	w := b.wr.Load()
	free := b.size - (w - b.rd.Load())
	cnt := uint64(n)
	if cnt > free {
		cnt = free
	}
	for i := uint64(0); i < cnt; i++ {
		b.samples[(w+i)%b.size] = 0
	}
	b.wr.Store(w + cnt)
	return int(cnt)
}

// Peek copies up to len(dst) unread samples without consuming them
func (b *Buffer) Peek(dst []int32) int {
	r := b.rd.Load()
	avail := b.wr.Load() - r
	n := uint64(len(dst))
	if n > avail {
		n = avail
	}
	for i := uint64(0); i < n; i++ {
		dst[i] = b.samples[(r+i)%b.size]
	}
	return int(n)
}

// Read copies and consumes up to len(dst) samples
func (b *Buffer) Read(dst []int32) int {
	n := b.Peek(dst)
	b.rd.Add(uint64(n))
	return n
}

// Discard drops up to n unread samples and returns how many were dropped
func (b *Buffer) Discard(n int) int {
	if n <= 0 {
		return 0
	}
	r := b.rd.Load()
	avail := b.wr.Load() - r
	cnt := uint64(n)
	if cnt > avail {
		cnt = avail
	}
	b.rd.Store(r + cnt)
	return int(cnt)
}

// Reset empties the buffer. Neither side may be active while it runs.
func (b *Buffer) Reset() {
	b.rd.Store(b.wr.Load())
}
