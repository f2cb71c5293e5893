// ABOUTME: Timing-tag stream attached to a producer buffer's byte stream
// ABOUTME: Records tag boundaries at byte offsets and reports them to the playout engine
package tag

import (
	"sync"

	"github.com/Resonate-Protocol/resonate-ttp/pkg/audio"
)

// Tag is what a producer attaches to a block it has just written
type Tag struct {
	Length       int // bytes covered by the tag
	Timestamp    int64
	PlaybackTime int64
	RateAdjust   float64
	Void         bool
}

// Fields describes a detected tag as seen by the reader
type Fields struct {
	Length       int // bytes
	Index        int // byte offset of the tag in the buffer
	Timestamp    int64
	PlaybackTime int64
	RateAdjust   float64
	Void         bool
}

type marker struct {
	abs    uint64
	fields Fields
}

// Stream tracks tag boundaries over a circular byte stream of a fixed size.
// Producers call Append or Extend after writing samples; the engine calls
// Refresh, inspects the head tag and calls Advance as it consumes bytes.
type Stream struct {
	mu   sync.Mutex
	size uint64

	written uint64 // bytes announced by the producer
	read    uint64 // bytes consumed by the reader

	incoming []marker // appended but not yet detected
	pending  []marker // detected and not yet passed by the reader
}

// New creates a stream over a buffer of sizeBytes bytes
func New(sizeBytes int) *Stream {
	if sizeBytes < audio.BytesPerSample {
		sizeBytes = audio.BytesPerSample
	}
	return &Stream{size: uint64(sizeBytes)}
}

// NewForSamples creates a stream matching a ring of capacity samples
func NewForSamples(capacity int) *Stream {
	return New(capacity * audio.BytesPerSample)
}

// Append records a tag starting at the current write offset and covering
// t.Length bytes the producer has already written. Empty tags are ignored.
func (s *Stream) Append(t Tag) {
	if t.Length <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.incoming = append(s.incoming, marker{
		abs: s.written,
		fields: Fields{
			Length:       t.Length,
			Index:        int(s.written % s.size),
			Timestamp:    t.Timestamp,
			PlaybackTime: t.PlaybackTime,
			RateAdjust:   t.RateAdjust,
			Void:         t.Void,
		},
	})
	s.written += uint64(t.Length)
}

// Extend records bytes written without a new tag
func (s *Stream) Extend(bytes int) {
	if bytes <= 0 {
		return
	}
	s.mu.Lock()
	s.written += uint64(bytes)
	s.mu.Unlock()
}

// Refresh runs tag detection, making appended tags visible to the reader
func (s *Stream) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.incoming {
		if m.abs < s.read {
			// Producer tagged data the reader has already passed
			continue
		}
		s.pending = append(s.pending, m)
	}
	s.incoming = s.incoming[:0]
}

// HasPending reports whether a detected tag is waiting ahead of the reader
func (s *Stream) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// AtReadBoundary reports whether the head tag starts at the read offset
func (s *Stream) AtReadBoundary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0 && s.pending[0].abs == s.read
}

// Fields returns the head tag
func (s *Stream) Fields() (Fields, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Fields{}, false
	}
	return s.pending[0].fields, true
}

// Advance moves the read offset forward and retires tags that were passed
func (s *Stream) Advance(bytes int) {
	if bytes <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.read += uint64(bytes)
	if s.read > s.written {
		s.read = s.written
	}

	i := 0
	for i < len(s.pending) && s.pending[i].abs < s.read {
		i++
	}
	s.pending = s.pending[i:]
}

// ReadOffset returns the reader position within the buffer
func (s *Stream) ReadOffset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.read % s.size)
}

// BufferSize returns the buffer size in bytes
func (s *Stream) BufferSize() int {
	return int(s.size)
}

// Available returns the bytes announced but not yet consumed
func (s *Stream) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.written - s.read)
}

// Reset drops all tags and realigns the read offset with the write offset
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read = s.written
	s.incoming = s.incoming[:0]
	s.pending = s.pending[:0]
}
