// ABOUTME: Timing-tag package
// ABOUTME: Attaches time-to-play metadata to byte offsets of a sample stream
// Package tag implements the tag source consumed by the playout engine.
//
// A tag marks the byte offset where a block of audio begins and carries its
// time-to-play, source timestamp, upstream rate adjustment and a void flag.
//
// Example:
//
//	ts := tag.NewForSamples(rb.Cap())
//	rb.Write(block)
//	ts.Append(tag.Tag{Length: len(block) * audio.BytesPerSample, PlaybackTime: ttp})
package tag
