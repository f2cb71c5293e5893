// ABOUTME: Audio type definitions
// ABOUTME: Defines timed sample blocks and sample conversions
package audio

const (
	// 24-bit audio range constants
	Max24Bit = 8388607  // 2^23 - 1
	Min24Bit = -8388608 // -2^23

	// BytesPerSample is the in-memory width of one sample in the playout buffers
	BytesPerSample = 4
)

// Block is a run of planar PCM samples sharing one time-to-play tag
type Block struct {
	Timestamp    int64     // Source timestamp (microseconds)
	PlaybackTime int64     // Time-to-play of the first sample (microseconds)
	RateAdjust   float64   // Rate adjustment already applied upstream
	Void         bool      // No timing information; pass through
	Samples      [][]int32 // One slice per channel, equal lengths
}

// Frames returns the number of samples per channel
func (b Block) Frames() int {
	if len(b.Samples) == 0 {
		return 0
	}
	return len(b.Samples[0])
}

// Interleave packs planar channels into dst as frame-major samples and
// returns the number of samples written
func Interleave(dst []int32, planar [][]int32) int {
	if len(planar) == 0 {
		return 0
	}
	channels := len(planar)
	frames := len(planar[0])
	if limit := len(dst) / channels; frames > limit {
		frames = limit
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			dst[i*channels+ch] = planar[ch][i]
		}
	}
	return frames * channels
}

// SampleToInt16 converts int32 sample to int16 (for 16-bit playback)
func SampleToInt16(sample int32) int16 {
	// Right-shift to convert 24-bit to 16-bit range
	return int16(sample >> 8)
}

// SampleTo24Bit converts int32 to 24-bit packed bytes (little-endian)
func SampleTo24Bit(sample int32) [3]byte {
	return [3]byte{
		byte(sample),
		byte(sample >> 8),
		byte(sample >> 16),
	}
}

// SampleFrom24Bit converts 24-bit packed bytes to int32 (little-endian)
func SampleFrom24Bit(b [3]byte) int32 {
	val := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	// Sign extend from 24-bit to 32-bit
	if val&0x800000 != 0 {
		val |= ^0xFFFFFF
	}
	return val
}
