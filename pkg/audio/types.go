package audio

import (
	"fmt"
	"time"
)

// Format describes the PCM layout of an audio stream. Samples are always
// little-endian signed integers, interleaved when Channels > 1.
type Format struct {
	// SampleRate in Hz (e.g., 48000 for the room transport, 24000 for speech).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// BitDepth is the width of a single sample in bits. Only 16 is supported
	// by [Converter].
	BitDepth int
}

// Well-known formats used by the bridge.
var (
	// TransportFormat is what the room transport delivers and accepts:
	// 48 kHz mono 16-bit PCM (decoded Opus).
	TransportFormat = Format{SampleRate: 48000, Channels: 1, BitDepth: 16}

	// SpeechFormat is the native PCM16 format of the realtime speech endpoint.
	SpeechFormat = Format{SampleRate: 24000, Channels: 1, BitDepth: 16}
)

// FrameSize returns the number of bytes in one sample frame (all channels).
// Returns 0 for an unset format.
func (f Format) FrameSize() int {
	return f.Channels * f.BitDepth / 8
}

// Samples returns how many sample frames fit in n bytes of this format.
func (f Format) Samples(n int) int {
	fs := f.FrameSize()
	if fs <= 0 {
		return 0
	}
	return n / fs
}

// Duration returns the playback duration of n bytes of this format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples(n)) * time.Second / time.Duration(f.SampleRate)
}

// Bytes returns the byte length of d worth of audio in this format, rounded
// down to a whole frame.
func (f Format) Bytes(d time.Duration) int {
	samples := int(int64(d) * int64(f.SampleRate) / int64(time.Second))
	return samples * f.FrameSize()
}

// String returns a human-readable form, e.g. "48000Hz mono s16".
func (f Format) String() string {
	return fmt.Sprintf("%s s%d", formatString(f.SampleRate, f.Channels), f.BitDepth)
}

// Chunk is a contiguous run of PCM samples flowing through the bridge.
// Ownership passes with the value: producers must not mutate Data after
// sending a Chunk.
type Chunk struct {
	// Data holds interleaved little-endian PCM samples.
	Data []byte

	// Format describes Data.
	Format Format

	// CapturedAt is when the chunk was produced. It carries a monotonic
	// reading when created with time.Now.
	CapturedAt time.Time
}

// Duration returns the playback duration of the chunk.
func (c Chunk) Duration() time.Duration {
	return c.Format.Duration(len(c.Data))
}
