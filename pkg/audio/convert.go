package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Converter translates PCM between the transport format and the speech
// endpoint format. It holds no per-stream state and is safe for concurrent
// use; a failed conversion affects only the frame being converted.
type Converter struct {
	// Transport is the room-side format (usually [TransportFormat]).
	Transport Format

	// Speech is the endpoint-side format (usually [SpeechFormat]).
	Speech Format

	// Logger receives sampled diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// rand returns a value in [0, 1). Replaced in tests.
	rand func() float64
}

// NewConverter returns a Converter between the given formats.
func NewConverter(transport, speech Format) *Converter {
	return &Converter{Transport: transport, Speech: speech}
}

// ToSpeech converts a transport-side buffer in format src to c.Speech.
func (c *Converter) ToSpeech(buf []byte, src Format) ([]byte, error) {
	return c.Convert(buf, src, c.Speech)
}

// ToTransport converts a speech-side buffer in format src to c.Transport.
func (c *Converter) ToTransport(buf []byte, src Format) ([]byte, error) {
	return c.Convert(buf, src, c.Transport)
}

// Convert converts buf from src to dst. Resampling happens first, then
// channel conversion, so stereo input headed for mono is resampled once per
// channel pair rather than twice. Resampling uses linear interpolation and
// yields floor(n*dst.SampleRate/src.SampleRate) sample frames for n input
// frames. If src equals dst the input slice is returned unchanged.
//
// Only 16-bit mono or stereo PCM is supported. Empty, misaligned, or too
// short buffers produce a *[FormatError].
func (c *Converter) Convert(buf []byte, src, dst Format) ([]byte, error) {
	if err := checkFormat(src); err != nil {
		return nil, &FormatError{Format: src, Len: len(buf), Reason: err.Error()}
	}
	if err := checkFormat(dst); err != nil {
		return nil, &FormatError{Format: dst, Len: len(buf), Reason: err.Error()}
	}
	if !c.Validate(buf, src) {
		return nil, &FormatError{Format: src, Len: len(buf), Reason: "empty or not frame-aligned"}
	}
	if src == dst {
		return buf, nil
	}

	pcm := buf
	if src.SampleRate != dst.SampleRate {
		if src.Channels == 1 {
			pcm = ResampleMono16(pcm, src.SampleRate, dst.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, src.SampleRate, dst.SampleRate)
		}
		if len(pcm) == 0 {
			return nil, &FormatError{Format: src, Len: len(buf), Reason: "too short to resample"}
		}
	}

	switch {
	case src.Channels == 1 && dst.Channels == 2:
		pcm = MonoToStereo(pcm)
	case src.Channels == 2 && dst.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm, nil
}

// Validate reports whether buf is a non-empty, whole number of sample frames
// in format f.
func (c *Converter) Validate(buf []byte, f Format) bool {
	fs := f.FrameSize()
	if fs <= 0 || len(buf) == 0 {
		return false
	}
	return len(buf)%fs == 0
}

// SampleAndLog logs amplitude statistics for buf with probability rate
// (0 disables, 1 logs every call). label identifies the direction in the log.
// Intended for per-frame call sites where logging every frame is too costly.
func (c *Converter) SampleAndLog(buf []byte, label string, f Format, rate float64) {
	if rate <= 0 || len(buf) < 2 {
		return
	}
	r := rand.Float64
	if c.rand != nil {
		r = c.rand
	}
	if rate < 1 && r() >= rate {
		return
	}

	minS, maxS := int16(32767), int16(-32768)
	n := len(buf) / 2
	for i := range n {
		s := int16(buf[i*2]) | int16(buf[i*2+1])<<8
		minS = min(minS, s)
		maxS = max(maxS, s)
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("audio frame sample",
		"direction", label,
		"format", f.String(),
		"bytes", len(buf),
		"samples", f.Samples(len(buf)),
		"duration", f.Duration(len(buf)).Round(time.Microsecond),
		"min", minS,
		"max", maxS,
	)
}

// checkFormat returns a non-nil error for layouts Convert cannot process.
func checkFormat(f Format) error {
	switch {
	case f.BitDepth != 16:
		return errUnsupportedBitDepth
	case f.Channels != 1 && f.Channels != 2:
		return errUnsupportedChannels
	case f.SampleRate <= 0:
		return errInvalidRate
	}
	return nil
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	// Each stereo frame is 4 bytes (2 bytes L + 2 bytes R).
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		// Clamp to int16 range.
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate using
// linear interpolation. Each stereo frame is 4 bytes (L+R interleaved).
// If srcRate == dstRate, the input is returned unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		// Left channel
		l0 := int16(pcm[srcIdx*4]) | int16(pcm[srcIdx*4+1])<<8
		// Right channel
		r0 := int16(pcm[srcIdx*4+2]) | int16(pcm[srcIdx*4+3])<<8

		var l1, r1 int16
		if srcIdx+1 < srcFrames {
			l1 = int16(pcm[(srcIdx+1)*4]) | int16(pcm[(srcIdx+1)*4+1])<<8
			r1 = int16(pcm[(srcIdx+1)*4+2]) | int16(pcm[(srcIdx+1)*4+3])<<8
		} else {
			l1 = l0
			r1 = r0
		}

		lInterp := int16(float64(l0)*(1-frac) + float64(l1)*frac)
		rInterp := int16(float64(r0)*(1-frac) + float64(r1)*frac)

		out[i*4] = byte(lInterp)
		out[i*4+1] = byte(lInterp >> 8)
		out[i*4+2] = byte(rInterp)
		out[i*4+3] = byte(rInterp >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}

var (
	errUnsupportedBitDepth = errors.New("only 16-bit PCM is supported")
	errUnsupportedChannels = errors.New("only mono or stereo is supported")
	errInvalidRate         = errors.New("sample rate must be positive")
)
