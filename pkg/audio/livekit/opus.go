package livekit

import (
	"fmt"

	"layeh.com/gopus"
)

// Room audio is 48 kHz Opus. The agent publishes and consumes mono.
const (
	opusSampleRate = 48000
	opusChannels   = 1

	// opusMaxFrameSize is the number of samples per channel in the longest
	// legal Opus frame (120 ms at 48 kHz).
	opusMaxFrameSize = opusSampleRate * 120 / 1000

	// opusMaxPacket bounds a single encoded packet.
	opusMaxPacket = 4000
)

// opusDecoder wraps a gopus Opus decoder for a single remote track. Each
// track gets its own decoder so that decoder state follows one packet stream.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("livekit: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode decodes one RTP payload into little-endian int16 PCM bytes.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("livekit: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// opusEncoder wraps a gopus Opus encoder for the published agent track.
type opusEncoder struct {
	enc      *gopus.Encoder
	channels int
}

func newOpusEncoder(channels int) (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("livekit: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc, channels: channels}, nil
}

// encode encodes one frame of little-endian int16 PCM into an Opus packet.
// The frame must be a legal Opus duration (2.5 to 60 ms).
func (e *opusEncoder) encode(pcmBytes []byte) ([]byte, error) {
	pcm := bytesToInt16s(pcmBytes)
	frameSize := len(pcm) / e.channels
	packet, err := e.enc.Encode(pcm, frameSize, opusMaxPacket)
	if err != nil {
		return nil, fmt.Errorf("livekit: opus encode: %w", err)
	}
	return packet, nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
