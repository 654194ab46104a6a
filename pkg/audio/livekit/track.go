package livekit

import (
	"errors"
	"fmt"
	"sync"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

var errTrackClosed = errors.New("livekit: output track closed")

// outputTrack is the published agent voice. It implements [audio.OutputTrack].
type outputTrack struct {
	sid    string
	format audio.Format
	track  *lksdk.LocalTrack

	unpublish func(sid string) error

	mu     sync.Mutex // guards enc and closed; the encoder is stateful
	enc    *opusEncoder
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// ID implements [audio.OutputTrack].
func (t *outputTrack) ID() string { return t.sid }

// WriteFrame implements [audio.OutputTrack]. frame must be in the published
// format and span a legal Opus frame duration.
func (t *outputTrack) WriteFrame(frame audio.Chunk) error {
	if frame.Format != t.format {
		return &audio.FormatError{Format: frame.Format, Len: len(frame.Data), Reason: "format differs from published track " + t.format.String()}
	}
	if len(frame.Data) == 0 || len(frame.Data)%t.format.FrameSize() != 0 {
		return &audio.FormatError{Format: frame.Format, Len: len(frame.Data), Reason: "empty or not frame-aligned"}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTrackClosed
	}
	packet, err := t.enc.encode(frame.Data)
	t.mu.Unlock()
	if err != nil {
		return err
	}

	if err := t.track.WriteSample(media.Sample{Data: packet, Duration: frame.Duration()}, nil); err != nil {
		return &audio.StreamError{Op: "write sample", Err: err}
	}
	return nil
}

// Close implements [audio.OutputTrack]. It unpublishes the track once.
func (t *outputTrack) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		if err := t.unpublish(t.sid); err != nil {
			t.closeErr = fmt.Errorf("livekit: unpublish track %s: %w", t.sid, err)
		}
	})
	return t.closeErr
}
