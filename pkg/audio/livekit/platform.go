// Package livekit implements [audio.Platform] on top of the LiveKit server
// SDK. Remote Opus audio is decoded to 48 kHz mono PCM frames; the agent voice
// is published as an Opus microphone track; transcripts travel as reliable
// data packets.
package livekit

import (
	"context"
	"log/slog"

	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Platform    = (*Platform)(nil)
	_ audio.Room        = (*Room)(nil)
	_ audio.OutputTrack = (*outputTrack)(nil)
)

// Option is a functional option for [New].
type Option func(*Platform)

// WithLogger sets the logger used for room diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) { p.log = l }
}

// Platform joins LiveKit rooms.
type Platform struct {
	log *slog.Logger
}

// New returns a LiveKit platform.
func New(opts ...Option) *Platform {
	p := &Platform{log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Join implements [audio.Platform]. It mints an access token from the API
// key and secret, connects with auto-subscribe, and returns once the room is
// joined. Failures are returned as *[audio.ConnectError].
func (p *Platform) Join(ctx context.Context, params audio.JoinParams) (audio.Room, error) {
	token, err := MintToken(params)
	if err != nil {
		return nil, &audio.ConnectError{Op: "mint token", Err: err}
	}

	room := newRoom(params.Room, params.Identity, p.log)

	type result struct {
		lk  *lksdk.Room
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		lk, err := lksdk.ConnectToRoomWithToken(params.URL, token, room.callbacks(), lksdk.WithAutoSubscribe(params.Grants.Subscribe))
		resCh <- result{lk: lk, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			room.queue.close()
			return nil, &audio.ConnectError{Op: "join room " + params.Room, Err: res.err}
		}
		room.lk = res.lk
	case <-ctx.Done():
		// The SDK call cannot be cancelled; leave the room if it completes late.
		go func() {
			if res := <-resCh; res.err == nil {
				res.lk.Disconnect()
			}
		}()
		room.queue.close()
		return nil, &audio.ConnectError{Op: "join room " + params.Room, Err: ctx.Err()}
	}

	room.start()
	p.log.Info("livekit: joined room", "room", params.Room, "identity", params.Identity)
	return room, nil
}
