// Package mock provides in-memory mock implementations of the [audio.Platform],
// [audio.Room], and [audio.OutputTrack] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	room := mock.NewRoom()
//	platform := &mock.Platform{JoinResult: room}
//	got, err := platform.Join(ctx, audio.JoinParams{Room: "lobby"})
//	room.Emit(audio.Event{Type: audio.EventConnected})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

// ─── OutputTrack ──────────────────────────────────────────────────────────────

// OutputTrack is a mock implementation of [audio.OutputTrack].
type OutputTrack struct {
	mu sync.Mutex

	// TrackID is returned by [OutputTrack.ID].
	TrackID string

	// Format is the format the track was published with.
	Format audio.Format

	// WriteError is returned by [OutputTrack.WriteFrame].
	WriteError error

	// CloseError is returned by [OutputTrack.Close].
	CloseError error

	// Frames records every frame passed to WriteFrame, in order.
	Frames []audio.Chunk

	// CallCountClose records how many times Close was called.
	CallCountClose int

	written chan struct{}
}

// ID implements [audio.OutputTrack].
func (t *OutputTrack) ID() string { return t.TrackID }

// WriteFrame implements [audio.OutputTrack]. Records the frame and returns WriteError.
func (t *OutputTrack) WriteFrame(frame audio.Chunk) error {
	t.mu.Lock()
	t.Frames = append(t.Frames, frame)
	err := t.WriteError
	ch := t.written
	t.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return err
}

// Close implements [audio.OutputTrack]. Returns CloseError.
func (t *OutputTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountClose++
	return t.CloseError
}

// Written returns a channel that receives a value (best effort) after each
// WriteFrame call. Use it to wait for playout in tests.
func (t *OutputTrack) Written() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.written == nil {
		t.written = make(chan struct{}, 64)
	}
	return t.written
}

// FrameCount returns the number of frames written so far.
func (t *OutputTrack) FrameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Frames)
}

// WrittenFrames returns a copy of the frames written so far.
func (t *OutputTrack) WrittenFrames() []audio.Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]audio.Chunk, len(t.Frames))
	copy(out, t.Frames)
	return out
}

// CloseCount returns how many times Close was called.
func (t *OutputTrack) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CallCountClose
}

// ─── Room ─────────────────────────────────────────────────────────────────────

// PublishAudioCall records the arguments of a single [Room.PublishAudio] invocation.
type PublishAudioCall struct {
	Name   string
	Format audio.Format
}

// PublishDataCall records the arguments of a single [Room.PublishData] invocation.
type PublishDataCall struct {
	Topic   string
	Payload []byte
}

// Room is a mock implementation of [audio.Room]. Events are injected with
// [Room.Emit]; the event channel is closed by Disconnect.
type Room struct {
	mu sync.Mutex

	events chan audio.Event
	closed bool

	// PublishAudioResult is returned by PublishAudio. When nil, a fresh
	// [OutputTrack] with TrackID "local-audio" is created per call.
	PublishAudioResult *OutputTrack

	// PublishAudioError is returned by PublishAudio.
	PublishAudioError error

	// PublishDataError is returned by PublishData.
	PublishDataError error

	// DisconnectError is returned by Disconnect.
	DisconnectError error

	// PublishAudioCalls records all PublishAudio invocations.
	PublishAudioCalls []PublishAudioCall

	// PublishDataCalls records all PublishData invocations.
	PublishDataCalls []PublishDataCall

	// Tracks holds every track returned by PublishAudio.
	Tracks []*OutputTrack

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	// Selections records every SelectTrack call as "participant/track", or
	// "" when the selection was cleared.
	Selections []string
}

// NewRoom returns a Room with a buffered event channel.
func NewRoom() *Room {
	return &Room{events: make(chan audio.Event, 256)}
}

// Events implements [audio.Room].
func (r *Room) Events() <-chan audio.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = make(chan audio.Event, 256)
	}
	return r.events
}

// Emit delivers ev to the event channel. Events emitted after Disconnect are
// discarded. Emitting [audio.EventDisconnected] closes the channel afterwards.
func (r *Room) Emit(ev audio.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.events == nil {
		r.events = make(chan audio.Event, 256)
	}
	r.events <- ev
	if ev.Type == audio.EventDisconnected {
		r.closed = true
		close(r.events)
	}
}

// PublishAudio implements [audio.Room].
func (r *Room) PublishAudio(name string, f audio.Format) (audio.OutputTrack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PublishAudioCalls = append(r.PublishAudioCalls, PublishAudioCall{Name: name, Format: f})
	if r.PublishAudioError != nil {
		return nil, r.PublishAudioError
	}
	t := r.PublishAudioResult
	if t == nil {
		t = &OutputTrack{TrackID: "local-audio"}
	}
	t.Format = f
	r.Tracks = append(r.Tracks, t)
	return t, nil
}

// PublishData implements [audio.Room].
func (r *Room) PublishData(_ context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PublishDataCalls = append(r.PublishDataCalls, PublishDataCall{Topic: topic, Payload: payload})
	return r.PublishDataError
}

// Disconnect implements [audio.Room]. Closes the event channel once and
// returns DisconnectError.
func (r *Room) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountDisconnect++
	if !r.closed {
		r.closed = true
		if r.events != nil {
			close(r.events)
		}
	}
	return r.DisconnectError
}

// SelectTrack implements [audio.TrackSelector].
func (r *Room) SelectTrack(participantID, trackID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sel := ""
	if participantID != "" || trackID != "" {
		sel = participantID + "/" + trackID
	}
	r.Selections = append(r.Selections, sel)
}

// SelectionLog returns a copy of the recorded SelectTrack calls.
func (r *Room) SelectionLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.Selections)
}

// DisconnectCount returns how many times Disconnect was called.
func (r *Room) DisconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.CallCountDisconnect
}

// DataCalls returns a copy of the recorded PublishData calls.
func (r *Room) DataCalls() []PublishDataCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PublishDataCall, len(r.PublishDataCalls))
	copy(out, r.PublishDataCalls)
	return out
}

// PublishedTracks returns a copy of the tracks handed out by PublishAudio.
func (r *Room) PublishedTracks() []*OutputTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*OutputTrack, len(r.Tracks))
	copy(out, r.Tracks)
	return out
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// JoinResult is the room returned by Join.
	JoinResult audio.Room

	// JoinError is the error returned by Join.
	JoinError error

	// JoinCalls records all Join invocations.
	JoinCalls []audio.JoinParams
}

// Join implements [audio.Platform]. Records the call and returns JoinResult / JoinError.
func (p *Platform) Join(_ context.Context, params audio.JoinParams) (audio.Room, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.JoinCalls = append(p.JoinCalls, params)
	if p.JoinError != nil {
		return nil, p.JoinError
	}
	return p.JoinResult, nil
}
