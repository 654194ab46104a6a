// Package mock provides test doubles for the speech package interfaces.
//
// Use Endpoint to verify Dial calls and hand out controlled streams.
// Use Stream to inject inbound events, simulate failures, and inspect what the
// caller sent.
//
// Example:
//
//	stream := mock.NewStream()
//	ep := &mock.Endpoint{Streams: []*mock.Stream{stream}}
//	s, _ := ep.Dial(ctx, cfg)
//	stream.Emit(speech.Event{Kind: speech.EventUserSpeechStarted})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/provider/speech"
)

var errClosed = errors.New("mock: stream closed")

// ── Stream ────────────────────────────────────────────────────────────────────

// Stream is a mock implementation of speech.Stream.
type Stream struct {
	mu sync.Mutex

	events chan speech.Event
	closed bool
	err    error

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// SendBlock, if non-nil, makes SendAudio wait until it is closed or ctx
	// is done.
	SendBlock chan struct{}

	// RequestErr, if non-nil, is returned by RequestResponse.
	RequestErr error

	// Sent records every chunk passed to SendAudio, in order.
	Sent [][]byte

	// Requests records every instructions string passed to RequestResponse.
	Requests []string

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	sentSignal chan struct{}
}

// NewStream returns a Stream with a buffered event channel.
func NewStream() *Stream {
	return &Stream{
		events:     make(chan speech.Event, 256),
		sentSignal: make(chan struct{}, 256),
	}
}

func (s *Stream) init() {
	if s.events == nil {
		s.events = make(chan speech.Event, 256)
	}
	if s.sentSignal == nil {
		s.sentSignal = make(chan struct{}, 256)
	}
}

// SendAudio records the chunk and returns SendErr.
func (s *Stream) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	block := s.SendBlock
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	if s.closed {
		return errClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.Sent = append(s.Sent, pcm)
	select {
	case s.sentSignal <- struct{}{}:
	default:
	}
	return nil
}

// RequestResponse records instructions and returns RequestErr.
func (s *Stream) RequestResponse(_ context.Context, instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.Requests = append(s.Requests, instructions)
	return s.RequestErr
}

// Events returns the inbound event channel.
func (s *Stream) Events() <-chan speech.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	return s.events
}

// Err returns the error passed to Fail, or nil.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the event channel. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Emit delivers ev on the event channel. Ignored after Close or Fail.
func (s *Stream) Emit(ev speech.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	if s.closed {
		return
	}
	s.events <- ev
}

// EmitAudio is shorthand for emitting an EventAssistantAudio chunk.
func (s *Stream) EmitAudio(pcm []byte, f audio.Format) {
	s.Emit(speech.Event{Kind: speech.EventAssistantAudio, Audio: audio.Chunk{Data: pcm, Format: f}})
}

// Fail simulates a transport failure: Err starts returning err and the event
// channel is closed.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.events)
}

// SentSignal receives a value (best effort) after each recorded SendAudio.
func (s *Stream) SentSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	return s.sentSignal
}

// SentChunks returns a copy of the chunks recorded by SendAudio.
func (s *Stream) SentChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Sent))
	copy(out, s.Sent)
	return out
}

// RequestedResponses returns a copy of the recorded RequestResponse calls.
func (s *Stream) RequestedResponses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Requests))
	copy(out, s.Requests)
	return out
}

// Closed reports whether Close or Fail has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── Endpoint ──────────────────────────────────────────────────────────────────

// DialCall records a single invocation of Endpoint.Dial.
type DialCall struct {
	Cfg speech.SessionConfig
}

// Endpoint is a mock implementation of speech.Endpoint.
type Endpoint struct {
	mu sync.Mutex

	// EndpointName is returned by Name. Defaults to "mock".
	EndpointName string

	// Format is returned by InputFormat. Defaults to audio.SpeechFormat.
	Format audio.Format

	// Streams are handed out by Dial in order. When exhausted, Dial creates
	// a fresh Stream.
	Streams []*Stream

	// DialErrs are returned by successive Dial calls before any stream is
	// handed out. A nil entry means that call succeeds.
	DialErrs []error

	// DialErr, if non-nil, is returned by every Dial once DialErrs is used up.
	DialErr error

	// DialBlock, if non-nil, makes Dial wait until it is closed or ctx is done.
	DialBlock chan struct{}

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall

	// Dialed holds every stream returned by Dial.
	Dialed []*Stream
}

// Name implements speech.Endpoint.
func (e *Endpoint) Name() string {
	if e.EndpointName == "" {
		return "mock"
	}
	return e.EndpointName
}

// InputFormat implements speech.Endpoint.
func (e *Endpoint) InputFormat() audio.Format {
	if e.Format == (audio.Format{}) {
		return audio.SpeechFormat
	}
	return e.Format
}

// Dial records the call and returns the next scripted stream or error.
func (e *Endpoint) Dial(ctx context.Context, cfg speech.SessionConfig) (speech.Stream, error) {
	e.mu.Lock()
	block := e.DialBlock
	e.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &audio.ConnectError{Op: "mock dial", Err: ctx.Err()}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.DialCalls = append(e.DialCalls, DialCall{Cfg: cfg})

	if len(e.DialErrs) > 0 {
		err := e.DialErrs[0]
		e.DialErrs = e.DialErrs[1:]
		if err != nil {
			return nil, &audio.ConnectError{Op: "mock dial", Err: err}
		}
	} else if e.DialErr != nil {
		return nil, &audio.ConnectError{Op: "mock dial", Err: e.DialErr}
	}

	var s *Stream
	if len(e.Streams) > 0 {
		s = e.Streams[0]
		e.Streams = e.Streams[1:]
	} else {
		s = NewStream()
	}
	e.Dialed = append(e.Dialed, s)
	return s, nil
}

// DialCount returns the number of Dial calls so far.
func (e *Endpoint) DialCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.DialCalls)
}

// LastStream returns the most recently dialed stream, or nil.
func (e *Endpoint) LastStream() *Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Dialed) == 0 {
		return nil
	}
	return e.Dialed[len(e.Dialed)-1]
}
