// Package speech manages the lifecycle of one connection to a realtime speech
// endpoint.
//
// A [Session] wraps a [speechep.Endpoint] with an explicit state machine:
//
//	Idle → Connecting → Active → Closed
//	            │          │
//	            └──────────┴────→ Failed
//
// Closed and Failed are terminal. A session is used exactly once; reopening
// after a failure means constructing a new Session.
//
// Outbound audio goes through a small bounded queue drained by a dedicated
// goroutine, so [Session.SendAudioChunk] never blocks the caller. Inbound
// events are forwarded in order on [Session.Events] by a second goroutine,
// which is the only writer of that channel.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voicebridge/pkg/audio"
	speechep "github.com/MrWong99/voicebridge/pkg/provider/speech"
)

// State is the lifecycle state of a [Session].
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosed
	StateFailed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Closed or Failed.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

var (
	// ErrNotActive is returned when audio or a response request is submitted
	// to a session that is not Active.
	ErrNotActive = errors.New("speech: session not active")

	// ErrBackpressure is returned when the outbound queue is full. The chunk
	// is dropped.
	ErrBackpressure = errors.New("speech: send queue full")

	// ErrSessionUsed is returned by Connect on a session that has already
	// left the Idle state.
	ErrSessionUsed = errors.New("speech: session already used")

	errClosedWhileConnecting = errors.New("speech: closed while connecting")
)

const (
	defaultSendQueue  = 8
	defaultEventQueue = 64
)

// Stats is a point-in-time view of a session's outbound counters.
type Stats struct {
	// Sent is the number of chunks written to the endpoint.
	Sent uint64 `json:"sent"`

	// Dropped is the number of chunks discarded because the queue was full.
	Dropped uint64 `json:"dropped"`
}

// Option configures a [Session].
type Option func(*Session)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithSendQueue sets the outbound queue capacity in chunks. Values below 1
// are ignored.
func WithSendQueue(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// Session is a single-use connection to a speech endpoint.
//
// All methods are safe for concurrent use.
type Session struct {
	endpoint  speechep.Endpoint
	format    audio.Format
	log       *slog.Logger
	queueSize int

	mu             sync.Mutex
	state          State
	err            error
	stream         speechep.Stream
	cancel         context.CancelFunc
	warnedInactive bool
	recvStarted    bool

	sendCh chan []byte
	events chan speechep.Event

	stop       chan struct{}
	stopOnce   sync.Once
	closeEOnce sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// New returns an Idle session for ep.
func New(ep speechep.Endpoint, opts ...Option) *Session {
	s := &Session{
		endpoint:  ep,
		format:    ep.InputFormat(),
		log:       slog.Default(),
		queueSize: defaultSendQueue,
		events:    make(chan speechep.Event, defaultEventQueue),
		stop:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.sendCh = make(chan []byte, s.queueSize)
	s.log = s.log.With("endpoint", ep.Name())
	return s
}

// InputFormat is the PCM format SendAudioChunk accepts.
func (s *Session) InputFormat() audio.Format {
	return s.format
}

// Connect dials the endpoint and moves the session to Active. ctx bounds the
// handshake only; the session outlives it. On failure the session is Failed
// and the returned error is an *[audio.ConnectError]. Connect never retries.
func (s *Session) Connect(ctx context.Context, cfg speechep.SessionConfig) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrSessionUsed
	}
	s.state = StateConnecting
	life, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	dialCtx, dialCancel := context.WithCancel(ctx)
	defer dialCancel()
	stopAfter := context.AfterFunc(life, dialCancel)
	defer stopAfter()

	stream, err := s.endpoint.Dial(dialCtx, cfg)

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return &audio.ConnectError{Op: "dial " + s.endpoint.Name(), Err: errClosedWhileConnecting}
	}
	if err != nil {
		var ce *audio.ConnectError
		if !errors.As(err, &ce) {
			err = &audio.ConnectError{Op: "dial " + s.endpoint.Name(), Err: err}
		}
		s.state = StateFailed
		s.err = err
		s.mu.Unlock()
		cancel()
		s.closeEvents()
		s.log.Warn("speech: connect failed", "err", err)
		return err
	}
	s.stream = stream
	s.state = StateActive
	s.recvStarted = true
	s.mu.Unlock()

	go s.sendLoop(life, stream)
	go s.recvLoop(life, stream)
	s.log.Info("speech: session active")
	return nil
}

// SendAudioChunk queues one chunk for the endpoint. It never blocks.
//
// It returns [ErrNotActive] unless the session is Active (the first such call
// per session logs a warning), an *[audio.FormatError] if the chunk does not
// match [Session.InputFormat], and [ErrBackpressure] when the queue is full.
// A rejected chunk is dropped; queued chunks keep their order.
func (s *Session) SendAudioChunk(chunk audio.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		if !s.warnedInactive {
			s.warnedInactive = true
			s.log.Warn("speech: dropping audio, session not active", "state", s.state)
		}
		return ErrNotActive
	}
	if chunk.Format != s.format {
		return &audio.FormatError{Format: chunk.Format, Len: len(chunk.Data), Reason: "expected " + s.format.String()}
	}
	if len(chunk.Data) == 0 || len(chunk.Data)%s.format.FrameSize() != 0 {
		return &audio.FormatError{Format: chunk.Format, Len: len(chunk.Data), Reason: "misaligned or empty"}
	}

	select {
	case s.sendCh <- chunk.Data:
		return nil
	default:
		s.dropped.Add(1)
		return ErrBackpressure
	}
}

// RequestResponse asks the endpoint to speak now, steered by instructions.
func (s *Session) RequestResponse(ctx context.Context, instructions string) error {
	s.mu.Lock()
	stream := s.stream
	active := s.state == StateActive
	s.mu.Unlock()
	if !active {
		return ErrNotActive
	}
	if err := stream.RequestResponse(ctx, instructions); err != nil {
		return fmt.Errorf("speech: request response: %w", err)
	}
	return nil
}

// Events returns the ordered inbound event channel. It is closed once the
// session becomes terminal. A mid-session failure is reported as a final
// EventError before the close.
func (s *Session) Events() <-chan speechep.Event {
	return s.events
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the reason for a Failed session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns the outbound counters.
func (s *Session) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
}

// Disconnect closes the session. It is idempotent and always returns nil for
// a session that is already terminal. A Failed session stays Failed.
func (s *Session) Disconnect() error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	stream := s.stream
	cancel := s.cancel
	recv := s.recvStarted
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if stream != nil {
		if cerr := stream.Close(); cerr != nil {
			err = fmt.Errorf("speech: close stream: %w", cerr)
		}
	}
	if !recv {
		s.closeEvents()
	}
	s.log.Info("speech: session closed", "sent", s.sent.Load(), "dropped", s.dropped.Load())
	return err
}

func (s *Session) sendLoop(ctx context.Context, stream speechep.Stream) {
	for {
		select {
		case <-ctx.Done():
			return
		case pcm := <-s.sendCh:
			if err := stream.SendAudio(ctx, pcm); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.fail(stream, &audio.StreamError{Op: "send audio", Err: err})
				return
			}
			s.sent.Add(1)
		}
	}
}

func (s *Session) recvLoop(ctx context.Context, stream speechep.Stream) {
	defer s.closeEvents()

	for ev := range stream.Events() {
		if !s.forward(ev) {
			_ = stream.Close()
			return
		}
	}

	s.mu.Lock()
	if s.state == StateActive {
		err := stream.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		var se *audio.StreamError
		if !errors.As(err, &se) {
			err = &audio.StreamError{Op: "receive", Err: err}
		}
		s.state = StateFailed
		s.err = err
		s.cancel()
	}
	failed := s.state == StateFailed
	err := s.err
	s.mu.Unlock()

	if failed {
		s.log.Warn("speech: session failed", "err", err)
		s.forward(speechep.Event{Kind: speechep.EventError, Err: err})
	}
}

// fail moves an Active session to Failed and closes the stream, which ends
// recvLoop.
func (s *Session) fail(stream speechep.Stream, err error) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.err = err
	s.cancel()
	s.mu.Unlock()
	_ = stream.Close()
}

// forward delivers ev unless Disconnect has been called.
func (s *Session) forward(ev speechep.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}

func (s *Session) closeEvents() {
	s.closeEOnce.Do(func() { close(s.events) })
}
