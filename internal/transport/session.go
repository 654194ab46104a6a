// Package transport owns the bridge's membership in a media room.
//
// A [Session] joins the room through an [audio.Platform], tracks which remote
// participants are present, and enforces the single-active-track policy: the
// first remote audio track to be subscribed becomes the active inbound
// source, and it stays active until it is unsubscribed or its participant
// leaves. Later tracks are ignored, even while the first speaker is silent.
//
// [Session.Handle] is not synchronised with itself; it must be driven from a
// single goroutine (the bridge's event loop). All other methods are safe for
// concurrent use.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

var (
	// ErrAlreadyPublished is returned by PublishLocalAudio when the local
	// track has already been published on this connection.
	ErrAlreadyPublished = errors.New("transport: local audio already published")

	// ErrNotConnected is returned by operations that need a joined room.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrAlreadyConnected is returned by Connect on a session that has
	// already joined.
	ErrAlreadyConnected = errors.New("transport: already connected")
)

const (
	defaultTrackName     = "agent-voice"
	defaultPlayoutBuffer = 500 * time.Millisecond
)

// TrackHandle identifies one remote inbound track. It carries no resources;
// the zero value means "no track".
type TrackHandle struct {
	ParticipantID string
	TrackID       string
}

// IsZero reports whether h is the zero handle.
func (h TrackHandle) IsZero() bool {
	return h == TrackHandle{}
}

// String returns "participant/track".
func (h TrackHandle) String() string {
	if h.IsZero() {
		return "<none>"
	}
	return h.ParticipantID + "/" + h.TrackID
}

// Change is the effect of one room event on the session state, as returned by
// [Session.Handle].
type Change struct {
	// Activated is set when Handle became the active inbound track. Frames
	// delivers its PCM.
	Activated bool

	// Cleared is set when Handle stopped being the active inbound track.
	Cleared bool

	// Handle is the track that was activated or cleared.
	Handle TrackHandle

	// Frames is the PCM stream of an activated track.
	Frames <-chan audio.Chunk

	// Joined is the identity of a remote participant that joined.
	Joined string

	// Left is the identity of a remote participant that left.
	Left string

	// Connected is set for the first event of the room.
	Connected bool

	// Lost is set when the room connection ended. Reason explains why.
	Lost   bool
	Reason string
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

// WithTrackName sets the name of the published local audio track.
func WithTrackName(name string) Option {
	return func(s *Session) {
		if name != "" {
			s.trackName = name
		}
	}
}

// WithPlayoutBuffer bounds how much outbound audio the [Sink] may queue.
func WithPlayoutBuffer(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.playout = d
		}
	}
}

// Session is one connection to a media room.
type Session struct {
	platform  audio.Platform
	log       *slog.Logger
	trackName string
	playout   time.Duration

	mu           sync.Mutex
	room         audio.Room
	identity     string
	roomName     string
	active       TrackHandle
	participants map[string]struct{}
	sink         *Sink
	published    bool
	closed       bool
}

// New returns an unconnected session for platform.
func New(platform audio.Platform, opts ...Option) *Session {
	s := &Session{
		platform:     platform,
		log:          slog.Default(),
		trackName:    defaultTrackName,
		playout:      defaultPlayoutBuffer,
		participants: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect joins the room. Failures are returned as *[audio.ConnectError];
// Connect never retries.
func (s *Session) Connect(ctx context.Context, p audio.JoinParams) error {
	s.mu.Lock()
	if s.room != nil || s.closed {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.mu.Unlock()

	room, err := s.platform.Join(ctx, p)
	if err != nil {
		var ce *audio.ConnectError
		if !errors.As(err, &ce) {
			err = &audio.ConnectError{Op: "join room", Err: err}
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = room.Disconnect()
		return &audio.ConnectError{Op: "join room", Err: errors.New("session closed during join")}
	}
	s.room = room
	s.identity = p.Identity
	s.roomName = p.Room
	s.log = s.log.With("room", p.Room)
	s.log.Info("transport: joined room", "identity", p.Identity)
	return nil
}

// Events returns the room's lifecycle events, or nil before Connect.
func (s *Session) Events() <-chan audio.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return nil
	}
	return s.room.Events()
}

// Handle applies ev to the session state and reports what changed.
func (s *Session) Handle(ev audio.Event) Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case audio.EventConnected:
		return Change{Connected: true}

	case audio.EventParticipantConnected:
		if ev.ParticipantID == "" || ev.ParticipantID == s.identity {
			return Change{}
		}
		if _, ok := s.participants[ev.ParticipantID]; ok {
			return Change{}
		}
		s.participants[ev.ParticipantID] = struct{}{}
		s.log.Info("transport: participant joined", "participant", ev.ParticipantID)
		return Change{Joined: ev.ParticipantID}

	case audio.EventParticipantDisconnected:
		if ev.ParticipantID == "" || ev.ParticipantID == s.identity {
			return Change{}
		}
		delete(s.participants, ev.ParticipantID)
		c := Change{Left: ev.ParticipantID}
		if s.active.ParticipantID == ev.ParticipantID {
			c.Cleared, c.Handle = true, s.active
			s.setActive(TrackHandle{})
		}
		s.log.Info("transport: participant left", "participant", ev.ParticipantID, "cleared_active", c.Cleared)
		return c

	case audio.EventTrackSubscribed:
		if ev.ParticipantID == s.identity || ev.Kind != audio.TrackKindAudio || ev.Frames == nil {
			s.log.Debug("transport: ignoring track", "participant", ev.ParticipantID, "track", ev.TrackID, "kind", ev.Kind)
			return Change{}
		}
		if ev.ParticipantID == "" || ev.TrackID == "" {
			s.log.Warn("transport: ignoring track without identity", "participant", ev.ParticipantID, "track", ev.TrackID)
			return Change{}
		}
		h := TrackHandle{ParticipantID: ev.ParticipantID, TrackID: ev.TrackID}
		if !s.active.IsZero() {
			s.log.Info("transport: track ignored, another speaker is active",
				"participant", ev.ParticipantID, "track", ev.TrackID, "active", s.active.String())
			return Change{}
		}
		s.setActive(h)
		s.log.Info("transport: active track set", "participant", h.ParticipantID, "track", h.TrackID)
		return Change{Activated: true, Handle: h, Frames: ev.Frames}

	case audio.EventTrackUnsubscribed:
		h := TrackHandle{ParticipantID: ev.ParticipantID, TrackID: ev.TrackID}
		if h.IsZero() || h != s.active {
			return Change{}
		}
		s.setActive(TrackHandle{})
		s.log.Info("transport: active track cleared", "participant", h.ParticipantID, "track", h.TrackID)
		return Change{Cleared: true, Handle: h}

	case audio.EventDisconnected:
		c := Change{Lost: true, Reason: ev.Reason}
		if !s.active.IsZero() {
			c.Cleared, c.Handle = true, s.active
			s.setActive(TrackHandle{})
		}
		clear(s.participants)
		s.log.Warn("transport: room connection lost", "reason", ev.Reason)
		return c
	}
	return Change{}
}

// setActive replaces the active track and tells the room which track to
// decode. Callers hold s.mu.
func (s *Session) setActive(h TrackHandle) {
	s.active = h
	if sel, ok := s.room.(audio.TrackSelector); ok {
		sel.SelectTrack(h.ParticipantID, h.TrackID)
	}
}

// ActiveTrack returns the active inbound track and whether one is set.
func (s *Session) ActiveTrack() (TrackHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, !s.active.IsZero()
}

// IsActive reports whether h is the active inbound track.
func (s *Session) IsActive(h TrackHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !h.IsZero() && h == s.active
}

// Participants returns the sorted identities of the remote participants.
func (s *Session) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.participants))
	for id := range s.participants {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Published reports whether the local audio track is published.
func (s *Session) Published() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

// PublishLocalAudio publishes the outbound track carrying PCM in format f
// and returns the [Sink] that feeds it. It succeeds at most once per
// connection; later calls return [ErrAlreadyPublished].
func (s *Session) PublishLocalAudio(f audio.Format) (*Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil || s.closed {
		return nil, ErrNotConnected
	}
	if s.published {
		return nil, ErrAlreadyPublished
	}
	track, err := s.room.PublishAudio(s.trackName, f)
	if err != nil {
		return nil, fmt.Errorf("transport: publish local audio: %w", err)
	}
	s.published = true
	s.sink = newSink(track, f, s.playout, s.log)
	s.log.Info("transport: local audio published", "track", track.ID(), "format", f.String())
	return s.sink, nil
}

// PublishData sends a reliable data packet to everyone in the room.
func (s *Session) PublishData(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	room := s.room
	closed := s.closed
	s.mu.Unlock()
	if room == nil || closed {
		return ErrNotConnected
	}
	if err := room.PublishData(ctx, topic, payload); err != nil {
		return fmt.Errorf("transport: publish data: %w", err)
	}
	return nil
}

// Disconnect releases the sink and leaves the room. It is idempotent; every
// teardown step runs even if an earlier one fails.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	room, sink := s.room, s.sink
	s.sink = nil
	s.published = false
	s.active = TrackHandle{}
	clear(s.participants)
	s.mu.Unlock()

	var errs []error
	if sink != nil {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transport: close sink: %w", err))
		}
	}
	if room != nil {
		if err := room.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("transport: leave room: %w", err))
		}
		s.log.Info("transport: left room")
	}
	return errors.Join(errs...)
}
