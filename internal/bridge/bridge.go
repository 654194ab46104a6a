// Package bridge couples one media room to one realtime speech endpoint.
//
// A [Bridge] joins the room through a [transport.Session], publishes the
// agent's voice track, and opens a [speech.Session] in the background. Inbound
// audio from the single active human track is converted and sent to the
// speech endpoint; synthesised speech is converted and played into the room.
//
// All mutable state is owned by one goroutine (the event loop). Every source
// of work (room events, per-track frame pumps, speech event pumps, dial
// results, timers) posts a message into a single inbox. Lifecycle messages
// block until accepted; audio frames are offered and dropped when the inbox is
// full, so a stalled loop never blocks the transport or the endpoint.
//
// Transport and speech liveness are independent: losing the speech endpoint
// leaves the bridge in the room with voice degraded, while losing the room
// ends the bridge. The bridge never rejoins a room; its owner restarts it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/internal/resilience"
	"github.com/MrWong99/voicebridge/internal/speech"
	"github.com/MrWong99/voicebridge/internal/transport"
	"github.com/MrWong99/voicebridge/pkg/audio"
	speechep "github.com/MrWong99/voicebridge/pkg/provider/speech"
)

var (
	// ErrAlreadyStarted is returned by Start on a bridge that was started or
	// stopped before.
	ErrAlreadyStarted = errors.New("bridge: already started")

	// ErrStopped is returned by Start when Stop was called while joining.
	ErrStopped = errors.New("bridge: stopped")

	// ErrRoomLost is wrapped by [Bridge.Err] after the room connection ended
	// without a call to Stop.
	ErrRoomLost = errors.New("bridge: room connection lost")
)

// State is the bridge's transport lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Config is the immutable configuration of one bridge.
type Config struct {
	// Join describes the room to join.
	Join audio.JoinParams

	// Session is sent to the speech endpoint on every dial.
	Session speechep.SessionConfig

	// TrackName names the published agent voice track.
	TrackName string

	// SendQueue is the speech session's outbound queue capacity in chunks.
	SendQueue int

	// PlayoutBuffer bounds the queued outbound audio.
	PlayoutBuffer time.Duration

	// InboundLogRate and OutboundLogRate are per-frame diagnostic sampling
	// probabilities.
	InboundLogRate  float64
	OutboundLogRate float64

	// Reopen bounds how a failed speech session is reopened.
	Reopen ReopenPolicy

	// BreakerFailures and BreakerReset tune the circuit breaker around
	// speech dials. Zero values use the breaker defaults.
	BreakerFailures int
	BreakerReset    time.Duration

	Greeting    GreetingConfig
	Transcripts TranscriptConfig
}

// GreetingConfig controls the spoken greeting for a new speaker.
type GreetingConfig struct {
	Enabled bool

	// Delay is the pause between a track becoming active and the greeting.
	Delay time.Duration

	// Instructions steer a first greeting; WelcomeBack steers the greeting of
	// a participant who left less than RejoinWindow ago.
	Instructions string
	WelcomeBack  string
	RejoinWindow time.Duration
}

// TranscriptConfig controls transcript forwarding into the room.
type TranscriptConfig struct {
	Publish bool
	Topic   string
}

// Dependencies are the collaborators a bridge is built from.
type Dependencies struct {
	// Platform joins the room. Required.
	Platform audio.Platform

	// Endpoint is the speech backend. Required.
	Endpoint speechep.Endpoint

	// Converter translates PCM between the room and the endpoint. Defaults to
	// [audio.TransportFormat] ↔ the endpoint's input format.
	Converter *audio.Converter

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now is the clock used for the rejoin window. Defaults to time.Now.
	Now func() time.Time
}

// Status is an immutable snapshot of a bridge, refreshed after every
// lifecycle message the event loop processes.
type Status struct {
	BridgeID       string               `json:"bridge_id"`
	Room           string               `json:"room"`
	State          string               `json:"state"`
	SpeechState    string               `json:"speech_state"`
	ActiveTrack    string               `json:"active_track,omitempty"`
	Published      bool                 `json:"published"`
	Degraded       bool                 `json:"degraded"`
	Participants   []string             `json:"participants"`
	ReopenAttempts int                  `json:"reopen_attempts"`
	Breaker        string               `json:"breaker"`
	FramesIn       uint64               `json:"frames_in"`
	FramesOut      uint64               `json:"frames_out"`
	Speech         *speech.Stats        `json:"speech,omitempty"`
	Playout        *transport.SinkStats `json:"playout,omitempty"`
}

// Bridge couples one room to one speech endpoint. Create it with [New].
type Bridge struct {
	id        string
	cfg       Config
	endpoint  speechep.Endpoint
	conv      *audio.Converter
	metrics   *observe.Metrics
	log       *slog.Logger
	now       func() time.Time
	transport *transport.Session
	breaker   *resilience.CircuitBreaker

	// life is cancelled by Stop and by room loss. It aborts a join or dial in
	// progress and releases every pump.
	life   context.Context
	cancel context.CancelFunc

	inbox chan message
	done  chan struct{}

	mu        sync.Mutex
	started   bool
	stopped   bool
	err       error
	stopErr   error
	closeDone sync.Once

	state     atomic.Int32
	status    atomic.Pointer[Status]
	framesIn  atomic.Uint64
	framesOut atomic.Uint64

	// Latest speech session and sink, kept after teardown for final counters.
	liveSpeech atomic.Pointer[speech.Session]
	liveSink   atomic.Pointer[transport.Sink]

	// Owned by the event loop.
	loop loopState
}

// New validates cfg and deps and returns a bridge in StateDisconnected.
func New(cfg Config, deps Dependencies) (*Bridge, error) {
	if deps.Platform == nil {
		return nil, errors.New("bridge: platform is required")
	}
	if deps.Endpoint == nil {
		return nil, errors.New("bridge: speech endpoint is required")
	}
	if cfg.Join.Room == "" || cfg.Join.Identity == "" {
		return nil, errors.New("bridge: room name and identity are required")
	}
	if cfg.Transcripts.Publish && cfg.Transcripts.Topic == "" {
		return nil, errors.New("bridge: transcript topic is required")
	}

	id := uuid.NewString()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("bridge_id", id, "room", cfg.Join.Room)

	var conv *audio.Converter
	if deps.Converter != nil {
		c := *deps.Converter
		conv = &c
	} else {
		conv = audio.NewConverter(audio.TransportFormat, deps.Endpoint.InputFormat())
	}
	if conv.Logger == nil {
		conv.Logger = log
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	breakerName := "speech/" + deps.Endpoint.Name()
	life, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		id:       id,
		cfg:      cfg,
		endpoint: deps.Endpoint,
		conv:     conv,
		metrics:  metrics,
		log:      log,
		now:      now,
		transport: transport.New(deps.Platform,
			transport.WithLogger(log),
			transport.WithTrackName(cfg.TrackName),
			transport.WithPlayoutBuffer(cfg.PlayoutBuffer),
		),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:          breakerName,
			MaxFailures:   cfg.BreakerFailures,
			ResetTimeout:  cfg.BreakerReset,
			Logger:        log,
			OnStateChange: func(from, to resilience.State) {
				metrics.RecordBreakerTransition(life, breakerName, from.String(), to.String())
			},
		}),
		life:   life,
		cancel: cancel,
		inbox:  make(chan message, inboxSize),
		done:   make(chan struct{}),
		loop:   newLoopState(cfg),
	}
	b.publishStatus()
	return b, nil
}

// ID returns the bridge instance identifier used in logs and transcripts.
func (b *Bridge) ID() string { return b.id }

// Start joins the room and starts the event loop. It blocks until the join
// completes; ctx bounds the join only. Speech is opened in the background
// once the room reports connected, so a speech failure never fails Start.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	b.mu.Unlock()

	b.setState(StateConnecting)

	joinCtx, joinCancel := context.WithCancel(ctx)
	defer joinCancel()
	stopAfter := context.AfterFunc(b.life, joinCancel)
	defer stopAfter()

	joinCtx, span := observe.StartSpan(joinCtx, "bridge.join")
	log := observe.WithSpan(joinCtx, b.log)
	start := time.Now()
	err := b.transport.Connect(joinCtx, b.cfg.Join)
	observe.EndSpan(span, err)

	if err != nil {
		b.metrics.RecordTransportConnect(ctx, "error", time.Since(start))
		log.Error("bridge: join failed", "err", err)
		if b.life.Err() != nil {
			err = errors.Join(ErrStopped, err)
		}
		b.finish(err)
		return err
	}
	b.metrics.RecordTransportConnect(ctx, "ok", time.Since(start))
	log.Debug("bridge: room joined", "duration", time.Since(start))

	if b.life.Err() != nil {
		if derr := b.transport.Disconnect(); derr != nil {
			b.log.Warn("bridge: leave room after stop", "err", derr)
		}
		b.finish(ErrStopped)
		return ErrStopped
	}

	go b.pumpRoom(b.transport.Events())
	go b.run()
	return nil
}

// Stop tears the bridge down: speech session, playout sink, room membership.
// Every step runs even if an earlier one fails; the failures are joined into
// the returned error. Audio still in flight is discarded.
//
// Stop is idempotent and safe to call from any goroutine, including a signal
// handler, before Start, and after the room was lost. Only the first call
// reports teardown errors. ctx bounds the wait for the event loop to finish.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	first := !b.stopped
	b.stopped = true
	started := b.started
	b.started = true
	b.mu.Unlock()

	b.cancel()
	if !started {
		b.finish(nil)
	}

	select {
	case <-b.done:
	case <-ctx.Done():
		return fmt.Errorf("bridge: stop: %w", ctx.Err())
	}
	if !first {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopErr
}

// Done is closed when the bridge's life ends, by Stop or by room loss.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Err returns why the bridge ended on its own: a failed join or a lost room
// (wrapping [ErrRoomLost]). It is nil while running and after a clean Stop.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// State returns the transport lifecycle state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Status returns the latest snapshot with live frame, speech queue and
// playout counters.
func (b *Bridge) Status() Status {
	st := *b.status.Load()
	st.FramesIn = b.framesIn.Load()
	st.FramesOut = b.framesOut.Load()
	if sess := b.liveSpeech.Load(); sess != nil {
		stats := sess.Stats()
		st.Speech = &stats
	}
	if sink := b.liveSink.Load(); sink != nil {
		stats := sink.Stats()
		st.Playout = &stats
	}
	return st
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
	b.publishStatus()
}

// finish records why the bridge ended and closes Done exactly once.
func (b *Bridge) finish(err error) {
	b.closeDone.Do(func() {
		b.mu.Lock()
		if !b.stopped || !errors.Is(err, ErrStopped) {
			b.err = err
		}
		b.mu.Unlock()
		b.state.Store(int32(StateDisconnected))
		b.publishStatus()
		close(b.done)
	})
}

// publishStatus stores a fresh snapshot. Loop-owned fields are read here, so
// it is only called from the loop or before the loop starts or after it ends.
func (b *Bridge) publishStatus() {
	st := &Status{
		BridgeID:       b.id,
		Room:           b.cfg.Join.Room,
		State:          b.State().String(),
		SpeechState:    "none",
		Published:      b.transport.Published(),
		Participants:   b.transport.Participants(),
		ReopenAttempts: b.loop.reopen.attempts,
		Breaker:        b.breaker.State().String(),
		FramesIn:       b.framesIn.Load(),
		FramesOut:      b.framesOut.Load(),
	}
	if sess := b.loop.speech; sess != nil {
		st.SpeechState = sess.State().String()
	}
	if h, ok := b.transport.ActiveTrack(); ok {
		st.ActiveTrack = h.String()
	}
	st.Degraded = b.State() == StateConnected && (b.loop.sink == nil || b.loop.speech == nil || b.loop.speech.State() != speech.StateActive)
	b.status.Store(st)
}
