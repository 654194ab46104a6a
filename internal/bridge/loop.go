package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/internal/resilience"
	"github.com/MrWong99/voicebridge/internal/speech"
	"github.com/MrWong99/voicebridge/internal/transport"
	"github.com/MrWong99/voicebridge/pkg/audio"
	speechep "github.com/MrWong99/voicebridge/pkg/provider/speech"
)

// inboxSize is the capacity of the event loop's inbox.
const inboxSize = 256

// greetTimeout bounds one greeting request.
const greetTimeout = 5 * time.Second

type msgKind int

const (
	msgRoomEvent msgKind = iota
	msgRoomClosed
	msgInboundFrame
	msgTrackEnded
	msgSpeechConnected
	msgSpeechEvent
	msgSpeechClosed
	msgReopen
	msgGreet
)

// message is the unit of work of the event loop. Only the fields relevant to
// kind are set.
type message struct {
	kind   msgKind
	room   audio.Event
	frame  audio.Chunk
	handle transport.TrackHandle
	gen    uint64
	event  speechep.Event
	err    error
}

// loopState is everything the event loop owns.
type loopState struct {
	sink   *transport.Sink
	speech *speech.Session
	gen    uint64 // incremented per speech session

	reopen  reopener
	greeter greeter

	pumps        map[transport.TrackHandle]chan struct{}
	participants int
	connected    bool
	transcripts  *publisher
}

func newLoopState(cfg Config) loopState {
	return loopState{
		reopen:  reopener{policy: cfg.Reopen.withDefaults()},
		greeter: greeter{cfg: cfg.Greeting, leftAt: make(map[string]time.Time)},
		pumps:   make(map[transport.TrackHandle]chan struct{}),
	}
}

// post delivers a lifecycle message, blocking until the loop accepts it or
// the bridge ends. It reports whether the message was accepted.
func (b *Bridge) post(m message) bool {
	select {
	case b.inbox <- m:
		return true
	case <-b.life.Done():
		return false
	case <-b.done:
		return false
	}
}

// offer delivers an audio message without blocking.
func (b *Bridge) offer(m message) bool {
	select {
	case b.inbox <- m:
		return true
	default:
		return false
	}
}

// run is the event loop. It exits after tearing the bridge down.
func (b *Bridge) run() {
	for {
		select {
		case <-b.life.Done():
			b.shutdown(nil)
			return
		default:
		}

		select {
		case <-b.life.Done():
			b.shutdown(nil)
			return
		case m := <-b.inbox:
			if lost := b.handle(m); lost != nil {
				b.shutdown(lost)
				return
			}
			if m.kind != msgInboundFrame && !(m.kind == msgSpeechEvent && m.event.Kind == speechep.EventAssistantAudio) {
				b.publishStatus()
			}
		}
	}
}

// handle processes one message. A non-nil result ends the bridge.
func (b *Bridge) handle(m message) error {
	switch m.kind {
	case msgRoomEvent:
		return b.onRoomEvent(m.room)
	case msgRoomClosed:
		return fmt.Errorf("%w: event stream closed", ErrRoomLost)
	case msgInboundFrame:
		b.onInboundFrame(m.handle, m.frame)
	case msgTrackEnded:
		b.log.Debug("bridge: track frames ended", "participant", m.handle.ParticipantID, "track", m.handle.TrackID)
		b.stopPump(m.handle)
	case msgSpeechConnected:
		b.onSpeechConnected(m.gen, m.err)
	case msgSpeechEvent:
		if m.gen == b.loop.gen {
			b.onSpeechEvent(m.event)
		}
	case msgSpeechClosed:
		b.onSpeechClosed(m.gen)
	case msgReopen:
		if m.gen == b.loop.gen {
			b.loop.reopen.fired()
			b.openSpeech()
		}
	case msgGreet:
		b.onGreet(m.handle)
	}
	return nil
}

// ─── Room ─────────────────────────────────────────────────────────────────────

func (b *Bridge) pumpRoom(events <-chan audio.Event) {
	if events == nil {
		b.post(message{kind: msgRoomClosed})
		return
	}
	for ev := range events {
		if !b.post(message{kind: msgRoomEvent, room: ev}) {
			return
		}
	}
	b.post(message{kind: msgRoomClosed})
}

func (b *Bridge) onRoomEvent(ev audio.Event) error {
	c := b.transport.Handle(ev)

	switch {
	case c.Connected:
		b.onConnected()
	case c.Lost:
		if c.Cleared {
			b.stopPump(c.Handle)
		}
		reason := c.Reason
		if reason == "" {
			reason = "unknown"
		}
		return fmt.Errorf("%w: %s", ErrRoomLost, reason)
	}

	if c.Joined != "" {
		b.loop.participants++
		b.metrics.ActiveParticipants.Add(b.life, 1)
		b.onParticipantJoined(c.Joined)
	}
	if c.Left != "" {
		b.loop.participants--
		b.metrics.ActiveParticipants.Add(b.life, -1)
		b.loop.greeter.left(c.Left, b.now())
	}
	if c.Cleared {
		b.stopPump(c.Handle)
		b.loop.greeter.cancel(c.Handle)
		if b.loop.sink != nil {
			b.loop.sink.Flush()
		}
	}
	if c.Activated {
		b.startPump(c.Handle, c.Frames)
		b.scheduleGreeting(c.Handle)
	}
	return nil
}

// onConnected publishes the agent voice and opens speech. Neither failure is
// fatal; the bridge stays in the room with voice degraded.
func (b *Bridge) onConnected() {
	if b.loop.connected {
		return
	}
	b.loop.connected = true
	b.setState(StateConnected)
	b.metrics.ActiveBridges.Add(b.life, 1)
	b.log.Info("bridge: connected")

	sink, err := b.transport.PublishLocalAudio(b.conv.Transport)
	switch {
	case errors.Is(err, transport.ErrAlreadyPublished):
		b.log.Error("bridge: local audio published twice", "err", err)
	case err != nil:
		b.log.Warn("bridge: publish local audio failed; continuing without voice output", "err", err)
	default:
		b.loop.sink = sink
		b.liveSink.Store(sink)
	}

	if b.cfg.Transcripts.Publish {
		b.loop.transcripts = newPublisher(b.transport, b.cfg.Transcripts.Topic, b.log)
	}
	b.openSpeech()
}

func (b *Bridge) onParticipantJoined(id string) {
	sess := b.loop.speech
	if sess != nil && !sess.State().Terminal() {
		return
	}
	if b.loop.reopen.pending() {
		return
	}
	if !b.loop.connected {
		return
	}
	b.log.Info("bridge: participant joined while voice degraded; retrying speech", "participant", id)
	b.loop.reopen.reset()
	b.openSpeech()
}

// ─── Inbound audio ────────────────────────────────────────────────────────────

// startPump forwards the frames of an activated track into the inbox.
func (b *Bridge) startPump(h transport.TrackHandle, frames <-chan audio.Chunk) {
	stop := make(chan struct{})
	b.loop.pumps[h] = stop
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-b.life.Done():
				return
			case c, ok := <-frames:
				if !ok {
					b.post(message{kind: msgTrackEnded, handle: h})
					return
				}
				if !b.offer(message{kind: msgInboundFrame, handle: h, frame: c}) {
					b.metrics.RecordFrameDropped(b.life, observe.DirectionInbound, observe.ReasonQueueFull)
				}
			}
		}
	}()
}

func (b *Bridge) stopPump(h transport.TrackHandle) {
	if stop, ok := b.loop.pumps[h]; ok {
		close(stop)
		delete(b.loop.pumps, h)
	}
}

func (b *Bridge) onInboundFrame(h transport.TrackHandle, c audio.Chunk) {
	ctx := b.life
	if !b.transport.IsActive(h) {
		b.metrics.RecordFrameDropped(ctx, observe.DirectionInbound, observe.ReasonStaleTrack)
		return
	}
	sess := b.loop.speech
	if sess == nil || sess.State() != speech.StateActive {
		b.metrics.RecordFrameDropped(ctx, observe.DirectionInbound, observe.ReasonNotActive)
		return
	}

	b.conv.SampleAndLog(c.Data, observe.DirectionInbound, c.Format, b.cfg.InboundLogRate)
	pcm, err := b.conv.ToSpeech(c.Data, c.Format)
	if err != nil {
		b.metrics.RecordFrameDropped(ctx, observe.DirectionInbound, observe.ReasonFormat)
		b.log.Debug("bridge: inbound frame dropped", "err", err)
		return
	}
	err = sess.SendAudioChunk(audio.Chunk{Data: pcm, Format: b.conv.Speech, CapturedAt: c.CapturedAt})
	var fe *audio.FormatError
	switch {
	case err == nil:
		b.framesIn.Add(1)
		b.metrics.RecordFrameForwarded(ctx, observe.DirectionInbound)
	case errors.Is(err, speech.ErrBackpressure):
		b.metrics.RecordFrameDropped(ctx, observe.DirectionInbound, observe.ReasonBackpressure)
	case errors.Is(err, speech.ErrNotActive):
		b.metrics.RecordFrameDropped(ctx, observe.DirectionInbound, observe.ReasonNotActive)
	case errors.As(err, &fe):
		b.metrics.RecordFrameDropped(ctx, observe.DirectionInbound, observe.ReasonFormat)
		b.log.Debug("bridge: inbound frame rejected", "err", err)
	default:
		b.log.Warn("bridge: send audio", "err", err)
	}
}

// ─── Speech ───────────────────────────────────────────────────────────────────

// openSpeech starts a new speech session in the background. The dial result
// comes back as msgSpeechConnected.
func (b *Bridge) openSpeech() {
	if sess := b.loop.speech; sess != nil && !sess.State().Terminal() {
		return
	}
	if old := b.loop.speech; old != nil {
		if err := old.Disconnect(); err != nil {
			b.log.Debug("bridge: release previous speech session", "err", err)
		}
	}

	b.loop.gen++
	gen := b.loop.gen
	sess := speech.New(b.endpoint,
		speech.WithLogger(b.log),
		speech.WithSendQueue(b.cfg.SendQueue),
	)
	b.loop.speech = sess
	b.liveSpeech.Store(sess)
	cfg := b.cfg.Session
	name := b.endpoint.Name()

	go func() {
		ctx, span := observe.StartSpan(b.life, "bridge.speech_connect")
		start := time.Now()
		err := b.breaker.Execute(ctx, func(ctx context.Context) error {
			return sess.Connect(ctx, cfg)
		})
		observe.EndSpan(span, err)

		status := "ok"
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			status = "rejected"
		case err != nil:
			status = "error"
		}
		took := time.Since(start)
		b.metrics.RecordSpeechConnect(b.life, name, status, took)
		observe.WithSpan(ctx, b.log).Debug("bridge: speech dial finished",
			"endpoint", name, "generation", gen, "status", status, "duration", took)
		b.post(message{kind: msgSpeechConnected, gen: gen, err: err})
	}()
}

func (b *Bridge) onSpeechConnected(gen uint64, err error) {
	if gen != b.loop.gen {
		return
	}
	sess := b.loop.speech
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			b.log.Warn("bridge: speech dial skipped, circuit open; continuing without voice",
				"retry_at", b.breaker.RetryAt())
		} else {
			b.log.Warn("bridge: speech connect failed; continuing without voice", "err", err)
		}
		if derr := sess.Disconnect(); derr != nil {
			b.log.Debug("bridge: release failed speech session", "err", derr)
		}
		b.scheduleReopen()
		return
	}

	b.log.Info("bridge: speech active", "endpoint", b.endpoint.Name())
	b.loop.reopen.reset()
	go b.pumpSpeech(gen, sess)

	if h, ok := b.loop.greeter.due(); ok {
		b.greet(h)
	}
}

func (b *Bridge) pumpSpeech(gen uint64, sess *speech.Session) {
	for ev := range sess.Events() {
		m := message{kind: msgSpeechEvent, gen: gen, event: ev}
		if ev.Kind == speechep.EventAssistantAudio {
			if !b.offer(m) {
				b.metrics.RecordFrameDropped(b.life, observe.DirectionOutbound, observe.ReasonQueueFull)
			}
			continue
		}
		if !b.post(m) {
			return
		}
	}
	b.post(message{kind: msgSpeechClosed, gen: gen})
}

func (b *Bridge) onSpeechEvent(ev speechep.Event) {
	switch ev.Kind {
	case speechep.EventAssistantAudio:
		b.onAssistantAudio(ev.Audio)
	case speechep.EventUserSpeechStarted:
		if b.loop.sink != nil {
			if n := b.loop.sink.Flush(); n > 0 {
				b.log.Debug("bridge: barge-in, playout flushed", "frames", n)
			}
		}
	case speechep.EventUserSpeechStopped:
		b.log.Debug("bridge: user speech stopped")
	case speechep.EventUserTranscript:
		b.log.Info("bridge: user said", "text", ev.Text)
		b.forwardTranscript(roleUser, ev.Text)
	case speechep.EventAssistantText:
		b.log.Info("bridge: assistant said", "text", ev.Text)
		b.forwardTranscript(roleAssistant, ev.Text)
	case speechep.EventError:
		b.log.Warn("bridge: speech error", "err", ev.Err)
	}
}

func (b *Bridge) onAssistantAudio(c audio.Chunk) {
	ctx := b.life
	sink := b.loop.sink
	if sink == nil {
		b.metrics.RecordFrameDropped(ctx, observe.DirectionOutbound, observe.ReasonNoSink)
		return
	}
	pcm, err := b.conv.ToTransport(c.Data, c.Format)
	if err != nil {
		b.metrics.RecordFrameDropped(ctx, observe.DirectionOutbound, observe.ReasonFormat)
		b.log.Debug("bridge: outbound chunk dropped", "err", err)
		return
	}
	b.conv.SampleAndLog(pcm, observe.DirectionOutbound, b.conv.Transport, b.cfg.OutboundLogRate)

	err = sink.CaptureFrame(audio.Chunk{Data: pcm, Format: b.conv.Transport, CapturedAt: c.CapturedAt})
	switch {
	case err == nil:
		b.framesOut.Add(1)
		b.metrics.RecordFrameForwarded(ctx, observe.DirectionOutbound)
	case errors.Is(err, transport.ErrPlayoutFull):
		b.metrics.RecordFrameDropped(ctx, observe.DirectionOutbound, observe.ReasonPlayoutFull)
	case errors.Is(err, transport.ErrSinkClosed):
		b.metrics.RecordFrameDropped(ctx, observe.DirectionOutbound, observe.ReasonNoSink)
	default:
		b.metrics.RecordFrameDropped(ctx, observe.DirectionOutbound, observe.ReasonFormat)
		b.log.Debug("bridge: outbound chunk rejected", "err", err)
	}
}

func (b *Bridge) onSpeechClosed(gen uint64) {
	if gen != b.loop.gen {
		return
	}
	sess := b.loop.speech
	if sess.State() != speech.StateFailed {
		return
	}
	b.metrics.RecordSpeechError(b.life, b.endpoint.Name())
	stats := sess.Stats()
	b.log.Error("bridge: speech session failed; voice degraded",
		"err", sess.Err(), "chunks_sent", stats.Sent, "chunks_dropped", stats.Dropped)
	b.scheduleReopen()
}

func (b *Bridge) scheduleReopen() {
	delay, ok := b.loop.reopen.next()
	if !ok {
		b.log.Warn("bridge: speech reopen budget exhausted; staying in the room without voice",
			"attempts", b.loop.reopen.attempts)
		return
	}
	gen := b.loop.gen
	b.log.Info("bridge: reopening speech", "attempt", b.loop.reopen.attempts, "backoff", delay)
	b.loop.reopen.arm(delay, func() {
		b.post(message{kind: msgReopen, gen: gen})
	})
}

// ─── Teardown ─────────────────────────────────────────────────────────────────

// shutdown releases everything the loop owns. lost is the reason when the
// room went away on its own, nil for Stop.
func (b *Bridge) shutdown(lost error) {
	if lost != nil {
		b.log.Error("bridge: room lost; ending bridge", "err", lost)
	} else {
		b.log.Info("bridge: stopping")
	}
	b.setState(StateDisconnecting)
	b.cancel()

	b.loop.reopen.stop()
	b.loop.greeter.stop()
	for h := range b.loop.pumps {
		b.stopPump(h)
	}

	var errs []error
	if sess := b.loop.speech; sess != nil {
		if err := sess.Disconnect(); err != nil {
			b.log.Warn("bridge: speech disconnect", "err", err)
			errs = append(errs, err)
		}
	}
	if sink := b.loop.sink; sink != nil {
		if err := sink.Close(); err != nil {
			b.log.Warn("bridge: close sink", "err", err)
			errs = append(errs, err)
		}
	}
	if p := b.loop.transcripts; p != nil {
		p.close()
	}
	if err := b.transport.Disconnect(); err != nil {
		b.log.Warn("bridge: leave room", "err", err)
		errs = append(errs, err)
	}

	if b.loop.connected {
		b.metrics.ActiveBridges.Add(context.Background(), -1)
	}
	if b.loop.participants > 0 {
		b.metrics.ActiveParticipants.Add(context.Background(), int64(-b.loop.participants))
	}
	b.loop.participants = 0
	b.loop.speech = nil
	b.loop.sink = nil
	b.loop.transcripts = nil

	b.mu.Lock()
	b.stopErr = errors.Join(errs...)
	b.mu.Unlock()
	b.finish(lost)
	attrs := []any{"frames_in", b.framesIn.Load(), "frames_out", b.framesOut.Load()}
	if sink := b.liveSink.Load(); sink != nil {
		ps := sink.Stats()
		attrs = append(attrs, "playout_written", ps.Written, "playout_dropped", ps.Dropped)
	}
	b.log.Info("bridge: stopped", attrs...)
}
