package bridge

import (
	"context"
	"time"

	"github.com/MrWong99/voicebridge/internal/speech"
	"github.com/MrWong99/voicebridge/internal/transport"
)

// greeter schedules the spoken greeting for a newly active track. It is
// owned by the event loop.
type greeter struct {
	cfg GreetingConfig

	// leftAt remembers when each participant last left, for welcome-backs.
	leftAt map[string]time.Time

	target  transport.TrackHandle
	welcome bool
	ready   bool // delay elapsed, waiting for speech
	timer   *time.Timer
}

// left records that participant id left at t and forgets departures that
// fell out of the rejoin window.
func (g *greeter) left(id string, t time.Time) {
	for other, at := range g.leftAt {
		if t.Sub(at) > g.cfg.RejoinWindow {
			delete(g.leftAt, other)
		}
	}
	if g.cfg.RejoinWindow > 0 {
		g.leftAt[id] = t
	}
}

// rejoined reports whether id left less than the rejoin window before now.
func (g *greeter) rejoined(id string, now time.Time) bool {
	t, ok := g.leftAt[id]
	if !ok {
		return false
	}
	if now.Sub(t) > g.cfg.RejoinWindow {
		delete(g.leftAt, id)
		return false
	}
	return true
}

// due returns the track whose greeting is waiting for speech to become active.
func (g *greeter) due() (transport.TrackHandle, bool) {
	if !g.ready || g.target.IsZero() {
		return transport.TrackHandle{}, false
	}
	return g.target, true
}

// instructions returns the steering text for the pending greeting.
func (g *greeter) instructions() string {
	if g.welcome && g.cfg.WelcomeBack != "" {
		return g.cfg.WelcomeBack
	}
	return g.cfg.Instructions
}

// cancel drops the pending greeting for h, if any.
func (g *greeter) cancel(h transport.TrackHandle) {
	if g.target != h {
		return
	}
	g.stop()
	g.target = transport.TrackHandle{}
	g.ready = false
}

func (g *greeter) stop() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// scheduleGreeting arms the greeting timer for a newly active track.
func (b *Bridge) scheduleGreeting(h transport.TrackHandle) {
	g := &b.loop.greeter
	if !g.cfg.Enabled {
		return
	}
	g.stop()
	g.target = h
	g.ready = false
	g.welcome = g.rejoined(h.ParticipantID, b.now())
	g.timer = time.AfterFunc(g.cfg.Delay, func() {
		b.post(message{kind: msgGreet, handle: h})
	})
}

func (b *Bridge) onGreet(h transport.TrackHandle) {
	g := &b.loop.greeter
	if g.target != h || !b.transport.IsActive(h) {
		return
	}
	g.timer = nil
	if sess := b.loop.speech; sess == nil || sess.State() != speech.StateActive {
		g.ready = true
		b.log.Debug("bridge: greeting deferred until speech is active", "participant", h.ParticipantID)
		return
	}
	b.greet(h)
}

// greet asks the endpoint to speak the greeting. The request runs off the
// loop; its failure only costs the greeting.
func (b *Bridge) greet(h transport.TrackHandle) {
	g := &b.loop.greeter
	instructions := g.instructions()
	welcome := g.welcome
	g.target = transport.TrackHandle{}
	g.ready = false

	sess := b.loop.speech
	log := b.log.With("participant", h.ParticipantID, "welcome_back", welcome)
	log.Info("bridge: greeting participant")
	go func() {
		ctx, cancel := context.WithTimeout(b.life, greetTimeout)
		defer cancel()
		if err := sess.RequestResponse(ctx, instructions); err != nil {
			log.Warn("bridge: greeting failed", "err", err)
		}
	}()
}
