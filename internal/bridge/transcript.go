package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"
)

const (
	transcriptQueue   = 32
	transcriptTimeout = 5 * time.Second
)

// Transcript is the JSON payload of a transcript data packet.
type Transcript struct {
	Type        string    `json:"type"`
	Role        string    `json:"role"`
	Text        string    `json:"text"`
	Participant string    `json:"participant,omitempty"`
	BridgeID    string    `json:"bridge_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// dataPublisher is the part of the transport the publisher needs.
type dataPublisher interface {
	PublishData(ctx context.Context, topic string, payload []byte) error
}

// publisher sends transcripts in order on its own goroutine so that a slow
// data channel never stalls the event loop. When its queue is full the newest
// transcript is dropped.
type publisher struct {
	dst   dataPublisher
	topic string
	log   *slog.Logger

	ch     chan Transcript
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newPublisher(dst dataPublisher, topic string, log *slog.Logger) *publisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &publisher{
		dst:    dst,
		topic:  topic,
		log:    log,
		ch:     make(chan Transcript, transcriptQueue),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// enqueue queues t and reports whether it was accepted.
func (p *publisher) enqueue(t Transcript) bool {
	select {
	case p.ch <- t:
		return true
	default:
		p.log.Warn("bridge: transcript queue full; dropping", "role", t.Role)
		return false
	}
}

// close discards queued transcripts and waits for the sender to exit.
// Only the event loop calls enqueue and close.
func (p *publisher) close() {
	p.once.Do(func() {
		p.cancel()
		close(p.ch)
		p.wg.Wait()
	})
}

func (p *publisher) run() {
	defer p.wg.Done()
	for t := range p.ch {
		if p.ctx.Err() != nil {
			continue
		}
		payload, err := json.Marshal(t)
		if err != nil {
			p.log.Warn("bridge: encode transcript", "err", err)
			continue
		}
		ctx, cancel := context.WithTimeout(p.ctx, transcriptTimeout)
		err = p.dst.PublishData(ctx, p.topic, payload)
		cancel()
		if err != nil {
			p.log.Warn("bridge: publish transcript", "err", err)
		}
	}
}

// forwardTranscript queues a transcript for the room, if enabled.
func (b *Bridge) forwardTranscript(role, text string) {
	p := b.loop.transcripts
	if p == nil || text == "" {
		return
	}
	t := Transcript{
		Type:      "transcript",
		Role:      role,
		Text:      text,
		BridgeID:  b.id,
		Timestamp: b.now().UTC(),
	}
	if h, ok := b.transport.ActiveTrack(); ok {
		t.Participant = h.ParticipantID
	}
	p.enqueue(t)
}
