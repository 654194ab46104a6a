package livekit

import (
	"sync"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

// eventQueue serialises SDK callbacks, which arrive on arbitrary goroutines,
// into one ordered channel. Events pushed before start are held back so the
// consumer always sees [audio.EventConnected] first. Pushing never blocks the
// SDK; delivery to the consumer does.
type eventQueue struct {
	mu      sync.Mutex
	pending []audio.Event
	known   map[string]bool // participants already announced
	started bool
	closed  bool

	out  chan audio.Event
	wake chan struct{}
	done chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		known: make(map[string]bool),
		out:   make(chan audio.Event),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// events returns the consumer side. It is closed after EventDisconnected is
// delivered or after close.
func (q *eventQueue) events() <-chan audio.Event { return q.out }

// push appends ev. Duplicate participant announcements are suppressed.
func (q *eventQueue) push(ev audio.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	switch ev.Type {
	case audio.EventParticipantConnected:
		if q.known[ev.ParticipantID] {
			q.mu.Unlock()
			return
		}
		q.known[ev.ParticipantID] = true
	case audio.EventParticipantDisconnected:
		delete(q.known, ev.ParticipantID)
	}
	q.pending = append(q.pending, ev)
	started := q.started
	q.mu.Unlock()

	if started {
		q.signal()
	}
}

// start opens the gate. first is delivered ahead of anything pushed so far;
// participant announcements in first that were already pushed are skipped.
func (q *eventQueue) start(first ...audio.Event) {
	q.mu.Lock()
	if q.started || q.closed {
		q.mu.Unlock()
		return
	}
	head := make([]audio.Event, 0, len(first)+len(q.pending))
	for _, ev := range first {
		if ev.Type == audio.EventParticipantConnected {
			if q.known[ev.ParticipantID] {
				continue
			}
			q.known[ev.ParticipantID] = true
		}
		head = append(head, ev)
	}
	q.pending = append(head, q.pending...)
	q.started = true
	q.mu.Unlock()

	go q.run()
	q.signal()
}

// close stops delivery and closes the consumer channel. Undelivered events
// are discarded. Safe to call more than once.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.pending = nil
	close(q.done)
	if !q.started {
		close(q.out)
	}
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, ev := range batch {
			select {
			case q.out <- ev:
			case <-q.done:
				return
			}
			if ev.Type == audio.EventDisconnected {
				q.mu.Lock()
				if !q.closed {
					q.closed = true
					q.pending = nil
					close(q.done)
				}
				q.mu.Unlock()
				return
			}
		}

		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}
