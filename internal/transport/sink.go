package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

// FrameDuration is the length of one outbound transport frame.
const FrameDuration = 20 * time.Millisecond

var (
	// ErrSinkClosed is returned by CaptureFrame after Close.
	ErrSinkClosed = errors.New("transport: sink closed")

	// ErrPlayoutFull is returned by CaptureFrame when at least one frame was
	// dropped because the playout queue was full.
	ErrPlayoutFull = errors.New("transport: playout queue full")
)

// SinkStats is a point-in-time view of a [Sink]'s counters.
type SinkStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Queued  int    `json:"queued"`
}

// Sink feeds the published local audio track.
//
// CaptureFrame re-frames arbitrary PCM chunks into [FrameDuration] frames and
// queues them. A playout goroutine writes queued frames to the track at real
// time pace, so the queue length is the outbound latency. The queue is
// bounded; frames that do not fit are dropped.
type Sink struct {
	track      audio.OutputTrack
	format     audio.Format
	frameBytes int
	log        *slog.Logger

	mu      sync.Mutex
	pending []byte
	closed  bool

	queue     chan audio.Chunk
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func newSink(track audio.OutputTrack, f audio.Format, buffer time.Duration, log *slog.Logger) *Sink {
	capacity := int(buffer / FrameDuration)
	if capacity < 1 {
		capacity = 1
	}
	s := &Sink{
		track:      track,
		format:     f,
		frameBytes: f.Bytes(FrameDuration),
		log:        log.With("track", track.ID()),
		queue:      make(chan audio.Chunk, capacity),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.playout()
	return s
}

// Format is the PCM format CaptureFrame accepts.
func (s *Sink) Format() audio.Format {
	return s.format
}

// CaptureFrame queues chunk for playout. It never blocks. A trailing partial
// frame is held until the next call completes it.
func (s *Sink) CaptureFrame(chunk audio.Chunk) error {
	if chunk.Format != s.format {
		return &audio.FormatError{Format: chunk.Format, Len: len(chunk.Data), Reason: "expected " + s.format.String()}
	}
	if len(chunk.Data)%s.format.FrameSize() != 0 {
		return &audio.FormatError{Format: chunk.Format, Len: len(chunk.Data), Reason: "misaligned"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}

	s.pending = append(s.pending, chunk.Data...)
	var dropped bool
	for len(s.pending) >= s.frameBytes {
		frame := audio.Chunk{
			Data:       append([]byte(nil), s.pending[:s.frameBytes]...),
			Format:     s.format,
			CapturedAt: chunk.CapturedAt,
		}
		s.pending = s.pending[s.frameBytes:]
		select {
		case s.queue <- frame:
		default:
			s.dropped.Add(1)
			dropped = true
		}
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	if dropped {
		return ErrPlayoutFull
	}
	return nil
}

// Flush discards all queued and partial audio. Used for barge-in.
func (s *Sink) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	n := 0
	for {
		select {
		case <-s.queue:
			n++
		default:
			if n > 0 {
				s.log.Debug("transport: playout flushed", "frames", n)
			}
			return n
		}
	}
}

// Stats returns the sink counters.
func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Written: s.written.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
		Queued:  len(s.queue),
	}
}

// Close stops playout and unpublishes the track. Queued audio is discarded.
// Safe to call more than once.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		s.mu.Unlock()
		close(s.done)
		s.wg.Wait()
		if cerr := s.track.Close(); cerr != nil {
			err = fmt.Errorf("transport: unpublish: %w", cerr)
		}
	})
	return err
}

// playout writes one frame per FrameDuration. After an idle gap the clock
// restarts, so a new utterance starts immediately.
func (s *Sink) playout() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var next time.Time
	for {
		var frame audio.Chunk
		select {
		case <-s.done:
			return
		case frame = <-s.queue:
		}

		if now := time.Now(); next.After(now) {
			timer.Reset(next.Sub(now))
			select {
			case <-s.done:
				return
			case <-timer.C:
			}
		} else {
			next = now
		}
		next = next.Add(FrameDuration)

		if err := s.track.WriteFrame(frame); err != nil {
			if s.failed.Add(1) == 1 {
				s.log.Warn("transport: write frame failed", "err", err)
			}
			continue
		}
		s.written.Add(1)
	}
}
