package livekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

// frameBuffer is the per-track PCM channel depth (1 s of 20 ms frames).
const frameBuffer = 50

var _ audio.TrackSelector = (*Room)(nil)

// Room is a joined LiveKit room. It implements [audio.Room] and
// [audio.TrackSelector]; only the selected track is Opus-decoded.
//
// Room is safe for concurrent use.
type Room struct {
	name     string
	identity string
	log      *slog.Logger

	lk    *lksdk.Room
	queue *eventQueue

	mu        sync.Mutex
	tracks    map[string]*outputTrack
	closeOnce sync.Once
	closed    atomic.Bool

	// selected is "participant/track" of the track to decode.
	selected atomic.Pointer[string]
}

func newRoom(name, identity string, log *slog.Logger) *Room {
	return &Room{
		name:     name,
		identity: identity,
		log:      log.With("room", name),
		queue:    newEventQueue(),
		tracks:   make(map[string]*outputTrack),
	}
}

// callbacks builds the SDK callback set. Every callback only pushes into the
// ordered queue so SDK goroutines are never blocked by the consumer.
func (r *Room) callbacks() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			r.queue.push(audio.Event{
				Type:          audio.EventParticipantConnected,
				ParticipantID: rp.Identity(),
			})
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			r.queue.push(audio.Event{
				Type:          audio.EventParticipantDisconnected,
				ParticipantID: rp.Identity(),
			})
		},
		OnDisconnected: func() {
			r.queue.push(audio.Event{Type: audio.EventDisconnected, Reason: "remote"})
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed:   r.onTrackSubscribed,
			OnTrackUnsubscribed: r.onTrackUnsubscribed,
		},
	}
}

func (r *Room) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	ev := audio.Event{
		Type:          audio.EventTrackSubscribed,
		ParticipantID: rp.Identity(),
		TrackID:       pub.SID(),
		Kind:          audio.TrackKindVideo,
	}
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		r.queue.push(ev)
		return
	}
	ev.Kind = audio.TrackKindAudio

	if mime := track.Codec().MimeType; !strings.EqualFold(mime, webrtc.MimeTypeOpus) {
		r.log.Warn("livekit: unsupported audio codec, track not decoded",
			"participant", ev.ParticipantID,
			"track", ev.TrackID,
			"codec", mime,
		)
		r.queue.push(ev)
		return
	}

	dec, err := newOpusDecoder()
	if err != nil {
		r.log.Error("livekit: track not decoded", "track", ev.TrackID, "err", err)
		r.queue.push(ev)
		return
	}

	frames := make(chan audio.Chunk, frameBuffer)
	ev.Frames = frames
	r.queue.push(ev)

	go r.readTrack(track, dec, frames, ev.ParticipantID, ev.TrackID)
}

func (r *Room) onTrackUnsubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	kind := audio.TrackKindVideo
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = audio.TrackKindAudio
	}
	r.queue.push(audio.Event{
		Type:          audio.EventTrackUnsubscribed,
		ParticipantID: rp.Identity(),
		TrackID:       pub.SID(),
		Kind:          kind,
	})
}

// SelectTrack implements [audio.TrackSelector].
func (r *Room) SelectTrack(participantID, trackID string) {
	if participantID == "" && trackID == "" {
		r.selected.Store(nil)
		return
	}
	key := trackKey(participantID, trackID)
	r.selected.Store(&key)
}

func (r *Room) isSelected(key string) bool {
	sel := r.selected.Load()
	return sel != nil && *sel == key
}

func trackKey(participantID, trackID string) string {
	return participantID + "/" + trackID
}

// readTrack decodes RTP from track into frames until the track ends. Packets
// of a track that is not selected are read and discarded undecoded. The
// channel is closed on exit. A full channel drops the newest frame.
func (r *Room) readTrack(track *webrtc.TrackRemote, dec *opusDecoder, frames chan<- audio.Chunk, participant, trackID string) {
	defer close(frames)

	log := r.log.With("participant", participant, "track", trackID)
	key := trackKey(participant, trackID)
	var decoded, skipped, dropped, decodeErrs uint64
	defer func() {
		log.Debug("livekit: track reader stopped",
			"decoded", decoded,
			"skipped", skipped,
			"dropped", dropped,
			"decode_errors", decodeErrs,
		)
	}()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if r.closed.Load() {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		if !r.isSelected(key) {
			skipped++
			continue
		}
		pcm, err := dec.decode(pkt.Payload)
		if err != nil {
			decodeErrs++
			if decodeErrs == 1 {
				log.Warn("livekit: dropping undecodable packet", "err", err)
			}
			continue
		}
		decoded++
		chunk := audio.Chunk{Data: pcm, Format: audio.TransportFormat, CapturedAt: time.Now()}
		select {
		case frames <- chunk:
		default:
			dropped++
		}
	}
}

// start opens the event gate with the connected event followed by every
// participant already in the room.
func (r *Room) start() {
	first := []audio.Event{{Type: audio.EventConnected}}
	for _, rp := range r.lk.GetRemoteParticipants() {
		if rp.Identity() == r.identity {
			continue
		}
		first = append(first, audio.Event{
			Type:          audio.EventParticipantConnected,
			ParticipantID: rp.Identity(),
		})
	}
	r.queue.start(first...)
}

// Events implements [audio.Room].
func (r *Room) Events() <-chan audio.Event { return r.queue.events() }

// PublishAudio implements [audio.Room]. Only 48 kHz 16-bit mono or stereo
// can be published since frames are Opus-encoded as written.
func (r *Room) PublishAudio(name string, f audio.Format) (audio.OutputTrack, error) {
	if r.closed.Load() {
		return nil, errors.New("livekit: room is disconnected")
	}
	if f.SampleRate != opusSampleRate || f.BitDepth != 16 || (f.Channels != 1 && f.Channels != 2) {
		return nil, &audio.FormatError{Format: f, Reason: "publish requires 48 kHz 16-bit mono or stereo"}
	}

	enc, err := newOpusEncoder(f.Channels)
	if err != nil {
		return nil, err
	}
	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusSampleRate,
		Channels:  uint16(f.Channels),
	})
	if err != nil {
		return nil, fmt.Errorf("livekit: create local track: %w", err)
	}
	pub, err := r.lk.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   name,
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		return nil, fmt.Errorf("livekit: publish track %q: %w", name, err)
	}

	t := &outputTrack{
		sid:    pub.SID(),
		format: f,
		enc:    enc,
		track:  track,
		unpublish: func(sid string) error {
			return r.lk.LocalParticipant.UnpublishTrack(sid)
		},
	}
	r.mu.Lock()
	r.tracks[t.sid] = t
	r.mu.Unlock()

	r.log.Info("livekit: published local audio track", "name", name, "track", t.sid, "format", f.String())
	return t, nil
}

// PublishData implements [audio.Room]. Packets are sent reliably.
func (r *Room) PublishData(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.closed.Load() {
		return errors.New("livekit: room is disconnected")
	}
	err := r.lk.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishReliable(true),
		lksdk.WithDataPublishTopic(topic),
	)
	if err != nil {
		return fmt.Errorf("livekit: publish data on %q: %w", topic, err)
	}
	return nil
}

// Disconnect implements [audio.Room]. It unpublishes local tracks, leaves the
// room, and closes the event channel. Subsequent calls return nil.
func (r *Room) Disconnect() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)

		r.mu.Lock()
		tracks := make([]*outputTrack, 0, len(r.tracks))
		for _, t := range r.tracks {
			tracks = append(tracks, t)
		}
		r.tracks = map[string]*outputTrack{}
		r.mu.Unlock()
		for _, t := range tracks {
			if err := t.Close(); err != nil {
				r.log.Debug("livekit: unpublish on disconnect", "track", t.sid, "err", err)
			}
		}

		r.lk.Disconnect()
		r.queue.close()
		r.log.Info("livekit: left room")
	})
	return nil
}
