// Package audio defines the PCM types, the format converter, and the
// transport boundary used by the voice bridge.
//
// The two primary transport abstractions are:
//
//   - [Platform]: joins a media room and returns a [Room].
//   - [Room]: an active membership in that room, delivering ordered
//     lifecycle [Event] values (with per-track PCM frame channels) and
//     accepting one published outbound [OutputTrack].
//
// Implementations are provided by adapter packages (e.g., audio/livekit).
// The interfaces expose only what the bridge uses.
package audio

import (
	"context"
	"time"
)

// EventType classifies room lifecycle events emitted by a [Room].
type EventType int

const (
	// EventConnected is always the first event of a room.
	EventConnected EventType = iota

	// EventParticipantConnected is emitted when a remote participant joins,
	// and once per participant already present when the room connects.
	EventParticipantConnected

	// EventParticipantDisconnected is emitted when a remote participant leaves.
	EventParticipantDisconnected

	// EventTrackSubscribed is emitted when a remote track becomes readable.
	// For audio tracks, [Event.Frames] delivers decoded PCM.
	EventTrackSubscribed

	// EventTrackUnsubscribed is emitted when a remote track goes away.
	EventTrackUnsubscribed

	// EventDisconnected is the last event of a room. The room cannot be reused.
	EventDisconnected
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventConnected:
		return "CONNECTED"
	case EventParticipantConnected:
		return "PARTICIPANT_CONNECTED"
	case EventParticipantDisconnected:
		return "PARTICIPANT_DISCONNECTED"
	case EventTrackSubscribed:
		return "TRACK_SUBSCRIBED"
	case EventTrackUnsubscribed:
		return "TRACK_UNSUBSCRIBED"
	case EventDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// TrackKind is the media kind of a remote track.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Event describes a room lifecycle change.
type Event struct {
	// Type identifies the change.
	Type EventType

	// ParticipantID is the identity of the remote participant concerned.
	// Empty for EventConnected and EventDisconnected.
	ParticipantID string

	// TrackID identifies the track for track events.
	TrackID string

	// Kind is the media kind for track events.
	Kind TrackKind

	// Frames delivers decoded PCM for a subscribed audio track, in capture
	// order. It is closed when the track ends. Nil for other events.
	// Frames are dropped, never blocked on, when the reader falls behind.
	Frames <-chan Chunk

	// Reason is a human-readable cause for EventDisconnected.
	Reason string
}

// Grants are the room permissions requested when joining.
type Grants struct {
	Join        bool
	Publish     bool
	Subscribe   bool
	PublishData bool
}

// JoinParams carries everything a [Platform] needs to join a room.
type JoinParams struct {
	// URL is the room server endpoint, e.g. "wss://example.livekit.cloud".
	URL string

	// APIKey and APISecret sign the access token.
	APIKey    string
	APISecret string

	// Room is the room name.
	Room string

	// Identity is the local participant identity.
	Identity string

	// Grants are the requested permissions.
	Grants Grants

	// TokenTTL bounds the validity of the minted access token.
	TokenTTL time.Duration
}

// OutputTrack is a published outbound audio track.
type OutputTrack interface {
	// ID returns the transport-assigned track identifier.
	ID() string

	// WriteFrame encodes and sends one frame. The frame must be in the format
	// the track was published with and should span a whole codec frame
	// (20 ms for Opus).
	WriteFrame(frame Chunk) error

	// Close unpublishes the track. Safe to call more than once.
	Close() error
}

// Room is an active membership in a media room.
//
// Implementations must be safe for concurrent use.
type Room interface {
	// Events returns the ordered lifecycle event stream. [EventConnected] is
	// always first. The channel is closed after [EventDisconnected] has been
	// delivered or after Disconnect.
	Events() <-chan Event

	// PublishAudio publishes a new outbound audio track carrying PCM in
	// format f.
	PublishAudio(name string, f Format) (OutputTrack, error)

	// PublishData sends a reliable data packet on topic to all participants.
	PublishData(ctx context.Context, topic string, payload []byte) error

	// Disconnect leaves the room. It is safe to call Disconnect more than once;
	// subsequent calls are no-ops and return nil.
	Disconnect() error
}

// TrackSelector is implemented by rooms that can skip decoding inbound audio
// nobody listens to. SelectTrack names the one track whose frames are
// wanted; empty ids select none. Frames of other tracks may be discarded
// before decoding.
type TrackSelector interface {
	SelectTrack(participantID, trackID string)
}

// Platform is the entry point for a room transport provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Join authenticates and joins the room described by p. ctx bounds the
	// join attempt only. Failures are returned as *[ConnectError].
	Join(ctx context.Context, p JoinParams) (Room, error)
}
