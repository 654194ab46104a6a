// Package speech defines the Endpoint interface for realtime speech backends.
//
// An endpoint wraps a streaming voice model that accepts raw PCM input and
// returns synthesised PCM output, voice-activity signals, and transcripts over
// one long-lived bidirectional connection. Examples include the OpenAI
// Realtime API and Gemini Live.
//
// The central abstraction is [Stream]: an open connection whose outbound side
// is a plain method call and whose inbound side is a single ordered [Event]
// channel.
//
// All implementations must be safe for concurrent use.
package speech

import (
	"context"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

// EventKind classifies an inbound [Event].
type EventKind int

const (
	// EventAssistantAudio carries a chunk of synthesised speech in
	// [Event.Audio].
	EventAssistantAudio EventKind = iota

	// EventUserSpeechStarted signals that the endpoint detected the human
	// starting to speak. Callers use it for barge-in.
	EventUserSpeechStarted

	// EventUserSpeechStopped signals the end of a human utterance.
	EventUserSpeechStopped

	// EventAssistantText carries the complete text of an assistant turn.
	EventAssistantText

	// EventUserTranscript carries the recognised text of a human utterance.
	EventUserTranscript

	// EventError carries a non-fatal endpoint error in [Event.Err]. Fatal
	// errors close the event channel and surface through [Stream.Err].
	EventError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAssistantAudio:
		return "assistant_audio"
	case EventUserSpeechStarted:
		return "user_speech_started"
	case EventUserSpeechStopped:
		return "user_speech_stopped"
	case EventAssistantText:
		return "assistant_text"
	case EventUserTranscript:
		return "user_transcript"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one inbound message from the speech endpoint.
type Event struct {
	Kind EventKind

	// Audio is set for EventAssistantAudio.
	Audio audio.Chunk

	// Text is set for EventAssistantText and EventUserTranscript.
	Text string

	// Err is set for EventError.
	Err error
}

// SessionConfig is the initial configuration of a speech session.
type SessionConfig struct {
	// Instructions is the system-level prompt for the assistant.
	Instructions string

	// Voice selects the synthesised voice (provider-specific ID). Empty uses
	// the provider default.
	Voice string
}

// Stream is an open connection to a speech endpoint.
//
// Callers must call Close when the stream is no longer needed.
type Stream interface {
	// SendAudio delivers one PCM chunk in the endpoint's input format.
	// It may block on the network; ctx bounds the write.
	SendAudio(ctx context.Context, pcm []byte) error

	// RequestResponse asks the model to speak now, steered by instructions
	// (e.g., a greeting). Empty instructions use the session instructions.
	RequestResponse(ctx context.Context, instructions string) error

	// Events returns the ordered inbound event channel. It is closed when the
	// connection ends, whether by Close or by a transport failure.
	Events() <-chan Event

	// Err returns the error that ended the stream, or nil after a clean Close.
	// Meaningful once Events is closed.
	Err() error

	// Close terminates the connection. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Endpoint is the abstraction over any realtime speech backend.
type Endpoint interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// InputFormat is the PCM format SendAudio expects.
	InputFormat() audio.Format

	// Dial opens a stream and completes the session handshake before
	// returning. Failures are returned as *[audio.ConnectError].
	Dial(ctx context.Context, cfg SessionConfig) (Stream, error)
}
