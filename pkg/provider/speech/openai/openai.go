// Package openai implements the speech.Endpoint interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime endpoint
// and exchanges JSON events according to the Realtime protocol. Audio travels
// as base64-encoded 24 kHz mono PCM16; server-side VAD provides speech
// start/stop signals and input transcription provides user transcripts.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/provider/speech"
)

// Compile-time assertions that Endpoint and stream satisfy the speech interfaces.
var _ speech.Endpoint = (*Endpoint)(nil)
var _ speech.Stream = (*stream)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview-2024-10-01"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultVoice   = "alloy"

	// readLimit bounds one inbound message; audio deltas exceed the
	// websocket default of 32 KiB.
	readLimit = 8 << 20

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Endpoint.
type Option func(*Endpoint)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(e *Endpoint) {
		if model != "" {
			e.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(e *Endpoint) {
		if url != "" {
			e.baseURL = url
		}
	}
}

// WithTranscriptionModel sets the model used to transcribe user audio.
// Empty disables input transcription.
func WithTranscriptionModel(model string) Option {
	return func(e *Endpoint) { e.transcriptionModel = model }
}

// WithHandshakeTimeout bounds the wait for session.created after dialing.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		if d > 0 {
			e.handshakeTimeout = d
		}
	}
}

// ── Endpoint ───────────────────────────────────────────────────────────────────

// Endpoint implements speech.Endpoint for OpenAI's Realtime API.
type Endpoint struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
	handshakeTimeout   time.Duration
}

// New creates a new OpenAI Realtime endpoint with the given API key and options.
func New(apiKey string, opts ...Option) *Endpoint {
	e := &Endpoint{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: "whisper-1",
		handshakeTimeout:   10 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name implements speech.Endpoint.
func (e *Endpoint) Name() string { return "openai-realtime" }

// InputFormat implements speech.Endpoint. The Realtime API expects 24 kHz
// mono PCM16 in both directions.
func (e *Endpoint) InputFormat() audio.Format { return audio.SpeechFormat }

// Dial opens a Realtime session. It waits for session.created and then
// configures voice, instructions, audio formats, VAD, and transcription via
// session.update before returning.
func (e *Endpoint) Dial(ctx context.Context, cfg speech.SessionConfig) (speech.Stream, error) {
	wsURL := fmt.Sprintf("%s?model=%s", e.baseURL, url.QueryEscape(e.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + e.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, &audio.ConnectError{Op: "dial openai realtime", Err: err}
	}
	conn.SetReadLimit(readLimit)

	if err := e.awaitCreated(ctx, conn); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, &audio.ConnectError{Op: "openai session handshake", Err: err}
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &stream{
		conn:   conn,
		events: make(chan speech.Event, eventBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if e.transcriptionModel != "" {
		params.InputAudioTranscription = &inputTranscription{Model: e.transcriptionModel}
	}
	if err := s.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params}); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, &audio.ConnectError{Op: "openai session update", Err: err}
	}

	go s.receiveLoop()

	return s, nil
}

// awaitCreated reads until session.created arrives. An error event or any
// read failure aborts the handshake.
func (e *Endpoint) awaitCreated(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, e.handshakeTimeout)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.created":
			return nil
		case "error":
			return evt.err()
		}
	}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *inputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection      `json:"turn_detection,omitempty"`
}

type inputTranscription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type responseCreateMessage struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta / response.text.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.text.done
	Text string `json:"text,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

func (e *serverEvent) err() error {
	if e.Error == nil || e.Error.Message == "" {
		return errors.New("openai: unknown error")
	}
	if e.Error.Code != "" {
		return fmt.Errorf("openai: %s (%s)", e.Error.Message, e.Error.Code)
	}
	return fmt.Errorf("openai: %s", e.Error.Message)
}

// ── stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	conn   *websocket.Conn
	events chan speech.Event

	mu     sync.Mutex
	errVal error
	closed bool

	// transcript accumulates response.audio_transcript.delta events until
	// response.audio_transcript.done is received. Only touched by receiveLoop.
	transcript string

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *stream) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns events: it closes the channel when it exits.
func (s *stream) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(&audio.StreamError{Op: "openai read", Err: err})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *stream) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return
		}
		s.emit(speech.Event{
			Kind:  speech.EventAssistantAudio,
			Audio: audio.Chunk{Data: pcm, Format: audio.SpeechFormat, CapturedAt: time.Now()},
		})

	case "input_audio_buffer.speech_started":
		s.emit(speech.Event{Kind: speech.EventUserSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		s.emit(speech.Event{Kind: speech.EventUserSpeechStopped})

	case "response.audio_transcript.delta":
		s.transcript += evt.Delta

	case "response.audio_transcript.done":
		text := s.transcript
		s.transcript = ""
		if evt.Transcript != "" {
			text = evt.Transcript
		}
		if text != "" {
			s.emit(speech.Event{Kind: speech.EventAssistantText, Text: text})
		}

	case "response.text.done":
		if evt.Text != "" {
			s.emit(speech.Event{Kind: speech.EventAssistantText, Text: evt.Text})
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			s.emit(speech.Event{Kind: speech.EventUserTranscript, Text: evt.Transcript})
		}

	case "error":
		s.emit(speech.Event{Kind: speech.EventError, Err: evt.err()})
	}
}

// emit delivers ev unless the stream is closing.
func (s *stream) emit(ev speech.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── Stream methods ─────────────────────────────────────────────────────────────

// SendAudio appends a PCM16 chunk to the input audio buffer.
func (s *stream) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("openai: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// RequestResponse sends response.create, optionally with per-response
// instructions.
func (s *stream) RequestResponse(ctx context.Context, instructions string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("openai: session closed")
	}
	s.mu.Unlock()

	msg := responseCreateMessage{Type: "response.create"}
	if instructions != "" {
		msg.Response = &responseParams{Instructions: instructions}
	}
	return s.writeJSON(ctx, msg)
}

// Events returns the inbound event channel.
func (s *stream) Events() <-chan speech.Event { return s.events }

// Err returns the error that terminated the stream.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
