// Package gemini implements the speech.Endpoint interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Input audio is 16 kHz mono PCM16, output audio is 24 kHz mono
// PCM16, both base64-encoded.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
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
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	readLimit   = 8 << 20
	eventBuffer = 64
)

var (
	// InputFormat is what Gemini Live expects from the client.
	InputFormat = audio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

	// OutputFormat is what Gemini Live synthesises.
	OutputFormat = audio.Format{SampleRate: 24000, Channels: 1, BitDepth: 16}
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Endpoint.
type Option func(*Endpoint)

// WithModel sets the Gemini model used for sessions.
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

// WithHandshakeTimeout bounds the wait for setupComplete after dialing.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		if d > 0 {
			e.handshakeTimeout = d
		}
	}
}

// WithLogger sets the logger for stream diagnostics. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) {
		if l != nil {
			e.log = l
		}
	}
}

// WithKeepalive sets the WebSocket ping interval. A ping that is not answered
// within the interval (at most 5s) is logged.
func WithKeepalive(d time.Duration) Option {
	return func(e *Endpoint) {
		if d > 0 {
			e.keepalive = d
		}
	}
}

// ── Endpoint ───────────────────────────────────────────────────────────────────

// Endpoint implements speech.Endpoint for Google's Gemini Live API.
type Endpoint struct {
	apiKey           string
	model            string
	baseURL          string
	handshakeTimeout time.Duration
	keepalive        time.Duration
	log              *slog.Logger
}

// New creates a new Gemini Live endpoint with the given API key and options.
func New(apiKey string, opts ...Option) *Endpoint {
	e := &Endpoint{
		apiKey:           apiKey,
		model:            defaultModel,
		baseURL:          defaultBaseURL,
		handshakeTimeout: 10 * time.Second,
		keepalive:        keepaliveInterval,
		log:              slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name implements speech.Endpoint.
func (e *Endpoint) Name() string { return "gemini-live" }

// InputFormat implements speech.Endpoint.
func (e *Endpoint) InputFormat() audio.Format { return InputFormat }

// Dial opens a Gemini Live session: it sends the setup message and waits for
// setupComplete before returning.
func (e *Endpoint) Dial(ctx context.Context, cfg speech.SessionConfig) (speech.Stream, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		e.baseURL, url.QueryEscape(e.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &audio.ConnectError{Op: "dial gemini live", Err: err}
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &stream{
		conn:      conn,
		events:    make(chan speech.Event, eventBuffer),
		done:      make(chan struct{}),
		log:       e.log.With("endpoint", e.Name(), "model", e.model),
		keepalive: e.keepalive,
		ctx:       sessCtx,
		cancel:    sessCancel,
	}

	if err := s.writeJSON(ctx, newSetup(e.model, cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, &audio.ConnectError{Op: "gemini setup", Err: err}
	}
	if err := e.awaitSetupComplete(ctx, conn); err != nil {
		sessCancel()
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, &audio.ConnectError{Op: "gemini setup", Err: err}
	}

	go s.receiveLoop()
	go s.keepaliveLoop()

	return s, nil
}

func (e *Endpoint) awaitSetupComplete(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, e.handshakeTimeout)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return msg.Error.err()
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func newSetup(model string, cfg speech.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return msg
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (g *geminiError) err() error {
	if g.Message == "" {
		return errors.New("gemini: unknown error")
	}
	return fmt.Errorf("gemini: %s", g.Message)
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	conn      *websocket.Conn
	events    chan speech.Event
	log       *slog.Logger
	keepalive time.Duration

	mu     sync.Mutex
	errVal error
	done   chan struct{}
	closed bool

	// Transcription arrives in fragments. Only touched by receiveLoop.
	userText      strings.Builder
	assistantText strings.Builder

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *stream) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns events: it closes the channel when it exits.
func (s *stream) receiveLoop() {
	defer close(s.events)
	defer close(s.done)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(&audio.StreamError{Op: "gemini read", Err: err})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}
		if msg.Error != nil {
			s.emit(speech.Event{Kind: speech.EventError, Err: msg.Error.err()})
		}
		if msg.ServerContent != nil {
			s.handleServerContent(msg.ServerContent)
		}
	}
}

func (s *stream) handleServerContent(sc *serverContent) {
	if sc.Interrupted {
		s.emit(speech.Event{Kind: speech.EventUserSpeechStarted})
	}
	if sc.InputTranscription != nil {
		s.userText.WriteString(sc.InputTranscription.Text)
	}
	if sc.ModelTurn != nil {
		// The model answering means the user turn is over.
		s.flushUser()
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/pcm") {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				continue
			}
			s.emit(speech.Event{
				Kind:  speech.EventAssistantAudio,
				Audio: audio.Chunk{Data: pcm, Format: OutputFormat, CapturedAt: time.Now()},
			})
		}
	}
	if sc.OutputTranscription != nil {
		s.assistantText.WriteString(sc.OutputTranscription.Text)
	}
	if sc.TurnComplete || sc.Interrupted {
		s.flushUser()
		if text := strings.TrimSpace(s.assistantText.String()); text != "" {
			s.emit(speech.Event{Kind: speech.EventAssistantText, Text: text})
		}
		s.assistantText.Reset()
	}
}

func (s *stream) flushUser() {
	if s.userText.Len() == 0 {
		return
	}
	text := strings.TrimSpace(s.userText.String())
	s.userText.Reset()
	if text == "" {
		return
	}
	s.emit(speech.Event{Kind: speech.EventUserSpeechStopped})
	s.emit(speech.Event{Kind: speech.EventUserTranscript, Text: text})
}

// emit delivers ev unless the stream is closing.
func (s *stream) emit(ev speech.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *stream) keepaliveLoop() {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	timeout := min(s.keepalive, keepaliveTimeout)

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, timeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			switch {
			case err == nil:
			case s.ctx.Err() != nil:
				s.log.Debug("gemini: keepalive ping aborted by close", "err", err)
			default:
				s.log.Warn("gemini: keepalive ping failed", "err", err, "timeout", timeout)
			}
		}
	}
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── Stream methods ─────────────────────────────────────────────────────────────

// SendAudio delivers a 16 kHz mono PCM16 chunk to the model.
func (s *stream) SendAudio(ctx context.Context, pcm []byte) error {
	if s.isClosed() {
		return errors.New("gemini: session closed")
	}
	return s.writeJSON(ctx, realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{
				MIMEType: fmt.Sprintf("audio/pcm;rate=%d", InputFormat.SampleRate),
				Data:     base64.StdEncoding.EncodeToString(pcm),
			}},
		},
	})
}

// RequestResponse injects instructions as a completed user turn, prompting
// the model to answer immediately.
func (s *stream) RequestResponse(ctx context.Context, instructions string) error {
	if s.isClosed() {
		return errors.New("gemini: session closed")
	}
	if instructions == "" {
		instructions = "Please continue."
	}
	return s.writeJSON(ctx, clientContentMessage{
		ClientContent: clientContent{
			Turns:        []content{{Role: "user", Parts: []part{{Text: instructions}}}},
			TurnComplete: true,
		},
	})
}

// Events returns the inbound event channel.
func (s *stream) Events() <-chan speech.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
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
