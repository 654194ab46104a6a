// Package config provides the configuration schema, loader, and provider registry
// for the voicebridge service.
package config

import "time"

// LogLevel controls log verbosity for the voicebridge process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voicebridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Room        RoomConfig        `yaml:"room"`
	Speech      SpeechConfig      `yaml:"speech"`
	Audio       AudioConfig       `yaml:"audio"`
	Greeting    GreetingConfig    `yaml:"greeting"`
	Transcripts TranscriptsConfig `yaml:"transcripts"`
}

// ServerConfig holds network and logging settings for the process.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics server
	// (e.g., ":8080"). "-" disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RoomConfig describes the media room the bridge joins.
type RoomConfig struct {
	// Provider selects the registered transport (e.g., "livekit").
	Provider string `yaml:"provider"`

	// URL is the room server endpoint, e.g. "wss://example.livekit.cloud".
	URL string `yaml:"url"`

	// APIKey and APISecret sign the access token.
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`

	// Name is the room to join.
	Name string `yaml:"name"`

	// Identity is the agent's participant identity.
	Identity string `yaml:"identity"`

	// TokenTTL bounds the validity of the minted access token.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// Grants are the permissions requested in the token. Unset grants default
	// to true.
	Grants GrantsConfig `yaml:"grants"`
}

// GrantsConfig lists room permissions. Nil means "use the default" (true).
type GrantsConfig struct {
	Join        *bool `yaml:"join"`
	Publish     *bool `yaml:"publish"`
	Subscribe   *bool `yaml:"subscribe"`
	PublishData *bool `yaml:"publish_data"`
}

// SpeechConfig selects and tunes the realtime speech endpoint.
type SpeechConfig struct {
	// Provider selects the registered endpoint ("openai-realtime" or
	// "gemini-live").
	Provider string `yaml:"provider"`

	// APIKey authenticates with the provider.
	APIKey string `yaml:"api_key"`

	// Model selects the realtime model. Empty uses the provider default.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's websocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Voice selects the synthesised voice.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt. Mutually exclusive with
	// InstructionsFile.
	Instructions string `yaml:"instructions"`

	// InstructionsFile is read at load time into Instructions. Relative
	// paths are resolved against the config file's directory.
	InstructionsFile string `yaml:"instructions_file"`

	// SendQueue is the outbound audio queue capacity in chunks.
	SendQueue int `yaml:"send_queue"`

	// MaxReopenAttempts bounds how often a failed speech session is reopened
	// before the bridge stays degraded. A negative value disables reopening.
	MaxReopenAttempts int `yaml:"max_reopen_attempts"`

	// ReopenBackoff is the delay before the first reopen; it doubles per
	// attempt up to ReopenMaxBackoff.
	ReopenBackoff    time.Duration `yaml:"reopen_backoff"`
	ReopenMaxBackoff time.Duration `yaml:"reopen_max_backoff"`

	// BreakerFailures is the number of consecutive dial failures that open
	// the circuit breaker; BreakerReset is how long it stays open.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// AudioConfig tunes the audio path.
type AudioConfig struct {
	// InboundLogRate and OutboundLogRate are the probabilities of logging a
	// per-frame diagnostic line. Nil uses the defaults (0.01 and 0.1).
	InboundLogRate  *float64 `yaml:"inbound_log_rate"`
	OutboundLogRate *float64 `yaml:"outbound_log_rate"`

	// PlayoutBuffer bounds the queued outbound audio.
	PlayoutBuffer time.Duration `yaml:"playout_buffer"`
}

// GreetingConfig controls the spoken greeting when a human starts talking.
type GreetingConfig struct {
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`

	// Delay is how long to wait after the first inbound track becomes active
	// before greeting.
	Delay time.Duration `yaml:"delay"`

	// Instructions steer the first greeting.
	Instructions string `yaml:"instructions"`

	// WelcomeBackInstructions steer the greeting of a participant who left
	// and came back within RejoinWindow.
	WelcomeBackInstructions string        `yaml:"welcome_back_instructions"`
	RejoinWindow            time.Duration `yaml:"rejoin_window"`
}

// TranscriptsConfig controls transcript forwarding as room data packets.
type TranscriptsConfig struct {
	// Publish defaults to true.
	Publish *bool `yaml:"publish"`

	// Topic is the data packet topic.
	Topic string `yaml:"topic"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultRoomProvider      = "livekit"
	DefaultRoomName          = "aimee-phase1"
	DefaultIdentity          = "aimee-agent"
	DefaultTokenTTL          = 6 * time.Hour
	DefaultSpeechProvider    = "openai-realtime"
	DefaultVoice             = "alloy"
	DefaultSendQueue         = 8
	DefaultMaxReopenAttempts = 1
	DefaultReopenBackoff     = time.Second
	DefaultReopenMaxBackoff  = 30 * time.Second
	DefaultBreakerFailures   = 3
	DefaultBreakerReset      = 30 * time.Second
	DefaultInboundLogRate    = 0.01
	DefaultOutboundLogRate   = 0.1
	DefaultPlayoutBuffer     = 500 * time.Millisecond
	DefaultGreetingDelay     = 2 * time.Second
	DefaultRejoinWindow      = 5 * time.Minute
	DefaultTranscriptTopic   = "transcript"

	DefaultGreeting    = "Greet the user warmly, introduce yourself briefly, and ask how you can help."
	DefaultWelcomeBack = "Welcome the user back briefly. They just reconnected after a brief interruption. Ask how you can help them."
)

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	r := &cfg.Room
	if r.Provider == "" {
		r.Provider = DefaultRoomProvider
	}
	if r.Name == "" {
		r.Name = DefaultRoomName
	}
	if r.Identity == "" {
		r.Identity = DefaultIdentity
	}
	if r.TokenTTL == 0 {
		r.TokenTTL = DefaultTokenTTL
	}
	for _, g := range []**bool{&r.Grants.Join, &r.Grants.Publish, &r.Grants.Subscribe, &r.Grants.PublishData} {
		if *g == nil {
			*g = boolPtr(true)
		}
	}

	s := &cfg.Speech
	if s.Provider == "" {
		s.Provider = DefaultSpeechProvider
	}
	if s.Voice == "" && s.Provider == DefaultSpeechProvider {
		s.Voice = DefaultVoice
	}
	if s.SendQueue == 0 {
		s.SendQueue = DefaultSendQueue
	}
	if s.MaxReopenAttempts == 0 {
		s.MaxReopenAttempts = DefaultMaxReopenAttempts
	}
	if s.ReopenBackoff == 0 {
		s.ReopenBackoff = DefaultReopenBackoff
	}
	if s.ReopenMaxBackoff == 0 {
		s.ReopenMaxBackoff = DefaultReopenMaxBackoff
	}
	if s.BreakerFailures == 0 {
		s.BreakerFailures = DefaultBreakerFailures
	}
	if s.BreakerReset == 0 {
		s.BreakerReset = DefaultBreakerReset
	}

	a := &cfg.Audio
	if a.InboundLogRate == nil {
		a.InboundLogRate = floatPtr(DefaultInboundLogRate)
	}
	if a.OutboundLogRate == nil {
		a.OutboundLogRate = floatPtr(DefaultOutboundLogRate)
	}
	if a.PlayoutBuffer == 0 {
		a.PlayoutBuffer = DefaultPlayoutBuffer
	}

	g := &cfg.Greeting
	if g.Enabled == nil {
		g.Enabled = boolPtr(true)
	}
	if g.Delay == 0 {
		g.Delay = DefaultGreetingDelay
	}
	if g.Instructions == "" {
		g.Instructions = DefaultGreeting
	}
	if g.WelcomeBackInstructions == "" {
		g.WelcomeBackInstructions = DefaultWelcomeBack
	}
	if g.RejoinWindow == 0 {
		g.RejoinWindow = DefaultRejoinWindow
	}

	t := &cfg.Transcripts
	if t.Publish == nil {
		t.Publish = boolPtr(true)
	}
	if t.Topic == "" {
		t.Topic = DefaultTranscriptTopic
	}
}

// Enabled reports the value of a defaulted boolean. Nil counts as true.
func Enabled(b *bool) bool {
	return b == nil || *b
}

func boolPtr(b bool) *bool        { return &b }
func floatPtr(f float64) *float64 { return &f }
