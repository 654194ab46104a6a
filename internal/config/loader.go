package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"speech": {"openai-realtime", "gemini-live"},
	"room":   {"livekit"},
}

// Environment variables that override file values. A variable that is set,
// even to the empty string, wins over the file.
const (
	EnvLiveKitURL       = "LIVEKIT_URL"
	EnvLiveKitAPIKey    = "LIVEKIT_API_KEY"
	EnvLiveKitAPISecret = "LIVEKIT_API_SECRET"
	EnvOpenAIAPIKey     = "OPENAI_API_KEY"
	EnvGeminiAPIKey     = "GEMINI_API_KEY"
	EnvRoomName         = "ROOM_NAME"
	EnvIdentity         = "PARTICIPANT_IDENTITY"
	EnvRealtimeModel    = "OPENAI_REALTIME_MODEL"
	EnvLogLevel         = "VOICEBRIDGE_LOG_LEVEL"
)

// LookupFunc has the signature of [os.LookupEnv].
type LookupFunc func(key string) (string, bool)

// LoadOption configures [Load] and [LoadFromReader].
type LoadOption func(*loadOptions)

type loadOptions struct {
	lookup  LookupFunc
	baseDir string
}

// WithLookup replaces the environment lookup. Tests pass a map-backed
// function; nil disables environment overrides.
func WithLookup(fn LookupFunc) LoadOption {
	return func(o *loadOptions) { o.lookup = fn }
}

// WithBaseDir sets the directory relative instructions_file paths are
// resolved against. [Load] sets it to the config file's directory.
func WithBaseDir(dir string) LoadOption {
	return func(o *loadOptions) { o.baseDir = dir }
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string, opts ...LoadOption) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	opts = append([]LoadOption{WithBaseDir(filepath.Dir(path))}, opts...)
	cfg, err := LoadFromReader(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, resolves the instructions file, and validates the result.
// An empty reader yields a config built from environment and defaults alone.
func LoadFromReader(r io.Reader, opts ...LoadOption) (*Config, error) {
	o := loadOptions{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	if o.lookup != nil {
		ApplyEnv(cfg, o.lookup)
	}
	ApplyDefaults(cfg)
	if err := resolveInstructions(cfg, o.baseDir); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the recognised environment variables onto cfg. The
// provider API key variable used depends on cfg.Speech.Provider.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Room.URL, EnvLiveKitURL)
	set(&cfg.Room.APIKey, EnvLiveKitAPIKey)
	set(&cfg.Room.APISecret, EnvLiveKitAPISecret)
	set(&cfg.Room.Name, EnvRoomName)
	set(&cfg.Room.Identity, EnvIdentity)

	switch cfg.Speech.Provider {
	case "gemini-live":
		set(&cfg.Speech.APIKey, EnvGeminiAPIKey)
	default:
		set(&cfg.Speech.APIKey, EnvOpenAIAPIKey)
		set(&cfg.Speech.Model, EnvRealtimeModel)
	}

	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(strings.TrimSpace(v)))
	}
}

func resolveInstructions(cfg *Config, baseDir string) error {
	path := cfg.Speech.InstructionsFile
	if path == "" {
		return nil
	}
	if cfg.Speech.Instructions != "" {
		return errors.New("config: speech.instructions and speech.instructions_file are mutually exclusive")
	}
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read speech.instructions_file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return fmt.Errorf("config: speech.instructions_file %q is empty", path)
	}
	cfg.Speech.Instructions = text
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Room
	validateProviderName("room", cfg.Room.Provider)
	if cfg.Room.URL == "" {
		errs = append(errs, fmt.Errorf("room.url is required (or set %s)", EnvLiveKitURL))
	}
	if cfg.Room.APIKey == "" {
		errs = append(errs, fmt.Errorf("room.api_key is required (or set %s)", EnvLiveKitAPIKey))
	}
	if cfg.Room.APISecret == "" {
		errs = append(errs, fmt.Errorf("room.api_secret is required (or set %s)", EnvLiveKitAPISecret))
	}
	if cfg.Room.Name == "" {
		errs = append(errs, errors.New("room.name is required"))
	}
	if cfg.Room.Identity == "" {
		errs = append(errs, errors.New("room.identity is required"))
	}
	if cfg.Room.TokenTTL < 0 {
		errs = append(errs, fmt.Errorf("room.token_ttl %s must be positive", cfg.Room.TokenTTL))
	}
	if !Enabled(cfg.Room.Grants.Join) {
		errs = append(errs, errors.New("room.grants.join must not be false"))
	}

	// Speech
	validateProviderName("speech", cfg.Speech.Provider)
	if cfg.Speech.APIKey == "" {
		env := EnvOpenAIAPIKey
		if cfg.Speech.Provider == "gemini-live" {
			env = EnvGeminiAPIKey
		}
		errs = append(errs, fmt.Errorf("speech.api_key is required (or set %s)", env))
	}
	if cfg.Speech.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("speech.send_queue %d must be positive", cfg.Speech.SendQueue))
	}
	if cfg.Speech.ReopenBackoff < 0 || cfg.Speech.ReopenMaxBackoff < 0 || cfg.Speech.BreakerReset < 0 {
		errs = append(errs, errors.New("speech backoff and breaker durations must not be negative"))
	}
	if cfg.Speech.ReopenMaxBackoff > 0 && cfg.Speech.ReopenBackoff > cfg.Speech.ReopenMaxBackoff {
		errs = append(errs, fmt.Errorf("speech.reopen_backoff %s exceeds reopen_max_backoff %s", cfg.Speech.ReopenBackoff, cfg.Speech.ReopenMaxBackoff))
	}
	if cfg.Speech.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("speech.breaker_failures %d must be positive", cfg.Speech.BreakerFailures))
	}
	if cfg.Speech.Instructions == "" {
		slog.Warn("speech.instructions is empty; the assistant will use the provider's default behaviour")
	}

	// Audio
	for name, rate := range map[string]*float64{
		"audio.inbound_log_rate":  cfg.Audio.InboundLogRate,
		"audio.outbound_log_rate": cfg.Audio.OutboundLogRate,
	} {
		if rate != nil && (*rate < 0 || *rate > 1) {
			errs = append(errs, fmt.Errorf("%s %.3f is out of range [0, 1]", name, *rate))
		}
	}
	if cfg.Audio.PlayoutBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.playout_buffer %s must be positive", cfg.Audio.PlayoutBuffer))
	}

	// Greeting
	if cfg.Greeting.Delay < 0 || cfg.Greeting.RejoinWindow < 0 {
		errs = append(errs, errors.New("greeting.delay and greeting.rejoin_window must not be negative"))
	}

	// Transcripts
	if Enabled(cfg.Transcripts.Publish) && cfg.Transcripts.Topic == "" {
		errs = append(errs, errors.New("transcripts.topic is required when publishing"))
	}
	if Enabled(cfg.Transcripts.Publish) && !Enabled(cfg.Room.Grants.PublishData) {
		slog.Warn("transcripts.publish is enabled but room.grants.publish_data is false; transcripts will not be delivered")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
