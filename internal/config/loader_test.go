package config_test

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/voicebridge/internal/config"
)

// minimalYAML carries the fields required to pass validation.
const minimalYAML = `
room:
  url: wss://rooms.example.com
  api_key: lk-key
  api_secret: lk-secret
speech:
  api_key: sk-file
`

func TestEnv_OverridesFile(t *testing.T) {
	t.Parallel()
	env := envMap(map[string]string{
		config.EnvLiveKitURL:    "wss://env.example.com",
		config.EnvRoomName:      "env-room",
		config.EnvIdentity:      "env-agent",
		config.EnvOpenAIAPIKey:  " sk-env \n",
		config.EnvRealtimeModel: "gpt-env",
		config.EnvLogLevel:      "WARN",
	})
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML), config.WithLookup(env))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Room.URL != "wss://env.example.com" {
		t.Errorf("room.url = %q", cfg.Room.URL)
	}
	if cfg.Room.Name != "env-room" || cfg.Room.Identity != "env-agent" {
		t.Errorf("room = %q/%q", cfg.Room.Name, cfg.Room.Identity)
	}
	if cfg.Room.APIKey != "lk-key" {
		t.Errorf("room.api_key = %q, want file value", cfg.Room.APIKey)
	}
	if cfg.Speech.APIKey != "sk-env" {
		t.Errorf("speech.api_key = %q, want trimmed env value", cfg.Speech.APIKey)
	}
	if cfg.Speech.Model != "gpt-env" {
		t.Errorf("speech.model = %q", cfg.Speech.Model)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
}

func TestEnv_CredentialsOnly(t *testing.T) {
	t.Parallel()
	env := envMap(map[string]string{
		config.EnvLiveKitURL:       "wss://env.example.com",
		config.EnvLiveKitAPIKey:    "k",
		config.EnvLiveKitAPISecret: "s",
		config.EnvOpenAIAPIKey:     "sk",
	})
	cfg, err := config.LoadFromReader(strings.NewReader(""), config.WithLookup(env))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Room.Name != config.DefaultRoomName {
		t.Errorf("room.name = %q, want default", cfg.Room.Name)
	}
}

func TestEnv_GeminiKey(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + "  provider: gemini-live\n"
	env := envMap(map[string]string{
		config.EnvOpenAIAPIKey:  "sk-openai",
		config.EnvGeminiAPIKey:  "gm-key",
		config.EnvRealtimeModel: "gpt-env",
	})
	cfg, err := config.LoadFromReader(strings.NewReader(yaml), config.WithLookup(env))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Speech.APIKey != "gm-key" {
		t.Errorf("speech.api_key = %q, want gemini key", cfg.Speech.APIKey)
	}
	if cfg.Speech.Model != "" {
		t.Errorf("speech.model = %q, want untouched by the OpenAI model variable", cfg.Speech.Model)
	}
}

func TestInstructionsFile_RelativeToConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "prompt.txt"), []byte("\n  Be brief.  \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "voicebridge.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML+"  instructions_file: prompt.txt\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path, config.WithLookup(noEnv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Speech.Instructions != "Be brief." {
		t.Errorf("instructions = %q", cfg.Speech.Instructions)
	}
}

func TestInstructionsFile_Empty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "prompt.txt"), []byte("  \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML+"  instructions_file: prompt.txt\n"),
		config.WithLookup(noEnv), config.WithBaseDir(dir))
	if err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("expected empty-file error, got %v", err)
	}
}

func TestInstructionsFile_Missing(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML+"  instructions_file: nope.txt\n"),
		config.WithLookup(noEnv), config.WithBaseDir(t.TempDir()))
	if err == nil {
		t.Fatal("expected error for missing instructions file")
	}
}

func TestInstructionsFile_ExclusiveWithInline(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + "  instructions: inline\n  instructions_file: prompt.txt\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml), config.WithLookup(noEnv))
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected mutual exclusion error, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate_Rejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		extra string
		want  string
	}{
		{"log level", "server:\n  log_level: verbose\n", "log_level"},
		{"inbound rate", "audio:\n  inbound_log_rate: 1.5\n", "inbound_log_rate"},
		{"outbound rate", "audio:\n  outbound_log_rate: -0.1\n", "outbound_log_rate"},
		{"tls incomplete", "server:\n  tls:\n    cert_file: a.pem\n", "tls"},
		{"greeting delay accepted", "greeting:\n  delay: 1s\n", ""},
		{"custom topic accepted", "transcripts:\n  topic: t\n", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(minimalYAML+tc.extra), config.WithLookup(noEnv))
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %s, got nil", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error should mention %s, got: %v", tc.want, err)
			}
		})
	}
}

func TestValidate_JoinGrantRequired(t *testing.T) {
	t.Parallel()
	yaml := `
room:
  url: wss://rooms.example.com
  api_key: k
  api_secret: s
  grants:
    join: false
speech:
  api_key: sk
`
	_, err := config.LoadFromReader(strings.NewReader(yaml), config.WithLookup(noEnv))
	if err == nil || !strings.Contains(err.Error(), "grants.join") {
		t.Fatalf("expected grants.join error, got %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
audio:
  inbound_log_rate: 2
`
	_, err := config.LoadFromReader(strings.NewReader(yaml), config.WithLookup(noEnv))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log_level", "inbound_log_rate", "room.url"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if !slices.Contains(config.ValidProviderNames["speech"], "openai-realtime") {
		t.Error(`ValidProviderNames["speech"] should contain "openai-realtime"`)
	}
	if !slices.Contains(config.ValidProviderNames["speech"], "gemini-live") {
		t.Error(`ValidProviderNames["speech"] should contain "gemini-live"`)
	}
	if !slices.Contains(config.ValidProviderNames["room"], "livekit") {
		t.Error(`ValidProviderNames["room"] should contain "livekit"`)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	env := envMap(map[string]string{
		config.EnvLiveKitAPIKey:    "lk-key",
		config.EnvLiveKitAPISecret: "lk-secret",
		config.EnvOpenAIAPIKey:     "sk-env",
	})
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"), config.WithLookup(env))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !strings.HasPrefix(cfg.Speech.Instructions, "You are AImee") {
		t.Errorf("instructions not loaded from prompt file: %q", cfg.Speech.Instructions)
	}
	if cfg.Room.Name != "aimee-phase1" || cfg.Speech.APIKey != "sk-env" {
		t.Errorf("room = %q, api key = %q", cfg.Room.Name, cfg.Speech.APIKey)
	}
}
