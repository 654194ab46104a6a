// Command voicebridge joins a LiveKit room as an AI agent and bridges the
// human speaker's audio to a realtime speech endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicebridge/internal/bridge"
	"github.com/MrWong99/voicebridge/internal/config"
	"github.com/MrWong99/voicebridge/internal/health"
	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/audio/livekit"
	speechep "github.com/MrWong99/voicebridge/pkg/provider/speech"
	"github.com/MrWong99/voicebridge/pkg/provider/speech/gemini"
	"github.com/MrWong99/voicebridge/pkg/provider/speech/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voicebridge.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicebridge: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicebridge starting",
		"version", version,
		"config", *configPath,
		"room", cfg.Room.Name,
		"speech", cfg.Speech.Provider,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
		Registry:       promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)

	platform, err := reg.CreateRoom(cfg.Room)
	if err != nil {
		slog.Error("failed to create room transport", "provider", cfg.Room.Provider, "err", err)
		return 1
	}
	endpoint, err := reg.CreateSpeech(cfg.Speech)
	if err != nil {
		slog.Error("failed to create speech endpoint", "provider", cfg.Speech.Provider, "err", err)
		return 1
	}

	// ── Bridge ────────────────────────────────────────────────────────────────
	b, err := bridge.New(bridgeConfig(cfg), bridge.Dependencies{
		Platform: platform,
		Endpoint: endpoint,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		slog.Error("failed to create bridge", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil {
		slog.Error("failed to join room", "room", cfg.Room.Name, "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	var srv *http.Server
	if cfg.Server.ListenAddr != "-" {
		srv = newServer(cfg.Server, b, metrics, promReg)
		g.Go(func() error {
			slog.Info("http server listening", "addr", srv.Addr, "tls", cfg.Server.TLS != nil)
			var err error
			if tls := cfg.Server.TLS; tls != nil {
				err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("http server: %w", err)
		})
	}

	slog.Info("bridge ready; press Ctrl+C to shut down", "bridge_id", b.ID())

	// Block until a signal, room loss, or server failure.
	select {
	case <-gctx.Done():
	case <-b.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutting down")
	code := 0
	if err := b.Stop(shutdownCtx); err != nil {
		slog.Error("bridge stop", "err", err)
		code = 1
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
	}
	stop()
	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		code = 1
	}
	if err := b.Err(); err != nil {
		slog.Error("bridge ended", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in factories into reg.
func registerBuiltinProviders(reg *config.Registry, log *slog.Logger) {
	reg.RegisterRoom("livekit", func(config.RoomConfig) (audio.Platform, error) {
		return livekit.New(livekit.WithLogger(log)), nil
	})

	reg.RegisterSpeech("openai-realtime", func(c config.SpeechConfig) (speechep.Endpoint, error) {
		var opts []openai.Option
		if c.Model != "" {
			opts = append(opts, openai.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.BaseURL))
		}
		return openai.New(c.APIKey, opts...), nil
	})

	reg.RegisterSpeech("gemini-live", func(c config.SpeechConfig) (speechep.Endpoint, error) {
		opts := []gemini.Option{gemini.WithLogger(log)}
		if c.Model != "" {
			opts = append(opts, gemini.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(c.BaseURL))
		}
		return gemini.New(c.APIKey, opts...), nil
	})
}

// bridgeConfig maps the file configuration onto the bridge.
func bridgeConfig(cfg *config.Config) bridge.Config {
	r, s, a := cfg.Room, cfg.Speech, cfg.Audio
	attempts := s.MaxReopenAttempts
	if attempts < 0 {
		attempts = 0
	}
	return bridge.Config{
		Join: audio.JoinParams{
			URL:       r.URL,
			APIKey:    r.APIKey,
			APISecret: r.APISecret,
			Room:      r.Name,
			Identity:  r.Identity,
			TokenTTL:  r.TokenTTL,
			Grants: audio.Grants{
				Join:        config.Enabled(r.Grants.Join),
				Publish:     config.Enabled(r.Grants.Publish),
				Subscribe:   config.Enabled(r.Grants.Subscribe),
				PublishData: config.Enabled(r.Grants.PublishData),
			},
		},
		Session: speechep.SessionConfig{
			Instructions: s.Instructions,
			Voice:        s.Voice,
		},
		SendQueue:       s.SendQueue,
		PlayoutBuffer:   a.PlayoutBuffer,
		InboundLogRate:  *a.InboundLogRate,
		OutboundLogRate: *a.OutboundLogRate,
		Reopen: bridge.ReopenPolicy{
			MaxAttempts: attempts,
			Backoff:     s.ReopenBackoff,
			MaxBackoff:  s.ReopenMaxBackoff,
		},
		BreakerFailures: s.BreakerFailures,
		BreakerReset:    s.BreakerReset,
		Greeting: bridge.GreetingConfig{
			Enabled:      config.Enabled(cfg.Greeting.Enabled),
			Delay:        cfg.Greeting.Delay,
			Instructions: cfg.Greeting.Instructions,
			WelcomeBack:  cfg.Greeting.WelcomeBackInstructions,
			RejoinWindow: cfg.Greeting.RejoinWindow,
		},
		Transcripts: bridge.TranscriptConfig{
			Publish: config.Enabled(cfg.Transcripts.Publish),
			Topic:   cfg.Transcripts.Topic,
		},
	}
}

// ── HTTP ──────────────────────────────────────────────────────────────────────

func newServer(cfg config.ServerConfig, b *bridge.Bridge, m *observe.Metrics, reg *prometheus.Registry) *http.Server {
	hh := health.New(
		func() any { return b.Status() },
		health.Checker{
			Name: "room",
			Check: func(context.Context) error {
				if s := b.State(); s != bridge.StateConnected {
					return fmt.Errorf("bridge is %s", s)
				}
				return nil
			},
		},
	)

	mux := http.NewServeMux()
	hh.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler(reg))

	mw := observe.Middleware(m, observe.WithServiceAttributes(
		attribute.String("bridge_id", b.ID()),
		attribute.String("room", b.Status().Room),
	))

	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mw(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
