// Command broker is the real-time transcription and translation session
// broker: it accepts producer audio over websockets, drives the upstream STT
// provider, fans transcripts out to viewers, and archives finished sessions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jcarpenter-uam/calc-translation/internal/artifact"
	"github.com/jcarpenter-uam/calc-translation/internal/config"
	"github.com/jcarpenter-uam/calc-translation/internal/health"
	"github.com/jcarpenter-uam/calc-translation/internal/observe"
	"github.com/jcarpenter-uam/calc-translation/internal/resilience"
	"github.com/jcarpenter-uam/calc-translation/internal/server"
	"github.com/jcarpenter-uam/calc-translation/internal/session"
	"github.com/jcarpenter-uam/calc-translation/internal/store/postgres"
	"github.com/jcarpenter-uam/calc-translation/pkg/provider/llm"
	"github.com/jcarpenter-uam/calc-translation/pkg/provider/llm/anyllm"
	"github.com/jcarpenter-uam/calc-translation/pkg/provider/stt"
	"github.com/jcarpenter-uam/calc-translation/pkg/provider/stt/deepgram"
	sttmock "github.com/jcarpenter-uam/calc-translation/pkg/provider/stt/mock"
	"github.com/jcarpenter-uam/calc-translation/pkg/provider/stt/soniox"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "broker: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "broker: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("broker starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "calc-translation",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	sttProvider, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		slog.Error("failed to build STT provider", "err", err)
		return 1
	}

	corrector, translator, summarizer, err := buildModelProviders(reg, cfg)
	if err != nil {
		slog.Error("failed to build model providers", "err", err)
		return 1
	}

	// ── Archive (optional) ────────────────────────────────────────────────────
	var archive *postgres.Archive
	if dsn := cfg.Archive.PostgresDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to archive database", "err", err)
			return 1
		}
		defer pool.Close()

		archive = postgres.NewArchive(pool)
		if err := archive.Migrate(ctx); err != nil {
			slog.Error("archive migration failed", "err", err)
			return 1
		}
		slog.Info("session archive enabled")
	}

	// ── Artifact writer ───────────────────────────────────────────────────────
	artifactOpts := []artifact.Option{
		artifact.WithLogger(logger),
		artifact.WithMetrics(metrics),
	}
	if summarizer != nil {
		artifactOpts = append(artifactOpts, artifact.WithSummarizer(summarizer))
	}
	if archive != nil {
		artifactOpts = append(artifactOpts, artifact.WithStore(archive))
	}
	artifacts := artifact.NewWriter(cfg.Broker.OutputRoot, artifactOpts...)

	// ── Session state ─────────────────────────────────────────────────────────
	sessions := session.NewRegistry(cfg.Broker.CacheBudgetBytes())
	broadcaster := session.NewBroadcaster(sessions, logger, metrics)

	// ── Health checks ─────────────────────────────────────────────────────────
	checkers := []health.Checker{
		health.OutputDirChecker(filepath.Join(cfg.Broker.OutputRoot, "output")),
	}
	if archive != nil {
		checkers = append(checkers, health.ArchiveChecker(archive))
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	serverCfg := server.Config{
		Addr:        cfg.Server.ListenAddr,
		Registry:    sessions,
		Broadcaster: broadcaster,
		STT:         sttProvider,
		StreamConfig: stt.StreamConfig{
			SampleRate:               16000,
			Channels:                 1,
			SourceLanguages:          cfg.Broker.SourceLanguageHints,
			TargetLanguage:           cfg.Broker.DefaultTargetLanguage,
			EnableSpeakerDiarization: cfg.Broker.EnableSpeakerDiarization,
			EnableEndpointDetection:  true,
		},
		Corrector:             corrector,
		Translator:            translator,
		CorrectionWindow:      cfg.Broker.CorrectionContextSize,
		CorrectionLanguages:   cfg.Broker.CorrectionEnabledSourceLanguages,
		DefaultTargetLanguage: cfg.Broker.DefaultTargetLanguage,
		ReconnectBackoff:      cfg.Broker.ReconnectBackoff(),
		FinalizeTimeout:       cfg.Broker.FinalizeTimeout(),
		Artifacts:             artifacts,
		Health:                health.New(checkers...),
		MetricsHandler:        promhttp.Handler(),
		Logger:                logger,
		Metrics:               metrics,
	}
	if tls := cfg.Server.TLS; tls != nil {
		serverCfg.TLSCertFile = tls.CertFile
		serverCfg.TLSKeyFile = tls.KeyFile
	}

	srv, err := server.New(serverCfg)
	if err != nil {
		slog.Error("failed to build server", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires the provider factories that ship with the
// broker into reg.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("soniox", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []soniox.Option
		if entry.BaseURL != "" {
			opts = append(opts, soniox.WithEndpoint(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, soniox.WithModel(entry.Model))
		}
		if interval := cfg.Broker.PingInterval(); interval > 0 {
			opts = append(opts, soniox.WithKeepalive(interval, cfg.Broker.PingTimeout()))
		}
		return soniox.New(entry.APIKey, opts...)
	})

	// Deepgram transcribes but does not translate; viewers then receive
	// source-language finals only.
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// The mock provider emits nothing by itself; it exists for local
	// integration testing of the websocket surfaces.
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai, anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile
	// all share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})
}

// buildModelProviders instantiates the correction, translation, and summary
// model slots. Translation and summary fall back to the correction entry, so
// a single configured model serves all three roles. Every slot is wrapped in a
// breaker-guarded chain so a dead backend fails correction calls fast instead
// of stalling teardown flushes.
func buildModelProviders(reg *config.Registry, cfg *config.Config) (corrector, translator, summarizer llm.Provider, err error) {
	chained := func(entry config.ProviderEntry) (llm.Provider, error) {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, err
		}
		return resilience.NewLLMChain(p, entry.Name, resilience.BreakerConfig{}), nil
	}

	if cfg.Providers.Correction.Name != "" {
		corrector, err = chained(cfg.Providers.Correction)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("correction provider: %w", err)
		}
	}

	translator = corrector
	if cfg.Providers.Translation.Name != "" {
		translator, err = chained(cfg.Providers.Translation)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("translation provider: %w", err)
		}
	}

	summarizer = corrector
	if cfg.Providers.Summary.Name != "" {
		summarizer, err = chained(cfg.Providers.Summary)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("summary provider: %w", err)
		}
	}

	return corrector, translator, summarizer, nil
}

// newLogger builds the process logger at the configured level.
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
