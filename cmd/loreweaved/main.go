// Command loreweaved runs the streaming generation daemon: HTTP and WebSocket
// transports in front of the session manager, provider selector and retrieval
// pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loreweave/loreweave/config"
	"github.com/loreweave/loreweave/core"
	"github.com/loreweave/loreweave/generation"
	"github.com/loreweave/loreweave/obs"
	"github.com/loreweave/loreweave/providers/ollama"
	"github.com/loreweave/loreweave/providers/openai"
	"github.com/loreweave/loreweave/ratelimit"
	"github.com/loreweave/loreweave/retrieval"
	"github.com/loreweave/loreweave/selector"
	"github.com/loreweave/loreweave/server"
	"github.com/loreweave/loreweave/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "loreweaved:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownObs, err := obs.Init(ctx, obs.Options{
		ServiceName: "loreweaved",
		Environment: cfg.Observability.Environment,
		Exporter:    obs.ExporterType(cfg.Observability.Exporter),
		Endpoint:    cfg.Observability.Endpoint,
		Insecure:    cfg.Observability.Insecure,
		SampleRatio: cfg.Observability.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObs(ctx); err != nil {
			logger.Warn("observability shutdown failed", "error", err)
		}
	}()

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	sel := selector.New(providers,
		selector.WithFailureThreshold(cfg.Selector.FailureThreshold),
		selector.WithCooldown(cfg.Selector.Cooldown.Std()),
		selector.WithLogger(logger),
	)

	sessions := session.NewManager(
		session.WithTTL(cfg.Session.TTL.Std()),
		session.WithSweepInterval(cfg.Session.SweepInterval.Std()),
		session.WithLogger(logger),
	)
	defer sessions.Close()

	svcOpts := []generation.Option{
		generation.WithLogger(logger),
		generation.WithModel(cfg.Generation.Model),
		generation.WithSystemPrompt(cfg.Generation.SystemPrompt),
		generation.WithMaxTokens(cfg.Generation.MaxTokens),
		generation.WithTemperature(cfg.Generation.Temperature),
	}
	if cfg.Generation.DuplicateSuppression != nil {
		svcOpts = append(svcOpts, generation.WithDuplicateSuppression(*cfg.Generation.DuplicateSuppression))
	}
	if cfg.Retrieval.Enabled {
		retriever, err := buildRetriever(ctx, cfg, logger)
		if err != nil {
			return err
		}
		svcOpts = append(svcOpts, generation.WithRetriever(retriever))
	}
	svc := generation.New(sessions, sel, svcOpts...)

	limiter := ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSec)
	defer limiter.Close()

	srv := server.New(svc, sessions, sel,
		server.WithLimiter(limiter),
		server.WithLogger(logger),
	)

	logger.Info("starting loreweaved", "listen", cfg.Listen, "providers", len(providers))
	if err := srv.Run(ctx, cfg.Listen); err != nil {
		return err
	}
	logger.Info("loreweaved stopped")
	return nil
}

// buildProviders constructs the configured adapters in fallback order.
func buildProviders(cfg *config.Config) ([]core.Provider, error) {
	var providers []core.Provider

	stall := cfg.Generation.StallTimeout.Std()
	for _, pc := range cfg.Providers {
		switch pc.Name {
		case "ollama":
			opts := []ollama.Option{ollama.WithStallTimeout(stall)}
			if pc.BaseURL != "" {
				opts = append(opts, ollama.WithBaseURL(pc.BaseURL))
			}
			if pc.Model != "" {
				opts = append(opts, ollama.WithModel(pc.Model))
			}
			providers = append(providers, ollama.New(opts...))
		case "openai":
			opts := []openai.Option{openai.WithStallTimeout(stall)}
			if pc.BaseURL != "" {
				opts = append(opts, openai.WithBaseURL(pc.BaseURL))
			}
			if pc.Model != "" {
				opts = append(opts, openai.WithModel(pc.Model))
			}
			if pc.APIKey != "" {
				opts = append(opts, openai.WithAPIKey(pc.APIKey))
			}
			providers = append(providers, openai.New(opts...))
		default:
			return nil, fmt.Errorf("unknown provider %q", pc.Name)
		}
	}
	return providers, nil
}

// buildRetriever indexes the corpus directory into an in-memory store backed
// by the local runtime's embedding endpoint. The embedding client reuses the
// configured ollama base URL but its own model.
func buildRetriever(ctx context.Context, cfg *config.Config, logger *slog.Logger) (generation.ContextSource, error) {
	var baseURL string
	found := false
	for _, pc := range cfg.Providers {
		if pc.Name == "ollama" {
			baseURL = pc.BaseURL
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("retrieval requires an ollama provider for embeddings")
	}

	embedOpts := []ollama.Option{ollama.WithModel(cfg.Retrieval.EmbedModel)}
	if baseURL != "" {
		embedOpts = append(embedOpts, ollama.WithBaseURL(baseURL))
	}
	embed := ollama.New(embedOpts...)
	store := retrieval.NewMemoryStore()
	if cfg.Retrieval.CorpusDir != "" {
		n, err := retrieval.IndexDirectory(ctx, cfg.Retrieval.CorpusDir, embed, store)
		if err != nil {
			return nil, fmt.Errorf("index corpus: %w", err)
		}
		logger.Info("corpus indexed", "documents", n, "dir", cfg.Retrieval.CorpusDir)
	}
	return retrieval.NewRetriever(embed, store, retrieval.WithTopK(cfg.Retrieval.TopK)), nil
}

func logLevel() slog.Level {
	switch os.Getenv("LOREWEAVE_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
