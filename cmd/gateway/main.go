// Command gateway is the semantic-cache streaming chat gateway.
//
// It reads configuration from environment variables (or config.yaml) and
// starts an OpenAI-compatible streaming endpoint on the configured port.
// Callers bring their own provider keys.
//
// Quick-start (in-memory stores, no Redis required):
//
//	./gateway
//
// See .env.example for all available configuration variables.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/semantic-gateway/internal/app"
	"github.com/nulpointcorp/semantic-gateway/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM. In-flight streams are drained by
	// App.Run before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("config loaded",
		slog.String("compatibility_mode", cfg.CompatibilityMode),
		slog.Bool("cache_enabled", cfg.Cache.Enabled),
		slog.String("vector_store", cfg.Cache.VectorStore),
		slog.String("credential_store", cfg.CredentialStore),
		slog.Duration("stream_timeout", cfg.StreamTimeout),
	)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildLogger constructs a JSON slog.Logger. LOG_LEVEL is validated by
// config.Load, so parse failures fall back to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug,
	}))
}
