// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, Postgres when needed)
//  2. initProviders — upstream completion and embedding clients
//  3. initServices  — credential store, semantic cache, metrics, request log
//  4. initGateway   — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/semantic-gateway/internal/cache"
	"github.com/nulpointcorp/semantic-gateway/internal/config"
	"github.com/nulpointcorp/semantic-gateway/internal/credentials"
	"github.com/nulpointcorp/semantic-gateway/internal/logger"
	"github.com/nulpointcorp/semantic-gateway/internal/metrics"
	"github.com/nulpointcorp/semantic-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/semantic-gateway/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/semantic-gateway/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/semantic-gateway/internal/providers/openai"
	"github.com/nulpointcorp/semantic-gateway/internal/proxy"
)

const shutdownTimeout = 10 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb  *redis.Client
	pgdb *pgxpool.Pool

	catalog  *providers.Catalog
	provs    map[string]providers.ChatProvider
	embedder providers.EmbeddingProvider

	creds     credentials.Store
	semantic  *cache.Semantic
	policy    *cache.Policy
	reqLogger *logger.Logger
	prom      *metrics.Registry

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails. In-flight streams get shutdownTimeout to finish.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)
	srv := a.gw.NewServer(a.mgmt)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("compatibility_mode", a.cfg.CompatibilityMode),
		slog.Bool("caching", a.gw.CachingEnabled()),
		slog.Any("models", a.catalog.Models()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(addr); err != nil {
			return fmt.Errorf("app: listen %s: %w", addr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
			a.log.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.gw != nil {
		a.gw.Close()
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		if n := a.reqLogger.DroppedLogs(); n > 0 {
			a.log.Warn("request log entries dropped", slog.Int64("count", n))
		}
	}
	if a.pgdb != nil {
		a.pgdb.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildProviders creates one client per supported upstream. Completions run
// on the caller's key, so a client exists even without a gateway key; the
// configured key only drives health probes.
func buildProviders(ctx context.Context, cfg *config.Config) map[string]providers.ChatProvider {
	var openaiOpts []openaiprov.Option
	if cfg.OpenAI.BaseURL != "" {
		openaiOpts = append(openaiOpts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	var anthropicOpts []anthropicprov.Option
	if cfg.Anthropic.BaseURL != "" {
		anthropicOpts = append(anthropicOpts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	var geminiOpts []geminiprov.Option
	if cfg.Gemini.BaseURL != "" {
		geminiOpts = append(geminiOpts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
	}

	return map[string]providers.ChatProvider{
		providers.OpenAI:    openaiprov.New(cfg.OpenAI.APIKey, openaiOpts...),
		providers.Anthropic: anthropicprov.New(cfg.Anthropic.APIKey, anthropicOpts...),
		providers.Gemini:    geminiprov.New(ctx, cfg.Gemini.APIKey, geminiOpts...),
	}
}

// selectEmbedder returns the client that computes cache vectors.
func selectEmbedder(provs map[string]providers.ChatProvider, name string) (providers.EmbeddingProvider, error) {
	p, ok := provs[name]
	if !ok {
		return nil, fmt.Errorf("embedding provider %q is not configured", name)
	}
	e, ok := p.(providers.EmbeddingProvider)
	if !ok {
		return nil, fmt.Errorf("provider %q does not support embeddings", name)
	}
	return e, nil
}
