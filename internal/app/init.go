package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/semantic-gateway/internal/auth"
	"github.com/nulpointcorp/semantic-gateway/internal/cache"
	"github.com/nulpointcorp/semantic-gateway/internal/credentials"
	"github.com/nulpointcorp/semantic-gateway/internal/logger"
	"github.com/nulpointcorp/semantic-gateway/internal/metrics"
	"github.com/nulpointcorp/semantic-gateway/internal/providers"
	"github.com/nulpointcorp/semantic-gateway/internal/proxy"
	"github.com/nulpointcorp/semantic-gateway/internal/ratelimit"
)

// initInfra establishes optional external connections.
// Redis is only required when the vector store, the credential store or the
// rate limiter uses it; Postgres only for CREDENTIAL_STORE=postgres.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.NeedsRedis() {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.CredentialStore == "postgres" {
		a.log.Info("connecting to postgres", slog.String("url", redactURL(a.cfg.DatabaseURL)))

		store, pool, err := credentials.NewPostgresStore(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pgdb = pool
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.creds = store
		a.log.Info("postgres connected")
	}

	return nil
}

// initProviders builds the catalog and the upstream clients.
func (a *App) initProviders(_ context.Context) error {
	a.catalog = providers.NewCatalog(a.cfg.SupportedModels, a.cfg.DefaultProvider)
	if len(a.catalog.Models()) == 0 {
		return fmt.Errorf("no supported models configured")
	}

	a.provs = buildProviders(a.baseCtx, a.cfg)
	a.log.Info("providers loaded",
		slog.Any("routed", a.catalog.Providers()),
		slog.Int("models", len(a.catalog.Models())),
	)

	if a.cfg.Cache.Enabled {
		e, err := selectEmbedder(a.provs, a.cfg.Embedding.Provider)
		if err != nil {
			return err
		}
		a.embedder = e
	}

	return nil
}

// initServices creates the stores, the semantic cache, metrics and the async
// request logger.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.CredentialStore {
	case "postgres":
		// connected in initInfra
	case "redis":
		a.creds = credentials.NewRedisStore(a.rdb)
	case "memory":
		a.creds = credentials.NewMemoryStore()
	default:
		return fmt.Errorf("unknown credential store: %s", a.cfg.CredentialStore)
	}
	a.log.Info("credential store", slog.String("backend", a.cfg.CredentialStore))

	if a.cfg.Cache.Enabled {
		var store cache.VectorStore
		switch a.cfg.Cache.VectorStore {
		case "redis":
			store = cache.NewRedisStore(a.rdb)
		case "memory":
			store = cache.NewMemoryStore()
		default:
			return fmt.Errorf("unknown vector store: %s", a.cfg.Cache.VectorStore)
		}

		el, err := cache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}

		a.policy = cache.NewPolicy(a.cfg.Cache.ContextWindow, el)
		a.semantic = cache.NewSemantic(a.embedder, store, cache.SemanticOptions{
			EmbeddingModel: a.cfg.Embedding.Model,
			Threshold:      a.cfg.Cache.SimilarityThreshold,
			APIKey:         a.cfg.Embedding.APIKey,
		})
		a.log.Info("semantic cache enabled",
			slog.String("vector_store", a.cfg.Cache.VectorStore),
			slog.String("embedding_provider", a.cfg.Embedding.Provider),
			slog.String("embedding_model", a.cfg.Embedding.Model),
			slog.Int("context_window", a.policy.ContextWindow()),
			slog.Float64("threshold", a.semantic.Threshold()),
			slog.Int("exclusion_rules", el.Len()),
		)
	} else {
		a.log.Info("semantic cache disabled")
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var sinks []logger.Sink
	if a.cfg.ClickHouseDSN != "" {
		sink, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
		a.log.Info("request log sink: clickhouse", slog.String("dsn", redactURL(a.cfg.ClickHouseDSN)))
	}
	reqLogger, err := logger.New(a.baseCtx, a.log, sinks...)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	mode, err := credentials.ParseMode(a.cfg.CompatibilityMode)
	if err != nil {
		return err
	}

	verifier := auth.NewVerifier(a.cfg.Auth.JWTSecret)
	if verifier == nil {
		a.log.Info("identity tokens disabled; stored credentials unavailable")
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	gw := proxy.NewGateway(a.baseCtx, a.provs, proxy.GatewayOptions{
		Logger:         a.log,
		Catalog:        a.catalog,
		Resolver:       credentials.NewResolver(mode, a.creds, verifier, a.log),
		Credentials:    a.creds,
		Semantic:       a.semantic,
		Policy:         a.policy,
		CachingEnabled: a.cfg.Cache.Enabled,
		StreamTimeout:  a.cfg.StreamTimeout,
		Metrics:        a.prom,
	})

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiter(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	gw.SetLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
