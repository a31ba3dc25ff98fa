// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded into
// the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example SUPPORTED_MODELS becomes
// supported_models in YAML.
//
// The configuration is built once at startup and never mutated afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/semantic-gateway/internal/providers"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// CompatibilityMode selects how callers transmit their provider key:
	//   "bearer" — Authorization: Bearer <key>
	//   "apikey" — X-API-KEY: <key>
	CompatibilityMode string

	// SupportedModels is the model allowlist. Default: gpt-4.1-nano.
	SupportedModels []string

	// DefaultProvider serves allowlisted models missing from the alias table.
	DefaultProvider string

	// Gateway-owned provider settings. Keys are only used for health probes;
	// completions always run on the caller's key.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	Cache     CacheConfig
	Embedding EmbeddingConfig

	// CredentialStore selects where per-user keys live: redis, postgres or memory.
	CredentialStore string

	Redis RedisConfig

	// DatabaseURL is the Postgres DSN. Required when CredentialStore is "postgres".
	DatabaseURL string

	Auth AuthConfig

	RateLimit RateLimitConfig

	// StreamTimeout bounds one streamed completion end to end. Default: 5m.
	StreamTimeout time.Duration

	// ClickHouseDSN enables the ClickHouse request-log sink when set.
	ClickHouseDSN string

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any origin.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// CacheConfig controls the semantic cache.
type CacheConfig struct {
	Enabled bool

	// ContextWindow is the largest turn count that may use the cache.
	// Values below 1 are raised to 1.
	ContextWindow int

	// SimilarityThreshold is the minimum cosine similarity for a hit. Default: 0.8.
	SimilarityThreshold float64

	// VectorStore selects the record backend:
	//   "redis"  — shared across replicas (requires REDIS_URL).
	//   "memory" — in-process, lost on restart.
	//   "none"   — caching disabled.
	VectorStore string

	// ExcludeExact lists model names whose answers are never cached.
	ExcludeExact []string

	// ExcludePatterns lists Go regular expressions matched against model names.
	ExcludePatterns []string
}

// EmbeddingConfig selects the embedding backend used for cache vectors.
type EmbeddingConfig struct {
	// Provider is "openai" or "gemini".
	Provider string
	// Model is the active embedding model. Records embedded with another
	// model never match.
	Model string
	// APIKey is the gateway's own embedding key. When empty, the caller's
	// resolved key is used.
	APIKey string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// AuthConfig controls identity tokens.
type AuthConfig struct {
	// JWTSecret is the HS256 secret. Empty disables identities entirely.
	JWTSecret string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute per caller.
	// 0 disables rate limiting.
	RPMLimit int
}

// Load reads configuration from environment variables, .env and (optionally)
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("COMPATIBILITY_MODE", "bearer")
	v.SetDefault("SUPPORTED_MODELS", "gpt-4.1-nano")
	v.SetDefault("DEFAULT_PROVIDER", providers.OpenAI)

	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CONTEXT_WINDOW", 1)
	v.SetDefault("SIMILARITY_THRESHOLD", 0.8)
	v.SetDefault("VECTOR_STORE", "memory")

	v.SetDefault("EMBEDDING_PROVIDER", providers.OpenAI)
	v.SetDefault("EMBEDDING_MODEL", "text-embedding-3-small")

	v.SetDefault("CREDENTIAL_STORE", "memory")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("STREAM_TIMEOUT", "5m")
	v.SetDefault("CORS_ORIGINS", "*")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:              v.GetInt("PORT"),
		LogLevel:          strings.ToLower(v.GetString("LOG_LEVEL")),
		CompatibilityMode: strings.ToLower(strings.TrimSpace(v.GetString("COMPATIBILITY_MODE"))),
		SupportedModels:   listValue(v, "SUPPORTED_MODELS", providers.ParseModelList),
		DefaultProvider:   strings.ToLower(v.GetString("DEFAULT_PROVIDER")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GEMINI_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		Cache: CacheConfig{
			Enabled:             v.GetBool("CACHE_ENABLED"),
			ContextWindow:       v.GetInt("CONTEXT_WINDOW"),
			SimilarityThreshold: v.GetFloat64("SIMILARITY_THRESHOLD"),
			VectorStore:         strings.ToLower(v.GetString("VECTOR_STORE")),
			ExcludeExact:        listValue(v, "CACHE_EXCLUDE_EXACT", splitComma),
			// Patterns may contain '|', so only commas separate them.
			ExcludePatterns: listValue(v, "CACHE_EXCLUDE_PATTERNS", splitComma),
		},

		Embedding: EmbeddingConfig{
			Provider: strings.ToLower(v.GetString("EMBEDDING_PROVIDER")),
			Model:    v.GetString("EMBEDDING_MODEL"),
			APIKey:   v.GetString("EMBEDDING_API_KEY"),
		},

		CredentialStore: strings.ToLower(v.GetString("CREDENTIAL_STORE")),
		Redis:           RedisConfig{URL: v.GetString("REDIS_URL")},
		DatabaseURL:     v.GetString("DATABASE_URL"),

		Auth: AuthConfig{JWTSecret: v.GetString("AUTH_JWT_SECRET")},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		StreamTimeout: v.GetDuration("STREAM_TIMEOUT"),
		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		CORSOrigins:   listValue(v, "CORS_ORIGINS", splitComma),
	}

	if cfg.Cache.ContextWindow < 1 {
		cfg.Cache.ContextWindow = 1
	}
	if cfg.Cache.VectorStore == "none" {
		cfg.Cache.Enabled = false
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.CompatibilityMode {
	case "bearer", "apikey":
	default:
		return fmt.Errorf(
			"config: invalid COMPATIBILITY_MODE %q; must be one of: bearer, apikey",
			c.CompatibilityMode,
		)
	}

	if len(c.SupportedModels) == 0 {
		return errors.New("config: SUPPORTED_MODELS must list at least one model")
	}

	switch c.DefaultProvider {
	case providers.OpenAI, providers.Anthropic, providers.Gemini:
	default:
		return fmt.Errorf(
			"config: invalid DEFAULT_PROVIDER %q; must be one of: openai, anthropic, gemini",
			c.DefaultProvider,
		)
	}

	switch c.Cache.VectorStore {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid VECTOR_STORE %q; must be one of: redis, memory, none",
			c.Cache.VectorStore,
		)
	}

	if c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("config: SIMILARITY_THRESHOLD must be in (0, 1], got %v", c.Cache.SimilarityThreshold)
	}

	if c.Cache.Enabled {
		switch c.Embedding.Provider {
		case providers.OpenAI, providers.Gemini:
		default:
			return fmt.Errorf(
				"config: invalid EMBEDDING_PROVIDER %q; must be one of: openai, gemini",
				c.Embedding.Provider,
			)
		}
		if strings.TrimSpace(c.Embedding.Model) == "" {
			return errors.New("config: EMBEDDING_MODEL is required when caching is enabled")
		}
	}

	switch c.CredentialStore {
	case "redis", "postgres", "memory":
	default:
		return fmt.Errorf(
			"config: invalid CREDENTIAL_STORE %q; must be one of: redis, postgres, memory",
			c.CredentialStore,
		)
	}

	if c.NeedsRedis() && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when VECTOR_STORE=redis, CREDENTIAL_STORE=redis or RPM_LIMIT>0",
		)
	}

	if c.CredentialStore == "postgres" && c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL is required when CREDENTIAL_STORE=postgres")
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}

	if c.StreamTimeout <= 0 {
		return fmt.Errorf("config: STREAM_TIMEOUT must be a positive duration")
	}

	return nil
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return (c.Cache.Enabled && c.Cache.VectorStore == "redis") ||
		c.CredentialStore == "redis" ||
		c.RateLimit.RPMLimit > 0
}

// listValue accepts either a YAML sequence or a delimited string.
func listValue(v *viper.Viper, key string, split func(string) []string) []string {
	switch raw := v.Get(key).(type) {
	case nil:
		return nil
	case string:
		return split(raw)
	default:
		return v.GetStringSlice(key)
	}
}

func splitComma(raw string) []string {
	var out []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
