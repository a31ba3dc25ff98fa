package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

var configKeys = []string{
	"PORT", "LOG_LEVEL", "COMPATIBILITY_MODE", "SUPPORTED_MODELS", "DEFAULT_PROVIDER",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL",
	"GEMINI_API_KEY", "GEMINI_BASE_URL",
	"CACHE_ENABLED", "CONTEXT_WINDOW", "SIMILARITY_THRESHOLD", "VECTOR_STORE",
	"CACHE_EXCLUDE_EXACT", "CACHE_EXCLUDE_PATTERNS",
	"EMBEDDING_PROVIDER", "EMBEDDING_MODEL", "EMBEDDING_API_KEY",
	"CREDENTIAL_STORE", "REDIS_URL", "DATABASE_URL", "AUTH_JWT_SECRET",
	"RPM_LIMIT", "STREAM_TIMEOUT", "CLICKHOUSE_DSN", "CORS_ORIGINS",
}

// isolate runs the test in an empty directory with every known key blank.
// Blank env values are treated as unset by viper.
func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	for _, k := range configKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 || cfg.LogLevel != "info" {
		t.Errorf("unexpected port/log level: %d %q", cfg.Port, cfg.LogLevel)
	}
	if cfg.CompatibilityMode != "bearer" {
		t.Errorf("expected bearer mode, got %q", cfg.CompatibilityMode)
	}
	if !reflect.DeepEqual(cfg.SupportedModels, []string{"gpt-4.1-nano"}) {
		t.Errorf("unexpected allowlist %v", cfg.SupportedModels)
	}
	if !cfg.Cache.Enabled || cfg.Cache.ContextWindow != 1 || cfg.Cache.SimilarityThreshold != 0.8 {
		t.Errorf("unexpected cache config %+v", cfg.Cache)
	}
	if cfg.Cache.VectorStore != "memory" || cfg.CredentialStore != "memory" {
		t.Errorf("expected memory stores, got %q / %q", cfg.Cache.VectorStore, cfg.CredentialStore)
	}
	if cfg.Embedding.Provider != "openai" || cfg.Embedding.Model != "text-embedding-3-small" {
		t.Errorf("unexpected embedding config %+v", cfg.Embedding)
	}
	if cfg.StreamTimeout != 5*time.Minute {
		t.Errorf("expected 5m stream timeout, got %v", cfg.StreamTimeout)
	}
	if !reflect.DeepEqual(cfg.CORSOrigins, []string{"*"}) {
		t.Errorf("unexpected CORS origins %v", cfg.CORSOrigins)
	}
	if cfg.NeedsRedis() {
		t.Error("defaults must not need Redis")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	isolate(t)
	t.Setenv("COMPATIBILITY_MODE", "ApiKey")
	t.Setenv("SUPPORTED_MODELS", "gpt-4.1-nano|claude-sonnet-4, gemini-2.5-flash")
	t.Setenv("CONTEXT_WINDOW", "3")
	t.Setenv("SIMILARITY_THRESHOLD", "0.92")
	t.Setenv("CACHE_EXCLUDE_PATTERNS", "^ft:,.*-(preview|beta)$")
	t.Setenv("VECTOR_STORE", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("RPM_LIMIT", "60")
	t.Setenv("STREAM_TIMEOUT", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.CompatibilityMode != "apikey" {
		t.Errorf("expected apikey mode, got %q", cfg.CompatibilityMode)
	}
	want := []string{"gpt-4.1-nano", "claude-sonnet-4", "gemini-2.5-flash"}
	if !reflect.DeepEqual(cfg.SupportedModels, want) {
		t.Errorf("expected %v, got %v", want, cfg.SupportedModels)
	}
	if cfg.Cache.ContextWindow != 3 || cfg.Cache.SimilarityThreshold != 0.92 {
		t.Errorf("unexpected cache config %+v", cfg.Cache)
	}
	if !reflect.DeepEqual(cfg.Cache.ExcludePatterns, []string{"^ft:", ".*-(preview|beta)$"}) {
		t.Errorf("patterns must split on commas only, got %v", cfg.Cache.ExcludePatterns)
	}
	if cfg.StreamTimeout != 90*time.Second || cfg.RateLimit.RPMLimit != 60 {
		t.Errorf("unexpected timeout/limit %v %d", cfg.StreamTimeout, cfg.RateLimit.RPMLimit)
	}
	if !cfg.NeedsRedis() {
		t.Error("expected NeedsRedis with a redis vector store")
	}
}

func TestLoad_ContextWindowFloor(t *testing.T) {
	isolate(t)
	t.Setenv("CONTEXT_WINDOW", "-4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.ContextWindow != 1 {
		t.Fatalf("expected window raised to 1, got %d", cfg.Cache.ContextWindow)
	}
}

func TestLoad_VectorStoreNoneDisablesCache(t *testing.T) {
	isolate(t)
	t.Setenv("VECTOR_STORE", "none")
	t.Setenv("EMBEDDING_PROVIDER", "unknown")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.Enabled {
		t.Fatal("expected caching disabled")
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	isolate(t)
	yaml := "supported_models:\n  - gpt-4o\n  - claude-opus-4\ncredential_store: postgres\ndatabase_url: postgres://gw@localhost/gw\n"
	if err := os.WriteFile("config.yaml", []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg.SupportedModels, []string{"gpt-4o", "claude-opus-4"}) {
		t.Errorf("unexpected allowlist %v", cfg.SupportedModels)
	}
	if cfg.CredentialStore != "postgres" || cfg.DatabaseURL == "" {
		t.Errorf("unexpected credential store %q %q", cfg.CredentialStore, cfg.DatabaseURL)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	isolate(t)
	// Register a restore for a key gotenv will set, then remove it so
	// gotenv sees it as absent.
	t.Setenv("CLICKHOUSE_DSN", "")
	os.Unsetenv("CLICKHOUSE_DSN")

	if err := os.WriteFile(filepath.Join(".", ".env"), []byte("CLICKHOUSE_DSN=clickhouse://localhost:9000/default\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClickHouseDSN != "clickhouse://localhost:9000/default" {
		t.Fatalf("expected DSN from .env, got %q", cfg.ClickHouseDSN)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"log level", map[string]string{"LOG_LEVEL": "trace"}, "LOG_LEVEL"},
		{"mode", map[string]string{"COMPATIBILITY_MODE": "cookie"}, "COMPATIBILITY_MODE"},
		{"empty allowlist", map[string]string{"SUPPORTED_MODELS": " | , "}, "SUPPORTED_MODELS"},
		{"default provider", map[string]string{"DEFAULT_PROVIDER": "mistral"}, "DEFAULT_PROVIDER"},
		{"vector store", map[string]string{"VECTOR_STORE": "qdrant"}, "VECTOR_STORE"},
		{"threshold", map[string]string{"SIMILARITY_THRESHOLD": "1.5"}, "SIMILARITY_THRESHOLD"},
		{"embedding provider", map[string]string{"EMBEDDING_PROVIDER": "anthropic"}, "EMBEDDING_PROVIDER"},
		{"credential store", map[string]string{"CREDENTIAL_STORE": "vault"}, "CREDENTIAL_STORE"},
		{"redis url", map[string]string{"CREDENTIAL_STORE": "redis"}, "REDIS_URL"},
		{"rate limit needs redis", map[string]string{"RPM_LIMIT": "10"}, "REDIS_URL"},
		{"database url", map[string]string{"CREDENTIAL_STORE": "postgres"}, "DATABASE_URL"},
		{"stream timeout", map[string]string{"STREAM_TIMEOUT": "-1s"}, "STREAM_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}
