package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the credential table. It is applied by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS user_credentials (
	username        TEXT PRIMARY KEY,
	api_key         TEXT NOT NULL DEFAULT '',
	preferred_model TEXT NOT NULL DEFAULT '',
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const (
	selectCredential = `
		SELECT username, api_key, preferred_model
		FROM user_credentials
		WHERE username = $1`

	upsertAPIKey = `
		INSERT INTO user_credentials (username, api_key)
		VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE
		SET api_key = EXCLUDED.api_key, updated_at = now()`

	upsertPreferredModel = `
		INSERT INTO user_credentials (username, preferred_model)
		VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE
		SET preferred_model = EXCLUDED.preferred_model, updated_at = now()`
)

// querier is the subset of *pgxpool.Pool used by PostgresStore.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresStore keeps credentials in the user_credentials table.
type PostgresStore struct {
	db querier
}

// NewPostgresStore connects a pool to databaseURL and verifies it with a ping.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("credentials: parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("credentials: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("credentials: ping: %w", err)
	}

	return &PostgresStore{db: pool}, pool, nil
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("credentials: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, username string) (*Credential, error) {
	var c Credential
	err := s.db.QueryRow(ctx, selectCredential, NormalizeUsername(username)).
		Scan(&c.Username, &c.APIKey, &c.PreferredModel)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credentials: select: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) SaveAPIKey(ctx context.Context, username, apiKey string) error {
	if _, err := s.db.Exec(ctx, upsertAPIKey, NormalizeUsername(username), apiKey); err != nil {
		return fmt.Errorf("credentials: save api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) SavePreferredModel(ctx context.Context, username, model string) error {
	if _, err := s.db.Exec(ctx, upsertPreferredModel, NormalizeUsername(username), model); err != nil {
		return fmt.Errorf("credentials: save preferred model: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
