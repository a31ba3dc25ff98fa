package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueryTimeout = 500 * time.Millisecond
	keyPrefix           = "semgw:user:"

	fieldAPIKey         = "api_key"
	fieldPreferredModel = "preferred_model"
)

// RedisStore keeps one hash per user under "semgw:user:<username>".
type RedisStore struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisStore wraps an existing client. The caller owns the client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, queryTimeout: defaultQueryTimeout}
}

func (s *RedisStore) Get(ctx context.Context, username string) (*Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	name := NormalizeUsername(username)
	vals, err := s.client.HGetAll(ctx, keyPrefix+name).Result()
	if err != nil {
		return nil, fmt.Errorf("credentials: HGETALL %s: %w", name, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}

	return &Credential{
		Username:       name,
		APIKey:         vals[fieldAPIKey],
		PreferredModel: vals[fieldPreferredModel],
	}, nil
}

func (s *RedisStore) SaveAPIKey(ctx context.Context, username, apiKey string) error {
	return s.set(ctx, username, fieldAPIKey, apiKey)
}

func (s *RedisStore) SavePreferredModel(ctx context.Context, username, model string) error {
	return s.set(ctx, username, fieldPreferredModel, model)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) set(ctx context.Context, username, field, value string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	name := NormalizeUsername(username)
	if err := s.client.HSet(ctx, keyPrefix+name, field, value).Err(); err != nil {
		return fmt.Errorf("credentials: HSET %s %s: %w", name, field, err)
	}
	return nil
}
