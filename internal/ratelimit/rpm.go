// Package ratelimit implements per-caller requests-per-minute limiting on a
// Redis sliding window evaluated atomically in Lua.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript implements a sliding window over a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

const keyPrefix = "ratelimit:rpm:"

// RPMLimiter caps the number of requests each caller may make per minute.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
}

// NewRPMLimiter creates a limiter. rpmLimit must be > 0; values <= 0 block
// every request.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit}
}

// Limit returns the configured requests per minute.
func (r *RPMLimiter) Limit() int { return r.rpmLimit }

// Allow reports whether caller may make another request. When Redis is
// unavailable the request is allowed and the error is returned for logging.
func (r *RPMLimiter) Allow(ctx context.Context, caller string) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + caller},
		now, window, r.rpmLimit,
	).Int()
	if err != nil {
		return true, fmt.Errorf("ratelimit: %w", err)
	}

	return result == 1, nil
}

// CallerKey identifies a caller for limiting: the username when the caller is
// authenticated, otherwise a digest of the API key so raw keys never reach
// Redis.
func CallerKey(apiKey, username string) string {
	if username != "" {
		return "user:" + username
	}
	sum := sha256.Sum256([]byte(apiKey))
	return "key:" + hex.EncodeToString(sum[:8])
}
