package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueryTimeout = 2 * time.Second

	recordKeyPrefix = "semcache:rec:"
	indexKeyPrefix  = "semcache:idx:"
)

// Hash fields of a stored record.
const (
	fieldID              = "id"
	fieldQuestion        = "question"
	fieldAnswer          = "answer"
	fieldVector          = "vector"
	fieldEmbeddingModel  = "embedding_model"
	fieldGenerationModel = "generation_model"
	fieldCreatedAt       = "created_at"
)

// RedisStore keeps each record in a hash and indexes record ids per
// embedding model in a set. Similarity is scored in process over the
// model's vectors; only the winning record is read in full.
type RedisStore struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisStore wraps an existing client. The caller owns the client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, queryTimeout: defaultQueryTimeout}
}

func recordKey(id string) string   { return recordKeyPrefix + id }
func indexKey(model string) string { return indexKeyPrefix + model }

func (s *RedisStore) Insert(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, recordKey(rec.ID),
			fieldID, rec.ID,
			fieldQuestion, rec.Question,
			fieldAnswer, rec.Answer,
			fieldVector, encodeVector(rec.Vector),
			fieldEmbeddingModel, rec.EmbeddingModel,
			fieldGenerationModel, rec.GenerationModel,
			fieldCreatedAt, strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10),
		)
		pipe.SAdd(ctx, indexKey(rec.EmbeddingModel), rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: insert %s: %w", ErrUnavailable, rec.ID, err)
	}
	return nil
}

// Nearest scores every record of model in two round trips. The first reads
// only vectors and models; the second loads the remaining fields of the best
// candidate, so answers of losing records never leave Redis.
func (s *RedisStore) Nearest(ctx context.Context, vec []float32, model string, threshold float64) (*Match, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	ids, err := s.client.SMembers(ctx, indexKey(model)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: SMEMBERS %s: %w", ErrUnavailable, indexKey(model), err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.SliceCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, recordKey(id), fieldVector, fieldEmbeddingModel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: load vectors: %w", ErrUnavailable, err)
	}

	bestID := ""
	var best *Match
	for i, cmd := range cmds {
		vals := cmd.Val()
		// The index is keyed by model, but the record itself is authoritative.
		if len(vals) != 2 || asString(vals[1]) != model {
			continue
		}
		stored := decodeVector([]byte(asString(vals[0])))
		score := Cosine(vec, stored)
		if better(score, threshold, best) {
			bestID = ids[i]
			best = &Match{Record: Record{Vector: stored, EmbeddingModel: model}, Score: score}
		}
	}
	if best == nil {
		return nil, nil
	}

	vals, err := s.client.HMGet(ctx, recordKey(bestID),
		fieldID, fieldQuestion, fieldAnswer, fieldGenerationModel, fieldCreatedAt,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", ErrUnavailable, bestID, err)
	}
	if len(vals) != 5 || vals[2] == nil {
		return nil, nil
	}

	best.Record.ID = asString(vals[0])
	best.Record.Question = asString(vals[1])
	best.Record.Answer = asString(vals[2])
	best.Record.GenerationModel = asString(vals[3])
	if ms, err := strconv.ParseInt(asString(vals[4]), 10, 64); err == nil {
		best.Record.CreatedAt = time.UnixMilli(ms)
	}
	return best, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// asString converts an HMGET reply value; missing fields come back as nil.
func asString(v any) string {
	str, _ := v.(string)
	return str
}

// encodeVector packs v as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// decodeVector is the inverse of encodeVector. A trailing partial element is
// ignored.
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
