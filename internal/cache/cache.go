// Package cache implements the semantic answer cache: which conversations may
// be cached, how records are stored, and how a question vector is matched
// against earlier ones.
//
// Records are append-only. A lookup only ever considers records produced by
// the active embedding model.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a failure of the embedding provider or the vector
// store. Callers are expected to log it and serve the request uncached.
var ErrUnavailable = errors.New("cache: unavailable")

// Record is one cached question/answer pair.
type Record struct {
	ID              string
	Question        string
	Answer          string
	Vector          []float32
	EmbeddingModel  string
	GenerationModel string
	CreatedAt       time.Time
}

// Match is the nearest record found by a lookup.
type Match struct {
	Record Record
	Score  float64
}

// VectorStore persists records and answers top-1 similarity queries.
//
// Nearest returns the most similar record whose EmbeddingModel equals model
// and whose cosine similarity to vec is at least threshold, or nil when no
// record qualifies. A nil match is not an error.
type VectorStore interface {
	Insert(ctx context.Context, rec Record) error
	Nearest(ctx context.Context, vec []float32, model string, threshold float64) (*Match, error)
	Ping(ctx context.Context) error
}
