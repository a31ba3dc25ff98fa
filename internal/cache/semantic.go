package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/semantic-gateway/internal/providers"
)

// DefaultThreshold is the minimum cosine similarity for a hit.
const DefaultThreshold = 0.8

// SemanticOptions configures a Semantic cache.
type SemanticOptions struct {
	// EmbeddingModel is the active embedding model. Records produced by any
	// other model never match.
	EmbeddingModel string
	// Threshold is the inclusive minimum cosine similarity for a hit. Zero
	// means unset and selects DefaultThreshold; any other value is used as
	// given.
	Threshold float64
	// APIKey, when set, is used for embedding calls instead of the caller's
	// key.
	APIKey string
}

// Semantic answers questions from earlier answers to similar questions.
type Semantic struct {
	embedder  providers.EmbeddingProvider
	store     VectorStore
	model     string
	threshold float64
	apiKey    string
	now       func() time.Time
}

func NewSemantic(embedder providers.EmbeddingProvider, store VectorStore, opts SemanticOptions) *Semantic {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	return &Semantic{
		embedder:  embedder,
		store:     store,
		model:     opts.EmbeddingModel,
		threshold: opts.Threshold,
		apiKey:    opts.APIKey,
		now:       time.Now,
	}
}

// EmbeddingModel returns the active embedding model.
func (s *Semantic) EmbeddingModel() string { return s.model }

// Threshold returns the similarity threshold.
func (s *Semantic) Threshold() float64 { return s.threshold }

// Embed computes the vector of a fingerprint. callerKey is used unless a
// gateway embedding key is configured.
func (s *Semantic) Embed(ctx context.Context, callerKey, fingerprint string) ([]float32, error) {
	key := s.apiKey
	if key == "" {
		key = callerKey
	}

	resp, err := s.embedder.Embed(ctx, &providers.EmbeddingRequest{
		Input:  []string{fingerprint},
		Model:  s.model,
		APIKey: key,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %w", ErrUnavailable, err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: embed: empty vector", ErrUnavailable)
	}
	return resp.Data[0].Embedding, nil
}

// Lookup returns the cached answer nearest to vec.
func (s *Semantic) Lookup(ctx context.Context, vec []float32) (string, bool, error) {
	m, err := s.store.Nearest(ctx, vec, s.model, s.threshold)
	if err != nil {
		return "", false, wrapUnavailable("lookup", err)
	}
	if m == nil {
		return "", false, nil
	}
	return m.Record.Answer, true, nil
}

// Store appends a new record. It never updates an existing one.
func (s *Semantic) Store(ctx context.Context, fingerprint, answer string, vec []float32, generationModel string) error {
	rec := Record{
		ID:              uuid.NewString(),
		Question:        fingerprint,
		Answer:          answer,
		Vector:          vec,
		EmbeddingModel:  s.model,
		GenerationModel: generationModel,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return wrapUnavailable("store", err)
	}
	return nil
}

// Ping checks the vector store.
func (s *Semantic) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func wrapUnavailable(op string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
