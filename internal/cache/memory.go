package cache

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is an in-process VectorStore for single-instance deployments
// and tests. Lookups scan every record.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	rec.Vector = slices.Clone(rec.Vector)

	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Nearest(_ context.Context, vec []float32, model string, threshold float64) (*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Match
	for i := range s.records {
		r := &s.records[i]
		if r.EmbeddingModel != model {
			continue
		}
		if score := Cosine(vec, r.Vector); better(score, threshold, best) {
			best = &Match{Record: *r, Score: score}
		}
	}
	return best, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
