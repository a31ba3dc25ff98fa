package credentials

import (
	"context"
	"sync"
)

// MemoryStore keeps credentials in process memory. Contents are lost on
// restart.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]Credential)}
}

func (s *MemoryStore) Get(_ context.Context, username string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.users[NormalizeUsername(username)]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) SaveAPIKey(_ context.Context, username, apiKey string) error {
	s.update(username, func(c *Credential) { c.APIKey = apiKey })
	return nil
}

func (s *MemoryStore) SavePreferredModel(_ context.Context, username, model string) error {
	s.update(username, func(c *Credential) { c.PreferredModel = model })
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) update(username string, fn func(*Credential)) {
	name := NormalizeUsername(username)

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.users[name]
	c.Username = name
	fn(&c)
	s.users[name] = c
}
