// Package preference persists the user's explicitly chosen location so the
// choice survives reloads and restarts.
package preference

import (
	"context"
	"sync"
)

// Key is the fixed name under which the chosen location code is stored.
const Key = "activeLocation"

// Store persists one string value: the last explicitly chosen location code.
type Store interface {
	// Get returns the stored code, or "" if nothing is stored.
	Get(ctx context.Context) (string, error)
	// Set stores code.
	Set(ctx context.Context, code string) error
	// Clear removes the stored code.
	Clear(ctx context.Context) error
}

// Factory returns the Store of one user's session.
type Factory func(userID string) Store

// InMemoryStore is an in-memory Store for tests and single-process setups.
type InMemoryStore struct {
	mu    sync.RWMutex
	value string
	sets  int
	gets  int
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Get returns the stored code.
func (s *InMemoryStore) Get(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	return s.value, nil
}

// Set stores code.
func (s *InMemoryStore) Set(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	s.value = code
	return nil
}

// Clear removes the stored code.
func (s *InMemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = ""
	return nil
}

// Gets returns how many times Get was called.
func (s *InMemoryStore) Gets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gets
}

// Sets returns how many times Set was called.
func (s *InMemoryStore) Sets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sets
}

// InMemoryFactory returns a Factory handing out one InMemoryStore per user.
func InMemoryFactory() Factory {
	var mu sync.Mutex
	stores := make(map[string]*InMemoryStore)
	return func(userID string) Store {
		mu.Lock()
		defer mu.Unlock()
		s, ok := stores[userID]
		if !ok {
			s = NewInMemoryStore()
			stores[userID] = s
		}
		return s
	}
}
