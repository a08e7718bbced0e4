package store

import (
	"context"
	"sync"
)

// MemoryStore keeps values in process memory. Used by tests and STORE_DRIVER=memory.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
	writes int

	// FailWith, when set, is returned by every Set (simulates a full or
	// unavailable backend).
	FailWith error
	// ReadFailWith, when set, is returned by every Get.
	ReadFailWith error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReadFailWith != nil {
		return "", s.ReadFailWith
	}
	v, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	s.values[key] = value
	s.writes++
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// Writes reports how many Set calls succeeded.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// SetFailure toggles write failures.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	s.FailWith = err
	s.mu.Unlock()
}

// SetReadFailure toggles read failures.
func (s *MemoryStore) SetReadFailure(err error) {
	s.mu.Lock()
	s.ReadFailWith = err
	s.mu.Unlock()
}
