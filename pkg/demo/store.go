package demo

import (
	"context"
	"errors"
	"sync"
)

// Key and default value of the text returned by get_stored_data.
const (
	StoredDataKey     = "stored_data"
	DefaultStoredData = "Lorem Data"
)

// ErrNotFound is returned by stores for a missing key.
var ErrNotFound = errors.New("demo: stored data not found")

// Store holds the data served by get_stored_data.
type Store interface {
	Load(ctx context.Context, key string) (string, error)
	Save(ctx context.Context, key, value string) error
}

// MemoryStore is a Store kept in process memory, seeded with DefaultStoredData.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore creates a seeded MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]string{StoredDataKey: DefaultStoredData}}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}
