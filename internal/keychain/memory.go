package keychain

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// MemoryStore keeps secrets in process memory only. Tests use it in place of
// the system keychain.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: map[string]string{}}
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	s.secrets[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(key string) (string, error) {
	s.mu.RLock()
	val, ok := s.secrets[key]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return val, nil
}

// List returns the stored keys in sorted order.
func (s *MemoryStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.secrets)), nil
}

// Delete removes key; a missing key is not an error.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.secrets, key)
	s.mu.Unlock()
	return nil
}
