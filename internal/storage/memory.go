// Package storage provides the key/value store behind the /storage endpoints.
package storage

import (
	"log/slog"
	"sync"
)

// Store is a string key/value store. A missing key is reported by Get's
// second return value, never as an error.
type Store interface {
	Put(key, value string)
	Get(key string) (string, bool)
	Delete(key string)
	Len() int
}

// MemoryStore keeps entries in process memory. Entries are lost on restart and
// are not shared between replicas.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]string
	logger  *slog.Logger
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]string),
		logger:  logger.With("component", "storage"),
	}
}

// Put stores value under key, replacing any previous value.
func (s *MemoryStore) Put(key, value string) {
	s.mu.Lock()
	s.entries[key] = value
	s.mu.Unlock()
	s.logger.Debug("stored entry", "key", key, "bytes", len(value))
}

// Get returns the value stored under key.
func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

// Delete removes key. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

var _ Store = (*MemoryStore)(nil)
