// Package memory keeps cache entries in process memory for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/pagesnap/internal/cache"
)

// Store is an in-memory cache.Store.
type Store struct {
	mu   sync.RWMutex
	data map[string]string
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: make(map[string]string)}
}

// Get returns the entry for key.
func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	html, ok := s.data[key]
	if !ok {
		return "", cache.ErrNotFound
	}
	return html, nil
}

// Put stores html under key.
func (s *Store) Put(_ context.Context, key, html string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = html
	return nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Len reports how many entries are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
