package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is an in-memory Store. Documents are kept as marshalled JSON so Get
// and Set have the same copy semantics as the Postgres implementation: callers
// never share mutable state through the store.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

// Get unmarshals the document stored under key into out.
func (s *Memory) Get(ctx context.Context, key string, out interface{}) error {
	s.mu.RLock()
	raw, ok := s.docs[key]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("kvstore: decode %q: %w", key, err)
	}
	return nil
}

// Set stores value under key, replacing any existing document.
func (s *Memory) Set(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kvstore: encode %q: %w", key, err)
	}
	s.mu.Lock()
	s.docs[key] = raw
	s.mu.Unlock()
	return nil
}

// Delete removes the document under key.
func (s *Memory) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.docs, key)
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored documents. Test helper.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
