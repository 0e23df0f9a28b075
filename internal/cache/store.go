package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store is the shared cache backend used by the entitlement resolver. Values
// are opaque bytes so the same contract works for the in-process backend and
// redis. A miss is (nil, false, nil); errors are reserved for backend
// failures.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// InvalidatePrefix removes every entry whose key starts with prefix.
	InvalidatePrefix(ctx context.Context, prefix string) error
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

type memoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

// NewMemoryStore returns the default in-process Store backend.
func NewMemoryStore() *memoryStore {
	return &memoryStore{items: make(map[string]memoryItem)}
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return item.value, true, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := memoryItem{value: value}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.items[key] = item
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) InvalidatePrefix(_ context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}

	s.mu.Lock()
	for key := range s.items {
		if strings.HasPrefix(key, prefix) {
			delete(s.items, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// sweep drops expired entries so an idle key set does not grow unbounded.
func (s *memoryStore) sweep(now time.Time) {
	s.mu.Lock()
	for key, item := range s.items {
		if !item.expiresAt.IsZero() && now.After(item.expiresAt) {
			delete(s.items, key)
		}
	}
	s.mu.Unlock()
}
