package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pitabwire/userbar/model"
)

type entry struct {
	value     model.AttributeMap
	expiresAt time.Time
}

// MemoryStore is an in-process Store bounded to a maximum number of entries.
// When full, the least recently used entry is evicted. Values are cloned on
// the way in and out so callers never share state with the cache.
type MemoryStore struct {
	entries *lru.Cache[string, entry]
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates a MemoryStore holding at most maxEntries entries.
func NewMemoryStore(maxEntries int, opts ...MemoryOption) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	entries, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("cache: create memory store: %w", err)
	}
	s := &MemoryStore{entries: entries, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get returns the live entry for key. An expired entry is removed and
// reported as a miss.
func (s *MemoryStore) Get(_ context.Context, key string) (model.AttributeMap, error) {
	e, ok := s.entries.Get(key)
	if !ok {
		return model.AttributeMap{}, model.ErrCacheMiss
	}
	if !s.now().Before(e.expiresAt) {
		s.entries.Remove(key)
		return model.AttributeMap{}, model.ErrCacheMiss
	}
	return e.value.Clone(), nil
}

// Set stores value under key until now+ttl, replacing any previous entry.
func (s *MemoryStore) Set(_ context.Context, key string, value model.AttributeMap, ttl time.Duration) error {
	s.entries.Add(key, entry{value: value.Clone(), expiresAt: s.now().Add(ttl)})
	return nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.entries.Remove(key)
	return nil
}

// Len returns the number of stored entries, including expired ones not yet
// read.
func (s *MemoryStore) Len() int {
	return s.entries.Len()
}
