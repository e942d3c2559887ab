package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultTTL        = 30 * time.Second
	DefaultMaxEntries = 100
)

// Cache stores successful read results keyed by request key.
type Cache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	DeleteMatching(ctx context.Context, match func(key string) bool) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
}

// MemoryCache is a process-local TTL cache bounded by entry count. When
// full, the oldest inserted entry is evicted first.
type MemoryCache struct {
	entries *expirable.LRU[string, json.RawMessage]
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryCache{entries: expirable.NewLRU[string, json.RawMessage](maxEntries, nil, ttl)}
}

// Get uses Peek so a hit does not reorder eviction.
func (m *MemoryCache) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	val, ok := m.entries.Peek(key)
	return val, ok, nil
}

// Set stores value. Re-setting a key restarts its TTL and makes it the
// newest entry.
func (m *MemoryCache) Set(_ context.Context, key string, value json.RawMessage) error {
	m.entries.Remove(key)
	m.entries.Add(key, value)
	return nil
}

func (m *MemoryCache) DeleteMatching(_ context.Context, match func(key string) bool) error {
	for _, key := range m.entries.Keys() {
		if match(key) {
			m.entries.Remove(key)
		}
	}
	return nil
}

func (m *MemoryCache) Clear(context.Context) error {
	m.entries.Purge()
	return nil
}

// Keys returns live keys, oldest first.
func (m *MemoryCache) Keys(context.Context) ([]string, error) {
	return m.entries.Keys(), nil
}
