// Package toolcache defines the store of previously produced tool envelopes
// consulted by the executor. Implementations are shared across concurrent runs
// and must be safe for concurrent use. Writes are last-writer-wins.
package toolcache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"goa.design/agentcore/runtime/agent/tools"
)

// Forever is the TTL used for entries that never expire.
const Forever time.Duration = 0

const defaultMaxEntries = 4096

type (
	// Cache stores successful envelopes by key.
	Cache interface {
		// Get returns the stored envelope for key. A miss (absent or expired)
		// returns false with a nil error.
		Get(ctx context.Context, key string) (tools.Envelope, bool, error)
		// Put stores env under key. A ttl of Forever keeps the entry for the
		// lifetime of the cache.
		Put(ctx context.Context, key string, env tools.Envelope, ttl time.Duration) error
	}

	// MemoryCache is a bounded in-process Cache with least-recently-used
	// eviction and per-entry expiry checked on read.
	MemoryCache struct {
		entries *lru.Cache[string, cacheEntry]
		now     func() time.Time
	}

	// MemoryCacheOption configures a MemoryCache.
	MemoryCacheOption func(*memoryCacheConfig)

	memoryCacheConfig struct {
		maxEntries int
		now        func() time.Time
	}

	cacheEntry struct {
		env       tools.Envelope
		expiresAt time.Time
	}
)

// WithMaxEntries bounds the number of entries. Defaults to 4096.
func WithMaxEntries(n int) MemoryCacheOption {
	return func(c *memoryCacheConfig) {
		c.maxEntries = n
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) MemoryCacheOption {
	return func(c *memoryCacheConfig) {
		c.now = now
	}
}

// NewMemoryCache creates an in-process cache.
func NewMemoryCache(opts ...MemoryCacheOption) (*MemoryCache, error) {
	cfg := memoryCacheConfig{maxEntries: defaultMaxEntries, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	entries, err := lru.New[string, cacheEntry](cfg.maxEntries)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{entries: entries, now: cfg.now}, nil
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) (tools.Envelope, bool, error) {
	e, ok := c.entries.Get(key)
	if !ok {
		return tools.Envelope{}, false, nil
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.entries.Remove(key)
		return tools.Envelope{}, false, nil
	}
	return e.env.Clone(), true, nil
}

// Put implements Cache.
func (c *MemoryCache) Put(_ context.Context, key string, env tools.Envelope, ttl time.Duration) error {
	e := cacheEntry{env: env.Clone()}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries.Add(key, e)
	return nil
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *MemoryCache) Len() int {
	return c.entries.Len()
}
