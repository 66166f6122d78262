// Package redis implements toolcache.Cache on top of Redis so cached
// envelopes are shared by every process serving runs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/agentcore/runtime/agent/toolcache"
	"goa.design/agentcore/runtime/agent/tools"
)

type (
	// Options configures the cache.
	Options struct {
		// Client is the Redis client.
		Client Client
		// KeyPrefix namespaces cache keys. Defaults to "agentcore:toolcache:".
		KeyPrefix string
	}

	// Client is the subset of the Redis client used by the cache.
	Client interface {
		Get(ctx context.Context, key string) *redis.StringCmd
		Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	}

	// Cache stores envelopes as JSON strings with native Redis expiry.
	Cache struct {
		rdb    Client
		prefix string
	}
)

var _ toolcache.Cache = (*Cache)(nil)

// New returns a Redis-backed cache.
func New(opts Options) (*Cache, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "agentcore:toolcache:"
	}
	return &Cache{rdb: opts.Client, prefix: prefix}, nil
}

// Get implements toolcache.Cache.
func (c *Cache) Get(ctx context.Context, key string) (tools.Envelope, bool, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return tools.Envelope{}, false, nil
	}
	if err != nil {
		return tools.Envelope{}, false, fmt.Errorf("load cached envelope: %w", err)
	}
	var env tools.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return tools.Envelope{}, false, fmt.Errorf("decode cached envelope: %w", err)
	}
	return env, true, nil
}

// Put implements toolcache.Cache. toolcache.Forever maps to a key without
// expiry.
func (c *Cache) Put(ctx context.Context, key string, env tools.Envelope, ttl time.Duration) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if ttl < 0 {
		ttl = toolcache.Forever
	}
	if err := c.rdb.Set(ctx, c.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("store cached envelope: %w", err)
	}
	return nil
}
