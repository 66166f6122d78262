// Package redis implements blob.Store on top of Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/agentcore/runtime/agent/blob"
)

// Scheme prefixes URLs produced by Store.
const Scheme = "redis-blob://"

// DefaultTTL bounds how long blobs survive when Options.TTL is zero.
const DefaultTTL = 24 * time.Hour

type (
	// Options configures the store.
	Options struct {
		// Client is the Redis client.
		Client Client
		// KeyPrefix namespaces blob keys. Defaults to "agentcore:blob:".
		KeyPrefix string
		// TTL is the blob expiry. Defaults to DefaultTTL.
		TTL time.Duration
	}

	// Client is the subset of the Redis client used by the store.
	Client interface {
		HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
		HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
		Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	}

	// Store is a content-addressed blob store backed by Redis hashes.
	Store struct {
		rdb    Client
		prefix string
		ttl    time.Duration
	}
)

var _ blob.Store = (*Store)(nil)
var _ blob.Reader = (*Store)(nil)

// New returns a store using the given options.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "agentcore:blob:"
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: opts.Client, prefix: prefix, ttl: ttl}, nil
}

// Put stores data under its digest and returns its URL.
func (s *Store) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	d := blob.Digest(data)
	key := s.prefix + d
	if err := s.rdb.HSet(ctx, key, "data", data, "content_type", contentType).Err(); err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}
	if err := s.rdb.Expire(ctx, key, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("expire blob: %w", err)
	}
	return Scheme + d, nil
}

// Get returns the blob stored at url.
func (s *Store) Get(ctx context.Context, url string) ([]byte, string, error) {
	d, ok := strings.CutPrefix(url, Scheme)
	if !ok {
		return nil, "", blob.ErrNotFound
	}
	fields, err := s.rdb.HGetAll(ctx, s.prefix+d).Result()
	if err != nil {
		return nil, "", fmt.Errorf("load blob: %w", err)
	}
	data, ok := fields["data"]
	if !ok {
		return nil, "", blob.ErrNotFound
	}
	return []byte(data), fields["content_type"], nil
}
