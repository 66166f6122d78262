package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/agent/toolcache"
	"goa.design/agentcore/runtime/agent/toolerrors"
	"goa.design/agentcore/runtime/agent/tools"
)

type fakeClient struct {
	mu     sync.Mutex
	values map[string][]byte
	ttls   map[string]time.Duration
	err    error
}

func newFakeClient() *fakeClient {
	return &fakeClient{values: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeClient) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeClient) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.values[key] = value.([]byte)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestCacheRoundTrip(t *testing.T) {
	rdb := newFakeClient()
	c, err := New(Options{Client: rdb})
	require.NoError(t, err)
	ctx := context.Background()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	call := tools.Call{Name: "echo", Version: "1.0.0", Input: json.RawMessage(`{"text":"hi"}`)}
	env := tools.NewSuccess(call, "call_abc", json.RawMessage(`{"text":"hi"}`), start, start.Add(time.Second))

	require.NoError(t, c.Put(ctx, "run1/call_abc", env, time.Minute))
	assert.Equal(t, time.Minute, rdb.ttls["agentcore:toolcache:run1/call_abc"])

	got, ok, err := c.Get(ctx, "run1/call_abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "call_abc", got.CallID)
	assert.JSONEq(t, `{"text":"hi"}`, string(got.Output))
	assert.True(t, got.TStart.Equal(start))
	assert.Nil(t, got.Error)
}

func TestCacheMiss(t *testing.T) {
	c, err := New(Options{Client: newFakeClient()})
	require.NoError(t, err)
	_, ok, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheForever(t *testing.T) {
	rdb := newFakeClient()
	c, err := New(Options{Client: rdb, KeyPrefix: "t:"})
	require.NoError(t, err)
	env := tools.NewSuccess(tools.Call{Name: "n", Version: "1.0.0"}, "call_1", nil, time.Now(), time.Now())
	require.NoError(t, c.Put(context.Background(), "k", env, toolcache.Forever))
	ttl, ok := rdb.ttls["t:k"]
	require.True(t, ok)
	assert.Zero(t, ttl)
}

func TestCacheBackendError(t *testing.T) {
	rdb := newFakeClient()
	rdb.err = errors.New("connection reset")
	c, err := New(Options{Client: rdb})
	require.NoError(t, err)
	_, _, err = c.Get(context.Background(), "k")
	require.Error(t, err)
	env := tools.NewFailure(tools.Call{Name: "n"}, "call_1", toolerrors.New(toolerrors.CodeTimeout, "slow"), time.Now(), time.Now())
	require.Error(t, c.Put(context.Background(), "k", env, time.Second))
}
