package toolcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/agent/tools"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func envelope(id string) tools.Envelope {
	call := tools.Call{Name: "echo", Version: "1.0.0", Input: json.RawMessage(`{"msg":"hi"}`)}
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	return tools.NewSuccess(call, id, json.RawMessage(`{"msg":"hi"}`), t0, t0.Add(time.Millisecond))
}

func TestMemoryCacheTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c, err := NewMemoryCache(WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", envelope("call_1"), time.Minute))
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "call_1", got.CallID)

	clock.Advance(time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entries expire at their deadline")
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCacheForever(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c, err := NewMemoryCache(WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", envelope("call_1"), Forever))
	clock.Advance(24 * 365 * time.Hour)
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryCacheIsolatesStoredValue(t *testing.T) {
	c, err := NewMemoryCache()
	require.NoError(t, err)
	ctx := context.Background()

	env := envelope("call_1")
	require.NoError(t, c.Put(ctx, "k", env, Forever))
	env.Output[0] = 'X'

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"msg":"hi"}`, string(got.Output))
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewMemoryCache(WithMaxEntries(2))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a", envelope("a"), Forever))
	require.NoError(t, c.Put(ctx, "b", envelope("b"), Forever))
	_, _, _ = c.Get(ctx, "a")
	require.NoError(t, c.Put(ctx, "c", envelope("c"), Forever))

	_, ok, _ := c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "a")
	assert.True(t, ok)
}

func TestMemoryCacheConcurrentAccess(t *testing.T) {
	c, err := NewMemoryCache()
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			_ = c.Put(ctx, key, envelope(key), time.Minute)
			_, _, _ = c.Get(ctx, key)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, c.Len())
}

func TestNewMemoryCacheRejectsInvalidSize(t *testing.T) {
	_, err := NewMemoryCache(WithMaxEntries(0))
	assert.Error(t, err)
}
