package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(maxItems int, maxBytes int64, ttl time.Duration) *Cache {
	c := New(Config{MaxItems: maxItems, MaxBytes: maxBytes, DefaultTTL: ttl}, nil)
	return c
}

func TestSetGetHitMiss(t *testing.T) {
	c := newTestCache(10, 10000, time.Minute)
	defer c.Close()

	_, ok, err := c.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set("a", 1, 0, 1))
	v, ok, err := c.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCapacityEviction(t *testing.T) {
	c := newTestCache(2, 10000, time.Minute)
	defer c.Close()

	require.NoError(t, c.Set("a", 1, 0, 1))
	require.NoError(t, c.Set("b", 2, 0, 1))
	require.NoError(t, c.Set("c", 3, 0, 1))

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Count, 2)
	_, ok, _ := c.Get("a")
	assert.False(t, ok, "oldest entry should have been evicted")
}

func TestLRURecency(t *testing.T) {
	c := newTestCache(2, 10000, time.Minute)
	defer c.Close()

	require.NoError(t, c.Set("a", 1, 0, 1))
	require.NoError(t, c.Set("b", 2, 0, 1))
	_, _, _ = c.Get("a") // promote a
	require.NoError(t, c.Set("c", 3, 0, 1))

	_, ok, _ := c.Get("b")
	assert.False(t, ok, "b was least recently used and should be evicted")
	_, ok, _ = c.Get("a")
	assert.True(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(10, 10000, time.Minute)
	defer c.Close()

	require.NoError(t, c.Set("a", 1, 10*time.Millisecond, 1))
	time.Sleep(30 * time.Millisecond)

	_, ok, err := c.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

func TestByteBound(t *testing.T) {
	c := newTestCache(100, 5, time.Minute)
	defer c.Close()

	require.NoError(t, c.Set("a", 1, 0, 3))
	require.NoError(t, c.Set("b", 2, 0, 3))

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Bytes, uint64(5))
}

func TestClosedCache(t *testing.T) {
	c := newTestCache(10, 1000, time.Minute)
	c.Close()

	_, _, err := c.Get("a")
	require.Error(t, err)
	err = c.Set("a", 1, 0, 1)
	require.Error(t, err)
}

func TestClear(t *testing.T) {
	c := newTestCache(10, 1000, time.Minute)
	defer c.Close()

	require.NoError(t, c.Set("a", 1, 0, 1))
	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Stats().Count)
}
