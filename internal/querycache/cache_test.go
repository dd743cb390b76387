package querycache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGetRoundTrip(t *testing.T) {
	c := New(10, time.Minute)
	defer c.Close()

	c.Set("AAPL:historical:1d", 42)
	v, ok := c.Get("AAPL:historical:1d")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestCache_MissOnUnknownKey(t *testing.T) {
	c := New(10, time.Minute)
	defer c.Close()

	_, ok := c.Get("nope")
	assert.False(t, ok)
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	c := New(10, 5*time.Millisecond)
	defer c.Close()

	c.Set("k", "v")
	time.Sleep(20 * time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCache_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	c := New(2, time.Minute)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	// Touch "a" so "b" becomes the least-recently-used entry.
	_, _ = c.Get("a")
	c.Set("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")

	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestCache_ZeroMaxSizeDisablesCaching(t *testing.T) {
	c := New(0, time.Minute)
	defer c.Close()

	c.Set("k", "v")
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCache_InvalidateSymbolDropsOnlyThatSymbol(t *testing.T) {
	c := New(10, time.Minute)
	defer c.Close()

	c.Set("AAPL:historical:1d:1:2:false", "a")
	c.Set("MSFT:historical:1d:1:2:false", "m")
	c.InvalidateSymbol("AAPL")

	_, ok := c.Get("AAPL:historical:1d:1:2:false")
	assert.False(t, ok)
	_, ok = c.Get("MSFT:historical:1d:1:2:false")
	assert.True(t, ok)
}

func TestCache_StatsTracksHitsAndMisses(t *testing.T) {
	c := New(10, time.Minute)
	defer c.Close()

	c.Set("k", "v")
	c.Get("k")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}
