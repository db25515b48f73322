package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/kvstore"
)

func newTestCache(maxEntries int, ttl time.Duration) (*Cache, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(maxEntries, ttl, nil, nil)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestMakeKeyScoping(t *testing.T) {
	base := MakeKey("  Explain THIS  ", "", "chat", "")
	assert.Equal(t, "explain this|agent:chat", base)
	assert.NotEqual(t, base, MakeKey("explain this", "", "review", ""), "keys must differ per agent")
	assert.NotEqual(t, base, MakeKey("explain this", "review", "chat", ""), "keys must differ per command")
	assert.NotEqual(t, base, MakeKey("explain this", "", "chat", "m1"), "keys must differ per model")
}

func TestGetExpiredCountsAsMiss(t *testing.T) {
	c, now := newTestCache(10, time.Minute)
	c.Set("k", "v", SetOptions{})

	_, ok := c.Get("k")
	require.True(t, ok, "expected hit before expiry")

	*now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	require.False(t, ok, "expected miss after expiry")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0, stats.Size, "expired entry should be removed on read")
}

func TestEvictionPrefersColdEntries(t *testing.T) {
	c, now := newTestCache(2, time.Hour)
	c.Set("old-popular", "a", SetOptions{})
	*now = now.Add(time.Second)
	c.Set("newer-cold", "b", SetOptions{})

	// Two hits outweigh the one second of age difference.
	c.Get("old-popular")
	c.Get("old-popular")

	*now = now.Add(time.Second)
	c.Set("third", "c", SetOptions{})

	_, ok := c.Get("old-popular")
	assert.True(t, ok, "popular entry should survive eviction")
	_, ok = c.Get("newer-cold")
	assert.False(t, ok, "cold entry should have been evicted")
}

func TestInvalidateByAgent(t *testing.T) {
	c, _ := newTestCache(10, time.Hour)
	c.Set("a1", "x", SetOptions{AgentID: "chat"})
	c.Set("a2", "y", SetOptions{AgentID: "chat"})
	c.Set("b1", "z", SetOptions{AgentID: "review"})

	assert.Equal(t, 2, c.InvalidateByAgent("chat"))
	_, ok := c.Get("b1")
	assert.True(t, ok, "other agent's entry must survive")
}

func TestPruneRemovesOnlyExpired(t *testing.T) {
	c, now := newTestCache(10, time.Minute)
	c.Set("short", "a", SetOptions{})
	c.Set("long", "b", SetOptions{TTL: time.Hour})
	*now = now.Add(5 * time.Minute)

	assert.Equal(t, 1, c.Prune())
	_, ok := c.Get("long")
	assert.True(t, ok, "long-lived entry should survive prune")
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	store := kvstore.NewMemStore()
	c := New(10, time.Hour, store, nil)
	c.Set("k", "v", SetOptions{AgentID: "chat"})

	reloaded := New(10, time.Hour, store, nil)
	value, ok := reloaded.Get("k")
	require.True(t, ok, "expected persisted entry")
	assert.Equal(t, "v", value)
}

func TestHitCountsSurviveRestart(t *testing.T) {
	store := kvstore.NewMemStore()
	c := New(2, time.Hour, store, nil)
	c.Set("popular", "a", SetOptions{})
	c.Set("cold", "b", SetOptions{})
	c.Get("popular")
	c.Get("popular")

	// Eviction scores must carry across restarts, so the reloaded cache
	// still prefers evicting the entry that was never read.
	reloaded := New(2, time.Hour, store, nil)
	reloaded.Set("third", "c", SetOptions{})

	_, ok := reloaded.Get("popular")
	assert.True(t, ok, "persisted hits should keep the popular entry warm")
	_, ok = reloaded.Get("cold")
	assert.False(t, ok, "cold entry should be evicted after restart")
}

func TestClearResetsCounters(t *testing.T) {
	c, _ := newTestCache(10, time.Hour)
	c.Set("k", "v", SetOptions{})
	c.Get("k")
	c.Get("missing")
	c.Clear()

	stats := c.Stats()
	assert.Zero(t, stats.Size)
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
}
