// Package cache implements the response cache: TTL-bounded entries keyed by
// (prompt, command, agent, model) with a blended age/popularity eviction
// score and durable snapshots through the host KV facility.
package cache

import (
	"strings"
	"sync"
	"time"

	"relay/internal/kvstore"
	"relay/internal/logging"
)

const (
	// DefaultMaxEntries bounds the cache when the host sets no limit.
	DefaultMaxEntries = 200
	// DefaultTTL is applied to entries stored without explicit options.
	DefaultTTL = 10 * time.Minute

	// hitBonus is the eviction-score credit per recorded hit. An entry with
	// one hit survives as long as an entry created a minute later with none.
	hitBonus = int64(60000)

	persistKey = "responseCache"
)

// Entry is one cached rendered response.
type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	HitCount  int       `json:"hitCount"`
	AgentID   string    `json:"agentId"`
	ModelID   string    `json:"modelId,omitempty"`
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// score is the blended eviction metric: lower means colder and older.
func (e *Entry) score() int64 {
	return e.CreatedAt.UnixMilli() + int64(e.HitCount)*hitBonus
}

// Stats is a point-in-time cache summary.
type Stats struct {
	Size           int     `json:"size"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRatePercent float64 `json:"hitRatePercent"`
}

// SetOptions overrides entry defaults.
type SetOptions struct {
	TTL     time.Duration
	AgentID string
	ModelID string
}

// Cache is the response cache. Safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	maxEntries int
	ttl        time.Duration
	hits       int64
	misses     int64
	store      kvstore.Store
	logger     logging.Logger
	now        func() time.Time
}

// New builds a cache persisting snapshots to store. store may be nil for a
// purely in-memory cache; a previous snapshot, if present, is loaded and
// still-valid entries survive the restart.
func New(maxEntries int, ttl time.Duration, store kvstore.Store, logger logging.Logger) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		entries:    make(map[string]*Entry),
		maxEntries: maxEntries,
		ttl:        ttl,
		store:      store,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
	c.load()
	return c
}

// MakeKey builds the canonical cache key. The agent id always participates so
// one agent's response can never be served for another.
func MakeKey(prompt, command, agentID, modelID string) string {
	parts := []string{strings.ToLower(strings.TrimSpace(prompt))}
	if command != "" {
		parts = append(parts, "cmd:"+command)
	}
	parts = append(parts, "agent:"+agentID)
	if modelID != "" {
		parts = append(parts, "model:"+modelID)
	}
	return strings.Join(parts, "|")
}

// Get returns the cached value for key. Expired entries are removed on read
// and count as misses.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}
	if entry.expired(c.now()) {
		delete(c.entries, key)
		c.misses++
		c.persistLocked()
		return "", false
	}
	entry.HitCount++
	c.hits++
	// Hit counts feed the eviction score, so they must survive restarts.
	c.persistLocked()
	return entry.Value, true
}

// Set stores a rendered response, evicting the coldest entry at capacity.
func (c *Cache) Set(key, value string, opts SetOptions) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictColdestLocked()
	}
	c.entries[key] = &Entry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		AgentID:   opts.AgentID,
		ModelID:   opts.ModelID,
	}
	c.persistLocked()
}

// Invalidate removes one entry.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.persistLocked()
	}
}

// InvalidateByAgent removes every entry stored for agentID and returns how
// many were dropped.
func (c *Cache) InvalidateByAgent(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for key, entry := range c.entries {
		if entry.AgentID == agentID {
			delete(c.entries, key)
			count++
		}
	}
	if count > 0 {
		c.persistLocked()
	}
	return count
}

// Clear drops everything, counters included.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.hits, c.misses = 0, 0
	c.persistLocked()
}

// Prune removes expired entries eagerly and returns the eviction count.
func (c *Cache) Prune() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
			count++
		}
	}
	if count > 0 {
		c.persistLocked()
	}
	return count
}

// Stats reports size and hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := Stats{Size: len(c.entries), Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRatePercent = float64(c.hits) / float64(total) * 100
	}
	return stats
}

func (c *Cache) evictColdestLocked() {
	var coldest string
	var coldestScore int64
	first := true
	for key, entry := range c.entries {
		s := entry.score()
		if first || s < coldestScore {
			coldest, coldestScore, first = key, s, false
		}
	}
	if coldest != "" {
		delete(c.entries, coldest)
	}
}

func (c *Cache) load() {
	if c.store == nil {
		return
	}
	var entries []*Entry
	if found, err := kvstore.GetJSON(c.store, persistKey, &entries); err != nil {
		c.logger.Warn("discarding unreadable cache snapshot: %v", err)
		return
	} else if !found {
		return
	}
	now := c.now()
	for _, entry := range entries {
		if entry != nil && !entry.expired(now) {
			c.entries[entry.Key] = entry
		}
	}
	c.logger.Debug("loaded %d cache entries", len(c.entries))
}

// persistLocked snapshots entries to the KV facility. Failures are logged and
// never roll back the in-memory state.
func (c *Cache) persistLocked() {
	if c.store == nil {
		return
	}
	entries := make([]*Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, entry)
	}
	if err := kvstore.SetJSON(c.store, persistKey, entries); err != nil {
		c.logger.Error("persist cache: %v", err)
	}
}
