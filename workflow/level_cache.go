package workflow

import "sync"

// LevelCache memoizes BuildLevels per definition version.
// Definitions are immutable once stored, so a cached partition never goes stale.
type LevelCache struct {
	mu      sync.RWMutex
	entries map[string][]ExecutionLevel
	order   []string
	max     int

	hits   uint64
	misses uint64
}

// NewLevelCache creates a cache holding at most maxEntries partitions.
func NewLevelCache(maxEntries int) *LevelCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &LevelCache{
		entries: make(map[string][]ExecutionLevel),
		max:     maxEntries,
	}
}

// Levels returns the cached partition for def, computing it on a miss.
// Validation errors are not cached.
func (c *LevelCache) Levels(def *Definition) ([]ExecutionLevel, error) {
	key := def.CacheKey()

	c.mu.RLock()
	levels, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return levels, nil
	}

	levels, err := BuildLevels(def)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.misses++
	if existing, ok := c.entries[key]; ok {
		return existing, nil
	}
	if len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = levels
	c.order = append(c.order, key)
	return levels, nil
}

// Invalidate drops every cached version whose key starts with id@.
func (c *LevelCache) Invalidate(id string) {
	prefix := id + "@"
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.order[:0]
	for _, k := range c.order {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
}

// Stats returns hit and miss counts.
func (c *LevelCache) Stats() (hits, misses uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

// Len returns the number of cached partitions.
func (c *LevelCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
