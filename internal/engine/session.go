package engine

import (
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const maxTrackedSessions = 10000

// ShownCache remembers the last properties shown to each lead so repeated
// searches can flag them. Entries expire ttl after the last update.
type ShownCache struct {
	mu    sync.Mutex
	lru   *expirable.LRU[string, []string]
	limit int
}

// NewShownCache keeps up to perPhone property ids per lead for ttl.
func NewShownCache(perPhone int, ttl time.Duration) *ShownCache {
	return &ShownCache{
		lru:   expirable.NewLRU[string, []string](maxTrackedSessions, nil, ttl),
		limit: perPhone,
	}
}

// Shown returns the property ids shown to phone, oldest first.
func (c *ShownCache) Shown(phone string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, _ := c.lru.Get(phone)
	return slices.Clone(ids)
}

// Add records ids as shown to phone, keeping the newest perPhone ids.
func (c *ShownCache) Add(phone string, ids ...string) {
	if len(ids) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, _ := c.lru.Get(phone)
	merged := slices.Clone(existing)
	for _, id := range ids {
		if !slices.Contains(merged, id) {
			merged = append(merged, id)
		}
	}
	if len(merged) > c.limit {
		merged = merged[len(merged)-c.limit:]
	}
	c.lru.Add(phone, merged)
}

// Clear forgets phone.
func (c *ShownCache) Clear(phone string) {
	c.lru.Remove(phone)
}
