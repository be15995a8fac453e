package main

import (
	"context"
	"sync"
	"time"
)

type contextEntry struct {
	content   string
	fetchedAt time.Time
}

// ContextCache provides thread-safe caching of fetched external context keyed by source
type ContextCache struct {
	mu      sync.RWMutex
	entries map[string]contextEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewContextCache creates a new context cache with the specified TTL
func NewContextCache(ttl time.Duration) *ContextCache {
	return &ContextCache{
		entries: make(map[string]contextEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get retrieves content from cache if not expired. An expired entry is dropped.
// Returns the content and a boolean indicating if the cache hit was successful
func (c *ContextCache) Get(source string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[source]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}

	if c.expired(entry) {
		c.mu.Lock()
		// Another caller may have refreshed it in between
		if current, ok := c.entries[source]; ok && c.expired(current) {
			delete(c.entries, source)
		}
		c.mu.Unlock()
		return "", false
	}

	return entry.content, true
}

func (c *ContextCache) expired(entry contextEntry) bool {
	return c.now().Sub(entry.fetchedAt) > c.ttl
}

// Set stores content for a source
func (c *ContextCache) Set(source, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[source] = contextEntry{content: content, fetchedAt: c.now()}
}

// FetchedAt returns when a source was last stored
func (c *ContextCache) FetchedAt(source string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[source]
	return entry.fetchedAt, ok
}

// Prune removes expired entries and returns how many were dropped
func (c *ContextCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for source, entry := range c.entries {
		if c.expired(entry) {
			delete(c.entries, source)
			removed++
		}
	}
	return removed
}

// StartJanitor prunes expired entries every interval until ctx is done
func (c *ContextCache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Prune()
			}
		}
	}()
}

// TTL returns how long entries stay fresh
func (c *ContextCache) TTL() time.Duration {
	return c.ttl
}

// Clear removes all entries from the cache
func (c *ContextCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]contextEntry)
}

// Size returns the number of entries in the cache
func (c *ContextCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}
