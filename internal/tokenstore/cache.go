// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package tokenstore

import (
	"sync"
	"time"
)

// cacheFloorTTL is the minimum time a cached record stays resident, even
// when its token expires sooner. A just-expired record is still useful:
// it carries the refresh token the lifecycle manager needs.
const cacheFloorTTL = 60 * time.Second

type cacheEntry struct {
	record   *TokenRecord
	evictAt  time.Time
}

// Cache is the in-memory tier of the token hierarchy. Entries expire at
// max(60s, token expiry); an evicted entry simply falls through to the
// persistent tier on the next Get.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	now     func() time.Time
}

// NewCache creates an empty cache tier.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// Get returns a cached record, or nil when absent or evicted.
func (c *Cache) Get(userID string) *TokenRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[userID]
	if !ok {
		return nil
	}
	if c.now().After(entry.evictAt) {
		delete(c.entries, userID)
		return nil
	}
	return entry.record.Clone()
}

// Put caches a record with TTL = max(60s, time until token expiry).
func (c *Cache) Put(record *TokenRecord) {
	if record == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ttl := record.ExpiresAt.Sub(now)
	if ttl < cacheFloorTTL {
		ttl = cacheFloorTTL
	}
	c.entries[record.UserID] = &cacheEntry{
		record:  record.Clone(),
		evictAt: now.Add(ttl),
	}
}

// Delete evicts a user's record.
func (c *Cache) Delete(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

// Purge evicts everything. Used after restore and key rotation, when
// cached plaintext may no longer match the persistent tier.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Len returns the number of resident entries, counting ones past their
// eviction time that have not been touched since.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
