// Package sessioncache provides a bounded, TTL-checked in-process cache
// for resolved session key material, avoiding a store round trip (and the
// unwrap cost) on every request for an already-validated bearer token.
package sessioncache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize and DefaultTTL bound the cache per the resource model: at
// most 1024 entries, each valid for at most 10 seconds before a fresh
// store lookup is forced.
const (
	DefaultSize = 1024
	DefaultTTL  = 10 * time.Second
)

// Entry is the cached, already-unwrapped key material for a session.
type Entry struct {
	DataKey   []byte
	UserID    string
	expiresAt time.Time
}

// Cache is a size-bounded LRU with a read-time TTL check. The underlying
// LRU library has no native TTL support, so expiry is enforced by
// checking expiresAt on Get and evicting stale entries there.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, Entry]
	ttl   time.Duration
}

// New constructs a Cache holding at most size entries, each valid for ttl.
func New(size int, ttl time.Duration) (*Cache, error) {
	l, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, ttl: ttl}, nil
}

// Get returns the cached entry for tokenHash if present and unexpired.
func (c *Cache) Get(tokenHash string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lru.Get(tokenHash)
	if !ok {
		return Entry{}, false
	}
	if time.Now().After(entry.expiresAt) {
		c.lru.Remove(tokenHash)
		return Entry{}, false
	}
	return entry, true
}

// Put stores dataKey/userID for tokenHash, valid for the cache's TTL.
func (c *Cache) Put(tokenHash string, dataKey []byte, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(tokenHash, Entry{
		DataKey:   dataKey,
		UserID:    userID,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Invalidate removes tokenHash from the cache. Nothing in this module
// calls it: keyring.ChangePassword deletes session rows but leaves cached
// entries to expire by TTL.
func (c *Cache) Invalidate(tokenHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(tokenHash)
}
