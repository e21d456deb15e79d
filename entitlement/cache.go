package entitlement

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrCacheMiss is returned by caches that hold no entry for a key.
var ErrCacheMiss = errors.New("entitlement: cache miss")

// Cache holds resolved sets keyed by the subscription state they were
// derived from. Entries never go stale in content because a new
// subscription version always produces a new key.
type Cache interface {
	Get(ctx context.Context, key Key) (*Set, error)
	Put(ctx context.Context, set *Set) error
	// Invalidate drops every entry for a customer.
	Invalidate(ctx context.Context, customerID string) error
}

// DefaultCacheSize bounds an LRUCache created with a non-positive size.
const DefaultCacheSize = 10000

// LRUCache is an in-process Cache bounded by entry count and TTL.
type LRUCache struct {
	cache *lru.LRU[Key, *Set]
}

// NewLRUCache creates an LRUCache. A zero ttl keeps entries until evicted.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &LRUCache{cache: lru.NewLRU[Key, *Set](size, nil, ttl)}
}

func (c *LRUCache) Get(_ context.Context, key Key) (*Set, error) {
	set, ok := c.cache.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return set, nil
}

func (c *LRUCache) Put(_ context.Context, set *Set) error {
	c.cache.Add(set.Key(), set)
	return nil
}

func (c *LRUCache) Invalidate(_ context.Context, customerID string) error {
	for _, key := range c.cache.Keys() {
		if key.CustomerID == customerID {
			c.cache.Remove(key)
		}
	}
	return nil
}

// Len returns the number of cached sets.
func (c *LRUCache) Len() int { return c.cache.Len() }
