// Package redis provides a Redis-backed entitlement cache shared by every
// replica of a service. Entries are JSON-encoded sets under keys derived
// from (customer, lineage, version); a per-customer index set makes
// invalidation a single round trip without SCAN.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/xraph/entitle/entitlement"
)

// DefaultPrefix namespaces every key the cache writes.
const DefaultPrefix = "entitle:ent"

var _ entitlement.Cache = (*Cache)(nil)

// Cache implements entitlement.Cache on Redis.
type Cache struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(c *Cache) { c.prefix = prefix }
}

// WithTTL bounds how long an entry lives. Zero keeps entries until
// invalidated.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// New wraps an existing client.
func New(client *goredis.Client, opts ...Option) *Cache {
	c := &Cache{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to the Redis server at url and verifies it answers.
func Dial(ctx context.Context, url string, opts ...Option) (*Cache, error) {
	ropts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("entitle/redis: invalid url: %w", err)
	}
	ropts.DialTimeout = 5 * time.Second
	ropts.ReadTimeout = 3 * time.Second
	ropts.WriteTimeout = 3 * time.Second

	client := goredis.NewClient(ropts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("entitle/redis: connect: %w", err)
	}
	return New(client, opts...), nil
}

// Client returns the underlying client, e.g. to share it with a
// notify.RedisSink.
func (c *Cache) Client() *goredis.Client { return c.client }

func (c *Cache) Get(ctx context.Context, key entitlement.Key) (*entitlement.Set, error) {
	data, err := c.client.Get(ctx, c.entryKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, entitlement.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("entitle/redis: get: %w", err)
	}

	var set entitlement.Set
	if err := json.Unmarshal(data, &set); err != nil {
		// Corrupt entries are dropped and treated as a miss.
		c.client.Del(ctx, c.entryKey(key))
		return nil, entitlement.ErrCacheMiss
	}
	return &set, nil
}

func (c *Cache) Put(ctx context.Context, set *entitlement.Set) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("entitle/redis: marshal set: %w", err)
	}

	entry := c.entryKey(set.Key())
	index := c.indexKey(set.CustomerID)
	_, err = c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, entry, data, c.ttl)
		pipe.SAdd(ctx, index, entry)
		if c.ttl > 0 {
			pipe.Expire(ctx, index, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("entitle/redis: put: %w", err)
	}
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, customerID string) error {
	index := c.indexKey(customerID)
	entries, err := c.client.SMembers(ctx, index).Result()
	if err != nil {
		return fmt.Errorf("entitle/redis: invalidate: %w", err)
	}
	if err := c.client.Del(ctx, append(entries, index)...).Err(); err != nil {
		return fmt.Errorf("entitle/redis: invalidate: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (c *Cache) Close() error { return c.client.Close() }

func (c *Cache) entryKey(k entitlement.Key) string {
	return c.prefix + ":" + k.CustomerID + ":" + k.Lineage + ":" + strconv.FormatInt(k.Version, 10)
}

func (c *Cache) indexKey(customerID string) string {
	return c.prefix + ":" + customerID + ":keys"
}
