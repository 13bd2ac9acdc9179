package ledger

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const cacheKeyPrefix = "ledger:op:"

// Cache remembers recently applied operation ids in redis so retried webhooks
// and double-clicked admin actions can be recognized as replays without
// contending on the account locks. The store stays authoritative: a cache miss
// or a stale entry only costs the slow path, never correctness.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache wraps a redis client. A non-positive ttl defaults to 24 hours,
// comfortably past any gateway's retry window.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{client: client, ttl: ttl}
}

// Seen reports whether the operation id was marked applied recently. Redis
// errors read as "not seen".
func (c *Cache) Seen(ctx context.Context, opID string) bool {
	n, err := c.client.Exists(ctx, cacheKeyPrefix+opID).Result()
	return err == nil && n > 0
}

// Mark records an applied operation id. Failures are ignored; the store's own
// replay detection covers for an unmarked id.
func (c *Cache) Mark(ctx context.Context, opID string) {
	c.client.Set(ctx, cacheKeyPrefix+opID, 1, c.ttl)
}
