// Package cache is the Redis-backed response cache for deterministic
// query modes. Every failure is treated as a miss so the pipeline never
// depends on Redis availability.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache wraps a Redis client with miss-on-error semantics.
type Cache struct {
	client  *redis.Client
	ttl     time.Duration
	enabled bool
}

// New creates a cache against addr. A zero ttl disables expiry.
func New(addr string, ttl time.Duration, enabled bool) *Cache {
	var client *redis.Client
	if enabled {
		client = redis.NewClient(&redis.Options{
			Addr:         addr,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		})
	}
	return &Cache{client: client, ttl: ttl, enabled: enabled}
}

// Key derives the cache key from the query mode and its knobs. The hash
// keeps arbitrary user text out of the keyspace.
func Key(mode, query string, maxTokens int, temperature float64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%.3f", mode, query, maxTokens, temperature)))
	return "conclave:response:" + hex.EncodeToString(sum[:16])
}

// Get returns the cached response and whether it was found. Errors are
// logged and reported as misses.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if !c.enabled {
		return "", false
	}
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		log.Warn().Err(err).Msg("Cache read failed, treating as miss")
		return "", false
	}
	return val, true
}

// Set stores a response under key. Failures are logged and dropped.
func (c *Cache) Set(ctx context.Context, key, value string) {
	if !c.enabled {
		return
	}
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("Cache write failed")
	}
}

// Ping checks backend liveness for the topology health loop.
func (c *Cache) Ping(ctx context.Context) error {
	if !c.enabled {
		return fmt.Errorf("cache disabled")
	}
	return c.client.Ping(ctx).Err()
}

// Enabled reports whether the cache is configured at all.
func (c *Cache) Enabled() bool { return c.enabled }

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
