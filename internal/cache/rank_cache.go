// Package cache stores ranked listing pages in Redis so hot category pages do
// not re-rank on every request.
//
// Keys embed the category, the ranking date and a generation number. Any
// change that can affect ranking (ad status, promotion, deletion) bumps the
// generation, which orphans every cached page at once; orphans expire with
// their TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbourn/go-market-backend/internal/ranking"
)

const (
	keyPrefix     = "market:rank"
	generationKey = keyPrefix + ":gen"
	dialTimeout   = 5 * time.Second
)

// RedisRankCache implements the services rank cache on top of go-redis.
type RedisRankCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRankCache connects to addr and verifies the connection with PING.
func NewRedisRankCache(ctx context.Context, addr string, ttl time.Duration) (*RedisRankCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(dialCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisRankCacheFromClient(client, ttl), nil
}

// NewRedisRankCacheFromClient wraps an existing client.
func NewRedisRankCacheFromClient(client *redis.Client, ttl time.Duration) *RedisRankCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisRankCache{client: client, ttl: ttl}
}

// Key builds the cache key of one ranked listing.
func Key(generation int64, categoryID, date string) string {
	if categoryID == "" {
		categoryID = "*"
	}
	return fmt.Sprintf("%s:%d:%s:%s", keyPrefix, generation, date, categoryID)
}

func (c *RedisRankCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Get returns the cached ranking for (category, date) and the generation it
// looked in. ok is false on a miss; pass gen to Set when filling it.
func (c *RedisRankCache) Get(ctx context.Context, categoryID, date string) (entries []ranking.Entry, gen int64, ok bool, err error) {
	gen, err = c.generation(ctx)
	if err != nil {
		return nil, 0, false, err
	}
	data, err := c.client.Get(ctx, Key(gen, categoryID, date)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gen, false, nil
	}
	if err != nil {
		return nil, gen, false, err
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, gen, false, err
	}
	return entries, gen, true, nil
}

// Set stores entries under generation gen. When Invalidate ran since the
// matching Get the key is already unreachable and simply expires.
func (c *RedisRankCache) Set(ctx context.Context, gen int64, categoryID, date string, entries []ranking.Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, Key(gen, categoryID, date), data, c.ttl).Err()
}

// Invalidate bumps the generation so every cached page becomes unreachable.
func (c *RedisRankCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, generationKey).Err()
}

// Close releases the underlying client.
func (c *RedisRankCache) Close() error {
	return c.client.Close()
}
