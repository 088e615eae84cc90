package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// cachedSnapshot is the value stored per document key in Redis.
type cachedSnapshot struct {
	State   []byte `json:"state"`
	Version int64  `json:"version"`
}

// Cache is a write-through Redis cache in front of a durable Store. Cache
// misses and Redis failures fall back to the inner store; a cache that is
// down never blocks a save from reaching the database.
type Cache struct {
	inner  Store
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCache connects to Redis and wraps inner.
func NewCache(redisURL string, inner Store, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Cache{inner: inner, client: client, prefix: "snap:", ttl: ttl}, nil
}

// NewCacheWithClient wraps inner using an existing Redis client.
func NewCacheWithClient(client *redis.Client, inner Store, ttl time.Duration) *Cache {
	return &Cache{inner: inner, client: client, prefix: "snap:", ttl: ttl}
}

func (c *Cache) key(docID string) string {
	return c.prefix + docID
}

func (c *Cache) Load(ctx context.Context, docID string) ([]byte, int64, error) {
	raw, err := c.client.Get(ctx, c.key(docID)).Bytes()
	if err == nil {
		var cached cachedSnapshot
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached.State, cached.Version, nil
		}
		log.Printf("WARNING: corrupt snapshot cache entry for %s, falling back", docID)
	} else if err != redis.Nil {
		log.Printf("WARNING: snapshot cache read for %s failed: %v", docID, err)
	}

	blob, version, err := c.inner.Load(ctx, docID)
	if err != nil {
		return nil, 0, err
	}
	c.fill(ctx, docID, blob, version)
	return blob, version, nil
}

func (c *Cache) Save(ctx context.Context, docID string, blob []byte, version int64) error {
	if err := c.inner.Save(ctx, docID, blob, version); err != nil {
		return err
	}
	c.fill(ctx, docID, blob, version)
	return nil
}

func (c *Cache) fill(ctx context.Context, docID string, blob []byte, version int64) {
	raw, err := json.Marshal(cachedSnapshot{State: blob, Version: version})
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(docID), raw, c.ttl).Err(); err != nil {
		log.Printf("WARNING: snapshot cache write for %s failed: %v", docID, err)
	}
}

func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return c.inner.Ping(ctx)
}

// Close releases the Redis connection. The inner store is left open.
func (c *Cache) Close() error {
	return c.client.Close()
}
