package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cache stores lookup answers by Key.
type Cache interface {
	Get(ctx context.Context, key string) ([]Suggestion, bool, error)
	Set(ctx context.Context, key string, v []Suggestion) error
}

type memoryEntry struct {
	v       []Suggestion
	expires time.Time
}

// MemoryCache is an in-process TTL map.
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]Suggestion, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.ttl > 0 && c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, v []Suggestion) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{v: v, expires: c.now().Add(c.ttl)}
	return nil
}

const redisKeyFormat = "%s:lookup:%s"

// RedisCache shares answers between processes.
type RedisCache struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

func NewRedisCache(client *redis.Client, namespace string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, namespace: namespace, ttl: ttl}
}

func (c *RedisCache) key(k string) string { return fmt.Sprintf(redisKeyFormat, c.namespace, k) }

func (c *RedisCache) Get(ctx context.Context, key string) ([]Suggestion, bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup: redis get: %w", err)
	}
	var v []Suggestion
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("lookup: redis decode: %w", err)
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, v []Suggestion) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("lookup: redis encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("lookup: redis set: %w", err)
	}
	return nil
}
