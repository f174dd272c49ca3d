package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "idem"}
}

func (c *RedisCache) redisKey(namespace, key string) string {
	return c.prefix + ":" + namespace + ":" + key
}

func (c *RedisCache) Lookup(ctx context.Context, namespace, key string) (*Result, error) {
	raw, err := c.client.Get(ctx, c.redisKey(namespace, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *RedisCache) Store(ctx context.Context, namespace, key string, result Result, ttl time.Duration) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.redisKey(namespace, key), raw, ttl).Err()
}

type memoryEntry struct {
	result    Result
	expiresAt time.Time
}

// MemoryCache is an in-process Cache. Expired entries are dropped on read.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Lookup(ctx context.Context, namespace, key string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := namespace + ":" + key
	e, ok := c.entries[k]
	if !ok {
		return nil, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, k)
		return nil, nil
	}
	res := e.result
	res.Body = append([]byte(nil), e.result.Body...)
	return &res, nil
}

func (c *MemoryCache) Store(ctx context.Context, namespace, key string, result Result, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	result.Body = append([]byte(nil), result.Body...)
	c.entries[namespace+":"+key] = memoryEntry{result: result, expiresAt: c.now().Add(ttl)}
	return nil
}
