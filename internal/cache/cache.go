// Package cache stores model catalogs fetched from provider APIs so repeated
// lookups within the TTL skip the network. It supports an in-memory backend
// (single instance) and a Redis backend (shared between instances).
package cache

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 300 * time.Second

// ModelCache defines the interface for model catalog backends.
type ModelCache interface {
	Get(ctx context.Context, key string) ([]string, bool)
	Set(ctx context.Context, key string, models []string) error
	Clear(ctx context.Context) error
}

// Key identifies a catalog by the first 8 characters of the credential and
// the endpoint it was fetched from.
func Key(credential, endpoint string) string {
	prefix := credential
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return prefix + "_" + endpoint
}

type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
	ttl   time.Duration
	now   func() time.Time
}

type cacheItem struct {
	models    []string
	fetchedAt time.Time
}

func NewInMemoryCache(ttl time.Duration) *InMemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &InMemoryCache{
		items: make(map[string]cacheItem),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get returns a copy of the cached list while its age is below the TTL.
// Expired entries are left in place and overwritten by the next Set.
func (c *InMemoryCache) Get(_ context.Context, key string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}

	if c.now().Sub(item.fetchedAt) >= c.ttl {
		return nil, false
	}

	return slices.Clone(item.models), true
}

func (c *InMemoryCache) Set(_ context.Context, key string, models []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = cacheItem{
		models:    slices.Clone(models),
		fetchedAt: c.now(),
	}
	return nil
}

func (c *InMemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]cacheItem)
	return nil
}

func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

const redisKeyPrefix = "models:"

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]string, bool) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		return nil, false
	}

	var models []string
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, false
	}

	return models, true
}

func (c *RedisCache) Set(ctx context.Context, key string, models []string) error {
	data, err := json.Marshal(models)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, redisKeyPrefix+key, data, c.ttl).Err()
}

// Clear deletes every catalog under the models: namespace.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}

	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
