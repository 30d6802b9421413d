package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultKeyPrefix separates this service's keys from other users of the
// same Redis database.
const defaultKeyPrefix = "collabauth:cache:"

// RedisFactory is a Factory backed by a shared Redis client, for
// deployments running more than one instance.
type RedisFactory struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisFactory wraps an existing Redis client. An empty keyPrefix selects
// the default "collabauth:cache:".
func NewRedisFactory(client *redis.Client, keyPrefix string) (*RedisFactory, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisFactory{client: client, keyPrefix: keyPrefix}, nil
}

// Named returns a view of the Redis database scoped to the namespace.
func (f *RedisFactory) Named(namespace string) Cache {
	return &redisCache{client: f.client, prefix: f.keyPrefix + namespace + ":"}
}

type redisCache struct {
	client *redis.Client
	prefix string
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *redisCache) Remove(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
