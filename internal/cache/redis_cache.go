package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"bookshop/pos/internal/domain"
)

const keyPrefix = "pos:availability:"

type RedisAvailabilityCache struct {
	client *redis.Client
}

func NewRedisAvailabilityCache(addr string, password string, db int) *RedisAvailabilityCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisAvailabilityCache{client: client}
}

func (c *RedisAvailabilityCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisAvailabilityCache) Close() error {
	return c.client.Close()
}

func (c *RedisAvailabilityCache) Get(ctx context.Context, key string) (domain.AvailabilityRecord, bool, error) {
	val, err := c.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return domain.AvailabilityRecord{}, false, nil
	}
	if err != nil {
		return domain.AvailabilityRecord{}, false, err
	}

	var rec domain.AvailabilityRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return domain.AvailabilityRecord{}, false, err
	}
	return rec, true, nil
}

func (c *RedisAvailabilityCache) Set(ctx context.Context, key string, value domain.AvailabilityRecord, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+key, payload, ttl).Err()
}

func (c *RedisAvailabilityCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = keyPrefix + key
	}
	return c.client.Del(ctx, prefixed...).Err()
}
