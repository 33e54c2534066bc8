package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"footprint-service/internal/entity"
)

type redisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) Cache {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &redisCache{rdb: rdb, ttl: ttl}
}

func (c *redisCache) Get(ctx context.Context, key string) (*entity.FootprintResult, bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var res entity.FootprintResult
	if err := json.Unmarshal(b, &res); err != nil {
		// corrupt entry: treat as miss, it will be overwritten
		return nil, false, nil
	}
	return &res, true, nil
}

func (c *redisCache) Put(ctx context.Context, key string, res entity.FootprintResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, c.ttl).Err()
}
