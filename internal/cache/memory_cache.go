package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"footprint-service/internal/entity"
)

// memoryCache is the in-process fallback used when Redis is unreachable at
// startup. Same contract, bounded by an LRU so a long-lived process cannot
// grow without limit.
type memoryCache struct {
	lru *lru.Cache[string, entity.FootprintResult]
}

func NewMemoryCache(size int) (Cache, error) {
	if size <= 0 {
		size = 1024
	}
	l, err := lru.New[string, entity.FootprintResult](size)
	if err != nil {
		return nil, err
	}
	return &memoryCache{lru: l}, nil
}

func (c *memoryCache) Get(_ context.Context, key string) (*entity.FootprintResult, bool, error) {
	res, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	return &res, true, nil
}

func (c *memoryCache) Put(_ context.Context, key string, res entity.FootprintResult) error {
	c.lru.Add(key, res)
	return nil
}
