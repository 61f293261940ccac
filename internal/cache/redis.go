package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vinylpress/presale/domain"
)

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client:  client,
		baseTTL: 30 * time.Second,
	}
}

type RedisCache struct {
	client  *redis.Client
	baseTTL time.Duration
}

func (r *RedisCache) Get(ctx context.Context, productID int64) (*domain.PresaleThreshold, error) {
	data, err := r.client.Get(ctx, cacheKey(productID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var threshold domain.PresaleThreshold
	if e2 := json.Unmarshal(data, &threshold); e2 != nil {
		return nil, fmt.Errorf("unmarshal threshold failed: %w", e2)
	}
	return &threshold, nil
}

func (r *RedisCache) Set(ctx context.Context, threshold *domain.PresaleThreshold) error {
	data, err := json.Marshal(threshold)
	if err != nil {
		return fmt.Errorf("marshal threshold failed: %w", err)
	}

	// Jitter keeps a popular presale from expiring all at once.
	jitter := time.Duration(rand.Intn(10)) * time.Second
	if err := r.client.Set(ctx, cacheKey(threshold.ProductID), data, r.baseTTL+jitter).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, productID int64) error {
	if err := r.client.Del(ctx, cacheKey(productID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func cacheKey(productID int64) string {
	return fmt.Sprintf("threshold:%d", productID)
}
