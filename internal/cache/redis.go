package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/fjod/stockcart/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultTTL = 15 * time.Minute

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client:  client,
		baseTTL: defaultTTL,
	}
}

type RedisCache struct {
	client  *redis.Client
	baseTTL time.Duration
}

func (r *RedisCache) Get(ctx context.Context, userID int64) (*domain.CartView, error) {
	data, err := r.client.Get(ctx, cacheKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var view domain.CartView
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("unmarshal cart view failed: %w", err)
	}
	return &view, nil
}

// Set stores the view with a jittered TTL so entries written together do not expire together.
func (r *RedisCache) Set(ctx context.Context, userID int64, view *domain.CartView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal cart view failed: %w", err)
	}

	jitter := time.Duration(rand.Intn(5)) * time.Minute
	if err := r.client.Set(ctx, cacheKey(userID), data, r.baseTTL+jitter).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, userID int64) error {
	if err := r.client.Del(ctx, cacheKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func cacheKey(userID int64) string {
	return fmt.Sprintf("cart:%d", userID)
}
