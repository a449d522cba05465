package cache

import (
	"context"
	"errors"

	"github.com/fjod/stockcart/internal/domain"
)

// CartCache holds read projections of active carts keyed by owner.
type CartCache interface {
	Get(ctx context.Context, userID int64) (*domain.CartView, error)
	Set(ctx context.Context, userID int64, view *domain.CartView) error
	Delete(ctx context.Context, userID int64) error
}

var ErrCacheMiss = errors.New("cache miss")

// NoopCache always misses. Used when no redis is configured.
type NoopCache struct{}

func (NoopCache) Get(context.Context, int64) (*domain.CartView, error) {
	return nil, ErrCacheMiss
}

func (NoopCache) Set(context.Context, int64, *domain.CartView) error {
	return nil
}

func (NoopCache) Delete(context.Context, int64) error {
	return nil
}
