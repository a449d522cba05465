package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fjod/stockcart/internal/cache"
	"github.com/fjod/stockcart/internal/domain"
	"github.com/fjod/stockcart/internal/logger"
	"github.com/fjod/stockcart/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// addAttempts bounds the retries of AddItem when a concurrent request for the same user
// created the line or closed the cart between our read and our write.
const addAttempts = 3

// CartService mutates carts without taking locks. Stock checks here are advisory and
// checkout re-validates everything.
type CartService struct {
	catalog repository.Catalog
	carts   repository.CartStore
	cache   cache.CartCache
	log     *zap.Logger
	sfg     singleflight.Group // Prevents cache stampede
}

func NewCartService(catalog repository.Catalog, carts repository.CartStore, cartCache cache.CartCache, log *zap.Logger) *CartService {
	return &CartService{
		catalog: catalog,
		carts:   carts,
		cache:   cartCache,
		log:     log,
	}
}

func (s *CartService) GetOrCreateActiveCart(ctx context.Context, userID int64) (*domain.Cart, error) {
	cart, err := s.carts.GetOrCreateActiveCart(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get or create active cart: %w", err)
	}
	return cart, nil
}

// AddItem creates a line for the item at its current price, or merges quantity into the
// existing line and refreshes its price snapshot.
func (s *CartService) AddItem(ctx context.Context, userID, itemID int64, quantity int) (*domain.CartLine, error) {
	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}

	item, err := s.findItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < addAttempts; attempt++ {
		cart, err := s.GetOrCreateActiveCart(ctx, userID)
		if err != nil {
			return nil, err
		}

		line, err := s.carts.FindLineByItem(ctx, cart.ID, itemID)
		switch {
		case err == nil:
			merged := line.Quantity + quantity
			if !item.HasStock(merged) {
				return nil, insufficientStock(item, merged)
			}
			err = s.carts.UpdateLine(ctx, line.ID, merged, item.Price)
			if errors.Is(err, repository.ErrLineNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("merge cart line: %w", err)
			}
			line.Quantity = merged
			line.Price = item.Price
			s.invalidate(ctx, userID)
			return line, nil

		case errors.Is(err, repository.ErrLineNotFound):
			if !item.HasStock(quantity) {
				return nil, insufficientStock(item, quantity)
			}
			line = &domain.CartLine{CartID: cart.ID, ItemID: itemID, Quantity: quantity, Price: item.Price}
			err = s.carts.InsertLine(ctx, line)
			if errors.Is(err, repository.ErrDuplicateLine) || errors.Is(err, repository.ErrCartNotActive) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("insert cart line: %w", err)
			}
			s.invalidate(ctx, userID)
			return line, nil

		default:
			return nil, fmt.Errorf("find cart line: %w", err)
		}
	}

	return nil, fmt.Errorf("add item %d for user %d: cart kept changing", itemID, userID)
}

// UpdateLine sets the quantity of an owned line and refreshes its price snapshot.
func (s *CartService) UpdateLine(ctx context.Context, userID, lineID int64, quantity int) (*domain.CartLine, error) {
	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}

	line, err := s.findOwnedLine(ctx, userID, lineID)
	if err != nil {
		return nil, err
	}

	item, err := s.findItem(ctx, line.ItemID)
	if err != nil {
		return nil, err
	}
	if !item.HasStock(quantity) {
		return nil, insufficientStock(item, quantity)
	}

	err = s.carts.UpdateLine(ctx, line.ID, quantity, item.Price)
	if errors.Is(err, repository.ErrLineNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update cart line: %w", err)
	}

	line.Quantity = quantity
	line.Price = item.Price
	s.invalidate(ctx, userID)
	return line, nil
}

func (s *CartService) RemoveLine(ctx context.Context, userID, lineID int64) error {
	line, err := s.findOwnedLine(ctx, userID, lineID)
	if err != nil {
		return err
	}

	err = s.carts.DeleteLine(ctx, line.ID)
	if errors.Is(err, repository.ErrLineNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete cart line: %w", err)
	}

	s.invalidate(ctx, userID)
	return nil
}

// GetCart returns the enriched active cart, or nil when the user has none.
func (s *CartService) GetCart(ctx context.Context, userID int64) (*domain.CartView, error) {
	v, err, _ := s.sfg.Do(strconv.FormatInt(userID, 10), func() (interface{}, error) {
		view, err := s.cache.Get(ctx, userID)
		if err == nil {
			return s.refreshItems(ctx, view)
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			logger.FromContext(ctx, s.log).Warn("cache get failed", zap.Int64("user_id", userID), zap.Error(err))
		}

		view, err = s.carts.GetCartView(ctx, userID)
		if errors.Is(err, repository.ErrCartNotFound) {
			return (*domain.CartView)(nil), nil
		}
		if err != nil {
			return nil, fmt.Errorf("load cart view: %w", err)
		}

		if err := s.cache.Set(ctx, userID, view); err != nil {
			logger.FromContext(ctx, s.log).Warn("cache set failed", zap.Int64("user_id", userID), zap.Error(err))
		}
		return view, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*domain.CartView), nil
}

// refreshItems overlays live item data on a cached view. Only the cart's lines and their
// price snapshots come from the cache; stock moves with every checkout of any user.
func (s *CartService) refreshItems(ctx context.Context, cached *domain.CartView) (*domain.CartView, error) {
	ids := make([]int64, 0, len(cached.Items))
	for _, line := range cached.Items {
		ids = append(ids, line.ItemID)
	}
	items, err := s.catalog.FindItems(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("refresh cart items: %w", err)
	}

	view := *cached
	view.Items = make([]domain.CartLineView, len(cached.Items))
	for i, line := range cached.Items {
		item, ok := items[line.ItemID]
		if !ok {
			// deleted items read like the store's left join
			line.ItemName, line.ItemStock = "", 0
			line.ItemBrand, line.ItemImage = nil, nil
			line.SubCategoryName, line.CategoryName = nil, nil
		} else {
			line.ItemName = item.Name
			line.ItemStock = item.Stock
			line.ItemBrand = item.Brand
			line.ItemImage = item.Image
		}
		view.Items[i] = line
	}
	return &view, nil
}

// OrderHistory lists receipts of the user's checked out carts, newest first.
func (s *CartService) OrderHistory(ctx context.Context, userID int64) ([]domain.Receipt, error) {
	receipts, err := s.carts.ListCheckedOut(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list checked out carts: %w", err)
	}
	return receipts, nil
}

func (s *CartService) findItem(ctx context.Context, itemID int64) (*domain.Item, error) {
	item, err := s.catalog.FindItem(ctx, itemID)
	if errors.Is(err, repository.ErrItemNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find item: %w", err)
	}
	return item, nil
}

func (s *CartService) findOwnedLine(ctx context.Context, userID, lineID int64) (*domain.CartLine, error) {
	line, err := s.carts.FindOwnedLine(ctx, userID, lineID)
	if errors.Is(err, repository.ErrLineNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find cart line: %w", err)
	}
	return line, nil
}

func (s *CartService) invalidate(ctx context.Context, userID int64) {
	invalidateCache(ctx, s.cache, s.log, userID)
}

func insufficientStock(item *domain.Item, requested int) error {
	return &InsufficientStockError{
		ItemID:    item.ID,
		ItemName:  item.Name,
		Requested: requested,
		Available: item.Stock,
	}
}

// invalidateCache drops the cached view. Failures are logged; the entry then expires on its TTL.
func invalidateCache(ctx context.Context, c cache.CartCache, log *zap.Logger, userID int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := c.Delete(ctx, userID); err != nil {
		logger.FromContext(ctx, log).Warn("cache invalidate failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}
