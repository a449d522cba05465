package store

import (
	"context"
	"sort"
	"time"

	"github.com/fjod/stockcart/internal/domain"
	"github.com/fjod/stockcart/internal/repository"
)

// WithinCheckout runs fn against a transaction whose writes are staged and applied only when
// fn returns nil. Row locks taken inside fn are held until the transaction ends.
func (s *MemoryStore) WithinCheckout(ctx context.Context, fn func(ctx context.Context, tx repository.CheckoutTx) error) error {
	tx := &memTx{
		s:          s,
		held:       make(map[string]bool),
		decrements: make(map[int64]int),
	}
	defer tx.releaseAll()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	s     *MemoryStore
	held  map[string]bool
	order []string

	decrements map[int64]int
	checkedOut []int64
	events     []repository.OutboxEvent
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if t.held[key] {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key, t.s.lockTimeout); err != nil {
		return err
	}
	t.held[key] = true
	t.order = append(t.order, key)
	return nil
}

func (t *memTx) releaseAll() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.s.locks.release(t.order[i])
	}
	t.order = nil
	t.held = make(map[string]bool)
}

func (t *memTx) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for itemID, qty := range t.decrements {
		row := s.items[itemID]
		row.item.Stock -= qty
		row.item.UpdatedAt = now
	}
	for _, cartID := range t.checkedOut {
		cart := s.carts[cartID]
		cart.Status = domain.CartStatusCheckedOut
		cart.UpdatedAt = now
	}
	for _, event := range t.events {
		s.outbox = append(s.outbox, &outboxRow{event: event})
	}
}

func (t *memTx) LockActiveCart(ctx context.Context, userID int64) (*domain.Cart, error) {
	t.s.mu.RLock()
	cart := t.s.activeCart(userID)
	t.s.mu.RUnlock()
	if cart == nil {
		return nil, repository.ErrCartNotFound
	}

	if err := t.lock(ctx, cartKey(cart.ID)); err != nil {
		return nil, err
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	// re-check after the wait: a checkout that held the lock may have closed the cart
	if !cart.IsActive() {
		return nil, repository.ErrCartNotFound
	}
	locked := *cart
	locked.Lines = t.s.cartLines(cart.ID)
	return &locked, nil
}

func (t *memTx) LockItems(ctx context.Context, ids []int64) (map[int64]*domain.Item, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, id := range sorted {
		if err := t.lock(ctx, itemKey(id)); err != nil {
			return nil, err
		}
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	locked := make(map[int64]*domain.Item, len(sorted))
	for _, id := range sorted {
		row, ok := t.s.items[id]
		if !ok || row.deleted {
			continue
		}
		item := row.item
		item.Stock -= t.decrements[id]
		locked[id] = &item
	}
	return locked, nil
}

func (t *memTx) DecrementStock(ctx context.Context, itemID int64, quantity int) (int, error) {
	if err := t.lock(ctx, itemKey(itemID)); err != nil {
		return 0, err
	}

	t.s.mu.RLock()
	row, ok := t.s.items[itemID]
	live := ok && !row.deleted
	var current int
	if live {
		current = row.item.Stock - t.decrements[itemID]
	}
	t.s.mu.RUnlock()

	if !live || current < quantity {
		return 0, repository.ErrStockConflict
	}
	t.decrements[itemID] += quantity
	return current - quantity, nil
}

func (t *memTx) MarkCheckedOut(ctx context.Context, cartID int64) error {
	if err := t.lock(ctx, cartKey(cartID)); err != nil {
		return err
	}

	t.s.mu.RLock()
	cart := t.s.carts[cartID]
	active := cart != nil && cart.IsActive()
	t.s.mu.RUnlock()

	if !active {
		return repository.ErrCartNotActive
	}
	for _, id := range t.checkedOut {
		if id == cartID {
			return repository.ErrCartNotActive
		}
	}
	t.checkedOut = append(t.checkedOut, cartID)
	return nil
}

func (t *memTx) AddOutboxEvent(_ context.Context, event *repository.OutboxEvent) error {
	event.CreatedAt = time.Now()
	t.events = append(t.events, *event)
	return nil
}
