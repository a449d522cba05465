package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fjod/stockcart/internal/domain"
	"github.com/fjod/stockcart/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// OutboxRetention is how long processed outbox events are kept before pruning
	OutboxRetention = 10 * time.Minute

	// CleanupInterval is how often the background cleanup runs
	CleanupInterval = 30 * time.Second
)

type itemRow struct {
	item    domain.Item
	deleted bool
}

type lineRow struct {
	line    domain.CartLine
	deleted bool
}

type subCategory struct {
	name         string
	categoryName string
}

type outboxRow struct {
	event       repository.OutboxEvent
	processedAt time.Time
}

// MemoryStore keeps the whole cart database in process memory. Checkout transactions take
// per-row locks the same way the postgres repository does, so concurrency behaviour matches.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[int64]domain.Role
	subCategories map[int64]subCategory
	items         map[int64]*itemRow
	carts         map[int64]*domain.Cart
	lines         map[int64]*lineRow
	subs          []*domain.Subscription
	outbox        []*outboxRow

	nextCartID int64
	nextLineID int64
	nextSubID  int64

	locks       *rowLocks
	lockTimeout time.Duration

	stopCleanup chan struct{}
	wg          sync.WaitGroup
}

var (
	_ repository.Catalog           = (*MemoryStore)(nil)
	_ repository.CartStore         = (*MemoryStore)(nil)
	_ repository.SubscriptionStore = (*MemoryStore)(nil)
	_ repository.TxManager         = (*MemoryStore)(nil)
	_ repository.OutboxRepository  = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store. Lock waits longer than lockTimeout fail with
// repository.ErrLockTimeout.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = repository.DefaultLockTimeout
	}
	s := &MemoryStore{
		users:         make(map[int64]domain.Role),
		subCategories: make(map[int64]subCategory),
		items:         make(map[int64]*itemRow),
		carts:         make(map[int64]*domain.Cart),
		lines:         make(map[int64]*lineRow),
		locks:         newRowLocks(),
		lockTimeout:   lockTimeout,
		stopCleanup:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	return s
}

func (s *MemoryStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.pruneOutbox(time.Now().Add(-OutboxRetention))
		case <-s.stopCleanup:
			return
		}
	}
}

// pruneOutbox drops events processed before the cutoff
func (s *MemoryStore) pruneOutbox(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.outbox[:0]
	for _, row := range s.outbox {
		if row.processedAt.IsZero() || row.processedAt.After(cutoff) {
			kept = append(kept, row)
		}
	}
	s.outbox = kept
}

// Close stops the background cleanup and waits for it to finish
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	s.wg.Wait()
	return nil
}

func (s *MemoryStore) PutUser(id int64, role domain.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = role
}

func (s *MemoryStore) PutSubCategory(id int64, name, categoryName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subCategories[id] = subCategory{name: name, categoryName: categoryName}
}

// PutItem inserts or replaces an item, restoring it if it was deleted.
func (s *MemoryStore) PutItem(item domain.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	s.items[item.ID] = &itemRow{item: item}
}

// DeleteItem soft-deletes an item. Existing cart lines keep pointing at it.
func (s *MemoryStore) DeleteItem(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.items[id]; ok {
		row.deleted = true
	}
}

func (s *MemoryStore) FindItem(_ context.Context, id int64) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.items[id]
	if !ok || row.deleted {
		return nil, repository.ErrItemNotFound
	}
	item := row.item
	return &item, nil
}

func (s *MemoryStore) FindItems(_ context.Context, ids []int64) (map[int64]*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make(map[int64]*domain.Item, len(ids))
	for _, id := range ids {
		if row, ok := s.items[id]; ok && !row.deleted {
			item := row.item
			items[id] = &item
		}
	}
	return items, nil
}

func (s *MemoryStore) activeCart(userID int64) *domain.Cart {
	for _, cart := range s.carts {
		if cart.UserID == userID && cart.IsActive() {
			return cart
		}
	}
	return nil
}

func (s *MemoryStore) GetOrCreateActiveCart(_ context.Context, userID int64) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cart := s.activeCart(userID); cart != nil {
		c := *cart
		return &c, nil
	}

	s.nextCartID++
	now := time.Now()
	cart := &domain.Cart{
		ID:        s.nextCartID,
		UserID:    userID,
		Status:    domain.CartStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.carts[cart.ID] = cart

	c := *cart
	return &c, nil
}

func (s *MemoryStore) FindLineByItem(_ context.Context, cartID, itemID int64) (*domain.CartLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if row := s.liveLine(cartID, itemID); row != nil {
		line := row.line
		return &line, nil
	}
	return nil, repository.ErrLineNotFound
}

func (s *MemoryStore) liveLine(cartID, itemID int64) *lineRow {
	for _, row := range s.lines {
		if !row.deleted && row.line.CartID == cartID && row.line.ItemID == itemID {
			return row
		}
	}
	return nil
}

func (s *MemoryStore) FindOwnedLine(_ context.Context, userID, lineID int64) (*domain.CartLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.lines[lineID]
	if !ok || row.deleted {
		return nil, repository.ErrLineNotFound
	}
	cart := s.carts[row.line.CartID]
	if cart == nil || cart.UserID != userID || !cart.IsActive() {
		return nil, repository.ErrLineNotFound
	}
	line := row.line
	return &line, nil
}

// withCartLock holds the cart row lock for the duration of a line write, so line writes
// wait for an in-flight checkout of the same cart.
func (s *MemoryStore) withCartLock(ctx context.Context, cartID int64, fn func() error) error {
	key := cartKey(cartID)
	if err := s.locks.acquire(ctx, key, s.lockTimeout); err != nil {
		return err
	}
	defer s.locks.release(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *MemoryStore) InsertLine(ctx context.Context, line *domain.CartLine) error {
	return s.withCartLock(ctx, line.CartID, func() error {
		cart := s.carts[line.CartID]
		if cart == nil || !cart.IsActive() {
			return repository.ErrCartNotActive
		}
		if s.liveLine(line.CartID, line.ItemID) != nil {
			return repository.ErrDuplicateLine
		}

		s.nextLineID++
		now := time.Now()
		line.ID = s.nextLineID
		line.CreatedAt = now
		line.UpdatedAt = now
		s.lines[line.ID] = &lineRow{line: *line}
		return nil
	})
}

func (s *MemoryStore) lineCartID(lineID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.lines[lineID]
	if !ok || row.deleted {
		return 0, false
	}
	return row.line.CartID, true
}

// mutableLine returns the live line if its cart is still active. Callers hold s.mu.
func (s *MemoryStore) mutableLine(lineID int64) *lineRow {
	row, ok := s.lines[lineID]
	if !ok || row.deleted {
		return nil
	}
	if cart := s.carts[row.line.CartID]; cart == nil || !cart.IsActive() {
		return nil
	}
	return row
}

func (s *MemoryStore) UpdateLine(ctx context.Context, lineID int64, quantity int, price decimal.Decimal) error {
	cartID, ok := s.lineCartID(lineID)
	if !ok {
		return repository.ErrLineNotFound
	}
	return s.withCartLock(ctx, cartID, func() error {
		row := s.mutableLine(lineID)
		if row == nil {
			return repository.ErrLineNotFound
		}
		row.line.Quantity = quantity
		row.line.Price = price
		row.line.UpdatedAt = time.Now()
		return nil
	})
}

func (s *MemoryStore) DeleteLine(ctx context.Context, lineID int64) error {
	cartID, ok := s.lineCartID(lineID)
	if !ok {
		return repository.ErrLineNotFound
	}
	return s.withCartLock(ctx, cartID, func() error {
		row := s.mutableLine(lineID)
		if row == nil {
			return repository.ErrLineNotFound
		}
		row.deleted = true
		return nil
	})
}

// cartLines returns the live lines of a cart ordered by id. Callers hold s.mu.
func (s *MemoryStore) cartLines(cartID int64) []domain.CartLine {
	lines := make([]domain.CartLine, 0)
	for _, row := range s.lines {
		if !row.deleted && row.line.CartID == cartID {
			lines = append(lines, row.line)
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	return lines
}

func (s *MemoryStore) GetCartView(_ context.Context, userID int64) (*domain.CartView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cart := s.activeCart(userID)
	if cart == nil {
		return nil, repository.ErrCartNotFound
	}

	view := &domain.CartView{
		ID:        cart.ID,
		Status:    cart.Status,
		CreatedAt: cart.CreatedAt,
		Items:     make([]domain.CartLineView, 0),
	}
	for _, line := range s.cartLines(cart.ID) {
		lv := domain.CartLineView{
			ID:       line.ID,
			ItemID:   line.ItemID,
			Quantity: line.Quantity,
			Price:    line.Price,
		}
		if row, ok := s.items[line.ItemID]; ok && !row.deleted {
			lv.ItemName = row.item.Name
			lv.ItemStock = row.item.Stock
			lv.ItemBrand = row.item.Brand
			lv.ItemImage = row.item.Image
			if sc, ok := s.subCategories[row.item.SubCategoryID]; ok {
				name, category := sc.name, sc.categoryName
				lv.SubCategoryName = &name
				lv.CategoryName = &category
			}
		}
		view.Items = append(view.Items, lv)
	}
	return view, nil
}

func (s *MemoryStore) ListCheckedOut(_ context.Context, userID int64) ([]domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	carts := make([]*domain.Cart, 0)
	for _, cart := range s.carts {
		if cart.UserID == userID && cart.Status == domain.CartStatusCheckedOut {
			carts = append(carts, cart)
		}
	}
	sort.Slice(carts, func(i, j int) bool {
		if carts[i].UpdatedAt.Equal(carts[j].UpdatedAt) {
			return carts[i].ID > carts[j].ID
		}
		return carts[i].UpdatedAt.After(carts[j].UpdatedAt)
	})

	receipts := make([]domain.Receipt, 0, len(carts))
	for _, cart := range carts {
		receipt := domain.Receipt{CartID: cart.ID, UserID: userID, CheckedOutAt: cart.UpdatedAt}
		for _, line := range s.cartLines(cart.ID) {
			var name string
			if row, ok := s.items[line.ItemID]; ok {
				name = row.item.Name
			}
			receipt.AddLine(line, name)
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

func (s *MemoryStore) UpsertSubscription(_ context.Context, sub *domain.Subscription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, existing := range s.subs {
		if existing.UserID == sub.UserID && existing.Endpoint == sub.Endpoint {
			existing.P256dh = sub.P256dh
			existing.Auth = sub.Auth
			existing.UpdatedAt = now
			*sub = *existing
			return false, nil
		}
	}

	s.nextSubID++
	sub.ID = s.nextSubID
	sub.CreatedAt = now
	sub.UpdatedAt = now
	stored := *sub
	s.subs = append(s.subs, &stored)
	return true, nil
}

func (s *MemoryStore) SubscriptionsForRole(_ context.Context, role domain.Role) ([]domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := make([]domain.Subscription, 0)
	for _, sub := range s.subs {
		if s.users[sub.UserID] == role {
			subs = append(subs, *sub)
		}
	}
	return subs, nil
}

func (s *MemoryStore) GetUnprocessedEvents(_ context.Context, limit int) ([]*repository.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]*repository.OutboxEvent, 0)
	for _, row := range s.outbox {
		if len(events) == limit {
			break
		}
		if row.processedAt.IsZero() {
			event := row.event
			events = append(events, &event)
		}
	}
	return events, nil
}

func (s *MemoryStore) MarkEventAsProcessed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.outbox {
		if row.event.ID == id && row.processedAt.IsZero() {
			row.processedAt = time.Now()
			return nil
		}
	}
	return repository.ErrEventNotFound
}
