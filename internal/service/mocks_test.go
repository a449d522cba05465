package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fjod/stockcart/internal/cache"
	"github.com/fjod/stockcart/internal/domain"
	"github.com/fjod/stockcart/internal/repository"
	"github.com/fjod/stockcart/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type mockCache struct {
	m       sync.RWMutex
	views   map[int64]*domain.CartView
	err     error
	gets    int
	deletes int
}

func newMockCache() *mockCache {
	return &mockCache{views: make(map[int64]*domain.CartView)}
}

func (m *mockCache) Get(_ context.Context, userID int64) (*domain.CartView, error) {
	m.m.Lock()
	defer m.m.Unlock()
	m.gets++
	if m.err != nil {
		return nil, m.err
	}
	view, ok := m.views[userID]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return view, nil
}

func (m *mockCache) Set(_ context.Context, userID int64, view *domain.CartView) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return m.err
	}
	m.views[userID] = view
	return nil
}

func (m *mockCache) Delete(_ context.Context, userID int64) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.deletes++
	delete(m.views, userID)
	return m.err
}

func (m *mockCache) cached(userID int64) bool {
	m.m.RLock()
	defer m.m.RUnlock()
	_, ok := m.views[userID]
	return ok
}

type recordingNotifier struct {
	m        sync.Mutex
	payloads []domain.AlertPayload
	roles    []domain.Role
}

func (n *recordingNotifier) Notify(role domain.Role, payload domain.AlertPayload) {
	n.m.Lock()
	defer n.m.Unlock()
	n.roles = append(n.roles, role)
	n.payloads = append(n.payloads, payload)
}

func (n *recordingNotifier) sent() []domain.AlertPayload {
	n.m.Lock()
	defer n.m.Unlock()
	return append([]domain.AlertPayload(nil), n.payloads...)
}

// failingTx wraps a real transaction and fails the chosen step.
type failingTx struct {
	repository.CheckoutTx
	failMarkCheckedOut error
}

func (f *failingTx) MarkCheckedOut(ctx context.Context, cartID int64) error {
	if f.failMarkCheckedOut != nil {
		return f.failMarkCheckedOut
	}
	return f.CheckoutTx.MarkCheckedOut(ctx, cartID)
}

type failingTxManager struct {
	inner repository.TxManager
	err   error
}

func (f *failingTxManager) WithinCheckout(ctx context.Context, fn func(ctx context.Context, tx repository.CheckoutTx) error) error {
	return f.inner.WithinCheckout(ctx, func(ctx context.Context, tx repository.CheckoutTx) error {
		return fn(ctx, &failingTx{CheckoutTx: tx, failMarkCheckedOut: f.err})
	})
}

type fixture struct {
	store    *store.MemoryStore
	cache    *mockCache
	notifier *recordingNotifier
	carts    *CartService
	checkout *CheckoutService
}

func newFixture(t *testing.T) *fixture {
	s := store.NewMemoryStore(time.Second)
	t.Cleanup(func() { s.Close() })

	s.PutUser(1, domain.RoleUser)
	s.PutUser(2, domain.RoleUser)
	s.PutUser(9, domain.RoleAdmin)
	s.PutSubCategory(1, "Laptops", "Electronics")

	c := newMockCache()
	n := &recordingNotifier{}
	log := zap.NewNop()
	return &fixture{
		store:    s,
		cache:    c,
		notifier: n,
		carts:    NewCartService(s, s, c, log),
		checkout: NewCheckoutService(s, c, n, log),
	}
}

func (f *fixture) putItem(id int64, name string, stock int, price string) {
	f.store.PutItem(domain.Item{
		ID:            id,
		Name:          name,
		Stock:         stock,
		Price:         decimal.RequireFromString(price),
		SubCategoryID: 1,
	})
}
