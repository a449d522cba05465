package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fjod/stockcart/internal/domain"
	"github.com/fjod/stockcart/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T, lockTimeout time.Duration) *MemoryStore {
	store := NewMemoryStore(lockTimeout)
	t.Cleanup(func() { store.Close() })

	store.PutUser(1, domain.RoleUser)
	store.PutUser(9, domain.RoleAdmin)
	store.PutSubCategory(1, "Laptops", "Electronics")
	store.PutItem(domain.Item{ID: 1, Name: "Laptop", Stock: 6, Price: decimal.RequireFromString("999.99"), SubCategoryID: 1})
	store.PutItem(domain.Item{ID: 2, Name: "Mouse", Stock: 1, Price: decimal.RequireFromString("19.50"), SubCategoryID: 1})
	return store
}

func insertLine(t *testing.T, store *MemoryStore, userID, itemID int64, quantity int) *domain.CartLine {
	ctx := context.Background()
	cart, err := store.GetOrCreateActiveCart(ctx, userID)
	require.NoError(t, err)

	line := &domain.CartLine{CartID: cart.ID, ItemID: itemID, Quantity: quantity, Price: decimal.NewFromInt(10)}
	require.NoError(t, store.InsertLine(ctx, line))
	return line
}

func TestMemoryStore_FindItems(t *testing.T) {
	store := setupStore(t, time.Second)
	store.DeleteItem(2)

	items, err := store.FindItems(context.Background(), []int64{1, 2, 404})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Laptop", items[1].Name)

	// callers get copies
	items[1].Stock = 0
	again, err := store.FindItem(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 6, again.Stock)
}

func TestMemoryStore_GetOrCreateActiveCart(t *testing.T) {
	store := setupStore(t, time.Second)
	ctx := context.Background()

	first, err := store.GetOrCreateActiveCart(ctx, 1)
	require.NoError(t, err)
	second, err := store.GetOrCreateActiveCart(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.IsActive())
}

func TestMemoryStore_Lines(t *testing.T) {
	store := setupStore(t, time.Second)
	ctx := context.Background()

	line := insertLine(t, store, 1, 1, 2)
	assert.NotZero(t, line.ID)

	err := store.InsertLine(ctx, &domain.CartLine{CartID: line.CartID, ItemID: 1, Quantity: 1})
	assert.ErrorIs(t, err, repository.ErrDuplicateLine)

	_, err = store.FindOwnedLine(ctx, 2, line.ID)
	assert.ErrorIs(t, err, repository.ErrLineNotFound)

	require.NoError(t, store.UpdateLine(ctx, line.ID, 5, decimal.NewFromInt(12)))
	owned, err := store.FindOwnedLine(ctx, 1, line.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, owned.Quantity)
	assert.True(t, decimal.NewFromInt(12).Equal(owned.Price))

	require.NoError(t, store.DeleteLine(ctx, line.ID))
	_, err = store.FindLineByItem(ctx, line.CartID, 1)
	assert.ErrorIs(t, err, repository.ErrLineNotFound)
	assert.ErrorIs(t, store.DeleteLine(ctx, line.ID), repository.ErrLineNotFound)
}

func TestMemoryStore_GetCartView(t *testing.T) {
	store := setupStore(t, time.Second)
	ctx := context.Background()

	_, err := store.GetCartView(ctx, 1)
	assert.ErrorIs(t, err, repository.ErrCartNotFound)

	insertLine(t, store, 1, 2, 1)
	insertLine(t, store, 1, 1, 3)

	view, err := store.GetCartView(ctx, 1)
	require.NoError(t, err)
	require.Len(t, view.Items, 2)
	assert.Equal(t, int64(2), view.Items[0].ItemID)
	assert.Equal(t, "Mouse", view.Items[0].ItemName)
	require.NotNil(t, view.Items[1].CategoryName)
	assert.Equal(t, "Electronics", *view.Items[1].CategoryName)
}

func TestMemoryStore_CheckoutCommit(t *testing.T) {
	store := setupStore(t, time.Second)
	ctx := context.Background()
	insertLine(t, store, 1, 1, 2)

	eventID := uuid.New()
	err := store.WithinCheckout(ctx, func(ctx context.Context, tx repository.CheckoutTx) error {
		cart, err := tx.LockActiveCart(ctx, 1)
		require.NoError(t, err)
		require.Len(t, cart.Lines, 1)

		items, err := tx.LockItems(ctx, []int64{1})
		require.NoError(t, err)
		assert.Equal(t, 6, items[1].Stock)

		stock, err := tx.DecrementStock(ctx, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, 4, stock)

		// staged writes are invisible outside the transaction
		item, err := store.FindItem(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 6, item.Stock)

		require.NoError(t, tx.MarkCheckedOut(ctx, cart.ID))
		return tx.AddOutboxEvent(ctx, &repository.OutboxEvent{ID: eventID, EventType: "cart.checked_out"})
	})
	require.NoError(t, err)

	item, err := store.FindItem(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, item.Stock)

	receipts, err := store.ListCheckedOut(ctx, 1)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.True(t, decimal.NewFromInt(20).Equal(receipts[0].Total))

	events, err := store.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventID, events[0].ID)
}

func TestMemoryStore_CheckoutRollback(t *testing.T) {
	store := setupStore(t, time.Second)
	ctx := context.Background()
	insertLine(t, store, 1, 1, 2)

	err := store.WithinCheckout(ctx, func(ctx context.Context, tx repository.CheckoutTx) error {
		if _, err := tx.DecrementStock(ctx, 1, 2); err != nil {
			return err
		}
		_, err := tx.DecrementStock(ctx, 2, 5)
		return err
	})
	assert.ErrorIs(t, err, repository.ErrStockConflict)

	item, err := store.FindItem(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, item.Stock)

	view, err := store.GetCartView(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, view.Items, 1)
}

func TestMemoryStore_LockTimeout(t *testing.T) {
	store := setupStore(t, 50*time.Millisecond)
	ctx := context.Background()

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithinCheckout(ctx, func(ctx context.Context, tx repository.CheckoutTx) error {
			if _, err := tx.LockItems(ctx, []int64{1}); err != nil {
				return err
			}
			close(holding)
			<-release
			return nil
		})
	}()

	<-holding
	err := store.WithinCheckout(ctx, func(ctx context.Context, tx repository.CheckoutTx) error {
		_, err := tx.LockItems(ctx, []int64{1})
		return err
	})
	assert.ErrorIs(t, err, repository.ErrLockTimeout)

	close(release)
	require.NoError(t, <-done)

	// lock is free again
	err = store.WithinCheckout(ctx, func(ctx context.Context, tx repository.CheckoutTx) error {
		_, err := tx.LockItems(ctx, []int64{1})
		return err
	})
	assert.NoError(t, err)
}

func TestMemoryStore_LineWriteWaitsForCheckout(t *testing.T) {
	store := setupStore(t, time.Second)
	ctx := context.Background()
	line := insertLine(t, store, 1, 1, 1)

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithinCheckout(ctx, func(ctx context.Context, tx repository.CheckoutTx) error {
			cart, err := tx.LockActiveCart(ctx, 1)
			if err != nil {
				return err
			}
			close(holding)
			<-release
			return tx.MarkCheckedOut(ctx, cart.ID)
		})
	}()

	<-holding
	updated := make(chan error, 1)
	go func() { updated <- store.UpdateLine(ctx, line.ID, 3, decimal.NewFromInt(10)) }()

	select {
	case err := <-updated:
		t.Fatalf("update finished while the cart was locked: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	assert.ErrorIs(t, <-updated, repository.ErrLineNotFound)
}

func TestMemoryStore_ConcurrentDecrements(t *testing.T) {
	store := setupStore(t, time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	successCount := 0
	var mu sync.Mutex

	// 6 units of stock, 10 buyers of 2 units: only 3 succeed
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithinCheckout(ctx, func(ctx context.Context, tx repository.CheckoutTx) error {
				_, err := tx.DecrementStock(ctx, 1, 2)
				return err
			})
			if err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 3, successCount)

	item, err := store.FindItem(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, item.Stock)
}

func TestMemoryStore_Subscriptions(t *testing.T) {
	store := setupStore(t, time.Second)
	ctx := context.Background()

	sub := &domain.Subscription{UserID: 9, Endpoint: "https://push.example.com/a", P256dh: "k1", Auth: "a1"}
	created, err := store.UpsertSubscription(ctx, sub)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.UpsertSubscription(ctx, &domain.Subscription{UserID: 9, Endpoint: sub.Endpoint, P256dh: "k2", Auth: "a2"})
	require.NoError(t, err)
	assert.False(t, created)

	_, err = store.UpsertSubscription(ctx, &domain.Subscription{UserID: 1, Endpoint: "https://push.example.com/b", P256dh: "k", Auth: "a"})
	require.NoError(t, err)

	admins, err := store.SubscriptionsForRole(ctx, domain.RoleAdmin)
	require.NoError(t, err)
	require.Len(t, admins, 1)
	assert.Equal(t, "k2", admins[0].P256dh)
}

func TestMemoryStore_OutboxPrune(t *testing.T) {
	store := setupStore(t, time.Second)
	ctx := context.Background()

	ids := []uuid.UUID{uuid.New(), uuid.New()}
	err := store.WithinCheckout(ctx, func(ctx context.Context, tx repository.CheckoutTx) error {
		for _, id := range ids {
			if err := tx.AddOutboxEvent(ctx, &repository.OutboxEvent{ID: id}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.MarkEventAsProcessed(ctx, ids[0]))
	assert.ErrorIs(t, store.MarkEventAsProcessed(ctx, ids[0]), repository.ErrEventNotFound)

	store.pruneOutbox(time.Now().Add(time.Second))

	store.mu.RLock()
	assert.Len(t, store.outbox, 1)
	store.mu.RUnlock()

	events, err := store.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ids[1], events[0].ID)
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	data := `{
		"users": [{"id": 9, "role": "admin"}],
		"sub_categories": [{"id": 1, "name": "Laptops", "category": "Electronics"}],
		"items": [{"id": 1, "name": "Laptop", "stock": 3, "price": "10.50", "sub_category_id": 1}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	seed, err := LoadSeedFile(path)
	require.NoError(t, err)

	store := NewMemoryStore(time.Second)
	t.Cleanup(func() { store.Close() })
	store.Apply(seed)

	item, err := store.FindItem(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, item.Stock)
	assert.True(t, decimal.RequireFromString("10.50").Equal(item.Price))

	require.NoError(t, os.WriteFile(path, []byte(`{"users": [{"id": 1, "role": "root"}]}`), 0o600))
	_, err = LoadSeedFile(path)
	assert.Error(t, err)
}

func TestLoadSeedFile_Bundled(t *testing.T) {
	seed, err := LoadSeedFile(filepath.Join("..", "..", "configs", "seed.json"))
	require.NoError(t, err)

	store := NewMemoryStore(time.Second)
	t.Cleanup(func() { store.Close() })
	store.Apply(seed)

	subs, err := store.SubscriptionsForRole(context.Background(), domain.RoleAdmin)
	require.NoError(t, err)
	assert.Empty(t, subs)

	cart, err := store.GetOrCreateActiveCart(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, cart.IsActive())

	item, err := store.FindItem(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "Mouse", item.Name)
	assert.Equal(t, 1, item.Stock)
}
