package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fjod/stockcart/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// WithinCheckout runs fn inside a transaction whose lock waits are bounded by the
// repository lock timeout. Lock wait failures surface as ErrLockTimeout.
func (r *Repository) WithinCheckout(ctx context.Context, fn func(ctx context.Context, tx CheckoutTx) error) error {
	return r.withLockTimeout(ctx, func(tx *sqlx.Tx) error {
		return fn(ctx, &pgCheckoutTx{tx: tx})
	})
}

// withLockTimeout runs fn in a transaction whose lock waits give up after the repository
// lock timeout. Cart line writes use it too, so a write queued behind a checkout fails with
// ErrLockTimeout instead of waiting out the request.
func (r *Repository) withLockTimeout(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	// SET LOCAL does not accept bind parameters
	setTimeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, setTimeout); err != nil {
		return errors.Join(fmt.Errorf("set lock timeout: %w", err), rollback(tx))
	}

	if err := fn(tx); err != nil {
		return errors.Join(classifyError(err), rollback(tx))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", classifyError(err))
	}
	return nil
}

func rollback(tx *sqlx.Tx) error {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

type pgCheckoutTx struct {
	tx *sqlx.Tx
}

// LockActiveCart locks the user's active cart row. A concurrent checkout of the same cart
// waits here and then finds no active cart once the first one commits.
func (t *pgCheckoutTx) LockActiveCart(ctx context.Context, userID int64) (*domain.Cart, error) {
	var cart domain.Cart
	err := t.tx.GetContext(ctx, &cart, selectActiveCart+` FOR UPDATE`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock active cart: %w", classifyError(err))
	}

	query := `SELECT ` + lineColumns + ` FROM cart_items
	          WHERE cart_id = $1 AND deleted_at IS NULL
	          ORDER BY id`
	if err := t.tx.SelectContext(ctx, &cart.Lines, query, cart.ID); err != nil {
		return nil, fmt.Errorf("query cart lines: %w", err)
	}
	return &cart, nil
}

// LockItems takes FOR UPDATE locks in ascending id order so that overlapping checkouts
// always queue in the same order. Missing or deleted items are absent from the result.
func (t *pgCheckoutTx) LockItems(ctx context.Context, ids []int64) (map[int64]*domain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items
	          WHERE id = ANY($1) AND deleted_at IS NULL
	          ORDER BY id
	          FOR UPDATE`

	var items []domain.Item
	if err := t.tx.SelectContext(ctx, &items, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("lock items: %w", classifyError(err))
	}

	locked := make(map[int64]*domain.Item, len(items))
	for i := range items {
		locked[items[i].ID] = &items[i]
	}
	return locked, nil
}

func (t *pgCheckoutTx) DecrementStock(ctx context.Context, itemID int64, quantity int) (int, error) {
	query := `UPDATE items SET stock = stock - $2, updated_at = NOW()
	          WHERE id = $1 AND stock >= $2 AND deleted_at IS NULL
	          RETURNING stock`

	var stock int
	err := t.tx.QueryRowxContext(ctx, query, itemID, quantity).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrStockConflict
	}
	if err != nil {
		return 0, fmt.Errorf("decrement stock of item %d: %w", itemID, classifyError(err))
	}
	return stock, nil
}

func (t *pgCheckoutTx) MarkCheckedOut(ctx context.Context, cartID int64) error {
	query := `UPDATE carts SET status = 'checked_out', updated_at = NOW()
	          WHERE id = $1 AND status = 'active'`

	res, err := t.tx.ExecContext(ctx, query, cartID)
	if err != nil {
		return fmt.Errorf("mark cart checked out: %w", err)
	}
	return expectAffected(res, ErrCartNotActive)
}

func (t *pgCheckoutTx) AddOutboxEvent(ctx context.Context, event *OutboxEvent) error {
	query := `INSERT INTO outbox_events (id, aggregate_id, event_type, payload, created_at)
	          VALUES ($1, $2, $3, $4, NOW())
	          RETURNING created_at`

	err := t.tx.QueryRowxContext(ctx, query, event.ID, event.AggregateID, event.EventType, event.Payload).
		Scan(&event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}
