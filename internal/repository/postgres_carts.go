package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/stockcart/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const (
	cartColumns = `id, user_id, status, created_at, updated_at`
	lineColumns = `id, cart_id, item_id, quantity, price, created_at, updated_at`

	// carts_one_active_per_user backs this conflict target.
	insertActiveCart = `INSERT INTO carts (user_id, status) VALUES ($1, 'active')
	          ON CONFLICT (user_id) WHERE status = 'active' AND deleted_at IS NULL DO NOTHING
	          RETURNING ` + cartColumns
	selectActiveCart = `SELECT ` + cartColumns + ` FROM carts
	          WHERE user_id = $1 AND status = 'active' AND deleted_at IS NULL`

	getOrCreateAttempts = 3
)

// GetOrCreateActiveCart inserts an active cart for the user or returns the existing one.
// A concurrent insert for the same user loses on the unique index and reads the winner's row.
func (r *Repository) GetOrCreateActiveCart(ctx context.Context, userID int64) (*domain.Cart, error) {
	for attempt := 0; attempt < getOrCreateAttempts; attempt++ {
		var cart domain.Cart
		err := r.db.GetContext(ctx, &cart, insertActiveCart, userID)
		if err == nil {
			return &cart, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("insert active cart: %w", err)
		}

		err = r.db.GetContext(ctx, &cart, selectActiveCart, userID)
		if err == nil {
			return &cart, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("query active cart: %w", err)
		}
		// the conflicting cart was checked out between the two statements
	}
	return nil, fmt.Errorf("get or create active cart for user %d: %w", userID, ErrCartNotFound)
}

func (r *Repository) FindLineByItem(ctx context.Context, cartID, itemID int64) (*domain.CartLine, error) {
	query := `SELECT ` + lineColumns + ` FROM cart_items
	          WHERE cart_id = $1 AND item_id = $2 AND deleted_at IS NULL`

	var line domain.CartLine
	err := r.db.GetContext(ctx, &line, query, cartID, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query line by item: %w", err)
	}
	return &line, nil
}

func (r *Repository) FindOwnedLine(ctx context.Context, userID, lineID int64) (*domain.CartLine, error) {
	query := `SELECT ci.id, ci.cart_id, ci.item_id, ci.quantity, ci.price, ci.created_at, ci.updated_at
	          FROM cart_items ci
	          JOIN carts c ON c.id = ci.cart_id
	          WHERE ci.id = $1 AND c.user_id = $2 AND c.status = 'active'
	            AND ci.deleted_at IS NULL AND c.deleted_at IS NULL`

	var line domain.CartLine
	err := r.db.GetContext(ctx, &line, query, lineID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query owned line: %w", err)
	}
	return &line, nil
}

// Line writes share-lock the owning cart row, so they queue behind a checkout of the same
// cart and then observe it as no longer active. The wait is bounded by the lock timeout.
const lockActiveCartForShare = `SELECT 1 FROM carts c
	          WHERE c.id = %s AND c.status = 'active' AND c.deleted_at IS NULL
	          FOR SHARE`

// InsertLine only writes into an active cart.
func (r *Repository) InsertLine(ctx context.Context, line *domain.CartLine) error {
	query := `INSERT INTO cart_items (cart_id, item_id, quantity, price)
	          SELECT $1, $2, $3, $4
	          WHERE EXISTS (` + fmt.Sprintf(lockActiveCartForShare, "$1") + `)
	          RETURNING id, created_at, updated_at`

	return r.withLockTimeout(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, query, line.CartID, line.ItemID, line.Quantity, line.Price).
			Scan(&line.ID, &line.CreatedAt, &line.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCartNotActive
		}
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateLine
			}
			return fmt.Errorf("insert cart line: %w", err)
		}
		return nil
	})
}

func (r *Repository) UpdateLine(ctx context.Context, lineID int64, quantity int, price decimal.Decimal) error {
	query := `UPDATE cart_items SET quantity = $2, price = $3, updated_at = NOW()
	          WHERE id = $1 AND deleted_at IS NULL
	            AND EXISTS (` + fmt.Sprintf(lockActiveCartForShare, "cart_items.cart_id") + `)`

	return r.withLockTimeout(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query, lineID, quantity, price)
		if err != nil {
			return fmt.Errorf("update cart line: %w", err)
		}
		return expectAffected(res, ErrLineNotFound)
	})
}

// DeleteLine soft-deletes the line.
func (r *Repository) DeleteLine(ctx context.Context, lineID int64) error {
	query := `UPDATE cart_items SET deleted_at = NOW()
	          WHERE id = $1 AND deleted_at IS NULL
	            AND EXISTS (` + fmt.Sprintf(lockActiveCartForShare, "cart_items.cart_id") + `)`

	return r.withLockTimeout(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query, lineID)
		if err != nil {
			return fmt.Errorf("delete cart line: %w", err)
		}
		return expectAffected(res, ErrLineNotFound)
	})
}

func (r *Repository) GetCartView(ctx context.Context, userID int64) (*domain.CartView, error) {
	var cart domain.Cart
	err := r.db.GetContext(ctx, &cart, selectActiveCart, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query active cart: %w", err)
	}

	query := `SELECT ci.id, ci.item_id, ci.quantity, ci.price,
	                 COALESCE(i.name, '') AS item_name,
	                 COALESCE(i.stock, 0) AS item_stock,
	                 i.brand AS item_brand,
	                 i.image AS item_image,
	                 sc.name AS sub_category_name,
	                 c.name AS category_name
	          FROM cart_items ci
	          LEFT JOIN items i ON i.id = ci.item_id AND i.deleted_at IS NULL
	          LEFT JOIN sub_categories sc ON sc.id = i.sub_category_id AND sc.deleted_at IS NULL
	          LEFT JOIN categories c ON c.id = sc.category_id AND c.deleted_at IS NULL
	          WHERE ci.cart_id = $1 AND ci.deleted_at IS NULL
	          ORDER BY ci.id`

	lines := make([]domain.CartLineView, 0)
	if err := r.db.SelectContext(ctx, &lines, query, cart.ID); err != nil {
		return nil, fmt.Errorf("query cart lines: %w", err)
	}

	return &domain.CartView{
		ID:        cart.ID,
		Status:    cart.Status,
		CreatedAt: cart.CreatedAt,
		Items:     lines,
	}, nil
}

type checkedOutLineRow struct {
	CartID       int64           `db:"cart_id"`
	CheckedOutAt time.Time       `db:"checked_out_at"`
	ItemID       int64           `db:"item_id"`
	ItemName     string          `db:"item_name"`
	Quantity     int             `db:"quantity"`
	Price        decimal.Decimal `db:"price"`
}

// ListCheckedOut rebuilds receipts for the user's checked out carts, newest first.
func (r *Repository) ListCheckedOut(ctx context.Context, userID int64) ([]domain.Receipt, error) {
	query := `SELECT c.id AS cart_id, c.updated_at AS checked_out_at, ci.item_id,
	                 COALESCE(i.name, '') AS item_name, ci.quantity, ci.price
	          FROM carts c
	          JOIN cart_items ci ON ci.cart_id = c.id AND ci.deleted_at IS NULL
	          LEFT JOIN items i ON i.id = ci.item_id
	          WHERE c.user_id = $1 AND c.status = 'checked_out' AND c.deleted_at IS NULL
	          ORDER BY c.updated_at DESC, c.id DESC, ci.id`

	var rows []checkedOutLineRow
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("query checked out carts: %w", err)
	}

	receipts := make([]domain.Receipt, 0)
	for _, row := range rows {
		if len(receipts) == 0 || receipts[len(receipts)-1].CartID != row.CartID {
			receipts = append(receipts, domain.Receipt{
				CartID:       row.CartID,
				UserID:       userID,
				CheckedOutAt: row.CheckedOutAt,
			})
		}
		receipts[len(receipts)-1].AddLine(domain.CartLine{
			CartID:   row.CartID,
			ItemID:   row.ItemID,
			Quantity: row.Quantity,
			Price:    row.Price,
		}, row.ItemName)
	}
	return receipts, nil
}

func expectAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
