package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/stockcart/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrItemNotFound  = errors.New("item not found")
	ErrCartNotFound  = errors.New("cart not found")
	ErrLineNotFound  = errors.New("cart line not found")
	ErrCartNotActive = errors.New("cart is not active")
	ErrDuplicateLine = errors.New("cart already has a line for this item")
	ErrStockConflict = errors.New("stock changed during decrement")
	ErrLockTimeout   = errors.New("timed out waiting for row lock")
	ErrEventNotFound = errors.New("outbox event not found")
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

// Catalog resolves items for stock and price snapshots. Reads take no locks.
type Catalog interface {
	FindItem(ctx context.Context, id int64) (*domain.Item, error)
	// FindItems returns the live items among ids. Deleted or unknown ids are absent.
	FindItems(ctx context.Context, ids []int64) (map[int64]*domain.Item, error)
}

// CartStore owns carts and their lines. None of its methods lock rows.
type CartStore interface {
	GetOrCreateActiveCart(ctx context.Context, userID int64) (*domain.Cart, error)
	FindLineByItem(ctx context.Context, cartID, itemID int64) (*domain.CartLine, error)
	// FindOwnedLine returns a live line of the user's active cart.
	FindOwnedLine(ctx context.Context, userID, lineID int64) (*domain.CartLine, error)
	InsertLine(ctx context.Context, line *domain.CartLine) error
	UpdateLine(ctx context.Context, lineID int64, quantity int, price decimal.Decimal) error
	DeleteLine(ctx context.Context, lineID int64) error
	GetCartView(ctx context.Context, userID int64) (*domain.CartView, error)
	ListCheckedOut(ctx context.Context, userID int64) ([]domain.Receipt, error)
}

type SubscriptionStore interface {
	// UpsertSubscription creates the (user, endpoint) subscription or refreshes its keys.
	UpsertSubscription(ctx context.Context, sub *domain.Subscription) (created bool, err error)
	SubscriptionsForRole(ctx context.Context, role domain.Role) ([]domain.Subscription, error)
}

// CheckoutTx is the set of operations available inside a checkout transaction.
// Rows returned by the Lock methods stay locked until the transaction ends.
type CheckoutTx interface {
	LockActiveCart(ctx context.Context, userID int64) (*domain.Cart, error)
	LockItems(ctx context.Context, ids []int64) (map[int64]*domain.Item, error)
	DecrementStock(ctx context.Context, itemID int64, quantity int) (int, error)
	MarkCheckedOut(ctx context.Context, cartID int64) error
	AddOutboxEvent(ctx context.Context, event *OutboxEvent) error
}

// TxManager runs fn in a single transaction: committed when fn returns nil, rolled back otherwise.
type TxManager interface {
	WithinCheckout(ctx context.Context, fn func(ctx context.Context, tx CheckoutTx) error) error
}

type OutboxRepository interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id uuid.UUID) error
}

type OutboxEvent struct {
	ID          uuid.UUID `db:"id"`
	AggregateID string    `db:"aggregate_id"`
	EventType   string    `db:"event_type"`
	Payload     []byte    `db:"payload"`
	CreatedAt   time.Time `db:"created_at"`
}
