package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CartStatus string

const (
	CartStatusActive     CartStatus = "active"
	CartStatusCheckedOut CartStatus = "checked_out"
)

func (s CartStatus) String() string {
	return string(s)
}

// Cart accepts line mutations only while it is active. A user has at most one active cart.
type Cart struct {
	ID        int64      `db:"id" json:"id"`
	UserID    int64      `db:"user_id" json:"user_id"`
	Status    CartStatus `db:"status" json:"status"`
	Lines     []CartLine `db:"-" json:"lines"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

func (c *Cart) IsActive() bool {
	return c.Status == CartStatusActive
}

// CartLine holds a snapshot of the item price taken when the line was created or its
// quantity last changed. It does not follow the live item price.
type CartLine struct {
	ID        int64           `db:"id" json:"id"`
	CartID    int64           `db:"cart_id" json:"cart_id"`
	ItemID    int64           `db:"item_id" json:"item_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	Price     decimal.Decimal `db:"price" json:"price"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

func (l CartLine) Subtotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// CartView is the read projection returned to the cart owner.
type CartView struct {
	ID        int64          `json:"id"`
	Status    CartStatus     `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	Items     []CartLineView `json:"items"`
}

type CartLineView struct {
	ID              int64           `db:"id" json:"id"`
	ItemID          int64           `db:"item_id" json:"item_id"`
	Quantity        int             `db:"quantity" json:"quantity"`
	Price           decimal.Decimal `db:"price" json:"price"`
	ItemName        string          `db:"item_name" json:"item_name"`
	ItemStock       int             `db:"item_stock" json:"item_stock"`
	ItemBrand       *string         `db:"item_brand" json:"item_brand"`
	ItemImage       *string         `db:"item_image" json:"item_image"`
	SubCategoryName *string         `db:"sub_category_name" json:"sub_category_name"`
	CategoryName    *string         `db:"category_name" json:"category_name"`
}
