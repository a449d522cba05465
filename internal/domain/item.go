package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item is a catalog entry whose Stock is the authoritative available quantity.
// Stock is only ever decremented by checkout.
type Item struct {
	ID            int64           `db:"id" json:"id"`
	Name          string          `db:"name" json:"name"`
	Stock         int             `db:"stock" json:"stock"`
	Price         decimal.Decimal `db:"price" json:"price"`
	Brand         *string         `db:"brand" json:"brand,omitempty"`
	Image         *string         `db:"image" json:"image,omitempty"`
	SubCategoryID int64           `db:"sub_category_id" json:"sub_category_id"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// HasStock reports whether quantity units can be taken from the current stock snapshot.
func (i Item) HasStock(quantity int) bool {
	return quantity <= i.Stock
}
