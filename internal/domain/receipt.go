package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReceiptLine struct {
	ItemID    int64           `json:"item_id"`
	ItemName  string          `json:"item_name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// Receipt is the result of a committed checkout.
type Receipt struct {
	CartID       int64           `json:"cart_id"`
	UserID       int64           `json:"user_id"`
	Lines        []ReceiptLine   `json:"lines"`
	Total        decimal.Decimal `json:"total"`
	CheckedOutAt time.Time       `json:"checked_out_at"`
}

// AddLine appends a line priced at its snapshot price and updates the total.
func (r *Receipt) AddLine(line CartLine, itemName string) {
	subtotal := line.Subtotal()
	r.Lines = append(r.Lines, ReceiptLine{
		ItemID:    line.ItemID,
		ItemName:  itemName,
		Quantity:  line.Quantity,
		UnitPrice: line.Price,
		Subtotal:  subtotal,
	})
	r.Total = r.Total.Add(subtotal)
}
