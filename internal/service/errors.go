package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrItemNotFound       = errors.New("item not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidQuantity    = errors.New("quantity must be at least 1")
	ErrEmptyCart          = errors.New("cart is empty, nothing to checkout")
	ErrItemMissing        = errors.New("cart references an item that no longer exists")
	ErrTransactionAborted = errors.New("checkout transaction aborted")
)

// InsufficientStockError names the item that could not be covered. It matches
// ErrInsufficientStock with errors.Is.
type InsufficientStockError struct {
	ItemID    int64  `json:"item_id"`
	ItemName  string `json:"item_name"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ItemName, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ItemMissingError matches ErrItemMissing with errors.Is.
type ItemMissingError struct {
	ItemID int64 `json:"item_id"`
}

func (e *ItemMissingError) Error() string {
	return fmt.Sprintf("item %d in cart no longer exists", e.ItemID)
}

func (e *ItemMissingError) Is(target error) bool {
	return target == ErrItemMissing
}
