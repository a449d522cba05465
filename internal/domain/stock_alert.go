package domain

import (
	"encoding/json"
	"fmt"
)

// LowStockThreshold is the highest stock level that still counts as low.
const LowStockThreshold = 5

type StockAlertKind string

const (
	StockAlertOutOfStock StockAlertKind = "OUT OF STOCK"
	StockAlertLowStock   StockAlertKind = "LOW STOCK"
)

// StockAlert describes a threshold crossing caused by a single decrement.
type StockAlert struct {
	Kind     StockAlertKind
	ItemID   int64
	ItemName string
	Previous int
	Current  int
}

// AlertPayload is the push message body sent to subscribers.
type AlertPayload struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// EvaluateStockAlert returns the alert produced by moving an item from previous to current
// stock. Reaching zero is always out of stock; landing in (0, LowStockThreshold] is low stock
// only when previous was above the threshold.
func EvaluateStockAlert(itemID int64, itemName string, previous, current int) (StockAlert, bool) {
	alert := StockAlert{ItemID: itemID, ItemName: itemName, Previous: previous, Current: current}
	switch {
	case current == 0 && previous > 0:
		alert.Kind = StockAlertOutOfStock
	case current > 0 && current <= LowStockThreshold && previous > LowStockThreshold:
		alert.Kind = StockAlertLowStock
	default:
		return StockAlert{}, false
	}
	return alert, true
}

func (a StockAlert) Payload() AlertPayload {
	if a.Kind == StockAlertOutOfStock {
		return AlertPayload{
			Title:   string(StockAlertOutOfStock),
			Message: fmt.Sprintf("%s is now out of stock", a.ItemName),
		}
	}
	return AlertPayload{
		Title:   string(StockAlertLowStock),
		Message: fmt.Sprintf("%s stock is low (%d)", a.ItemName, a.Current),
	}
}

func (a StockAlert) MarshalPayload() ([]byte, error) {
	return json.Marshal(a.Payload())
}
