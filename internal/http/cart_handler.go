package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/fjod/stockcart/internal/domain"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// CartManager is the cart surface the handlers depend on.
type CartManager interface {
	AddItem(ctx context.Context, userID, itemID int64, quantity int) (*domain.CartLine, error)
	UpdateLine(ctx context.Context, userID, lineID int64, quantity int) (*domain.CartLine, error)
	RemoveLine(ctx context.Context, userID, lineID int64) error
	GetCart(ctx context.Context, userID int64) (*domain.CartView, error)
	OrderHistory(ctx context.Context, userID int64) ([]domain.Receipt, error)
}

type CartHandler struct {
	carts   CartManager
	timeout time.Duration
	log     *zap.Logger
}

func NewCartHandler(carts CartManager, timeout time.Duration, log *zap.Logger) *CartHandler {
	return &CartHandler{
		carts:   carts,
		timeout: timeout,
		log:     log,
	}
}

type AddItemRequestDTO struct {
	ItemID   int64 `json:"item_id"`
	Quantity int   `json:"quantity"`
}

type UpdateQuantityRequestDTO struct {
	Quantity int `json:"quantity"`
}

type CartResponseDTO struct {
	Cart *domain.CartView `json:"cart"`
}

type OrdersResponseDTO struct {
	Orders []domain.Receipt `json:"orders"`
}

// GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, _ := identityFromContext(r.Context())

	view, err := h.carts.GetCart(ctx, id.UserID)
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}

	// a user without an active cart gets a null cart, not an error
	respondJSON(w, http.StatusOK, CartResponseDTO{Cart: view})
}

// POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, _ := identityFromContext(r.Context())

	var req AddItemRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ItemID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_item_id", "item_id must be positive")
		return
	}

	line, err := h.carts.AddItem(ctx, id.UserID, req.ItemID, req.Quantity)
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusCreated, line)
}

// PATCH /api/v1/cart/items/{lineID}
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, _ := identityFromContext(r.Context())

	lineID, ok := lineIDParam(w, r)
	if !ok {
		return
	}

	var req UpdateQuantityRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}

	line, err := h.carts.UpdateLine(ctx, id.UserID, lineID, req.Quantity)
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, line)
}

// DELETE /api/v1/cart/items/{lineID}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, _ := identityFromContext(r.Context())

	lineID, ok := lineIDParam(w, r)
	if !ok {
		return
	}

	if err := h.carts.RemoveLine(ctx, id.UserID, lineID); err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/cart/orders
func (h *CartHandler) OrderHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, _ := identityFromContext(r.Context())

	orders, err := h.carts.OrderHistory(ctx, id.UserID)
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	if orders == nil {
		orders = []domain.Receipt{}
	}

	respondJSON(w, http.StatusOK, OrdersResponseDTO{Orders: orders})
}

func lineIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	lineID, err := strconv.ParseInt(chi.URLParam(r, "lineID"), 10, 64)
	if err != nil || lineID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_line_id", "line id must be a positive integer")
		return 0, false
	}
	return lineID, true
}
