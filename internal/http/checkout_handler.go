package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/stockcart/internal/domain"
	"go.uber.org/zap"
)

type CheckoutCoordinator interface {
	Checkout(ctx context.Context, userID int64) (*domain.Receipt, error)
}

type CheckoutHandler struct {
	checkout CheckoutCoordinator
	timeout  time.Duration
	log      *zap.Logger
}

func NewCheckoutHandler(checkout CheckoutCoordinator, timeout time.Duration, log *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		checkout: checkout,
		timeout:  timeout,
		log:      log,
	}
}

type CheckoutResponseDTO struct {
	Message string          `json:"message"`
	Receipt *domain.Receipt `json:"receipt"`
}

// POST /api/v1/cart/checkout
func (h *CheckoutHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, _ := identityFromContext(r.Context())

	receipt, err := h.checkout.Checkout(ctx, id.UserID)
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, CheckoutResponseDTO{
		Message: "checkout successful",
		Receipt: receipt,
	})
}
