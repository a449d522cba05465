package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fjod/stockcart/internal/logger"
	"github.com/fjod/stockcart/internal/notification"
	"github.com/fjod/stockcart/internal/repository"
	"github.com/fjod/stockcart/internal/service"
	"go.uber.org/zap"
)

// maxRequestBodySize caps JSON request bodies.
const maxRequestBodySize = 1 << 20

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// headers are already out, nothing useful can be done with an encode error
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	return true
}

// respondServiceError converts service errors to HTTP status codes.
func respondServiceError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	var stockErr *service.InsufficientStockError
	var missingErr *service.ItemMissingError

	switch {
	case errors.As(err, &stockErr):
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   stockErr.Error(),
			Code:    "insufficient_stock",
			Details: stockErr,
		})
	case errors.As(err, &missingErr):
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   missingErr.Error(),
			Code:    "item_missing",
			Details: missingErr,
		})
	case errors.Is(err, service.ErrEmptyCart):
		respondError(w, http.StatusBadRequest, "empty_cart", err.Error())
	case errors.Is(err, service.ErrInvalidQuantity):
		respondError(w, http.StatusBadRequest, "invalid_quantity", err.Error())
	case errors.Is(err, notification.ErrInvalidSubscription):
		respondError(w, http.StatusBadRequest, "invalid_subscription", err.Error())
	case errors.Is(err, service.ErrItemNotFound):
		respondError(w, http.StatusNotFound, "item_not_found", err.Error())
	case errors.Is(err, service.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", "cart item not found")
	case errors.Is(err, service.ErrTransactionAborted):
		logger.FromContext(r.Context(), log).Error("checkout aborted", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "checkout_aborted", "checkout could not complete, try again")
	case errors.Is(err, repository.ErrLockTimeout):
		// a checkout of the same cart held the row longer than the lock timeout
		respondError(w, http.StatusServiceUnavailable, "cart_busy", "cart is being checked out, try again")
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		logger.FromContext(r.Context(), log).Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
