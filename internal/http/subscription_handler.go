package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/stockcart/internal/notification"
	"go.uber.org/zap"
)

type SubscriptionRegistrar interface {
	Subscribe(ctx context.Context, userID int64, endpoint string, keys notification.Keys) (bool, error)
}

type SubscriptionHandler struct {
	subs    SubscriptionRegistrar
	timeout time.Duration
	log     *zap.Logger
}

func NewSubscriptionHandler(subs SubscriptionRegistrar, timeout time.Duration, log *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		subs:    subs,
		timeout: timeout,
		log:     log,
	}
}

type SubscribeRequestDTO struct {
	Endpoint string            `json:"endpoint"`
	Keys     notification.Keys `json:"keys"`
}

type SubscribeResponseDTO struct {
	Success bool `json:"success"`
	Created bool `json:"created"`
}

// POST /api/v1/notifications/subscribe
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, _ := identityFromContext(r.Context())

	var req SubscribeRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}

	created, err := h.subs.Subscribe(ctx, id.UserID, req.Endpoint, req.Keys)
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, SubscribeResponseDTO{Success: true, Created: created})
}
