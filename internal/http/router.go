package http

import (
	"net/http"
	"time"

	"github.com/fjod/stockcart/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Carts          CartManager
	Checkout       CheckoutCoordinator
	Subscriptions  SubscriptionRegistrar
	RequestTimeout time.Duration
	Log            *zap.Logger
}

func NewRouter(cfg RouterConfig) chi.Router {
	cartHandler := NewCartHandler(cfg.Carts, cfg.RequestTimeout, cfg.Log)
	checkoutHandler := NewCheckoutHandler(cfg.Checkout, cfg.RequestTimeout, cfg.Log)
	subscriptionHandler := NewSubscriptionHandler(cfg.Subscriptions, cfg.RequestTimeout, cfg.Log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(RequestIDMiddleware)
	r.Use(RequestLogger(cfg.Log))
	r.Use(middleware.Recoverer)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(IdentityMiddleware)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", cartHandler.GetCart)
			r.Post("/items", cartHandler.AddItem)
			r.Patch("/items/{lineID}", cartHandler.UpdateQuantity)
			r.Delete("/items/{lineID}", cartHandler.RemoveItem)
			r.Post("/checkout", checkoutHandler.Checkout)
			r.With(RequireRole(domain.RoleUser)).Get("/orders", cartHandler.OrderHistory)
		})

		r.Post("/notifications/subscribe", subscriptionHandler.Subscribe)
	})

	return r
}
