package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/fjod/stockcart/internal/cache"
	"github.com/fjod/stockcart/internal/domain"
	"github.com/fjod/stockcart/internal/logger"
	"github.com/fjod/stockcart/internal/repository"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventCartCheckedOut is the outbox event type written by a committed checkout.
const EventCartCheckedOut = "cart.checked_out"

// Notifier delivers a payload to every subscriber holding role. It must not block the caller
// on delivery.
type Notifier interface {
	Notify(role domain.Role, payload domain.AlertPayload)
}

type CheckoutService struct {
	tx       repository.TxManager
	cache    cache.CartCache
	notifier Notifier
	log      *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewCheckoutService(tx repository.TxManager, cartCache cache.CartCache, notifier Notifier, log *zap.Logger) *CheckoutService {
	return &CheckoutService{
		tx:       tx,
		cache:    cartCache,
		notifier: notifier,
		log:      log,
		tracer:   otel.Tracer("github.com/fjod/stockcart/internal/service"),
		now:      time.Now,
	}
}

// Checkout locks the user's active cart and every item it references, re-validates stock,
// decrements it and closes the cart in one transaction. Threshold alerts go out only after
// the commit.
func (s *CheckoutService) Checkout(ctx context.Context, userID int64) (*domain.Receipt, error) {
	ctx, span := s.tracer.Start(ctx, "CheckoutService.Checkout",
		trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer span.End()

	log := logger.FromContext(ctx, s.log).With(zap.Int64("user_id", userID))

	var (
		receipt *domain.Receipt
		alerts  []domain.StockAlert
	)
	err := s.tx.WithinCheckout(ctx, func(ctx context.Context, tx repository.CheckoutTx) error {
		var err error
		receipt, alerts, err = s.checkout(ctx, tx, userID)
		return err
	})
	if err != nil {
		err = checkoutFailure(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkout rejected")
		if errors.Is(err, ErrTransactionAborted) {
			log.Error("checkout aborted", zap.Error(err))
		} else {
			log.Info("checkout rejected", zap.Error(err))
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("cart.id", receipt.CartID),
		attribute.Int("cart.lines", len(receipt.Lines)),
	)
	log.Info("checkout committed",
		zap.Int64("cart_id", receipt.CartID),
		zap.String("total", receipt.Total.StringFixed(2)))

	invalidateCache(ctx, s.cache, s.log, userID)

	for _, alert := range alerts {
		log.Info("stock threshold crossed",
			zap.String("kind", string(alert.Kind)),
			zap.Int64("item_id", alert.ItemID),
			zap.Int("stock", alert.Current))
		s.notifier.Notify(domain.RoleAdmin, alert.Payload())
	}

	return receipt, nil
}

func (s *CheckoutService) checkout(ctx context.Context, tx repository.CheckoutTx, userID int64) (*domain.Receipt, []domain.StockAlert, error) {
	cart, err := tx.LockActiveCart(ctx, userID)
	if errors.Is(err, repository.ErrCartNotFound) {
		return nil, nil, ErrEmptyCart
	}
	if err != nil {
		return nil, nil, err
	}
	if len(cart.Lines) == 0 {
		return nil, nil, ErrEmptyCart
	}

	requested := make(map[int64]int, len(cart.Lines))
	ids := make([]int64, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		if _, seen := requested[line.ItemID]; !seen {
			ids = append(ids, line.ItemID)
		}
		requested[line.ItemID] += line.Quantity
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	items, err := tx.LockItems(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	// validate every line before touching any stock
	for _, id := range ids {
		item, ok := items[id]
		if !ok {
			return nil, nil, &ItemMissingError{ItemID: id}
		}
		if !item.HasStock(requested[id]) {
			return nil, nil, insufficientStock(item, requested[id])
		}
	}

	receipt := &domain.Receipt{
		CartID:       cart.ID,
		UserID:       userID,
		CheckedOutAt: s.now().UTC(),
	}
	for _, line := range cart.Lines {
		receipt.AddLine(line, items[line.ItemID].Name)
	}

	var alerts []domain.StockAlert
	for _, id := range ids {
		item := items[id]
		stock, err := tx.DecrementStock(ctx, id, requested[id])
		if err != nil {
			return nil, nil, err
		}
		if alert, ok := domain.EvaluateStockAlert(id, item.Name, item.Stock, stock); ok {
			alerts = append(alerts, alert)
		}
	}

	if err := tx.MarkCheckedOut(ctx, cart.ID); err != nil {
		return nil, nil, err
	}

	payload, err := json.Marshal(receipt)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal receipt: %w", err)
	}
	event := &repository.OutboxEvent{
		ID:          uuid.New(),
		AggregateID: strconv.FormatInt(cart.ID, 10),
		EventType:   EventCartCheckedOut,
		Payload:     payload,
	}
	if err := tx.AddOutboxEvent(ctx, event); err != nil {
		return nil, nil, err
	}

	return receipt, alerts, nil
}

// checkoutFailure keeps business rejections as they are and folds everything else into
// ErrTransactionAborted.
func checkoutFailure(err error) error {
	var stockErr *InsufficientStockError
	var missingErr *ItemMissingError
	switch {
	case errors.As(err, &stockErr):
		return stockErr
	case errors.As(err, &missingErr):
		return missingErr
	case errors.Is(err, ErrEmptyCart):
		return ErrEmptyCart
	default:
		return fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	}
}
