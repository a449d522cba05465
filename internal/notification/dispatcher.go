package notification

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fjod/stockcart/internal/domain"
	"go.uber.org/zap"
)

const DefaultTimeout = 10 * time.Second

// SubscriptionLookup resolves the push subscriptions of every user holding a role.
type SubscriptionLookup interface {
	SubscriptionsForRole(ctx context.Context, role domain.Role) ([]domain.Subscription, error)
}

// Report summarises one fan-out.
type Report struct {
	Attempted int
	Delivered int
	Failed    int
}

// Dispatcher fans a payload out to all subscribers of a role. Delivery is best-effort:
// each subscriber gets one attempt and a failure never stops the next one.
type Dispatcher struct {
	subs    SubscriptionLookup
	pusher  Pusher
	log     *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup

	// ctx scopes background deliveries; it is cancelled when Wait gives up at shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

func NewDispatcher(subs SubscriptionLookup, pusher Pusher, log *zap.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		subs:    subs,
		pusher:  pusher,
		log:     log,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Notify schedules a delivery in the background and returns immediately.
func (d *Dispatcher) Notify(role domain.Role, payload domain.AlertPayload) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Deliver(d.ctx, role, payload)
	}()
}

// Deliver pushes payload to every subscriber of role and reports the outcome. The lookup and
// each push get their own timeout; ctx only cancels the whole fan-out.
func (d *Dispatcher) Deliver(ctx context.Context, role domain.Role, payload domain.AlertPayload) Report {
	log := d.log.With(zap.String("role", string(role)), zap.String("title", payload.Title))

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error("marshal notification payload", zap.Error(err))
		return Report{}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, d.timeout)
	subs, err := d.subs.SubscriptionsForRole(lookupCtx, role)
	cancel()
	if err != nil {
		log.Error("look up subscriptions", zap.Error(err))
		return Report{}
	}

	var report Report
	for _, sub := range subs {
		report.Attempted++
		if err := d.push(ctx, sub, body); err != nil {
			report.Failed++
			log.Warn("error sending notification",
				zap.Int64("subscription_id", sub.ID),
				zap.Int64("user_id", sub.UserID),
				zap.Error(err))
			continue
		}
		report.Delivered++
	}

	log.Debug("notification fan-out finished",
		zap.Int("attempted", report.Attempted),
		zap.Int("delivered", report.Delivered),
		zap.Int("failed", report.Failed))
	return report
}

func (d *Dispatcher) push(ctx context.Context, sub domain.Subscription, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.pusher.Push(ctx, sub, body)
}

// Wait blocks until scheduled deliveries finish or ctx is done. When ctx ends first the
// deliveries still in flight are cancelled; the dispatcher is then no longer usable.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}
