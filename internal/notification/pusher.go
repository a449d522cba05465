package notification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/fjod/stockcart/internal/domain"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrPushUnavailable is returned while the breaker of the push service host is open.
var ErrPushUnavailable = errors.New("push service unavailable")

// Pusher delivers one payload to one subscription.
type Pusher interface {
	Push(ctx context.Context, sub domain.Subscription, payload []byte) error
}

// PushStatusError is a rejection by the push service.
type PushStatusError struct {
	StatusCode int
	Body       string
}

func (e *PushStatusError) Error() string {
	return fmt.Sprintf("push service responded %d: %s", e.StatusCode, e.Body)
}

type WebPushConfig struct {
	Subscriber      string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	TTL             time.Duration
}

// WebPusher sends Web Push messages signed with VAPID keys. Each push service host gets its
// own circuit breaker, so a failing host never blocks delivery to subscribers on another.
// Transport failures and 5xx responses count against the host's breaker; 4xx responses are
// per-subscription problems (expired endpoint, bad keys) and do not.
type WebPusher struct {
	cfg      WebPushConfig
	client   *http.Client
	settings gobreaker.Settings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[int]
}

func NewWebPusher(cfg WebPushConfig, client *http.Client, log *zap.Logger) *WebPusher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	settings := gobreaker.Settings{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var statusErr *PushStatusError
			if errors.As(err, &statusErr) {
				return statusErr.StatusCode < http.StatusInternalServerError
			}
			// a caller giving up says nothing about the host
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &WebPusher{
		cfg:      cfg,
		client:   client,
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker[int]),
	}
}

func (p *WebPusher) Push(ctx context.Context, sub domain.Subscription, payload []byte) error {
	_, err := p.breaker(sub.Endpoint).Execute(func() (int, error) {
		return p.send(ctx, sub, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrPushUnavailable, err)
	}
	return err
}

// breaker returns the breaker of the endpoint's push service host.
func (p *WebPusher) breaker(endpoint string) *gobreaker.CircuitBreaker[int] {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cb, ok := p.breakers[host]
	if !ok {
		settings := p.settings
		settings.Name = "webpush:" + host
		cb = gobreaker.NewCircuitBreaker[int](settings)
		p.breakers[host] = cb
	}
	return cb
}

func (p *WebPusher) send(ctx context.Context, sub domain.Subscription, payload []byte) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      p.client,
		Subscriber:      p.cfg.Subscriber,
		VAPIDPublicKey:  p.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: p.cfg.VAPIDPrivateKey,
		TTL:             int(p.cfg.TTL.Seconds()),
	})
	if err != nil {
		return 0, fmt.Errorf("send web push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, &PushStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp.StatusCode, nil
}

// LogPusher records pushes in the log instead of sending them. Used when no VAPID keys are
// configured.
type LogPusher struct {
	log *zap.Logger
}

func NewLogPusher(log *zap.Logger) *LogPusher {
	return &LogPusher{log: log}
}

func (p *LogPusher) Push(_ context.Context, sub domain.Subscription, payload []byte) error {
	p.log.Info("push delivery disabled, payload logged",
		zap.Int64("user_id", sub.UserID),
		zap.String("endpoint", sub.Endpoint),
		zap.ByteString("payload", payload))
	return nil
}
