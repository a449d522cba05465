package notification

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/fjod/stockcart/internal/domain"
	"github.com/fjod/stockcart/internal/repository"
)

var ErrInvalidSubscription = errors.New("invalid push subscription")

type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

type SubscriptionService struct {
	store repository.SubscriptionStore
}

func NewSubscriptionService(store repository.SubscriptionStore) *SubscriptionService {
	return &SubscriptionService{store: store}
}

// Subscribe registers endpoint for the user, or refreshes its keys when the user already
// registered it. created reports whether a new subscription was stored.
func (s *SubscriptionService) Subscribe(ctx context.Context, userID int64, endpoint string, keys Keys) (created bool, err error) {
	if err := validate(endpoint, keys); err != nil {
		return false, err
	}

	sub := &domain.Subscription{
		UserID:   userID,
		Endpoint: endpoint,
		P256dh:   keys.P256dh,
		Auth:     keys.Auth,
	}
	created, err = s.store.UpsertSubscription(ctx, sub)
	if err != nil {
		return false, fmt.Errorf("store subscription: %w", err)
	}
	return created, nil
}

func validate(endpoint string, keys Keys) error {
	if endpoint == "" || keys.P256dh == "" || keys.Auth == "" {
		return fmt.Errorf("%w: endpoint and keys are required", ErrInvalidSubscription)
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: endpoint must be an absolute http(s) URL", ErrInvalidSubscription)
	}
	return nil
}
