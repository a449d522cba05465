package repository

import (
	"context"
	"fmt"

	"github.com/fjod/stockcart/internal/domain"
)

func (r *Repository) UpsertSubscription(ctx context.Context, sub *domain.Subscription) (bool, error) {
	// xmax is zero only for a freshly inserted row
	query := `INSERT INTO subscriptions (user_id, endpoint, p256dh, auth)
	          VALUES ($1, $2, $3, $4)
	          ON CONFLICT (user_id, endpoint) DO UPDATE
	            SET p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth, updated_at = NOW(), deleted_at = NULL
	          RETURNING id, created_at, updated_at, (xmax = 0) AS created`

	var created bool
	err := r.db.QueryRowxContext(ctx, query, sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth).
		Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt, &created)
	if err != nil {
		return false, fmt.Errorf("upsert subscription: %w", err)
	}
	return created, nil
}

func (r *Repository) SubscriptionsForRole(ctx context.Context, role domain.Role) ([]domain.Subscription, error) {
	query := `SELECT s.id, s.user_id, s.endpoint, s.p256dh, s.auth, s.created_at, s.updated_at
	          FROM subscriptions s
	          JOIN users u ON u.id = s.user_id
	          WHERE u.role = $1 AND s.deleted_at IS NULL AND u.deleted_at IS NULL
	          ORDER BY s.id`

	subs := make([]domain.Subscription, 0)
	if err := r.db.SelectContext(ctx, &subs, query, string(role)); err != nil {
		return nil, fmt.Errorf("query subscriptions for role %s: %w", role, err)
	}
	return subs, nil
}
