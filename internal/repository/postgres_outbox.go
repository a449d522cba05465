package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

func (r *Repository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	query := `SELECT id, aggregate_id, event_type, payload, created_at
	          FROM outbox_events
	          WHERE processed_at IS NULL
	          ORDER BY created_at
	          LIMIT $1`

	var events []*OutboxEvent
	if err := r.db.SelectContext(ctx, &events, query, limit); err != nil {
		return nil, fmt.Errorf("query unprocessed events: %w", err)
	}
	return events, nil
}

func (r *Repository) MarkEventAsProcessed(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE outbox_events SET processed_at = NOW() WHERE id = $1 AND processed_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return expectAffected(res, ErrEventNotFound)
}
