package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/swiftgrid/controlplane/common/models"
)

// DeliveryRepository stores webhook trigger responses for duplicate replay.
type DeliveryRepository struct {
	db DBTX
}

// NewDeliveryRepository creates a new delivery repository
func NewDeliveryRepository(db DBTX) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// Get returns the stored response for an idempotency key.
func (r *DeliveryRepository) Get(ctx context.Context, workflowID int64, key string) (*models.WebhookDelivery, error) {
	query := `
		SELECT workflow_id, idempotency_key, response_status, response_body, created_at
		FROM webhook_deliveries
		WHERE workflow_id = $1 AND idempotency_key = $2
	`

	d := &models.WebhookDelivery{}
	err := r.db.QueryRow(ctx, query, workflowID, key).
		Scan(&d.WorkflowID, &d.IdempotencyKey, &d.ResponseStatus, &d.ResponseBody, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return d, nil
}

// Store records a response. The first writer wins; replays keep the
// original response untouched.
func (r *DeliveryRepository) Store(ctx context.Context, d *models.WebhookDelivery) error {
	query := `
		INSERT INTO webhook_deliveries (workflow_id, idempotency_key, response_status, response_body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_id, idempotency_key) DO NOTHING
	`

	_, err := r.db.Exec(ctx, query, d.WorkflowID, d.IdempotencyKey, d.ResponseStatus, d.ResponseBody)
	if err != nil {
		return fmt.Errorf("failed to store delivery: %w", err)
	}
	return nil
}

// PurgeOlderThan drops replay records past their useful window.
func (r *DeliveryRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_deliveries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}
