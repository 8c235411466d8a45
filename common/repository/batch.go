package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/swiftgrid/controlplane/common/models"
)

const batchColumns = `id, run_id, node_id, total_items, concurrency_limit, fail_fast,
		timeout_ms, child_graph, child_version_id, child_depth, items, current_index, active_count,
		completed_count, failed_count, status, started_at, completed_at`

// BatchRepository handles map-node control state. All counter mutation goes
// through GetForUpdate + SaveCounters inside one transaction, which is the
// per-batch serialization point.
type BatchRepository struct {
	db DBTX
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(db DBTX) *BatchRepository {
	return &BatchRepository{db: db}
}

// WithTx returns a copy bound to the given transaction.
func (r *BatchRepository) WithTx(tx pgx.Tx) *BatchRepository {
	return &BatchRepository{db: tx}
}

func scanBatch(row pgx.Row) (*models.BatchOperation, error) {
	b := &models.BatchOperation{}
	err := row.Scan(
		&b.ID,
		&b.RunID,
		&b.NodeID,
		&b.TotalItems,
		&b.ConcurrencyLimit,
		&b.FailFast,
		&b.TimeoutMs,
		&b.ChildGraph,
		&b.ChildVersionID,
		&b.ChildDepth,
		&b.Items,
		&b.CurrentIndex,
		&b.ActiveCount,
		&b.CompletedCount,
		&b.FailedCount,
		&b.Status,
		&b.StartedAt,
		&b.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Create inserts a new batch operation.
func (r *BatchRepository) Create(ctx context.Context, b *models.BatchOperation) error {
	query := `
		INSERT INTO batch_operations (id, run_id, node_id, total_items, concurrency_limit,
			fail_fast, timeout_ms, child_graph, child_version_id, child_depth, items,
			current_index, active_count, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING started_at
	`

	err := r.db.QueryRow(ctx, query,
		b.ID, b.RunID, b.NodeID, b.TotalItems, b.ConcurrencyLimit,
		b.FailFast, b.TimeoutMs, b.ChildGraph, b.ChildVersionID, b.ChildDepth, b.Items,
		b.CurrentIndex, b.ActiveCount, b.Status,
	).Scan(&b.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// GetByID retrieves a batch without locking.
func (r *BatchRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BatchOperation, error) {
	query := `SELECT ` + batchColumns + ` FROM batch_operations WHERE id = $1`

	b, err := scanBatch(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return b, nil
}

// GetForUpdate locks the batch row for the rest of the transaction.
func (r *BatchRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.BatchOperation, error) {
	query := `SELECT ` + batchColumns + ` FROM batch_operations WHERE id = $1 FOR UPDATE`

	b, err := scanBatch(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock batch: %w", err)
	}
	return b, nil
}

// SaveCounters writes back the counters and status computed under the row
// lock.
func (r *BatchRepository) SaveCounters(ctx context.Context, b *models.BatchOperation) error {
	query := `
		UPDATE batch_operations
		SET current_index = $2, active_count = $3, completed_count = $4,
		    failed_count = $5, status = $6, completed_at = $7
		WHERE id = $1
	`

	_, err := r.db.Exec(ctx, query,
		b.ID, b.CurrentIndex, b.ActiveCount, b.CompletedCount,
		b.FailedCount, b.Status, b.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save batch counters: %w", err)
	}
	return nil
}

// RecordResult appends one item outcome. The primary key makes duplicate
// child completions visible: the return value is false when this
// (batch, item) already has a result.
func (r *BatchRepository) RecordResult(ctx context.Context, res *models.BatchResult) (bool, error) {
	query := `
		INSERT INTO batch_results (batch_id, item_index, child_run_id, success, output, error, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (batch_id, item_index) DO NOTHING
	`

	tag, err := r.db.Exec(ctx, query,
		res.BatchID, res.ItemIndex, res.ChildRunID, res.Success, res.Output, res.Error, res.DurationMs,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record batch result: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListResults returns all item outcomes ordered by item index.
func (r *BatchRepository) ListResults(ctx context.Context, batchID uuid.UUID) ([]*models.BatchResult, error) {
	query := `
		SELECT batch_id, item_index, child_run_id, success, output, error, duration_ms, created_at
		FROM batch_results
		WHERE batch_id = $1
		ORDER BY item_index ASC
	`

	rows, err := r.db.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch results: %w", err)
	}
	defer rows.Close()

	var results []*models.BatchResult
	for rows.Next() {
		res := &models.BatchResult{}
		err := rows.Scan(&res.BatchID, &res.ItemIndex, &res.ChildRunID, &res.Success, &res.Output, &res.Error, &res.DurationMs, &res.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch result: %w", err)
		}
		results = append(results, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batch results: %w", err)
	}

	return results, nil
}

// ListStale returns batches that have outlived their own timeout_ms, or the
// given default cutoff (seconds) when none was set, for the timeout sweeper.
func (r *BatchRepository) ListStale(ctx context.Context, cutoff int, limit int) ([]*models.BatchOperation, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM batch_operations
		WHERE status IN ('running','draining')
		  AND started_at < now() - make_interval(secs => COALESCE(timeout_ms / 1000.0, $1::double precision))
		ORDER BY started_at
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale batches: %w", err)
	}
	defer rows.Close()

	var batches []*models.BatchOperation
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale batches: %w", err)
	}

	return batches, nil
}
