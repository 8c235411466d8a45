package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/swiftgrid/controlplane/common/models"
)

// ScheduledJobRepository stores future-dated work units for the mover.
type ScheduledJobRepository struct {
	db DBTX
}

// NewScheduledJobRepository creates a new scheduled job repository
func NewScheduledJobRepository(db DBTX) *ScheduledJobRepository {
	return &ScheduledJobRepository{db: db}
}

// WithTx returns a copy bound to the given transaction.
func (r *ScheduledJobRepository) WithTx(tx pgx.Tx) *ScheduledJobRepository {
	return &ScheduledJobRepository{db: tx}
}

// Create inserts a scheduled job.
func (r *ScheduledJobRepository) Create(ctx context.Context, job *models.ScheduledJob) error {
	query := `
		INSERT INTO scheduled_jobs (run_id, node_id, scheduled_for, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query, job.RunID, job.NodeID, job.ScheduledFor, job.Payload).
		Scan(&job.ID, &job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create scheduled job: %w", err)
	}
	return nil
}

// ClaimDue atomically removes and returns due jobs. Run inside a
// transaction: if the caller fails to promote a claimed job onto the bus,
// rolling back restores it. SKIP LOCKED keeps concurrent movers from
// claiming the same rows.
func (r *ScheduledJobRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledJob, error) {
	query := `
		DELETE FROM scheduled_jobs
		WHERE id IN (
			SELECT id FROM scheduled_jobs
			WHERE scheduled_for <= $1
			ORDER BY scheduled_for
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, run_id, node_id, scheduled_for, payload, created_at
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ScheduledJob
	for rows.Next() {
		job := &models.ScheduledJob{}
		if err := rows.Scan(&job.ID, &job.RunID, &job.NodeID, &job.ScheduledFor, &job.Payload, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled jobs: %w", err)
	}

	return jobs, nil
}

// DeleteByRun removes pending jobs for a run, used when a run is cancelled
// before its delayed work fires.
func (r *ScheduledJobRepository) DeleteByRun(ctx context.Context, runID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM scheduled_jobs WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete scheduled jobs: %w", err)
	}
	return nil
}
