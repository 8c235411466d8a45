package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/swiftgrid/controlplane/common/models"
)

const workflowColumns = `id, name, draft_graph, active_version_id, webhook_enabled, webhook_secret,
		schedule_enabled, schedule_cron, schedule_timezone, schedule_input, overlap_mode,
		next_run_at, share_revocation, created_at, updated_at`

// WorkflowRepository handles database operations for workflow definitions
type WorkflowRepository struct {
	db DBTX
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(db DBTX) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// WithTx returns a copy bound to the given transaction.
func (r *WorkflowRepository) WithTx(tx pgx.Tx) *WorkflowRepository {
	return &WorkflowRepository{db: tx}
}

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	wf := &models.Workflow{}
	err := row.Scan(
		&wf.ID,
		&wf.Name,
		&wf.DraftGraph,
		&wf.ActiveVersionID,
		&wf.WebhookEnabled,
		&wf.WebhookSecret,
		&wf.ScheduleEnabled,
		&wf.ScheduleCron,
		&wf.ScheduleTimezone,
		&wf.ScheduleInput,
		&wf.OverlapMode,
		&wf.NextRunAt,
		&wf.ShareRevocation,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// Create inserts a new workflow
func (r *WorkflowRepository) Create(ctx context.Context, wf *models.Workflow) error {
	if wf.OverlapMode == "" {
		wf.OverlapMode = models.OverlapSkip
	}
	query := `
		INSERT INTO workflows (name, draft_graph, overlap_mode)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query, wf.Name, wf.DraftGraph, wf.OverlapMode).
		Scan(&wf.ID, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

// GetByID retrieves a workflow by id.
func (r *WorkflowRepository) GetByID(ctx context.Context, id int64) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`

	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

// GetByIDForUpdate locks the workflow row for the rest of the transaction.
// Publish and rollback serialize on this.
func (r *WorkflowRepository) GetByIDForUpdate(ctx context.Context, id int64) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1 FOR UPDATE`

	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock workflow: %w", err)
	}
	return wf, nil
}

// List returns all workflows, newest first.
func (r *WorkflowRepository) List(ctx context.Context) ([]*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

// UpdateDraft replaces the draft graph.
func (r *WorkflowRepository) UpdateDraft(ctx context.Context, id int64, graph json.RawMessage) error {
	tag, err := r.db.Exec(ctx, `UPDATE workflows SET draft_graph = $2, updated_at = now() WHERE id = $1`, id, graph)
	if err != nil {
		return fmt.Errorf("failed to update draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetActiveVersion repoints the active published version.
func (r *WorkflowRepository) SetActiveVersion(ctx context.Context, id int64, versionID int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE workflows SET active_version_id = $2, updated_at = now() WHERE id = $1`, id, versionID)
	if err != nil {
		return fmt.Errorf("failed to set active version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetWebhook updates webhook trigger settings.
func (r *WorkflowRepository) SetWebhook(ctx context.Context, id int64, enabled bool, secret *string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE workflows SET webhook_enabled = $2, webhook_secret = $3, updated_at = now() WHERE id = $1
	`, id, enabled, secret)
	if err != nil {
		return fmt.Errorf("failed to set webhook settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %d: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateSchedule replaces cron trigger settings, including the precomputed
// next fire time.
func (r *WorkflowRepository) UpdateSchedule(ctx context.Context, id int64, enabled bool, cron, timezone *string, input json.RawMessage, mode models.OverlapMode, nextRunAt *time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE workflows
		SET schedule_enabled = $2, schedule_cron = $3, schedule_timezone = $4,
		    schedule_input = $5, overlap_mode = $6, next_run_at = $7, updated_at = now()
		WHERE id = $1
	`, id, enabled, cron, timezone, input, mode, nextRunAt)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetNextRun advances the schedule pointer after a tick fires.
func (r *WorkflowRepository) SetNextRun(ctx context.Context, id int64, nextRunAt time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE workflows SET next_run_at = $2, updated_at = now() WHERE id = $1`, id, nextRunAt)
	if err != nil {
		return fmt.Errorf("failed to set next run: %w", err)
	}
	return nil
}

// ClaimDueSchedules locks and returns workflows whose schedule is due.
// SKIP LOCKED keeps concurrent scheduler replicas from double-firing a tick.
func (r *WorkflowRepository) ClaimDueSchedules(ctx context.Context, now time.Time) ([]*models.Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE schedule_enabled = TRUE AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at
		FOR UPDATE SKIP LOCKED
	`

	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due schedules: %w", err)
	}
	defer rows.Close()

	var due []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due workflow: %w", err)
		}
		due = append(due, wf)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due schedules: %w", err)
	}

	return due, nil
}

// Delete removes a workflow, its versions, and webhook delivery records.
func (r *WorkflowRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %d: %w", id, ErrNotFound)
	}
	return nil
}
