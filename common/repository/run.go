package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/swiftgrid/controlplane/common/models"
)

const runColumns = `id, workflow_id, workflow_version_id, snapshot_graph, status, trigger_type,
		input_data, output_data, parent_run_id, parent_node_id, depth, pinned,
		started_at, finished_at, created_at, updated_at`

// RunRepository handles database operations for workflow runs
type RunRepository struct {
	db DBTX
}

// NewRunRepository creates a new run repository
func NewRunRepository(db DBTX) *RunRepository {
	return &RunRepository{db: db}
}

// WithTx returns a copy bound to the given transaction.
func (r *RunRepository) WithTx(tx pgx.Tx) *RunRepository {
	return &RunRepository{db: tx}
}

func scanRun(row pgx.Row) (*models.WorkflowRun, error) {
	run := &models.WorkflowRun{}
	err := row.Scan(
		&run.ID,
		&run.WorkflowID,
		&run.WorkflowVersionID,
		&run.SnapshotGraph,
		&run.Status,
		&run.Trigger,
		&run.InputData,
		&run.OutputData,
		&run.ParentRunID,
		&run.ParentNodeID,
		&run.Depth,
		&run.Pinned,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Create inserts a new workflow run
func (r *RunRepository) Create(ctx context.Context, run *models.WorkflowRun) error {
	query := `
		INSERT INTO workflow_runs (id, workflow_id, workflow_version_id, snapshot_graph, status,
			trigger_type, input_data, parent_run_id, parent_node_id, depth)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(
		ctx,
		query,
		run.ID,
		run.WorkflowID,
		run.WorkflowVersionID,
		run.SnapshotGraph,
		run.Status,
		run.Trigger,
		run.InputData,
		run.ParentRunID,
		run.ParentNodeID,
		run.Depth,
	).Scan(&run.CreatedAt, &run.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetByID retrieves a run by its ID
func (r *RunRepository) GetByID(ctx context.Context, runID uuid.UUID) (*models.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE id = $1`

	run, err := scanRun(r.db.QueryRow(ctx, query, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// AcquireStepLock takes the per-run advisory lock that serializes
// orchestration steps. It is transaction scoped: the lock releases on
// commit or rollback, so it must be called on a repository bound to a tx.
func (r *RunRepository) AcquireStepLock(ctx context.Context, runID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, runID.String())
	if err != nil {
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}
	return nil
}

// Transition moves the run from any of the given statuses to the target
// status. Returns false when the run was not in an eligible status, which
// callers treat as "someone else already moved it".
func (r *RunRepository) Transition(ctx context.Context, runID uuid.UUID, from []models.RunStatus, to models.RunStatus) (bool, error) {
	query := `
		UPDATE workflow_runs
		SET status = $2, updated_at = now(),
		    started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END
		WHERE id = $1 AND status = ANY($3)
	`

	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}

	tag, err := r.db.Exec(ctx, query, runID, to, statuses)
	if err != nil {
		return false, fmt.Errorf("failed to transition run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Finish marks the run terminal with its assembled output.
func (r *RunRepository) Finish(ctx context.Context, runID uuid.UUID, status models.RunStatus, output json.RawMessage) error {
	query := `
		UPDATE workflow_runs
		SET status = $2, output_data = $3, finished_at = now(), updated_at = now()
		WHERE id = $1
	`

	_, err := r.db.Exec(ctx, query, runID, status, output)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// SetPinned toggles TTL-cleanup exemption for a run.
func (r *RunRepository) SetPinned(ctx context.Context, runID uuid.UUID, pinned bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE workflow_runs SET pinned = $2, updated_at = now() WHERE id = $1`, runID, pinned)
	if err != nil {
		return fmt.Errorf("failed to pin run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// Delete removes a run and everything it owns via cascades.
func (r *RunRepository) Delete(ctx context.Context, runID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflow_runs WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// List pages runs newest-first. The cursor is the id of the last run on the
// previous page.
func (r *RunRepository) List(ctx context.Context, filter models.RunListFilter) ([]*models.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE 1=1`
	args := []any{}
	n := 0

	add := func(clause string, value any) {
		n++
		query += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, value)
	}

	if filter.WorkflowID != nil {
		add("workflow_id =", *filter.WorkflowID)
	}
	if filter.Status != nil {
		add("status =", *filter.Status)
	}
	if filter.Trigger != nil {
		add("trigger_type =", *filter.Trigger)
	}
	if filter.Pinned != nil {
		add("pinned =", *filter.Pinned)
	}
	if filter.Cursor != nil {
		add("(created_at, id) < (SELECT created_at, id FROM workflow_runs WHERE id =", *filter.Cursor)
		query += ")"
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	n++
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", n)
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// LatestActive returns the most recent non-terminal run for a workflow, or
// ErrNotFound when none is in flight.
func (r *RunRepository) LatestActive(ctx context.Context, workflowID int64) (*models.WorkflowRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM workflow_runs
		WHERE workflow_id = $1 AND status IN ('pending','running','suspended')
		ORDER BY created_at DESC
		LIMIT 1
	`

	run, err := scanRun(r.db.QueryRow(ctx, query, workflowID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no active run for workflow %d: %w", workflowID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active run: %w", err)
	}

	return run, nil
}

// CountCronByStatus returns how many cron-triggered runs of the workflow sit
// in each of the given statuses. Used by overlap-mode decisions.
func (r *RunRepository) CountCronByStatus(ctx context.Context, workflowID int64, statuses []models.RunStatus) (int, error) {
	vals := make([]string, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}

	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM workflow_runs
		WHERE workflow_id = $1 AND trigger_type = 'cron' AND status = ANY($2)
	`, workflowID, vals).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count cron runs: %w", err)
	}
	return count, nil
}

// PurgeTerminalBefore deletes unpinned terminal runs that finished before
// the cutoff. Returns the number of runs removed.
func (r *RunRepository) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM workflow_runs
		WHERE pinned = FALSE
		  AND status IN ('completed','failed','cancelled')
		  AND finished_at IS NOT NULL
		  AND finished_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
