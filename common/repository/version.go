package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/swiftgrid/controlplane/common/models"
)

// VersionRepository handles immutable workflow version snapshots.
type VersionRepository struct {
	db DBTX
}

// NewVersionRepository creates a new version repository
func NewVersionRepository(db DBTX) *VersionRepository {
	return &VersionRepository{db: db}
}

// WithTx returns a copy bound to the given transaction.
func (r *VersionRepository) WithTx(tx pgx.Tx) *VersionRepository {
	return &VersionRepository{db: tx}
}

// Insert snapshots a graph as the next version of a workflow. The version
// number is computed in the insert; callers serialize publishes by locking
// the workflow row first.
func (r *VersionRepository) Insert(ctx context.Context, workflowID int64, graph json.RawMessage) (*models.WorkflowVersion, error) {
	query := `
		INSERT INTO workflow_versions (workflow_id, version_number, graph)
		SELECT $1, COALESCE(MAX(version_number), 0) + 1, $2
		FROM workflow_versions
		WHERE workflow_id = $1
		RETURNING id, version_number, created_at
	`

	version := &models.WorkflowVersion{WorkflowID: workflowID, Graph: graph}
	err := r.db.QueryRow(ctx, query, workflowID, graph).
		Scan(&version.ID, &version.VersionNumber, &version.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert version: %w", err)
	}
	return version, nil
}

// GetByID retrieves a version by id.
func (r *VersionRepository) GetByID(ctx context.Context, id int64) (*models.WorkflowVersion, error) {
	query := `
		SELECT id, workflow_id, version_number, graph, created_at
		FROM workflow_versions
		WHERE id = $1
	`

	v := &models.WorkflowVersion{}
	err := r.db.QueryRow(ctx, query, id).Scan(&v.ID, &v.WorkflowID, &v.VersionNumber, &v.Graph, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("version %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}

// GetActive returns the workflow's active published version, or ErrNotFound
// when nothing has been published.
func (r *VersionRepository) GetActive(ctx context.Context, workflowID int64) (*models.WorkflowVersion, error) {
	query := `
		SELECT v.id, v.workflow_id, v.version_number, v.graph, v.created_at
		FROM workflow_versions v
		JOIN workflows w ON w.active_version_id = v.id
		WHERE w.id = $1
	`

	v := &models.WorkflowVersion{}
	err := r.db.QueryRow(ctx, query, workflowID).Scan(&v.ID, &v.WorkflowID, &v.VersionNumber, &v.Graph, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no active version for workflow %d: %w", workflowID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active version: %w", err)
	}
	return v, nil
}

// ListByWorkflow returns all versions of a workflow, newest first.
func (r *VersionRepository) ListByWorkflow(ctx context.Context, workflowID int64) ([]*models.WorkflowVersion, error) {
	query := `
		SELECT id, workflow_id, version_number, graph, created_at
		FROM workflow_versions
		WHERE workflow_id = $1
		ORDER BY version_number DESC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.WorkflowVersion
	for rows.Next() {
		v := &models.WorkflowVersion{}
		if err := rows.Scan(&v.ID, &v.WorkflowID, &v.VersionNumber, &v.Graph, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	return versions, nil
}

// GetByNumber retrieves a specific version of a workflow.
func (r *VersionRepository) GetByNumber(ctx context.Context, workflowID int64, number int) (*models.WorkflowVersion, error) {
	query := `
		SELECT id, workflow_id, version_number, graph, created_at
		FROM workflow_versions
		WHERE workflow_id = $1 AND version_number = $2
	`

	v := &models.WorkflowVersion{}
	err := r.db.QueryRow(ctx, query, workflowID, number).Scan(&v.ID, &v.WorkflowID, &v.VersionNumber, &v.Graph, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %d version %d: %w", workflowID, number, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}
