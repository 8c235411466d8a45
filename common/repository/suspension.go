package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/swiftgrid/controlplane/common/models"
)

const suspensionColumns = `id, run_id, node_id, suspension_type, resume_token, resume_after,
		execution_context, expires_at, resumed_at, resumed_by, resume_payload, created_at`

// SuspensionRepository handles paused-node records.
type SuspensionRepository struct {
	db DBTX
}

// NewSuspensionRepository creates a new suspension repository
func NewSuspensionRepository(db DBTX) *SuspensionRepository {
	return &SuspensionRepository{db: db}
}

// WithTx returns a copy bound to the given transaction.
func (r *SuspensionRepository) WithTx(tx pgx.Tx) *SuspensionRepository {
	return &SuspensionRepository{db: tx}
}

func scanSuspension(row pgx.Row) (*models.Suspension, error) {
	s := &models.Suspension{}
	err := row.Scan(
		&s.ID,
		&s.RunID,
		&s.NodeID,
		&s.SuspensionType,
		&s.ResumeToken,
		&s.ResumeAfter,
		&s.ExecContext,
		&s.ExpiresAt,
		&s.ResumedAt,
		&s.ResumedBy,
		&s.ResumePayload,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create inserts a suspension. A second open suspension for the same
// (run, node, type) violates the partial unique index and is reported as
// ErrAlreadyExists.
func (r *SuspensionRepository) Create(ctx context.Context, s *models.Suspension) error {
	query := `
		INSERT INTO suspensions (id, run_id, node_id, suspension_type, resume_token,
			resume_after, execution_context, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query,
		s.ID, s.RunID, s.NodeID, s.SuspensionType, s.ResumeToken,
		s.ResumeAfter, s.ExecContext, s.ExpiresAt,
	).Scan(&s.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("open suspension for %s/%s: %w", s.RunID, s.NodeID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create suspension: %w", err)
	}
	return nil
}

// GetByToken looks a suspension up by its resume token.
func (r *SuspensionRepository) GetByToken(ctx context.Context, token string) (*models.Suspension, error) {
	query := `SELECT ` + suspensionColumns + ` FROM suspensions WHERE resume_token = $1`

	s, err := scanSuspension(r.db.QueryRow(ctx, query, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("resume token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get suspension by token: %w", err)
	}
	return s, nil
}

// GetOpen returns the unresolved suspension for a (run, node, type), if any.
func (r *SuspensionRepository) GetOpen(ctx context.Context, runID uuid.UUID, nodeID string, subtype models.SuspensionType) (*models.Suspension, error) {
	query := `
		SELECT ` + suspensionColumns + `
		FROM suspensions
		WHERE run_id = $1 AND node_id = $2 AND suspension_type = $3 AND resumed_at IS NULL
	`

	s, err := scanSuspension(r.db.QueryRow(ctx, query, runID, nodeID, subtype))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("open %s suspension for %s/%s: %w", subtype, runID, nodeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open suspension: %w", err)
	}
	return s, nil
}

// Resolve marks a suspension resumed exactly once. Returns false when the
// suspension was already resolved, which callers surface as a duplicate
// resume.
func (r *SuspensionRepository) Resolve(ctx context.Context, id uuid.UUID, resumedBy string, payload json.RawMessage) (bool, error) {
	query := `
		UPDATE suspensions
		SET resumed_at = now(), resumed_by = $2, resume_payload = $3
		WHERE id = $1 AND resumed_at IS NULL
	`

	tag, err := r.db.Exec(ctx, query, id, resumedBy, payload)
	if err != nil {
		return false, fmt.Errorf("failed to resolve suspension: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateContext replaces the execution context of an open suspension. The
// subflow retry path uses this to bump retry_count.
func (r *SuspensionRepository) UpdateContext(ctx context.Context, id uuid.UUID, execContext json.RawMessage) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE suspensions SET execution_context = $2 WHERE id = $1 AND resumed_at IS NULL
	`, id, execContext)
	if err != nil {
		return fmt.Errorf("failed to update suspension context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("open suspension %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListExpired returns open suspensions whose deadline passed, oldest first.
func (r *SuspensionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Suspension, error) {
	query := `
		SELECT ` + suspensionColumns + `
		FROM suspensions
		WHERE resumed_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired suspensions: %w", err)
	}
	defer rows.Close()

	var expired []*models.Suspension
	for rows.Next() {
		s, err := scanSuspension(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan suspension: %w", err)
		}
		expired = append(expired, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired suspensions: %w", err)
	}

	return expired, nil
}
