package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/swiftgrid/controlplane/common/models"
)

// SecretRepository stores interpolation secrets.
type SecretRepository struct {
	db DBTX
}

// NewSecretRepository creates a new secret repository
func NewSecretRepository(db DBTX) *SecretRepository {
	return &SecretRepository{db: db}
}

// Upsert writes a secret value.
func (r *SecretRepository) Upsert(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO secrets (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`

	_, err := r.db.Exec(ctx, query, key, value)
	if err != nil {
		return fmt.Errorf("failed to upsert secret: %w", err)
	}
	return nil
}

// Get returns one secret.
func (r *SecretRepository) Get(ctx context.Context, key string) (*models.Secret, error) {
	query := `SELECT key, value, created_at, updated_at FROM secrets WHERE key = $1`

	s := &models.Secret{}
	err := r.db.QueryRow(ctx, query, key).Scan(&s.Key, &s.Value, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("secret %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}
	return s, nil
}

// All returns every secret as a key → value map for the interpolation cache.
func (r *SecretRepository) All(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.Query(ctx, `SELECT key, value FROM secrets`)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	defer rows.Close()

	secrets := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		secrets[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating secrets: %w", err)
	}

	return secrets, nil
}

// ListKeys returns secret names only, for the management API.
func (r *SecretRepository) ListKeys(ctx context.Context) ([]*models.Secret, error) {
	rows, err := r.db.Query(ctx, `SELECT key, created_at, updated_at FROM secrets ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	var secrets []*models.Secret
	for rows.Next() {
		s := &models.Secret{}
		if err := rows.Scan(&s.Key, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		secrets = append(secrets, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating secrets: %w", err)
	}

	return secrets, nil
}

// Delete removes a secret.
func (r *SecretRepository) Delete(ctx context.Context, key string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM secrets WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("secret %s: %w", key, ErrNotFound)
	}
	return nil
}
