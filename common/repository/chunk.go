package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/swiftgrid/controlplane/common/models"
)

// ChunkRepository persists streaming fragments for replay.
type ChunkRepository struct {
	db DBTX
}

// NewChunkRepository creates a new chunk repository
func NewChunkRepository(db DBTX) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// Append stores one chunk.
func (r *ChunkRepository) Append(ctx context.Context, c *models.RunChunk) error {
	query := `
		INSERT INTO run_chunks (run_id, node_id, chunk_index, chunk_type, content)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query, c.RunID, c.NodeID, c.ChunkIndex, c.ChunkType, c.Content).
		Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append chunk: %w", err)
	}
	return nil
}

// ListByRun returns a run's chunks in stream order.
func (r *ChunkRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]*models.RunChunk, error) {
	query := `
		SELECT id, run_id, node_id, chunk_index, chunk_type, content, created_at
		FROM run_chunks
		WHERE run_id = $1
		ORDER BY node_id, chunk_index, id
	`

	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.RunChunk
	for rows.Next() {
		c := &models.RunChunk{}
		if err := rows.Scan(&c.ID, &c.RunID, &c.NodeID, &c.ChunkIndex, &c.ChunkType, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}

	return chunks, nil
}
