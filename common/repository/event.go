package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/swiftgrid/controlplane/common/models"
)

// EventRepository is the append-only run event log. Rows are never updated
// or deleted; node-attempt events are deduplicated on
// (run_id, node_id, event_type, retry_count).
type EventRepository struct {
	db DBTX
}

// NewEventRepository creates a new event repository
func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

// WithTx returns a copy bound to the given transaction.
func (r *EventRepository) WithTx(tx pgx.Tx) *EventRepository {
	return &EventRepository{db: tx}
}

// Append inserts an event. For node events the insert is idempotent; the
// return value reports whether this call actually wrote the row.
func (r *EventRepository) Append(ctx context.Context, event *models.RunEvent) (bool, error) {
	if event.NodeID != nil {
		query := `
			INSERT INTO run_events (run_id, node_id, event_type, retry_count, payload)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (run_id, node_id, event_type, retry_count) WHERE node_id IS NOT NULL
			DO NOTHING
		`
		tag, err := r.db.Exec(ctx, query, event.RunID, event.NodeID, event.EventType, event.RetryCount, event.Payload)
		if err != nil {
			return false, fmt.Errorf("failed to append event: %w", err)
		}
		return tag.RowsAffected() == 1, nil
	}

	query := `
		INSERT INTO run_events (run_id, event_type, retry_count, payload)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.Exec(ctx, query, event.RunID, event.EventType, event.RetryCount, event.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to append event: %w", err)
	}
	return true, nil
}

// ListByRun returns all events of a run in append order.
func (r *EventRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]*models.RunEvent, error) {
	query := `
		SELECT id, run_id, node_id, event_type, retry_count, payload, created_at
		FROM run_events
		WHERE run_id = $1
		ORDER BY id ASC
	`

	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.RunEvent
	for rows.Next() {
		event := &models.RunEvent{}
		err := rows.Scan(&event.ID, &event.RunID, &event.NodeID, &event.EventType, &event.RetryCount, &event.Payload, &event.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// NodeStates aggregates node-attempt events into per-node dispatch and
// completion state. One row per node that has any event.
func (r *EventRepository) NodeStates(ctx context.Context, runID uuid.UUID) (map[string]models.NodeState, error) {
	query := `
		SELECT node_id,
		       BOOL_OR(event_type = 'NODE_COMPLETED') AS completed,
		       BOOL_OR(event_type IN ('NODE_SCHEDULED','NODE_STARTED','NODE_SUSPENDED')) AS dispatched,
		       MAX(CASE WHEN event_type = 'NODE_FAILED' THEN retry_count END) AS max_failed,
		       MAX(CASE WHEN event_type = 'NODE_RETRY_SCHEDULED' THEN retry_count END) AS max_retry
		FROM run_events
		WHERE run_id = $1 AND node_id IS NOT NULL
		GROUP BY node_id
	`

	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate node states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]models.NodeState)
	for rows.Next() {
		var s models.NodeState
		if err := rows.Scan(&s.NodeID, &s.Completed, &s.Dispatched, &s.MaxFailedRetry, &s.MaxRetryScheduled); err != nil {
			return nil, fmt.Errorf("failed to scan node state: %w", err)
		}
		states[s.NodeID] = s
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node states: %w", err)
	}

	return states, nil
}

// NodeOutputs folds NODE_COMPLETED payloads into a node id → result map.
// Later completions (retries) win.
func (r *EventRepository) NodeOutputs(ctx context.Context, runID uuid.UUID) (map[string]json.RawMessage, error) {
	query := `
		SELECT node_id, payload->'result'
		FROM run_events
		WHERE run_id = $1 AND event_type = 'NODE_COMPLETED' AND node_id IS NOT NULL
		ORDER BY id ASC
	`

	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to fold node outputs: %w", err)
	}
	defer rows.Close()

	outputs := make(map[string]json.RawMessage)
	for rows.Next() {
		var nodeID string
		var result json.RawMessage
		if err := rows.Scan(&nodeID, &result); err != nil {
			return nil, fmt.Errorf("failed to scan node output: %w", err)
		}
		outputs[nodeID] = result
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node outputs: %w", err)
	}

	return outputs, nil
}

// HasNodeEvent checks whether a specific attempt event already exists. The
// job consumer uses this to drop duplicate bus deliveries.
func (r *EventRepository) HasNodeEvent(ctx context.Context, runID uuid.UUID, nodeID string, retryCount int, types ...models.EventType) (bool, error) {
	vals := make([]string, len(types))
	for i, t := range types {
		vals[i] = string(t)
	}

	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM run_events
			WHERE run_id = $1 AND node_id = $2 AND retry_count = $3 AND event_type = ANY($4)
		)
	`, runID, nodeID, retryCount, vals).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check node event: %w", err)
	}
	return exists, nil
}
