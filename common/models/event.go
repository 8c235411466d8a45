package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the append-only run event log entries.
type EventType string

const (
	EventRunCreated   EventType = "RUN_CREATED"
	EventRunStarted   EventType = "RUN_STARTED"
	EventRunCompleted EventType = "RUN_COMPLETED"
	EventRunFailed    EventType = "RUN_FAILED"
	EventRunCancelled EventType = "RUN_CANCELLED"

	EventNodeScheduled      EventType = "NODE_SCHEDULED"
	EventNodeStarted        EventType = "NODE_STARTED"
	EventNodeCompleted      EventType = "NODE_COMPLETED"
	EventNodeFailed         EventType = "NODE_FAILED"
	EventNodeRetryScheduled EventType = "NODE_RETRY_SCHEDULED"
	EventNodeSuspended      EventType = "NODE_SUSPENDED"
	EventNodeResumed        EventType = "NODE_RESUMED"
)

// RunEvent is one entry in the append-only run log. Events are never updated
// or deleted; (run_id, node_id, retry_count, event_type) is the idempotency
// key for node-attempt events.
// Maps to: run_events table
type RunEvent struct {
	ID         int64           `db:"id" json:"id"`
	RunID      uuid.UUID       `db:"run_id" json:"runId"`
	NodeID     *string         `db:"node_id" json:"nodeId,omitempty"`
	EventType  EventType       `db:"event_type" json:"eventType"`
	RetryCount int             `db:"retry_count" json:"retryCount"`
	Payload    json.RawMessage `db:"payload" json:"payload,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
}

// NodeState is the per-node aggregate the orchestrator derives from the
// event log: has the node ever completed, has it been dispatched, and how do
// its failure and retry attempts line up.
type NodeState struct {
	NodeID            string
	Completed         bool
	Dispatched        bool
	MaxFailedRetry    *int
	MaxRetryScheduled *int
}

// FailedFinal reports whether the node's latest attempt failed with no
// retry outstanding.
func (s NodeState) FailedFinal() bool {
	if s.Completed || s.MaxFailedRetry == nil {
		return false
	}
	if s.MaxRetryScheduled == nil {
		return true
	}
	return *s.MaxRetryScheduled <= *s.MaxFailedRetry
}

// Done reports whether the node needs no further work.
func (s NodeState) Done() bool {
	return s.Completed || s.FailedFinal()
}

// RunChunk is one persisted streaming fragment emitted by a node.
// Maps to: run_chunks table
type RunChunk struct {
	ID         int64     `db:"id" json:"id"`
	RunID      uuid.UUID `db:"run_id" json:"runId"`
	NodeID     string    `db:"node_id" json:"nodeId"`
	ChunkIndex int       `db:"chunk_index" json:"chunkIndex"`
	ChunkType  ChunkType `db:"chunk_type" json:"chunkType"`
	Content    string    `db:"content" json:"content"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// ChunkType classifies streaming fragments.
type ChunkType string

const (
	ChunkProgress ChunkType = "progress"
	ChunkData     ChunkType = "data"
	ChunkToken    ChunkType = "token"
	ChunkError    ChunkType = "error"
	ChunkComplete ChunkType = "complete"
)
