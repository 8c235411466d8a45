package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BatchStatus tracks a map node's overall progress.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchDraining  BatchStatus = "draining"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// BatchOperation is the control state for one map node execution. Counter
// updates are serialized by a row lock; see the batch repository.
// Maps to: batch_operations table
type BatchOperation struct {
	ID     uuid.UUID `db:"id" json:"id"`
	RunID  uuid.UUID `db:"run_id" json:"runId"`
	NodeID string    `db:"node_id" json:"nodeId"`

	TotalItems       int    `db:"total_items" json:"totalItems"`
	ConcurrencyLimit int    `db:"concurrency_limit" json:"concurrencyLimit"`
	FailFast         bool   `db:"fail_fast" json:"failFast"`
	TimeoutMs        *int64 `db:"timeout_ms" json:"timeoutMs,omitempty"`

	// Resolved child graph, version, and depth, cached so per-item dispatch
	// does not re-resolve versions. ChildVersionID pins respawns (including
	// sweeper-era ones) to the version resolved at batch start.
	ChildGraph     json.RawMessage `db:"child_graph" json:"-"`
	ChildVersionID *int64          `db:"child_version_id" json:"childVersionId,omitempty"`
	ChildDepth     int             `db:"child_depth" json:"childDepth"`

	Items json.RawMessage `db:"items" json:"-"`

	CurrentIndex   int `db:"current_index" json:"currentIndex"`
	ActiveCount    int `db:"active_count" json:"activeCount"`
	CompletedCount int `db:"completed_count" json:"completedCount"`
	FailedCount    int `db:"failed_count" json:"failedCount"`

	Status      BatchStatus `db:"status" json:"status"`
	StartedAt   time.Time   `db:"started_at" json:"startedAt"`
	CompletedAt *time.Time  `db:"completed_at" json:"completedAt,omitempty"`
}

// Done reports whether every item has produced a result.
func (b *BatchOperation) Done() bool {
	return b.CompletedCount+b.FailedCount >= b.TotalItems
}

// Aborted reports whether fail-fast has tripped and dispatch must stop.
func (b *BatchOperation) Aborted() bool {
	return b.FailFast && b.FailedCount > 0
}

// BatchResult is one item's outcome, appended exactly once per item_index.
// Maps to: batch_results table, primary key (batch_id, item_index)
type BatchResult struct {
	BatchID    uuid.UUID       `db:"batch_id" json:"batchId"`
	ItemIndex  int             `db:"item_index" json:"itemIndex"`
	ChildRunID *uuid.UUID      `db:"child_run_id" json:"childRunId,omitempty"`
	Success    bool            `db:"success" json:"success"`
	Output     json.RawMessage `db:"output" json:"output,omitempty"`
	Error      *string         `db:"error" json:"error,omitempty"`
	DurationMs *int64          `db:"duration_ms" json:"durationMs,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
}

// BatchStats summarizes a finished batch for the map node's output.
type BatchStats struct {
	Total           int     `json:"total"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	DurationMs      int64   `json:"duration_ms"`
	DurationSecs    float64 `json:"duration_secs"`
	ItemsPerSec     float64 `json:"items_per_sec"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	ConcurrencyUsed int     `json:"concurrency_used"`
}
