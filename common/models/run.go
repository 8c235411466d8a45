package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the status of a workflow run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunSuspended RunStatus = "suspended"
)

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// TriggerType records what started a run.
type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerWebhook TriggerType = "webhook"
	TriggerCron    TriggerType = "cron"
	TriggerSubflow TriggerType = "subflow"
	TriggerMap     TriggerType = "map"
)

// WorkflowRun is one execution of a workflow graph. The snapshot graph is
// copied at creation and never changes afterwards.
// Maps to: workflow_runs table
type WorkflowRun struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	WorkflowID        *int64          `db:"workflow_id" json:"workflowId,omitempty"`
	WorkflowVersionID *int64          `db:"workflow_version_id" json:"workflowVersionId,omitempty"`
	SnapshotGraph     json.RawMessage `db:"snapshot_graph" json:"snapshotGraph"`
	Status            RunStatus       `db:"status" json:"status"`
	Trigger           TriggerType     `db:"trigger" json:"trigger"`
	InputData         json.RawMessage `db:"input_data" json:"inputData,omitempty"`
	OutputData        json.RawMessage `db:"output_data" json:"outputData,omitempty"`

	// Child-run linkage for subflow and map children.
	ParentRunID  *uuid.UUID `db:"parent_run_id" json:"parentRunId,omitempty"`
	ParentNodeID *string    `db:"parent_node_id" json:"parentNodeId,omitempty"`
	Depth        int        `db:"depth" json:"depth"`

	Pinned     bool       `db:"pinned" json:"pinned"`
	StartedAt  *time.Time `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finishedAt,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updatedAt"`
}

// RunListFilter narrows GET /runs queries. Cursor is the id of the last run
// from the previous page.
type RunListFilter struct {
	WorkflowID *int64
	Status     *RunStatus
	Trigger    *TriggerType
	Pinned     *bool
	Cursor     *uuid.UUID
	Limit      int
}
