package models

import (
	"encoding/json"
	"time"
)

// OverlapMode controls what a cron tick does when earlier cron runs of the
// same workflow are still in flight.
type OverlapMode string

const (
	OverlapSkip     OverlapMode = "skip"
	OverlapQueueOne OverlapMode = "queue_one"
	OverlapParallel OverlapMode = "parallel"
)

// Workflow is the editable definition: a mutable draft graph plus a pointer
// to the active published version.
// Maps to: workflows table
type Workflow struct {
	ID              int64           `db:"id" json:"id"`
	Name            string          `db:"name" json:"name"`
	DraftGraph      json.RawMessage `db:"draft_graph" json:"draftGraph"`
	ActiveVersionID *int64          `db:"active_version_id" json:"activeVersionId,omitempty"`

	WebhookEnabled bool    `db:"webhook_enabled" json:"webhookEnabled"`
	WebhookSecret  *string `db:"webhook_secret" json:"-"`

	ScheduleEnabled  bool            `db:"schedule_enabled" json:"scheduleEnabled"`
	ScheduleCron     *string         `db:"schedule_cron" json:"scheduleCron,omitempty"`
	ScheduleTimezone *string         `db:"schedule_timezone" json:"scheduleTimezone,omitempty"`
	ScheduleInput    json.RawMessage `db:"schedule_input" json:"scheduleInput,omitempty"`
	OverlapMode      OverlapMode     `db:"overlap_mode" json:"overlapMode"`
	NextRunAt        *time.Time      `db:"next_run_at" json:"nextRunAt,omitempty"`

	// Incremented to revoke all outstanding share links at once.
	ShareRevocation int `db:"share_revocation" json:"-"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// WorkflowVersion is an immutable published snapshot of a workflow graph.
// Maps to: workflow_versions table
type WorkflowVersion struct {
	ID            int64           `db:"id" json:"id"`
	WorkflowID    int64           `db:"workflow_id" json:"workflowId"`
	VersionNumber int             `db:"version_number" json:"versionNumber"`
	Graph         json.RawMessage `db:"graph" json:"graph"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
}

// Secret is a named value available to interpolation via $env references.
// Maps to: secrets table
type Secret struct {
	Key       string    `db:"key" json:"key"`
	Value     string    `db:"value" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}
