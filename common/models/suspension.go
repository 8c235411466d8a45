package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SuspensionType classifies why a node is paused.
type SuspensionType string

const (
	SuspendWebhook  SuspensionType = "webhook"
	SuspendApproval SuspensionType = "approval"
	SuspendSleep    SuspensionType = "sleep"
	SuspendSubflow  SuspensionType = "subflow"
)

// Suspension records that a node's execution is paused pending an external
// event or a child run. At most one unresolved suspension may exist per
// (run_id, node_id, suspension_type).
// Maps to: suspensions table
type Suspension struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	RunID          uuid.UUID       `db:"run_id" json:"runId"`
	NodeID         string          `db:"node_id" json:"nodeId"`
	SuspensionType SuspensionType  `db:"suspension_type" json:"suspensionType"`
	ResumeToken    *string         `db:"resume_token" json:"-"`
	ResumeAfter    *time.Time      `db:"resume_after" json:"resumeAfter,omitempty"`
	ExecContext    json.RawMessage `db:"execution_context" json:"executionContext,omitempty"`
	ExpiresAt      *time.Time      `db:"expires_at" json:"expiresAt,omitempty"`

	ResumedAt     *time.Time      `db:"resumed_at" json:"resumedAt,omitempty"`
	ResumedBy     *string         `db:"resumed_by" json:"resumedBy,omitempty"`
	ResumePayload json.RawMessage `db:"resume_payload" json:"resumePayload,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Resolved reports whether the suspension has already been resumed.
func (s *Suspension) Resolved() bool {
	return s.ResumedAt != nil
}

// Expired reports whether the suspension's deadline has passed.
func (s *Suspension) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// SubflowContext is the execution_context payload of a subflow suspension.
// It carries everything needed to retry or resume the parent node.
type SubflowContext struct {
	WorkflowID  int64          `json:"workflow_id"`
	VersionID   *int64         `json:"version_id,omitempty"`
	ChildRunID  uuid.UUID      `json:"child_run_id"`
	Input       map[string]any `json:"input,omitempty"`
	OutputPath  string         `json:"output_path,omitempty"`
	DepthLimit  int            `json:"depth_limit"`
	TimeoutMs   int64          `json:"timeout_ms,omitempty"`
	FailOnError bool           `json:"fail_on_error"`
	MaxRetries  int            `json:"max_retries"`
	RetryCount  int            `json:"retry_count"`
}

// ScheduledJob is a future-dated work unit. The mover claims due rows and
// promotes their payloads onto the bus.
// Maps to: scheduled_jobs table
type ScheduledJob struct {
	ID           int64           `db:"id" json:"id"`
	RunID        uuid.UUID       `db:"run_id" json:"runId"`
	NodeID       string          `db:"node_id" json:"nodeId"`
	ScheduledFor time.Time       `db:"scheduled_for" json:"scheduledFor"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
}
