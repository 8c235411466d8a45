// Package jobs defines the wire types exchanged over the bus between the
// control plane and the worker fleet, and the builder that turns graph
// nodes into dispatchable jobs.
package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Type discriminates job payloads on the jobs stream. Worker-executed types
// are claimed by the external fleet; control types are claimed by the
// orchestrator's own coordinator group.
type Type string

const (
	TypeHTTP        Type = "HTTP"
	TypeCode        Type = "CODE"
	TypeLLM         Type = "LLM"
	TypeDelay       Type = "DELAY"
	TypeWebhookWait Type = "WEBHOOKWAIT"
	TypeRouter      Type = "ROUTER"
	TypeSubflow     Type = "SUBFLOW"
	TypeMap         Type = "MAP"

	// Internal control messages that never reach workers.
	TypeSubflowResume    Type = "SUBFLOWRESUME"
	TypeMapChildComplete Type = "MAPCHILDCOMPLETE"
	TypeWebhookResume    Type = "WEBHOOKRESUME"
)

// Control reports whether the type is handled by the coordinator rather
// than an external worker.
func (t Type) Control() bool {
	switch t {
	case TypeHTTP, TypeCode, TypeLLM:
		return false
	default:
		return true
	}
}

// Node carries the job's type and its resolved configuration.
type Node struct {
	Type Type           `json:"type"`
	Data map[string]any `json:"data"`
}

// Job is one unit of work on the jobs stream. NodeID doubles as the graph
// node id the eventual result is attributed to.
type Job struct {
	ID         string `json:"id"`
	RunID      string `json:"run_id"`
	Node       Node   `json:"node"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
}

// Result is one node outcome on the results stream. Status codes follow
// HTTP semantics: any 2xx is success, 499 marks a cancelled execution, and
// 299 is the success-class code control nodes use to carry route_to.
type Result struct {
	NodeID     string          `json:"node_id"`
	RunID      string          `json:"run_id"`
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	Timestamp  int64           `json:"timestamp"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// Succeeded reports whether the status code is success-class.
func (r *Result) Succeeded() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Cancelled reports whether the execution was aborted by a cancel signal.
func (r *Result) Cancelled() bool {
	return r.StatusCode == 499
}

// Chunk is one streaming fragment on the chunks stream, emitted by workers
// while a node is still running.
type Chunk struct {
	RunID      string `json:"run_id"`
	NodeID     string `json:"node_id"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkType  string `json:"chunk_type"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
}

// RunRequest asks the orchestrator to start a created run. Intake services
// enqueue these instead of driving the run loop themselves.
type RunRequest struct {
	RunID uuid.UUID `json:"run_id"`
}

// Retryable status codes: timeouts, throttling, and upstream 5xx that a
// fresh attempt can plausibly clear.
var retryableStatus = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// RetryableStatus reports whether a failure status qualifies for scheduled
// retry.
func RetryableStatus(code int) bool {
	return retryableStatus[code]
}
