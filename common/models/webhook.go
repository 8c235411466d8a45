package models

import (
	"encoding/json"
	"time"
)

// WebhookDelivery stores the response produced for a webhook trigger so a
// duplicate delivery replays the identical response.
// Maps to: webhook_deliveries table, primary key (workflow_id, idempotency_key)
type WebhookDelivery struct {
	WorkflowID     int64           `db:"workflow_id" json:"workflowId"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotencyKey"`
	ResponseStatus int             `db:"response_status" json:"responseStatus"`
	ResponseBody   json.RawMessage `db:"response_body" json:"responseBody"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
}

// WorkerHealth classifies a worker by heartbeat staleness.
type WorkerHealth string

const (
	WorkerHealthy   WorkerHealth = "healthy"
	WorkerUnhealthy WorkerHealth = "unhealthy"
	WorkerDead      WorkerHealth = "dead"
)

// WorkerHeartbeat is the JSON a worker publishes into the registry hash.
type WorkerHeartbeat struct {
	WorkerID      string  `json:"worker_id"`
	Status        string  `json:"status"`
	MemoryMB      float64 `json:"memory_mb"`
	JobsProcessed int64   `json:"jobs_processed"`
	CurrentJobs   int     `json:"current_jobs"`
	UptimeSecs    int64   `json:"uptime_secs"`
	LastSeen      int64   `json:"last_seen"`
}

// WorkerInfo is the registry's view of one worker: its latest heartbeat plus
// derived health.
type WorkerInfo struct {
	WorkerHeartbeat
	Health WorkerHealth `json:"health"`
}

// RegistrySummary aggregates all live workers for GET /workers.
type RegistrySummary struct {
	Workers          []WorkerInfo `json:"workers"`
	TotalProcessed   int64        `json:"totalProcessed"`
	TotalActive      int          `json:"totalActive"`
	ThroughputPerMin float64      `json:"throughputPerMin"`
	HealthyCount     int          `json:"healthyCount"`
	UnhealthyCount   int          `json:"unhealthyCount"`
}
