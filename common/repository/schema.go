package repository

import (
	"context"
	"fmt"

	"github.com/swiftgrid/controlplane/common/db"
)

// schema is the full DDL, written to be re-runnable on every startup.
const schema = `
CREATE TABLE IF NOT EXISTS workflows (
    id                BIGSERIAL PRIMARY KEY,
    name              TEXT NOT NULL,
    draft_graph       JSONB NOT NULL DEFAULT '{"nodes":[],"edges":[]}',
    active_version_id BIGINT,
    webhook_enabled   BOOLEAN NOT NULL DEFAULT FALSE,
    webhook_secret    TEXT,
    schedule_enabled  BOOLEAN NOT NULL DEFAULT FALSE,
    schedule_cron     TEXT,
    schedule_timezone TEXT,
    schedule_input    JSONB,
    overlap_mode      TEXT NOT NULL DEFAULT 'skip',
    next_run_at       TIMESTAMPTZ,
    share_revocation  INT NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS workflow_versions (
    id             BIGSERIAL PRIMARY KEY,
    workflow_id    BIGINT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    version_number INT NOT NULL,
    graph          JSONB NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (workflow_id, version_number)
);

CREATE TABLE IF NOT EXISTS workflow_runs (
    id                  UUID PRIMARY KEY,
    workflow_id         BIGINT REFERENCES workflows(id) ON DELETE SET NULL,
    workflow_version_id BIGINT,
    snapshot_graph      JSONB NOT NULL,
    status              TEXT NOT NULL DEFAULT 'pending',
    trigger_type        TEXT NOT NULL,
    input_data          JSONB,
    output_data         JSONB,
    parent_run_id       UUID,
    parent_node_id      TEXT,
    depth               INT NOT NULL DEFAULT 0,
    pinned              BOOLEAN NOT NULL DEFAULT FALSE,
    started_at          TIMESTAMPTZ,
    finished_at         TIMESTAMPTZ,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_runs_workflow ON workflow_runs (workflow_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_active ON workflow_runs (status) WHERE status IN ('pending','running','suspended');
CREATE INDEX IF NOT EXISTS idx_runs_parent ON workflow_runs (parent_run_id) WHERE parent_run_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS run_events (
    id          BIGSERIAL PRIMARY KEY,
    run_id      UUID NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
    node_id     TEXT,
    event_type  TEXT NOT NULL,
    retry_count INT NOT NULL DEFAULT 0,
    payload     JSONB,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_events_run ON run_events (run_id, id);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_node_attempt_event
    ON run_events (run_id, node_id, event_type, retry_count)
    WHERE node_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS run_chunks (
    id          BIGSERIAL PRIMARY KEY,
    run_id      UUID NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
    node_id     TEXT NOT NULL,
    chunk_index INT NOT NULL,
    chunk_type  TEXT NOT NULL,
    content     TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_chunks_run ON run_chunks (run_id, node_id, chunk_index);

CREATE TABLE IF NOT EXISTS suspensions (
    id                UUID PRIMARY KEY,
    run_id            UUID NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
    node_id           TEXT NOT NULL,
    suspension_type   TEXT NOT NULL,
    resume_token      TEXT UNIQUE,
    resume_after      TIMESTAMPTZ,
    execution_context JSONB,
    expires_at        TIMESTAMPTZ,
    resumed_at        TIMESTAMPTZ,
    resumed_by        TEXT,
    resume_payload    JSONB,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_open_suspension
    ON suspensions (run_id, node_id, suspension_type)
    WHERE resumed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_suspensions_expiry
    ON suspensions (expires_at)
    WHERE resumed_at IS NULL AND expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS scheduled_jobs (
    id            BIGSERIAL PRIMARY KEY,
    run_id        UUID NOT NULL,
    node_id       TEXT NOT NULL,
    scheduled_for TIMESTAMPTZ NOT NULL,
    payload       JSONB NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_scheduled_due ON scheduled_jobs (scheduled_for);

CREATE TABLE IF NOT EXISTS batch_operations (
    id                UUID PRIMARY KEY,
    run_id            UUID NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
    node_id           TEXT NOT NULL,
    total_items       INT NOT NULL,
    concurrency_limit INT NOT NULL,
    fail_fast         BOOLEAN NOT NULL DEFAULT FALSE,
    timeout_ms        BIGINT,
    child_graph       JSONB NOT NULL,
    child_version_id  BIGINT,
    child_depth       INT NOT NULL,
    items             JSONB NOT NULL,
    current_index     INT NOT NULL DEFAULT 0,
    active_count      INT NOT NULL DEFAULT 0,
    completed_count   INT NOT NULL DEFAULT 0,
    failed_count      INT NOT NULL DEFAULT 0,
    status            TEXT NOT NULL DEFAULT 'running',
    started_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at      TIMESTAMPTZ,
    CHECK (completed_count + failed_count <= total_items)
);

CREATE TABLE IF NOT EXISTS batch_results (
    batch_id     UUID NOT NULL REFERENCES batch_operations(id) ON DELETE CASCADE,
    item_index   INT NOT NULL,
    child_run_id UUID,
    success      BOOLEAN NOT NULL,
    output       JSONB,
    error        TEXT,
    duration_ms  BIGINT,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (batch_id, item_index)
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    workflow_id     BIGINT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    idempotency_key TEXT NOT NULL,
    response_status INT NOT NULL,
    response_body   JSONB,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (workflow_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS secrets (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// InitSchema applies the DDL. Runs at service startup via the bootstrap DB
// init hook; every statement is idempotent.
func InitSchema(database *db.DB) error {
	if _, err := database.Pool.Exec(context.Background(), schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
