package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/swiftgrid/controlplane/common/jobs"
	"github.com/swiftgrid/controlplane/common/models"
)

// handleWebhookWait parks the node until POST /webhooks/resume/{token}
// arrives or the timeout sweeper fires. The token is surfaced in the
// NODE_SUSPENDED payload so run watchers can hand it to the external
// system.
func (c *Coordinator) handleWebhookWait(ctx context.Context, job *jobs.Job) error {
	runID, proceed, err := c.runFor(ctx, job)
	if err != nil || !proceed {
		return err
	}

	d := job.Node.Data
	timeoutMs := dataInt64(d, "timeout_ms")
	description := dataString(d, "description")

	token := newResumeToken()
	expiresAt := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)

	tx, err := c.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning webhook-wait tx: %w", err)
	}
	defer tx.Rollback(ctx)

	runsTx := c.runs.WithTx(tx)
	if err := runsTx.AcquireStepLock(ctx, runID); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]any{
		"type":         models.SuspendWebhook,
		"resume_token": token,
		"expires_at":   expiresAt,
		"description":  description,
	})
	written, err := c.events.WithTx(tx).Append(ctx, &models.RunEvent{
		RunID:     runID,
		NodeID:    &job.ID,
		EventType: models.EventNodeSuspended,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	if !written {
		c.log.Debug("webhook wait already suspended", "run_id", runID, "node_id", job.ID)
		return nil
	}

	execCtx, _ := json.Marshal(map[string]any{"description": description, "timeout_ms": timeoutMs})
	if err := c.suspensions.WithTx(tx).Create(ctx, &models.Suspension{
		ID:             uuid.New(),
		RunID:          runID,
		NodeID:         job.ID,
		SuspensionType: models.SuspendWebhook,
		ResumeToken:    &token,
		ExecContext:    execCtx,
		ExpiresAt:      &expiresAt,
	}); err != nil {
		return err
	}

	if _, err := runsTx.Transition(ctx, runID,
		[]models.RunStatus{models.RunRunning}, models.RunSuspended); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing webhook-wait tx: %w", err)
	}

	c.log.Info("webhook wait suspended",
		"run_id", runID, "node_id", job.ID, "expires_at", expiresAt)
	return nil
}

// handleWebhookResume completes the webhook-wait node with the caller's
// payload. The suspension itself was already resolved by the intake API;
// this message exists so the completion flows through the results stream
// like every other node outcome.
func (c *Coordinator) handleWebhookResume(ctx context.Context, job *jobs.Job) error {
	payload, err := json.Marshal(job.Node.Data["payload"])
	if err != nil {
		return fmt.Errorf("encoding resume payload: %w", err)
	}

	return c.bus.PublishResult(ctx, &jobs.Result{
		NodeID:     job.ID,
		RunID:      job.RunID,
		StatusCode: 200,
		Body:       payload,
	})
}

func newResumeToken() string {
	return strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
}
