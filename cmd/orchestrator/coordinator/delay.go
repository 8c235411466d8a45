package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swiftgrid/controlplane/common/jobs"
	"github.com/swiftgrid/controlplane/common/models"
)

// handleDelay pauses a run for a fixed duration. Short delays sleep in
// place; anything longer parks in a sleep suspension plus a scheduled job
// that the mover promotes back onto this stream with the resume marker.
func (c *Coordinator) handleDelay(ctx context.Context, job *jobs.Job) error {
	runID, proceed, err := c.runFor(ctx, job)
	if err != nil || !proceed {
		return err
	}

	d := job.Node.Data

	if dataBool(d, "resume") {
		return c.resumeDelay(ctx, runID, job)
	}

	duration := time.Duration(dataInt64(d, "duration_ms")) * time.Millisecond

	if duration <= inlineDelayMax {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(duration):
		}
		return c.publishDelayed(ctx, job, duration.Milliseconds())
	}

	tx, err := c.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning delay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	runsTx := c.runs.WithTx(tx)
	if err := runsTx.AcquireStepLock(ctx, runID); err != nil {
		return err
	}

	resumeAt := time.Now().Add(duration)
	payload, _ := json.Marshal(map[string]any{
		"type":         models.SuspendSleep,
		"resume_after": resumeAt,
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
		c.log.Debug("delay already suspended", "run_id", runID, "node_id", job.ID)
		return nil
	}

	execCtx, _ := json.Marshal(map[string]any{"duration_ms": duration.Milliseconds()})
	if err := c.suspensions.WithTx(tx).Create(ctx, &models.Suspension{
		ID:             uuid.New(),
		RunID:          runID,
		NodeID:         job.ID,
		SuspensionType: models.SuspendSleep,
		ResumeAfter:    &resumeAt,
		ExecContext:    execCtx,
	}); err != nil {
		return err
	}

	if _, err := runsTx.Transition(ctx, runID,
		[]models.RunStatus{models.RunRunning}, models.RunSuspended); err != nil {
		return err
	}

	resumeJob := *job
	resumeJob.Node.Data = map[string]any{
		"resume":            true,
		"duration_ms":       0,
		"original_delay_ms": duration.Milliseconds(),
	}
	jobRaw, err := json.Marshal(&resumeJob)
	if err != nil {
		return fmt.Errorf("encoding delay resume job: %w", err)
	}
	if err := c.schedules.WithTx(tx).Create(ctx, &models.ScheduledJob{
		RunID:        runID,
		NodeID:       job.ID,
		ScheduledFor: resumeAt,
		Payload:      jobRaw,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing delay tx: %w", err)
	}

	c.log.Info("delay suspended",
		"run_id", runID, "node_id", job.ID, "resume_at", resumeAt)
	return nil
}

// resumeDelay closes the sleep suspension once the mover promotes the
// scheduled resume job.
func (c *Coordinator) resumeDelay(ctx context.Context, runID uuid.UUID, job *jobs.Job) error {
	tx, err := c.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning delay resume tx: %w", err)
	}
	defer tx.Rollback(ctx)

	runsTx := c.runs.WithTx(tx)
	if err := runsTx.AcquireStepLock(ctx, runID); err != nil {
		return err
	}

	susp, err := c.suspensions.WithTx(tx).GetOpen(ctx, runID, job.ID, models.SuspendSleep)
	if err == nil {
		if _, err := c.suspensions.WithTx(tx).Resolve(ctx, susp.ID, "mover:delay", nil); err != nil {
			return err
		}
	}

	if _, err := c.events.WithTx(tx).Append(ctx, &models.RunEvent{
		RunID:     runID,
		NodeID:    &job.ID,
		EventType: models.EventNodeResumed,
		Payload:   json.RawMessage(`{"source":"sleep"}`),
	}); err != nil {
		return err
	}

	if _, err := runsTx.Transition(ctx, runID,
		[]models.RunStatus{models.RunSuspended}, models.RunRunning); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing delay resume tx: %w", err)
	}

	return c.publishDelayed(ctx, job, dataInt64(job.Node.Data, "original_delay_ms"))
}

func (c *Coordinator) publishDelayed(ctx context.Context, job *jobs.Job, delayedMs int64) error {
	body, _ := json.Marshal(map[string]any{"delayed_ms": delayedMs})
	return c.bus.PublishResult(ctx, &jobs.Result{
		NodeID:     job.ID,
		RunID:      job.RunID,
		StatusCode: 200,
		Body:       body,
	})
}
