package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/swiftgrid/controlplane/common/jobs"
	"github.com/swiftgrid/controlplane/common/lifecycle"
	"github.com/swiftgrid/controlplane/common/models"
	"github.com/swiftgrid/controlplane/common/repository"
)

// notifyParent propagates a child run's terminal state to the node that
// spawned it. Map children report into their batch; subflow children
// resolve (or retry) the parent's suspension.
func (e *Engine) notifyParent(ctx context.Context, child *models.WorkflowRun, status models.RunStatus, output json.RawMessage) error {
	success := status == models.RunCompleted

	switch child.Trigger {
	case models.TriggerMap:
		return e.notifyBatch(ctx, child, success, output)
	case models.TriggerSubflow:
		return e.notifySubflow(ctx, child, success, output)
	default:
		e.log.Warn("child run with unexpected trigger",
			"run_id", child.ID, "trigger", child.Trigger)
		return nil
	}
}

func (e *Engine) notifyBatch(ctx context.Context, child *models.WorkflowRun, success bool, output json.RawMessage) error {
	batchID := gjson.GetBytes(child.InputData, "batch_id").String()
	if batchID == "" {
		return fmt.Errorf("map child %s has no batch_id in input", child.ID)
	}
	itemIndex := gjson.GetBytes(child.InputData, "index").Int()

	data := map[string]any{
		"batch_id":     batchID,
		"item_index":   itemIndex,
		"child_run_id": child.ID.String(),
		"success":      success,
		"output":       json.RawMessage(normalizeBody(output)),
		"duration_ms":  childDuration(child),
	}
	if !success {
		data["error"] = "child run failed"
	}

	if child.ParentNodeID == nil {
		return fmt.Errorf("map child %s has no parent node", child.ID)
	}

	return e.bus.PublishJob(ctx, &jobs.Job{
		ID:    *child.ParentNodeID,
		RunID: child.ParentRunID.String(),
		Node:  jobs.Node{Type: jobs.TypeMapChildComplete, Data: data},
	})
}

func (e *Engine) notifySubflow(ctx context.Context, child *models.WorkflowRun, success bool, output json.RawMessage) error {
	if child.ParentNodeID == nil {
		return fmt.Errorf("subflow child %s has no parent node", child.ID)
	}
	parentRunID := *child.ParentRunID
	parentNodeID := *child.ParentNodeID

	tx, err := e.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning parent tx: %w", err)
	}
	defer tx.Rollback(ctx)

	runsTx := e.runs.WithTx(tx)
	suspTx := e.suspensions.WithTx(tx)

	if err := runsTx.AcquireStepLock(ctx, parentRunID); err != nil {
		return err
	}

	parent, err := runsTx.GetByID(ctx, parentRunID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			e.log.Warn("parent run gone, dropping subflow completion",
				"child_run_id", child.ID, "parent_run_id", parentRunID)
			return nil
		}
		return err
	}
	if parent.Status.IsTerminal() {
		e.log.Debug("parent already terminal", "parent_run_id", parentRunID)
		return tx.Commit(ctx)
	}

	susp, err := suspTx.GetOpen(ctx, parentRunID, parentNodeID, models.SuspendSubflow)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			e.log.Warn("no open subflow suspension, likely swept",
				"parent_run_id", parentRunID, "node_id", parentNodeID)
			return tx.Commit(ctx)
		}
		return err
	}

	var sctx models.SubflowContext
	if err := json.Unmarshal(susp.ExecContext, &sctx); err != nil {
		return fmt.Errorf("decoding subflow context: %w", err)
	}
	if sctx.ChildRunID != child.ID {
		e.log.Warn("completion from superseded subflow child dropped",
			"parent_run_id", parentRunID, "child_run_id", child.ID, "expected", sctx.ChildRunID)
		return tx.Commit(ctx)
	}

	// Failed child with retries left: spawn a fresh child under the same
	// suspension instead of resuming the parent.
	if !success && sctx.RetryCount < sctx.MaxRetries {
		replacement, err := e.lifecycle.CreateInTx(ctx, tx, lifecycle.CreateParams{
			WorkflowID:   child.WorkflowID,
			VersionID:    child.WorkflowVersionID,
			Graph:        child.SnapshotGraph,
			Input:        child.InputData,
			Trigger:      models.TriggerSubflow,
			ParentRunID:  &parentRunID,
			ParentNodeID: &parentNodeID,
			Depth:        child.Depth,
		})
		if err != nil {
			return err
		}

		sctx.RetryCount++
		sctx.ChildRunID = replacement.ID
		updated, err := json.Marshal(sctx)
		if err != nil {
			return fmt.Errorf("encoding subflow context: %w", err)
		}
		if err := suspTx.UpdateContext(ctx, susp.ID, updated); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing subflow retry: %w", err)
		}

		e.log.Info("subflow child retry spawned",
			"parent_run_id", parentRunID, "node_id", parentNodeID,
			"attempt", sctx.RetryCount, "child_run_id", replacement.ID)
		return e.bus.EnqueueRun(ctx, replacement.ID)
	}

	resolved, err := suspTx.Resolve(ctx, susp.ID, "child:"+child.ID.String(), output)
	if err != nil {
		return err
	}
	if !resolved {
		e.log.Debug("subflow suspension already resolved", "suspension_id", susp.ID)
		return tx.Commit(ctx)
	}

	if _, err := e.events.WithTx(tx).Append(ctx, &models.RunEvent{
		RunID:      parentRunID,
		NodeID:     &parentNodeID,
		EventType:  models.EventNodeResumed,
		RetryCount: sctx.RetryCount,
		Payload:    json.RawMessage(`{"source":"subflow"}`),
	}); err != nil {
		return err
	}

	if _, err := runsTx.Transition(ctx, parentRunID,
		[]models.RunStatus{models.RunSuspended}, models.RunRunning); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing subflow resume: %w", err)
	}

	data := map[string]any{
		"child_run_id":  child.ID.String(),
		"success":       success,
		"output":        json.RawMessage(normalizeBody(output)),
		"fail_on_error": sctx.FailOnError,
		"output_path":   sctx.OutputPath,
	}

	return e.bus.PublishJob(ctx, &jobs.Job{
		ID:    parentNodeID,
		RunID: parentRunID.String(),
		Node:  jobs.Node{Type: jobs.TypeSubflowResume, Data: data},
	})
}

func childDuration(child *models.WorkflowRun) int64 {
	if child.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if child.FinishedAt != nil {
		end = *child.FinishedAt
	}
	return end.Sub(*child.StartedAt).Milliseconds()
}
