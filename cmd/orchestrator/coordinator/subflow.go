package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/swiftgrid/controlplane/common/jobs"
	"github.com/swiftgrid/controlplane/common/lifecycle"
	"github.com/swiftgrid/controlplane/common/models"
	"github.com/swiftgrid/controlplane/common/repository"
)

// handleSubflow spawns a child run and parks the parent node behind a
// subflow suspension until the child reaches a terminal state.
func (c *Coordinator) handleSubflow(ctx context.Context, job *jobs.Job) error {
	runID, proceed, err := c.runFor(ctx, job)
	if err != nil || !proceed {
		return err
	}

	d := job.Node.Data
	currentDepth := dataInt(d, "current_depth")
	depthLimit := dataInt(d, "depth_limit")

	if currentDepth+1 > depthLimit {
		return c.publishErrorResult(ctx, job, 500,
			fmt.Sprintf("subflow depth limit %d exceeded", depthLimit))
	}

	workflowID := dataInt64(d, "workflow_id")
	var versionID *int64
	if _, ok := d["version_id"]; ok {
		v := dataInt64(d, "version_id")
		versionID = &v
	}

	childGraph, resolvedVersion, err := c.resolveChildGraph(ctx, workflowID, versionID)
	if err != nil {
		return c.publishErrorResult(ctx, job, 500, err.Error())
	}

	input, err := json.Marshal(d["input"])
	if err != nil {
		return fmt.Errorf("encoding subflow input: %w", err)
	}

	timeoutMs := dataInt64(d, "timeout_ms")

	tx, err := c.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning subflow tx: %w", err)
	}
	defer tx.Rollback(ctx)

	runsTx := c.runs.WithTx(tx)
	if err := runsTx.AcquireStepLock(ctx, runID); err != nil {
		return err
	}

	child, err := c.lifecycle.CreateInTx(ctx, tx, lifecycle.CreateParams{
		WorkflowID:   &workflowID,
		VersionID:    resolvedVersion,
		Graph:        childGraph,
		Input:        input,
		Trigger:      models.TriggerSubflow,
		ParentRunID:  &runID,
		ParentNodeID: &job.ID,
		Depth:        currentDepth + 1,
	})
	if err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]any{
		"type":         models.SuspendSubflow,
		"child_run_id": child.ID,
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
		c.log.Debug("subflow already suspended", "run_id", runID, "node_id", job.ID)
		return nil
	}

	execCtx, err := json.Marshal(models.SubflowContext{
		WorkflowID:  workflowID,
		VersionID:   resolvedVersion,
		ChildRunID:  child.ID,
		OutputPath:  dataString(d, "output_path"),
		DepthLimit:  depthLimit,
		TimeoutMs:   timeoutMs,
		FailOnError: dataBool(d, "fail_on_error"),
		MaxRetries:  dataInt(d, "max_retries"),
	})
	if err != nil {
		return fmt.Errorf("encoding subflow context: %w", err)
	}

	susp := &models.Suspension{
		ID:             uuid.New(),
		RunID:          runID,
		NodeID:         job.ID,
		SuspensionType: models.SuspendSubflow,
		ExecContext:    execCtx,
	}
	if timeoutMs > 0 {
		expires := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
		susp.ExpiresAt = &expires
	}
	if err := c.suspensions.WithTx(tx).Create(ctx, susp); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil
		}
		return err
	}

	if _, err := runsTx.Transition(ctx, runID,
		[]models.RunStatus{models.RunRunning}, models.RunSuspended); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing subflow tx: %w", err)
	}

	c.log.Info("subflow child spawned",
		"run_id", runID, "node_id", job.ID, "child_run_id", child.ID, "depth", currentDepth+1)
	return c.bus.EnqueueRun(ctx, child.ID)
}

// handleSubflowResume turns a resolved subflow suspension into the parent
// node's completing result.
func (c *Coordinator) handleSubflowResume(ctx context.Context, job *jobs.Job) error {
	d := job.Node.Data
	childRunID := dataString(d, "child_run_id")

	output, err := json.Marshal(d["output"])
	if err != nil {
		return fmt.Errorf("encoding subflow output: %w", err)
	}

	if dataBool(d, "success") {
		if path := dataString(d, "output_path"); path != "" {
			if extracted := gjson.GetBytes(output, path); extracted.Exists() {
				output = json.RawMessage(extracted.Raw)
			}
		}
		return c.bus.PublishResult(ctx, &jobs.Result{
			NodeID:     job.ID,
			RunID:      job.RunID,
			StatusCode: 200,
			Body:       output,
		})
	}

	if dataBool(d, "fail_on_error") {
		return c.publishErrorResult(ctx, job, 500,
			fmt.Sprintf("subflow child run %s failed", childRunID))
	}

	// Soft failure: success-class result carrying the error route so the
	// graph's error edge can handle it.
	body, _ := json.Marshal(map[string]any{
		"route_to":     "error",
		"error":        "subflow child run failed",
		"child_run_id": childRunID,
		"output":       json.RawMessage(output),
	})
	return c.bus.PublishResult(ctx, &jobs.Result{
		NodeID:     job.ID,
		RunID:      job.RunID,
		StatusCode: 299,
		Body:       body,
	})
}

func (c *Coordinator) publishErrorResult(ctx context.Context, job *jobs.Job, status int, msg string) error {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return c.bus.PublishResult(ctx, &jobs.Result{
		NodeID:     job.ID,
		RunID:      job.RunID,
		StatusCode: status,
		Body:       body,
	})
}

// resolveChildGraph picks the graph a child run executes: an explicitly
// pinned version, or the workflow's active published version.
func (c *Coordinator) resolveChildGraph(ctx context.Context, workflowID int64, versionID *int64) (json.RawMessage, *int64, error) {
	if versionID != nil {
		v, err := c.versions.GetByID(ctx, *versionID)
		if err != nil {
			return nil, nil, fmt.Errorf("pinned version %d not found", *versionID)
		}
		if v.WorkflowID != workflowID {
			return nil, nil, fmt.Errorf("version %d does not belong to workflow %d", *versionID, workflowID)
		}
		return v.Graph, &v.ID, nil
	}

	v, err := c.versions.GetActive(ctx, workflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("workflow %d has no published version", workflowID)
	}
	return v.Graph, &v.ID, nil
}
