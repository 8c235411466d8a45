package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/swiftgrid/controlplane/common/jobs"
	"github.com/swiftgrid/controlplane/common/lifecycle"
	"github.com/swiftgrid/controlplane/common/models"
)

// sweeperItemIndex marks a synthetic MAPCHILDCOMPLETE injected by the batch
// timeout sweeper rather than by a real child run.
const sweeperItemIndex = -1

// handleMap fans a batch of items out as child runs. The parent node parks
// behind the batch row; child completions flow back as MAPCHILDCOMPLETE.
func (c *Coordinator) handleMap(ctx context.Context, job *jobs.Job) error {
	runID, proceed, err := c.runFor(ctx, job)
	if err != nil || !proceed {
		return err
	}

	d := job.Node.Data

	items, ok := d["items"].([]any)
	if !ok {
		return c.publishErrorResult(ctx, job, 500, "map items did not resolve to an array")
	}

	if len(items) == 0 {
		body, _ := json.Marshal(emptyMapOutput())
		return c.bus.PublishResult(ctx, &jobs.Result{
			NodeID:     job.ID,
			RunID:      job.RunID,
			StatusCode: 200,
			Body:       body,
		})
	}

	currentDepth := dataInt(d, "current_depth")
	depthLimit := dataInt(d, "depth_limit")
	if currentDepth+1 > depthLimit {
		return c.publishErrorResult(ctx, job, 500,
			fmt.Sprintf("map depth limit %d exceeded", depthLimit))
	}

	workflowID := dataInt64(d, "workflow_id")
	var versionID *int64
	if _, ok := d["version_id"]; ok {
		v := dataInt64(d, "version_id")
		versionID = &v
	}

	childGraph, childVersion, err := c.resolveChildGraph(ctx, workflowID, versionID)
	if err != nil {
		return c.publishErrorResult(ctx, job, 500, err.Error())
	}

	concurrency := dataInt(d, "concurrency")
	if concurrency < 1 {
		concurrency = 1
	}
	initial := concurrency
	if initial > len(items) {
		initial = len(items)
	}

	itemsRaw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encoding map items: %w", err)
	}

	tx, err := c.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning map tx: %w", err)
	}
	defer tx.Rollback(ctx)

	runsTx := c.runs.WithTx(tx)
	if err := runsTx.AcquireStepLock(ctx, runID); err != nil {
		return err
	}

	batchID := uuid.New()
	payload, _ := json.Marshal(map[string]any{
		"type":        "map",
		"batch_id":    batchID,
		"total_items": len(items),
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
		c.log.Debug("map already suspended", "run_id", runID, "node_id", job.ID)
		return nil
	}

	batch := &models.BatchOperation{
		ID:               batchID,
		RunID:            runID,
		NodeID:           job.ID,
		TotalItems:       len(items),
		ConcurrencyLimit: concurrency,
		FailFast:         dataBool(d, "fail_fast"),
		TimeoutMs:        batchTimeout(d),
		ChildGraph:       childGraph,
		ChildVersionID:   childVersion,
		ChildDepth:       currentDepth + 1,
		Items:            itemsRaw,
		CurrentIndex:     initial,
		ActiveCount:      initial,
		Status:           models.BatchRunning,
	}
	if err := c.batches.WithTx(tx).Create(ctx, batch); err != nil {
		return err
	}

	children := make([]uuid.UUID, 0, initial)
	for i := 0; i < initial; i++ {
		child, err := c.spawnMapChild(ctx, tx, batch, items[i], i)
		if err != nil {
			return err
		}
		children = append(children, child)
	}

	if _, err := runsTx.Transition(ctx, runID,
		[]models.RunStatus{models.RunRunning}, models.RunSuspended); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing map tx: %w", err)
	}

	c.log.Info("map batch started",
		"run_id", runID, "node_id", job.ID, "batch_id", batchID,
		"total", len(items), "concurrency", concurrency)

	for _, child := range children {
		if err := c.bus.EnqueueRun(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

// handleMapChildComplete folds one child outcome into the batch under the
// row lock, tops the in-flight window back up, and finishes the map node
// when the last item lands.
func (c *Coordinator) handleMapChildComplete(ctx context.Context, job *jobs.Job) error {
	d := job.Node.Data

	batchID, err := uuid.Parse(dataString(d, "batch_id"))
	if err != nil {
		c.log.Warn("map completion with bad batch id dropped",
			"run_id", job.RunID, "batch_id", d["batch_id"])
		return nil
	}
	itemIndex := dataInt(d, "item_index")

	tx, err := c.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning map completion tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batchesTx := c.batches.WithTx(tx)
	batch, err := batchesTx.GetForUpdate(ctx, batchID)
	if err != nil {
		c.log.Warn("map completion for unknown batch dropped", "batch_id", batchID)
		return nil
	}
	if batch.Status != models.BatchRunning && batch.Status != models.BatchDraining {
		c.log.Debug("map completion for settled batch dropped",
			"batch_id", batchID, "status", batch.Status)
		return nil
	}

	if itemIndex == sweeperItemIndex {
		return c.timeoutBatch(ctx, tx, batch)
	}

	res := &models.BatchResult{
		BatchID:   batchID,
		ItemIndex: itemIndex,
		Success:   dataBool(d, "success"),
	}
	if raw, ok := d["child_run_id"].(string); ok {
		if id, err := uuid.Parse(raw); err == nil {
			res.ChildRunID = &id
		}
	}
	if out, ok := d["output"]; ok {
		if raw, err := json.Marshal(out); err == nil {
			res.Output = raw
		}
	}
	if msg := dataString(d, "error"); msg != "" {
		res.Error = &msg
	}
	if ms := dataInt64(d, "duration_ms"); ms > 0 {
		res.DurationMs = &ms
	}

	recorded, err := batchesTx.RecordResult(ctx, res)
	if err != nil {
		return err
	}
	if !recorded {
		c.log.Debug("duplicate map completion dropped",
			"batch_id", batchID, "item_index", itemIndex)
		return nil
	}

	batch.ActiveCount--
	if batch.ActiveCount < 0 {
		batch.ActiveCount = 0
	}
	if res.Success {
		batch.CompletedCount++
	} else {
		batch.FailedCount++
		if batch.FailFast && batch.Status == models.BatchRunning {
			batch.Status = models.BatchDraining
		}
	}

	var items []any
	var spawned []uuid.UUID
	for batch.Status == models.BatchRunning &&
		batch.ActiveCount < batch.ConcurrencyLimit &&
		batch.CurrentIndex < batch.TotalItems {

		if items == nil {
			if err := json.Unmarshal(batch.Items, &items); err != nil {
				return fmt.Errorf("decoding batch items: %w", err)
			}
		}

		idx := batch.CurrentIndex
		child, err := c.spawnMapChild(ctx, tx, batch, items[idx], idx)
		if err != nil {
			return err
		}
		spawned = append(spawned, child)
		batch.CurrentIndex++
		batch.ActiveCount++
	}

	finished := batch.Done() || (batch.Status == models.BatchDraining && batch.ActiveCount == 0)
	if finished {
		now := time.Now()
		batch.CompletedAt = &now
		if batch.FailedCount >= batch.TotalItems || (batch.FailFast && batch.FailedCount > 0) {
			batch.Status = models.BatchFailed
		} else {
			batch.Status = models.BatchCompleted
		}
	}

	if err := batchesTx.SaveCounters(ctx, batch); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing map completion tx: %w", err)
	}

	for _, child := range spawned {
		if err := c.bus.EnqueueRun(ctx, child); err != nil {
			return err
		}
	}

	if finished {
		return c.publishMapResult(ctx, batch)
	}
	return nil
}

// timeoutBatch settles a batch the sweeper flagged as stale. Whatever
// results landed so far become the map output; the node routes to error.
func (c *Coordinator) timeoutBatch(ctx context.Context, tx pgx.Tx, batch *models.BatchOperation) error {
	now := time.Now()
	batch.Status = models.BatchFailed
	batch.CompletedAt = &now
	batch.ActiveCount = 0

	if err := c.batches.WithTx(tx).SaveCounters(ctx, batch); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing batch timeout tx: %w", err)
	}

	c.log.Warn("map batch timed out",
		"batch_id", batch.ID, "run_id", batch.RunID,
		"completed", batch.CompletedCount, "failed", batch.FailedCount)
	return c.publishMapResult(ctx, batch)
}

// publishMapResult aggregates the settled batch into the map node's single
// completing result. Logical failure still completes the node; the error
// handle is selected via route_to with a success-class 299.
func (c *Coordinator) publishMapResult(ctx context.Context, batch *models.BatchOperation) error {
	results, err := c.batches.ListResults(ctx, batch.ID)
	if err != nil {
		return err
	}

	finishedAt := time.Now()
	if batch.CompletedAt != nil {
		finishedAt = *batch.CompletedAt
	}

	output, routeError := BuildMapOutput(batch, results, finishedAt)
	body, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("encoding map output: %w", err)
	}

	status := 200
	if routeError {
		status = 299
	}
	return c.bus.PublishResult(ctx, &jobs.Result{
		NodeID:     batch.NodeID,
		RunID:      batch.RunID.String(),
		StatusCode: status,
		Body:       body,
	})
}

// batchTimeout reads an optional positive timeout_ms from the job data.
func batchTimeout(d map[string]any) *int64 {
	if _, ok := d["timeout_ms"]; !ok {
		return nil
	}
	ms := dataInt64(d, "timeout_ms")
	if ms <= 0 {
		return nil
	}
	return &ms
}

// mapChildParams builds the create params for one item's child run. The
// graph snapshot and version come from the batch row, so every spawn,
// including refills after the initial window, pins the version resolved at
// fan-out.
func mapChildParams(batch *models.BatchOperation, item any, index int) (lifecycle.CreateParams, error) {
	input, err := json.Marshal(map[string]any{
		"item":     item,
		"index":    index,
		"batch_id": batch.ID,
	})
	if err != nil {
		return lifecycle.CreateParams{}, fmt.Errorf("encoding map child input: %w", err)
	}

	return lifecycle.CreateParams{
		VersionID:    batch.ChildVersionID,
		Graph:        batch.ChildGraph,
		Input:        input,
		Trigger:      models.TriggerMap,
		ParentRunID:  &batch.RunID,
		ParentNodeID: &batch.NodeID,
		Depth:        batch.ChildDepth,
	}, nil
}

// spawnMapChild creates one child run inside the batch transaction.
func (c *Coordinator) spawnMapChild(ctx context.Context, tx pgx.Tx, batch *models.BatchOperation, item any, index int) (uuid.UUID, error) {
	params, err := mapChildParams(batch, item, index)
	if err != nil {
		return uuid.Nil, err
	}

	child, err := c.lifecycle.CreateInTx(ctx, tx, params)
	if err != nil {
		return uuid.Nil, err
	}
	return child.ID, nil
}
