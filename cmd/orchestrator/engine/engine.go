// Package engine is the orchestration core: it consumes node results and,
// inside one serialized transaction per step, advances the run's event log,
// schedules retries, activates successor nodes, and detects terminal runs.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/swiftgrid/controlplane/common/bus"
	"github.com/swiftgrid/controlplane/common/db"
	"github.com/swiftgrid/controlplane/common/dispatch"
	"github.com/swiftgrid/controlplane/common/graph"
	"github.com/swiftgrid/controlplane/common/interp"
	"github.com/swiftgrid/controlplane/common/jobs"
	"github.com/swiftgrid/controlplane/common/lifecycle"
	"github.com/swiftgrid/controlplane/common/logger"
	"github.com/swiftgrid/controlplane/common/models"
	"github.com/swiftgrid/controlplane/common/repository"
	"github.com/swiftgrid/controlplane/common/secrets"
)

// Opts wires an Engine.
type Opts struct {
	DB          *db.DB
	Runs        *repository.RunRepository
	Events      *repository.EventRepository
	Schedules   *repository.ScheduledJobRepository
	Suspensions *repository.SuspensionRepository
	Bus         *bus.Bus
	Dispatcher  *dispatch.Dispatcher
	Secrets     *secrets.Store
	Lifecycle   *lifecycle.Manager
	Logger      *logger.Logger
}

// Engine advances runs one result at a time.
type Engine struct {
	db          *db.DB
	runs        *repository.RunRepository
	events      *repository.EventRepository
	schedules   *repository.ScheduledJobRepository
	suspensions *repository.SuspensionRepository
	bus         *bus.Bus
	dispatcher  *dispatch.Dispatcher
	secrets     *secrets.Store
	lifecycle   *lifecycle.Manager
	log         *logger.Logger
}

// New creates an engine.
func New(opts Opts) *Engine {
	return &Engine{
		db:          opts.DB,
		runs:        opts.Runs,
		events:      opts.Events,
		schedules:   opts.Schedules,
		suspensions: opts.Suspensions,
		bus:         opts.Bus,
		dispatcher:  opts.Dispatcher,
		secrets:     opts.Secrets,
		lifecycle:   opts.Lifecycle,
		log:         opts.Logger.WithComponent("engine"),
	}
}

// stepResult is what a committed step leaves behind for post-commit work.
type stepResult struct {
	publish  []*jobs.Job
	finished bool
	status   models.RunStatus
	output   json.RawMessage
	run      *models.WorkflowRun
}

// HandleResult processes one node result. Duplicate deliveries collapse on
// the event log's unique index; results for terminal or deleted runs are
// dropped.
func (e *Engine) HandleResult(ctx context.Context, res *jobs.Result) error {
	runID, err := uuid.Parse(res.RunID)
	if err != nil {
		e.log.Warn("result with malformed run id", "run_id", res.RunID, "node_id", res.NodeID)
		return nil
	}

	if res.Cancelled() {
		e.log.Debug("dropping cancelled execution result", "run_id", runID, "node_id", res.NodeID)
		return nil
	}

	// Snapshot secrets before taking the run lock; the dispatch path needs
	// them and the cache makes this cheap.
	secretsSnap, err := e.secrets.Snapshot(ctx)
	if err != nil {
		return err
	}

	tx, err := e.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning step tx: %w", err)
	}
	defer tx.Rollback(ctx)

	step, err := e.step(ctx, tx, runID, res, secretsSnap)
	if err != nil {
		return err
	}
	if step == nil {
		return tx.Commit(ctx)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing step tx: %w", err)
	}

	if err := e.dispatcher.PublishAll(ctx, step.publish); err != nil {
		e.failSystem(ctx, runID, err)
		return err
	}

	if step.finished && step.run.ParentRunID != nil {
		if err := e.notifyParent(ctx, step.run, step.status, step.output); err != nil {
			e.log.Error("parent notification failed",
				"run_id", runID, "parent_run_id", *step.run.ParentRunID, "error", err)
			return err
		}
	}

	return nil
}

func (e *Engine) step(ctx context.Context, tx pgx.Tx, runID uuid.UUID, res *jobs.Result, secretsSnap map[string]string) (*stepResult, error) {
	runsTx := e.runs.WithTx(tx)
	eventsTx := e.events.WithTx(tx)

	if err := runsTx.AcquireStepLock(ctx, runID); err != nil {
		return nil, err
	}

	run, err := runsTx.GetByID(ctx, runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			e.log.Warn("result for unknown run dropped", "run_id", runID, "node_id", res.NodeID)
			return nil, nil
		}
		return nil, err
	}
	if run.Status.IsTerminal() {
		e.log.Debug("result for terminal run dropped",
			"run_id", runID, "node_id", res.NodeID, "status", run.Status)
		return nil, nil
	}

	g, err := graph.Parse(run.SnapshotGraph)
	if err != nil {
		return nil, fmt.Errorf("run %s has invalid snapshot: %w", runID, err)
	}

	node, ok := g.Node(res.NodeID)
	if !ok {
		e.log.Warn("result for node outside snapshot dropped", "run_id", runID, "node_id", res.NodeID)
		return nil, nil
	}

	// A result arriving for a suspended run is its resume.
	if run.Status == models.RunSuspended {
		if _, err := runsTx.Transition(ctx, runID,
			[]models.RunStatus{models.RunSuspended}, models.RunRunning); err != nil {
			return nil, err
		}
	}

	states, err := eventsTx.NodeStates(ctx, runID)
	if err != nil {
		return nil, err
	}

	attempt := 0
	if st, ok := states[node.ID]; ok && st.MaxRetryScheduled != nil {
		attempt = *st.MaxRetryScheduled
	}

	step := &stepResult{run: run}

	if !res.Succeeded() {
		handled, err := e.recordFailure(ctx, tx, run, node, res, attempt, states, secretsSnap)
		if err != nil {
			return nil, err
		}
		if !handled {
			return nil, nil
		}
	} else {
		payload, _ := json.Marshal(map[string]json.RawMessage{"result": normalizeBody(res.Body)})
		written, err := eventsTx.Append(ctx, &models.RunEvent{
			RunID:      runID,
			NodeID:     &node.ID,
			EventType:  models.EventNodeCompleted,
			RetryCount: attempt,
			Payload:    payload,
		})
		if err != nil {
			return nil, err
		}
		if !written {
			e.log.Debug("duplicate completion dropped", "run_id", runID, "node_id", node.ID, "attempt", attempt)
			return nil, nil
		}

		st := states[node.ID]
		st.NodeID = node.ID
		st.Completed = true
		st.Dispatched = true
		states[node.ID] = st

		outputs, err := eventsTx.NodeOutputs(ctx, runID)
		if err != nil {
			return nil, err
		}

		active := FilterEdges(node, g.Outgoing(node.ID), res.Body)
		ready := ReadyTargets(g, active, states)

		ip := interp.New(secretsSnap, run.InputData, outputs)
		for _, targetID := range ready {
			target, _ := g.Node(targetID)
			job, scheduled, err := e.dispatcher.Schedule(ctx, eventsTx, run, target, ip)
			if err != nil {
				// A malformed successor fails terminally at attempt 0.
				if ferr := e.failNode(ctx, eventsTx, runID, targetID, err); ferr != nil {
					return nil, ferr
				}
				st := states[targetID]
				st.NodeID = targetID
				st.Dispatched = true
				zero := 0
				st.MaxFailedRetry = &zero
				states[targetID] = st
				continue
			}
			if scheduled {
				step.publish = append(step.publish, job)
				st := states[targetID]
				st.NodeID = targetID
				st.Dispatched = true
				states[targetID] = st
			}
		}
	}

	terminal, status := Outcome(states, len(step.publish))
	if terminal {
		outputs, err := eventsTx.NodeOutputs(ctx, runID)
		if err != nil {
			return nil, err
		}
		output := lifecycle.AssembleOutput(g, outputs)

		if err := e.finish(ctx, tx, run, status, output); err != nil {
			return nil, err
		}
		step.finished = true
		step.status = status
		step.output = output
	}

	return step, nil
}

// recordFailure appends NODE_FAILED and either schedules a retry or lets
// the failure stand as final. Returns false when this attempt's failure was
// already recorded.
func (e *Engine) recordFailure(
	ctx context.Context,
	tx pgx.Tx,
	run *models.WorkflowRun,
	node *graph.Node,
	res *jobs.Result,
	attempt int,
	states map[string]models.NodeState,
	secretsSnap map[string]string,
) (bool, error) {
	eventsTx := e.events.WithTx(tx)

	payload, _ := json.Marshal(map[string]any{
		"error":       json.RawMessage(normalizeBody(res.Body)),
		"status_code": res.StatusCode,
	})
	written, err := eventsTx.Append(ctx, &models.RunEvent{
		RunID:      run.ID,
		NodeID:     &node.ID,
		EventType:  models.EventNodeFailed,
		RetryCount: attempt,
		Payload:    payload,
	})
	if err != nil {
		return false, err
	}
	if !written {
		e.log.Debug("duplicate failure dropped", "run_id", run.ID, "node_id", node.ID, "attempt", attempt)
		return false, nil
	}

	st := states[node.ID]
	st.NodeID = node.ID
	st.Dispatched = true
	failedAt := attempt
	st.MaxFailedRetry = &failedAt
	states[node.ID] = st

	if node.Retryable() && jobs.RetryableStatus(res.StatusCode) {
		outputs, err := eventsTx.NodeOutputs(ctx, run.ID)
		if err != nil {
			return false, err
		}

		retryJob, err := jobs.Build(node, jobs.BuildParams{
			RunID:      run.ID,
			Depth:      run.Depth,
			RetryCount: attempt + 1,
			Interp:     interp.New(secretsSnap, run.InputData, outputs),
		})
		if err == nil && attempt < retryJob.MaxRetries {
			if _, err := eventsTx.Append(ctx, &models.RunEvent{
				RunID:      run.ID,
				NodeID:     &node.ID,
				EventType:  models.EventNodeRetryScheduled,
				RetryCount: attempt + 1,
			}); err != nil {
				return false, err
			}

			jobRaw, err := json.Marshal(retryJob)
			if err != nil {
				return false, fmt.Errorf("encoding retry job: %w", err)
			}
			if err := e.schedules.WithTx(tx).Create(ctx, &models.ScheduledJob{
				RunID:        run.ID,
				NodeID:       node.ID,
				ScheduledFor: time.Now().Add(jobs.Backoff(attempt + 1)),
				Payload:      jobRaw,
			}); err != nil {
				return false, err
			}

			retryAt := attempt + 1
			st.MaxRetryScheduled = &retryAt
			states[node.ID] = st

			e.log.Info("retry scheduled",
				"run_id", run.ID, "node_id", node.ID,
				"attempt", attempt+1, "max_retries", retryJob.MaxRetries,
				"status_code", res.StatusCode)
			return true, nil
		}
	}

	e.log.Info("node failed terminally",
		"run_id", run.ID, "node_id", node.ID, "attempt", attempt, "status_code", res.StatusCode)
	return true, nil
}

// failNode records a terminal attempt-0 failure for a node that could not
// even be dispatched.
func (e *Engine) failNode(ctx context.Context, events *repository.EventRepository, runID uuid.UUID, nodeID string, cause error) error {
	payload, _ := json.Marshal(map[string]any{"error": cause.Error()})
	_, err := events.Append(ctx, &models.RunEvent{
		RunID:     runID,
		NodeID:    &nodeID,
		EventType: models.EventNodeFailed,
		Payload:   payload,
	})
	return err
}

func (e *Engine) finish(ctx context.Context, tx pgx.Tx, run *models.WorkflowRun, status models.RunStatus, output json.RawMessage) error {
	eventType := models.EventRunCompleted
	if status == models.RunFailed {
		eventType = models.EventRunFailed
	}

	payload, _ := json.Marshal(map[string]json.RawMessage{"output": output})
	if _, err := e.events.WithTx(tx).Append(ctx, &models.RunEvent{
		RunID:     run.ID,
		EventType: eventType,
		Payload:   payload,
	}); err != nil {
		return err
	}

	if err := e.runs.WithTx(tx).Finish(ctx, run.ID, status, output); err != nil {
		return err
	}

	e.log.Info("run finished", "run_id", run.ID, "status", status)
	return nil
}

// failSystem marks a run failed for an infrastructure error after its step
// transaction already committed.
func (e *Engine) failSystem(ctx context.Context, runID uuid.UUID, cause error) {
	payload, _ := json.Marshal(map[string]any{"error": cause.Error(), "system": true})
	if _, err := e.events.Append(ctx, &models.RunEvent{
		RunID:     runID,
		EventType: models.EventRunFailed,
		Payload:   payload,
	}); err != nil {
		e.log.Error("failed to record system failure", "run_id", runID, "error", err)
		return
	}
	if err := e.runs.Finish(ctx, runID, models.RunFailed, nil); err != nil {
		e.log.Error("failed to mark run failed", "run_id", runID, "error", err)
	}
}

// normalizeBody guarantees stored payload fragments are valid JSON.
func normalizeBody(body json.RawMessage) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage(`null`)
	}
	if !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		return quoted
	}
	return body
}
