// Package lifecycle owns run state transitions: creation with graph
// snapshotting, the pending → running kickoff, terminal writes, and
// cancellation. Orchestration between those points lives in the engine.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/swiftgrid/controlplane/common/bus"
	"github.com/swiftgrid/controlplane/common/db"
	"github.com/swiftgrid/controlplane/common/dispatch"
	"github.com/swiftgrid/controlplane/common/graph"
	"github.com/swiftgrid/controlplane/common/interp"
	"github.com/swiftgrid/controlplane/common/jobs"
	"github.com/swiftgrid/controlplane/common/logger"
	"github.com/swiftgrid/controlplane/common/models"
	"github.com/swiftgrid/controlplane/common/repository"
	"github.com/swiftgrid/controlplane/common/secrets"
)

// Opts wires a Manager.
type Opts struct {
	DB         *db.DB
	Runs       *repository.RunRepository
	Events     *repository.EventRepository
	Schedules  *repository.ScheduledJobRepository
	Bus        *bus.Bus
	Dispatcher *dispatch.Dispatcher
	Secrets    *secrets.Store
	Logger     *logger.Logger
}

// Manager drives run state transitions.
type Manager struct {
	db         *db.DB
	runs       *repository.RunRepository
	events     *repository.EventRepository
	schedules  *repository.ScheduledJobRepository
	bus        *bus.Bus
	dispatcher *dispatch.Dispatcher
	secrets    *secrets.Store
	log        *logger.Logger
}

// New creates a lifecycle manager.
func New(opts Opts) *Manager {
	return &Manager{
		db:         opts.DB,
		runs:       opts.Runs,
		events:     opts.Events,
		schedules:  opts.Schedules,
		bus:        opts.Bus,
		dispatcher: opts.Dispatcher,
		secrets:    opts.Secrets,
		log:        opts.Logger.WithComponent("lifecycle"),
	}
}

// CreateParams describes a run to create. Exactly one graph source must
// resolve: an explicit snapshot, or a version snapshot supplied by the
// caller after version lookup.
type CreateParams struct {
	WorkflowID    *int64
	VersionID     *int64
	Graph         json.RawMessage
	Input         json.RawMessage
	Trigger       models.TriggerType
	StartFromNode string
	ParentRunID   *uuid.UUID
	ParentNodeID  *string
	Depth         int
}

// Create snapshots the graph, inserts the run in pending, and appends
// RUN_CREATED, all in one transaction.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*models.WorkflowRun, error) {
	tx, err := m.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	run, err := m.CreateInTx(ctx, tx, params)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing create tx: %w", err)
	}
	return run, nil
}

// CreateInTx is Create running inside an existing transaction, for callers
// that must create runs atomically with other state (map batch spawns).
func (m *Manager) CreateInTx(ctx context.Context, tx pgx.Tx, params CreateParams) (*models.WorkflowRun, error) {
	if len(params.Graph) == 0 {
		return nil, fmt.Errorf("run creation requires a graph snapshot")
	}

	g, err := graph.Parse(params.Graph)
	if err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	if len(g.Nodes) == 0 {
		return nil, fmt.Errorf("graph has no nodes")
	}

	snapshot := params.Graph
	if params.StartFromNode != "" {
		sub, err := g.Subgraph(params.StartFromNode)
		if err != nil {
			return nil, err
		}
		if snapshot, err = json.Marshal(sub); err != nil {
			return nil, fmt.Errorf("encoding pruned graph: %w", err)
		}
	}

	input := params.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	run := &models.WorkflowRun{
		ID:                uuid.New(),
		WorkflowID:        params.WorkflowID,
		WorkflowVersionID: params.VersionID,
		SnapshotGraph:     snapshot,
		Status:            models.RunPending,
		Trigger:           params.Trigger,
		InputData:         input,
		ParentRunID:       params.ParentRunID,
		ParentNodeID:      params.ParentNodeID,
		Depth:             params.Depth,
	}

	runsTx := m.runs.WithTx(tx)
	if err := runsTx.Create(ctx, run); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{
		"trigger":     run.Trigger,
		"workflow_id": run.WorkflowID,
	})
	if _, err := m.events.WithTx(tx).Append(ctx, &models.RunEvent{
		RunID:     run.ID,
		EventType: models.EventRunCreated,
		Payload:   payload,
	}); err != nil {
		return nil, err
	}

	m.log.Info("run created",
		"run_id", run.ID, "trigger", run.Trigger, "depth", run.Depth)
	return run, nil
}

// Start moves a pending run to running and dispatches its root nodes. Safe
// to call more than once; only the caller that wins the pending → running
// transition dispatches.
func (m *Manager) Start(ctx context.Context, runID uuid.UUID) error {
	snapshot, err := m.secrets.Snapshot(ctx)
	if err != nil {
		return err
	}

	tx, err := m.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning start tx: %w", err)
	}
	defer tx.Rollback(ctx)

	runsTx := m.runs.WithTx(tx)
	eventsTx := m.events.WithTx(tx)

	if err := runsTx.AcquireStepLock(ctx, runID); err != nil {
		return err
	}

	run, err := runsTx.GetByID(ctx, runID)
	if err != nil {
		return err
	}

	moved, err := runsTx.Transition(ctx, runID, []models.RunStatus{models.RunPending}, models.RunRunning)
	if err != nil {
		return err
	}
	if !moved {
		m.log.Debug("run not pending, skipping start", "run_id", runID, "status", run.Status)
		return tx.Commit(ctx)
	}

	g, err := graph.Parse(run.SnapshotGraph)
	if err != nil {
		return fmt.Errorf("run %s has invalid snapshot: %w", runID, err)
	}

	roots := g.Roots()
	rootIDs := make([]string, len(roots))
	for i, n := range roots {
		rootIDs[i] = n.ID
	}

	payload, _ := json.Marshal(map[string]any{"root_nodes": rootIDs})
	if _, err := eventsTx.Append(ctx, &models.RunEvent{
		RunID:     runID,
		EventType: models.EventRunStarted,
		Payload:   payload,
	}); err != nil {
		return err
	}

	ip := interp.New(snapshot, run.InputData, nil)

	var batch []*jobs.Job
	for i := range roots {
		job, scheduled, err := m.dispatcher.Schedule(ctx, eventsTx, run, &roots[i], ip)
		if err != nil {
			return err
		}
		if scheduled {
			batch = append(batch, job)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing start tx: %w", err)
	}

	if err := m.dispatcher.PublishAll(ctx, batch); err != nil {
		m.failSystem(ctx, runID, err)
		return err
	}

	m.log.Info("run started", "run_id", runID, "roots", rootIDs)
	return nil
}

// Cancel moves a non-terminal run to cancelled, drops its pending delayed
// work, and broadcasts the cancel signal to workers. Cancelling a terminal
// run returns ErrConflict.
func (m *Manager) Cancel(ctx context.Context, runID uuid.UUID) (*models.WorkflowRun, error) {
	tx, err := m.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning cancel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	runsTx := m.runs.WithTx(tx)

	if err := runsTx.AcquireStepLock(ctx, runID); err != nil {
		return nil, err
	}

	run, err := runsTx.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("run %s already %s: %w", runID, run.Status, repository.ErrConflict)
	}

	moved, err := runsTx.Transition(ctx, runID,
		[]models.RunStatus{models.RunPending, models.RunRunning, models.RunSuspended},
		models.RunCancelled)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("run %s: %w", runID, repository.ErrConflict)
	}

	if _, err := m.events.WithTx(tx).Append(ctx, &models.RunEvent{
		RunID:     runID,
		EventType: models.EventRunCancelled,
	}); err != nil {
		return nil, err
	}

	if err := m.schedules.WithTx(tx).DeleteByRun(ctx, runID); err != nil {
		return nil, err
	}

	if err := runsTx.Finish(ctx, runID, models.RunCancelled, run.OutputData); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing cancel tx: %w", err)
	}

	if err := m.bus.PublishCancel(ctx, runID); err != nil {
		m.log.Error("cancel signal publish failed", "run_id", runID, "error", err)
	}

	m.log.Info("run cancelled", "run_id", runID)
	run.Status = models.RunCancelled
	return run, nil
}

// failSystem marks a run failed for an infrastructure error, outside any
// caller transaction.
func (m *Manager) failSystem(ctx context.Context, runID uuid.UUID, cause error) {
	payload, _ := json.Marshal(map[string]any{"error": cause.Error(), "system": true})
	if _, err := m.events.Append(ctx, &models.RunEvent{
		RunID:     runID,
		EventType: models.EventRunFailed,
		Payload:   payload,
	}); err != nil {
		m.log.Error("failed to record system failure", "run_id", runID, "error", err)
	}
	if err := m.runs.Finish(ctx, runID, models.RunFailed, nil); err != nil {
		m.log.Error("failed to mark run failed", "run_id", runID, "error", err)
	}
}
