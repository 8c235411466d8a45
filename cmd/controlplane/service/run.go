package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/swiftgrid/controlplane/common/bus"
	"github.com/swiftgrid/controlplane/common/lifecycle"
	"github.com/swiftgrid/controlplane/common/logger"
	"github.com/swiftgrid/controlplane/common/models"
	"github.com/swiftgrid/controlplane/common/repository"
)

// RunService exposes run inspection and control.
type RunService struct {
	runs      *repository.RunRepository
	events    *repository.EventRepository
	lifecycle *lifecycle.Manager
	bus       *bus.Bus
	log       *logger.Logger
}

// NewRunService creates a run service.
func NewRunService(runs *repository.RunRepository, events *repository.EventRepository, lm *lifecycle.Manager, b *bus.Bus, log *logger.Logger) *RunService {
	return &RunService{
		runs:      runs,
		events:    events,
		lifecycle: lm,
		bus:       b,
		log:       log.WithComponent("runs"),
	}
}

// NodeResult is a node's latest state derived from the event log.
type NodeResult struct {
	Status     string          `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	RetryCount int             `json:"retryCount"`
}

// RunDetail is the GET /runs/{id} response.
type RunDetail struct {
	Run         *models.WorkflowRun    `json:"run"`
	Events      []*models.RunEvent     `json:"events"`
	NodeResults map[string]*NodeResult `json:"nodeResults"`
}

// List returns runs matching the filter.
func (s *RunService) List(ctx context.Context, filter models.RunListFilter) ([]*models.WorkflowRun, error) {
	return s.runs.List(ctx, filter)
}

// Get returns a run with its full event log and derived node states.
func (s *RunService) Get(ctx context.Context, runID uuid.UUID) (*RunDetail, error) {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := s.events.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunDetail{
		Run:         run,
		Events:      events,
		NodeResults: deriveNodeResults(events, run.Status),
	}, nil
}

// Active returns the latest non-terminal run of a workflow with its node
// state map, for live run views.
func (s *RunService) Active(ctx context.Context, workflowID int64) (*RunDetail, error) {
	run, err := s.runs.LatestActive(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	events, err := s.events.ListByRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return &RunDetail{
		Run:         run,
		Events:      events,
		NodeResults: deriveNodeResults(events, run.Status),
	}, nil
}

// Cancel stops a non-terminal run.
func (s *RunService) Cancel(ctx context.Context, runID uuid.UUID) (*models.WorkflowRun, error) {
	return s.lifecycle.Cancel(ctx, runID)
}

// Replay creates a fresh run from an existing run's snapshot and input and
// requests its start.
func (s *RunService) Replay(ctx context.Context, runID uuid.UUID) (*models.WorkflowRun, error) {
	src, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	replay, err := s.lifecycle.Create(ctx, lifecycle.CreateParams{
		WorkflowID: src.WorkflowID,
		VersionID:  src.WorkflowVersionID,
		Graph:      src.SnapshotGraph,
		Input:      src.InputData,
		Trigger:    models.TriggerManual,
	})
	if err != nil {
		return nil, err
	}

	if err := s.bus.EnqueueRun(ctx, replay.ID); err != nil {
		return nil, err
	}

	s.log.Info("run replayed", "source_run_id", runID, "run_id", replay.ID)
	return replay, nil
}

// SetPinned marks a run exempt from (or subject to) retention.
func (s *RunService) SetPinned(ctx context.Context, runID uuid.UUID, pinned bool) (*models.WorkflowRun, error) {
	if err := s.runs.SetPinned(ctx, runID, pinned); err != nil {
		return nil, err
	}
	return s.runs.GetByID(ctx, runID)
}

// Delete removes a terminal run and its history.
func (s *RunService) Delete(ctx context.Context, runID uuid.UUID) error {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.IsTerminal() {
		return fmt.Errorf("run %s is %s, cancel it first: %w", runID, run.Status, repository.ErrConflict)
	}
	return s.runs.Delete(ctx, runID)
}

// deriveNodeResults folds the ordered event log into one entry per node.
// Later events win; a cancelled run marks still-pending nodes cancelled.
func deriveNodeResults(events []*models.RunEvent, runStatus models.RunStatus) map[string]*NodeResult {
	results := make(map[string]*NodeResult)

	for _, e := range events {
		if e.NodeID == nil {
			continue
		}
		nr := results[*e.NodeID]
		if nr == nil {
			nr = &NodeResult{}
			results[*e.NodeID] = nr
		}
		if e.RetryCount > nr.RetryCount {
			nr.RetryCount = e.RetryCount
		}

		switch e.EventType {
		case models.EventNodeScheduled, models.EventNodeStarted:
			nr.Status = "running"
		case models.EventNodeSuspended:
			nr.Status = "suspended"
		case models.EventNodeResumed:
			nr.Status = "running"
		case models.EventNodeRetryScheduled:
			nr.Status = "retrying"
		case models.EventNodeCompleted:
			nr.Status = "completed"
			nr.Error = ""
			if out := gjson.GetBytes(e.Payload, "result"); out.Exists() {
				nr.Output = json.RawMessage(out.Raw)
			}
		case models.EventNodeFailed:
			nr.Status = "error"
			nr.Error = gjson.GetBytes(e.Payload, "error").String()
		}
	}

	if runStatus == models.RunCancelled {
		for _, nr := range results {
			if nr.Status == "running" || nr.Status == "suspended" || nr.Status == "retrying" {
				nr.Status = "cancelled"
			}
		}
	}

	return results
}
