package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/robfig/cron/v3"

	"github.com/swiftgrid/controlplane/common/db"
	"github.com/swiftgrid/controlplane/common/graph"
	"github.com/swiftgrid/controlplane/common/logger"
	"github.com/swiftgrid/controlplane/common/models"
	"github.com/swiftgrid/controlplane/common/repository"
)

// FlowService owns workflow definitions: draft editing, publishing, and
// trigger settings.
type FlowService struct {
	db        *db.DB
	workflows *repository.WorkflowRepository
	versions  *repository.VersionRepository
	log       *logger.Logger
}

// NewFlowService creates a flow service.
func NewFlowService(database *db.DB, workflows *repository.WorkflowRepository, versions *repository.VersionRepository, log *logger.Logger) *FlowService {
	return &FlowService{
		db:        database,
		workflows: workflows,
		versions:  versions,
		log:       log.WithComponent("flows"),
	}
}

// CreateRequest is the body of POST /flows.
type CreateRequest struct {
	Name  string          `json:"name"`
	Graph json.RawMessage `json:"graph,omitempty"`
}

// Create inserts a workflow with an optional initial draft.
func (s *FlowService) Create(ctx context.Context, req *CreateRequest) (*models.Workflow, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("name required: %w", ErrInvalid)
	}

	draft := req.Graph
	if len(draft) == 0 {
		draft = json.RawMessage(`{"nodes":[],"edges":[]}`)
	} else if _, err := graph.Parse(draft); err != nil {
		return nil, fmt.Errorf("invalid graph: %s: %w", err.Error(), ErrInvalid)
	}

	wf := &models.Workflow{Name: req.Name, DraftGraph: draft}
	if err := s.workflows.Create(ctx, wf); err != nil {
		return nil, err
	}

	s.log.Info("workflow created", "workflow_id", wf.ID, "name", wf.Name)
	return wf, nil
}

// List returns all workflows.
func (s *FlowService) List(ctx context.Context) ([]*models.Workflow, error) {
	return s.workflows.List(ctx)
}

// Get returns one workflow.
func (s *FlowService) Get(ctx context.Context, id int64) (*models.Workflow, error) {
	return s.workflows.GetByID(ctx, id)
}

// UpdateRequest is the body of PUT /flows/{id}.
type UpdateRequest struct {
	Graph          json.RawMessage `json:"graph,omitempty"`
	WebhookEnabled *bool           `json:"webhookEnabled,omitempty"`
	WebhookSecret  *string         `json:"webhookSecret,omitempty"`
}

// Update replaces the draft graph and/or webhook settings.
func (s *FlowService) Update(ctx context.Context, id int64, req *UpdateRequest) (*models.Workflow, error) {
	if len(req.Graph) > 0 {
		if _, err := graph.Parse(req.Graph); err != nil {
			return nil, fmt.Errorf("invalid graph: %s: %w", err.Error(), ErrInvalid)
		}
		if err := s.workflows.UpdateDraft(ctx, id, req.Graph); err != nil {
			return nil, err
		}
	}

	if req.WebhookEnabled != nil {
		wf, err := s.workflows.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		secret := wf.WebhookSecret
		if req.WebhookSecret != nil {
			secret = req.WebhookSecret
		}
		if err := s.workflows.SetWebhook(ctx, id, *req.WebhookEnabled, secret); err != nil {
			return nil, err
		}
	}

	return s.workflows.GetByID(ctx, id)
}

// PatchDraft applies an RFC 6902 patch to the draft graph.
func (s *FlowService) PatchDraft(ctx context.Context, id int64, patchDoc json.RawMessage) (*models.Workflow, error) {
	wf, err := s.workflows.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	patch, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, fmt.Errorf("invalid patch document: %s: %w", err.Error(), ErrInvalid)
	}

	patched, err := patch.Apply(wf.DraftGraph)
	if err != nil {
		return nil, fmt.Errorf("patch failed: %s: %w", err.Error(), ErrInvalid)
	}
	if _, err := graph.Parse(patched); err != nil {
		return nil, fmt.Errorf("patched graph invalid: %s: %w", err.Error(), ErrInvalid)
	}

	if err := s.workflows.UpdateDraft(ctx, id, patched); err != nil {
		return nil, err
	}

	wf.DraftGraph = patched
	return wf, nil
}

// Publish snapshots the draft into a new immutable version and makes it
// active. The version row is a byte-equal copy of the draft at publish time.
func (s *FlowService) Publish(ctx context.Context, id int64) (*models.WorkflowVersion, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning publish tx: %w", err)
	}
	defer tx.Rollback(ctx)

	workflowsTx := s.workflows.WithTx(tx)

	wf, err := workflowsTx.GetByIDForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := graph.Parse(wf.DraftGraph); err != nil {
		return nil, fmt.Errorf("draft graph invalid: %s: %w", err.Error(), ErrInvalid)
	}

	version, err := s.versions.WithTx(tx).Insert(ctx, id, wf.DraftGraph)
	if err != nil {
		return nil, err
	}
	if err := workflowsTx.SetActiveVersion(ctx, id, version.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing publish tx: %w", err)
	}

	s.log.Info("workflow published",
		"workflow_id", id, "version_id", version.ID, "version_number", version.VersionNumber)
	return version, nil
}

// VersionRef selects a version by number or id.
type VersionRef struct {
	VersionNumber *int   `json:"versionNumber,omitempty"`
	VersionID     *int64 `json:"versionId,omitempty"`
}

func (s *FlowService) resolveVersion(ctx context.Context, workflowID int64, ref *VersionRef) (*models.WorkflowVersion, error) {
	switch {
	case ref != nil && ref.VersionID != nil:
		v, err := s.versions.GetByID(ctx, *ref.VersionID)
		if err != nil {
			return nil, err
		}
		if v.WorkflowID != workflowID {
			return nil, fmt.Errorf("version %d does not belong to workflow %d: %w",
				v.ID, workflowID, ErrInvalid)
		}
		return v, nil
	case ref != nil && ref.VersionNumber != nil:
		return s.versions.GetByNumber(ctx, workflowID, *ref.VersionNumber)
	default:
		return nil, fmt.Errorf("versionNumber or versionId required: %w", ErrInvalid)
	}
}

// Rollback repoints the active version. The draft is untouched.
func (s *FlowService) Rollback(ctx context.Context, id int64, ref *VersionRef) (*models.WorkflowVersion, error) {
	version, err := s.resolveVersion(ctx, id, ref)
	if err != nil {
		return nil, err
	}
	if err := s.workflows.SetActiveVersion(ctx, id, version.ID); err != nil {
		return nil, err
	}
	s.log.Info("workflow rolled back", "workflow_id", id, "version_id", version.ID)
	return version, nil
}

// Restore copies a published version's graph back into the draft.
func (s *FlowService) Restore(ctx context.Context, id int64, ref *VersionRef) (*models.Workflow, error) {
	version, err := s.resolveVersion(ctx, id, ref)
	if err != nil {
		return nil, err
	}
	if err := s.workflows.UpdateDraft(ctx, id, version.Graph); err != nil {
		return nil, err
	}
	return s.workflows.GetByID(ctx, id)
}

// Discard throws draft edits away by restoring the active version's graph.
func (s *FlowService) Discard(ctx context.Context, id int64) (*models.Workflow, error) {
	wf, err := s.workflows.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.ActiveVersionID == nil {
		return nil, fmt.Errorf("workflow %d has no published version to discard to: %w", id, ErrInvalid)
	}
	version, err := s.versions.GetByID(ctx, *wf.ActiveVersionID)
	if err != nil {
		return nil, err
	}
	if err := s.workflows.UpdateDraft(ctx, id, version.Graph); err != nil {
		return nil, err
	}
	wf.DraftGraph = version.Graph
	return wf, nil
}

// Versions lists published versions, newest first.
func (s *FlowService) Versions(ctx context.Context, id int64) ([]*models.WorkflowVersion, error) {
	return s.versions.ListByWorkflow(ctx, id)
}

// Delete removes the workflow, its versions, and its delivery records.
// Existing runs detach rather than cascade; they carry their own graph
// snapshots.
func (s *FlowService) Delete(ctx context.Context, id int64) error {
	return s.workflows.Delete(ctx, id)
}

// ScheduleRequest is the body of POST /flows/{id}/schedule.
type ScheduleRequest struct {
	Enabled     bool            `json:"enabled"`
	Cron        string          `json:"cron,omitempty"`
	Timezone    string          `json:"timezone,omitempty"`
	InputData   json.RawMessage `json:"inputData,omitempty"`
	OverlapMode string          `json:"overlapMode,omitempty"`
}

// UpsertSchedule validates and stores cron trigger settings, precomputing
// the next fire time so the scheduler's due query stays an index scan.
func (s *FlowService) UpsertSchedule(ctx context.Context, id int64, req *ScheduleRequest) (*models.Workflow, error) {
	if _, err := s.workflows.GetByID(ctx, id); err != nil {
		return nil, err
	}

	mode := models.OverlapMode(req.OverlapMode)
	if mode == "" {
		mode = models.OverlapSkip
	}
	switch mode {
	case models.OverlapSkip, models.OverlapQueueOne, models.OverlapParallel:
	default:
		return nil, fmt.Errorf("unknown overlap mode %q: %w", req.OverlapMode, ErrInvalid)
	}

	if !req.Enabled {
		if err := s.workflows.UpdateSchedule(ctx, id, false, nilIfEmpty(req.Cron),
			nilIfEmpty(req.Timezone), req.InputData, mode, nil); err != nil {
			return nil, err
		}
		return s.workflows.GetByID(ctx, id)
	}

	if req.Cron == "" {
		return nil, fmt.Errorf("cron expression required: %w", ErrInvalid)
	}
	sched, err := cron.ParseStandard(req.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", req.Cron, ErrInvalid)
	}

	loc := time.UTC
	if req.Timezone != "" {
		loc, err = time.LoadLocation(req.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", req.Timezone, ErrInvalid)
		}
	}

	next := sched.Next(time.Now().In(loc))
	if err := s.workflows.UpdateSchedule(ctx, id, true, &req.Cron,
		nilIfEmpty(req.Timezone), req.InputData, mode, &next); err != nil {
		return nil, err
	}

	s.log.Info("schedule updated",
		"workflow_id", id, "cron", req.Cron, "next_run_at", next)
	return s.workflows.GetByID(ctx, id)
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
