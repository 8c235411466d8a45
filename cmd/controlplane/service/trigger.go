package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/swiftgrid/controlplane/common/bus"
	"github.com/swiftgrid/controlplane/common/db"
	"github.com/swiftgrid/controlplane/common/graph"
	"github.com/swiftgrid/controlplane/common/jobs"
	"github.com/swiftgrid/controlplane/common/lifecycle"
	"github.com/swiftgrid/controlplane/common/logger"
	"github.com/swiftgrid/controlplane/common/models"
	"github.com/swiftgrid/controlplane/common/ratelimit"
	"github.com/swiftgrid/controlplane/common/repository"
)

// SignatureHeader and IdempotencyHeader are the webhook intake headers.
const (
	SignatureHeader   = "X-Webhook-Signature"
	IdempotencyHeader = "X-Idempotency-Key"
)

// TriggerService owns run intake: manual triggers, webhook triggers with
// replay protection, and webhook-wait resumes.
type TriggerService struct {
	db          *db.DB
	workflows   *repository.WorkflowRepository
	versions    *repository.VersionRepository
	runs        *repository.RunRepository
	events      *repository.EventRepository
	suspensions *repository.SuspensionRepository
	deliveries  *repository.DeliveryRepository
	lifecycle   *lifecycle.Manager
	bus         *bus.Bus
	limiter     *ratelimit.Limiter
	rateLimit   int64
	log         *logger.Logger
}

// TriggerOpts wires a TriggerService.
type TriggerOpts struct {
	DB          *db.DB
	Workflows   *repository.WorkflowRepository
	Versions    *repository.VersionRepository
	Runs        *repository.RunRepository
	Events      *repository.EventRepository
	Suspensions *repository.SuspensionRepository
	Deliveries  *repository.DeliveryRepository
	Lifecycle   *lifecycle.Manager
	Bus         *bus.Bus
	Limiter     *ratelimit.Limiter
	RateLimit   int64
	Logger      *logger.Logger
}

// NewTriggerService creates a trigger service.
func NewTriggerService(opts TriggerOpts) *TriggerService {
	return &TriggerService{
		db:          opts.DB,
		workflows:   opts.Workflows,
		versions:    opts.Versions,
		runs:        opts.Runs,
		events:      opts.Events,
		suspensions: opts.Suspensions,
		deliveries:  opts.Deliveries,
		lifecycle:   opts.Lifecycle,
		bus:         opts.Bus,
		limiter:     opts.Limiter,
		rateLimit:   opts.RateLimit,
		log:         opts.Logger.WithComponent("trigger"),
	}
}

// ManualRequest is the body of POST /triggers/manual.
type ManualRequest struct {
	WorkflowID    *int64          `json:"workflowId,omitempty"`
	Graph         json.RawMessage `json:"graph,omitempty"`
	InputData     json.RawMessage `json:"inputData,omitempty"`
	StartFromNode string          `json:"startFromNode,omitempty"`
}

// TriggerResponse reports the created run and its initially scheduled nodes.
type TriggerResponse struct {
	RunID          string   `json:"runId"`
	ScheduledNodes []string `json:"scheduledNodes"`
}

// Manual creates a run from an explicit graph or a workflow's draft and
// requests its start. The start itself is asynchronous.
func (s *TriggerService) Manual(ctx context.Context, req *ManualRequest) (*TriggerResponse, error) {
	snapshot := req.Graph
	if len(snapshot) == 0 {
		if req.WorkflowID == nil {
			return nil, fmt.Errorf("workflowId or graph required: %w", ErrInvalid)
		}
		wf, err := s.workflows.GetByID(ctx, *req.WorkflowID)
		if err != nil {
			return nil, err
		}
		if len(wf.DraftGraph) == 0 {
			return nil, fmt.Errorf("workflow %d has no draft graph: %w", wf.ID, ErrInvalid)
		}
		snapshot = wf.DraftGraph
	}

	run, err := s.lifecycle.Create(ctx, lifecycle.CreateParams{
		WorkflowID:    req.WorkflowID,
		Graph:         snapshot,
		Input:         req.InputData,
		Trigger:       models.TriggerManual,
		StartFromNode: req.StartFromNode,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), ErrInvalid)
	}

	if err := s.bus.EnqueueRun(ctx, run.ID); err != nil {
		return nil, err
	}

	return triggerResponse(run)
}

// Webhook handles POST /webhooks/{flowId}. The returned status and body are
// written verbatim, which is what makes idempotent replay byte-stable.
func (s *TriggerService) Webhook(ctx context.Context, flowID int64, body []byte, signature, idemHeader string) (int, json.RawMessage, error) {
	wf, err := s.workflows.GetByID(ctx, flowID)
	if err != nil {
		return 0, nil, err
	}
	if !wf.WebhookEnabled {
		return 0, nil, fmt.Errorf("webhook trigger disabled for workflow %d: %w", flowID, ErrForbidden)
	}

	if err := s.limiter.AllowWebhook(ctx, flowID, s.rateLimit); err != nil {
		return 0, nil, err
	}

	if wf.WebhookSecret != nil && *wf.WebhookSecret != "" {
		if !VerifySignature(*wf.WebhookSecret, body, signature) {
			return 0, nil, fmt.Errorf("webhook signature mismatch: %w", ErrUnauthorized)
		}
	}

	if wf.ActiveVersionID == nil {
		return 0, nil, fmt.Errorf("workflow %d has no published version: %w", flowID, ErrInvalid)
	}
	version, err := s.versions.GetByID(ctx, *wf.ActiveVersionID)
	if err != nil {
		return 0, nil, err
	}

	key := IdempotencyKey(idemHeader, body)
	if prior, err := s.deliveries.Get(ctx, flowID, key); err == nil {
		s.log.Info("webhook replayed", "workflow_id", flowID, "key", key)
		return prior.ResponseStatus, prior.ResponseBody, nil
	}

	run, err := s.lifecycle.Create(ctx, lifecycle.CreateParams{
		WorkflowID: &flowID,
		VersionID:  &version.ID,
		Graph:      version.Graph,
		Input:      webhookInput(body),
		Trigger:    models.TriggerWebhook,
	})
	if err != nil {
		return 0, nil, err
	}

	resp, err := triggerResponse(run)
	if err != nil {
		return 0, nil, err
	}
	respBody, err := json.Marshal(resp)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding webhook response: %w", err)
	}

	// First writer wins: a concurrent duplicate that beat us to the insert
	// supplies the canonical response.
	if err := s.deliveries.Store(ctx, &models.WebhookDelivery{
		WorkflowID:     flowID,
		IdempotencyKey: key,
		ResponseStatus: 202,
		ResponseBody:   respBody,
	}); err != nil {
		return 0, nil, err
	}
	stored, err := s.deliveries.Get(ctx, flowID, key)
	if err != nil {
		return 0, nil, err
	}

	if err := s.bus.EnqueueRun(ctx, run.ID); err != nil {
		return 0, nil, err
	}

	return stored.ResponseStatus, stored.ResponseBody, nil
}

// Resume handles POST /webhooks/resume/{token}: it resolves the webhook
// suspension, wakes the run, and forwards the caller's payload as the
// node's completion.
func (s *TriggerService) Resume(ctx context.Context, token string, payload json.RawMessage) error {
	susp, err := s.suspensions.GetByToken(ctx, token)
	if err != nil {
		return err
	}
	if susp.Resolved() {
		return fmt.Errorf("suspension already resumed: %w", ErrGone)
	}
	if susp.Expired(time.Now()) {
		return fmt.Errorf("resume token expired: %w", ErrGone)
	}

	run, err := s.runs.GetByID(ctx, susp.RunID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s already %s: %w", run.ID, run.Status, repository.ErrConflict)
	}

	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning resume tx: %w", err)
	}
	defer tx.Rollback(ctx)

	runsTx := s.runs.WithTx(tx)
	if err := runsTx.AcquireStepLock(ctx, susp.RunID); err != nil {
		return err
	}

	resolved, err := s.suspensions.WithTx(tx).Resolve(ctx, susp.ID, "webhook", payload)
	if err != nil {
		return err
	}
	if !resolved {
		return fmt.Errorf("suspension already resumed: %w", ErrGone)
	}

	if _, err := s.events.WithTx(tx).Append(ctx, &models.RunEvent{
		RunID:     susp.RunID,
		NodeID:    &susp.NodeID,
		EventType: models.EventNodeResumed,
		Payload:   json.RawMessage(`{"source":"webhook"}`),
	}); err != nil {
		return err
	}

	if _, err := runsTx.Transition(ctx, susp.RunID,
		[]models.RunStatus{models.RunSuspended}, models.RunRunning); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing resume tx: %w", err)
	}

	var parsed any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		parsed = string(payload)
	}

	if err := s.bus.PublishJob(ctx, &jobs.Job{
		ID:    susp.NodeID,
		RunID: susp.RunID.String(),
		Node: jobs.Node{
			Type: jobs.TypeWebhookResume,
			Data: map[string]any{"payload": parsed},
		},
	}); err != nil {
		return err
	}

	s.log.Info("webhook wait resumed", "run_id", susp.RunID, "node_id", susp.NodeID)
	return nil
}

// VerifySignature checks an X-Webhook-Signature header ("sha256=<hex>")
// against HMAC-SHA256 of the raw body, in constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	return subtle.ConstantTimeCompare(provided, expected) == 1
}

// IdempotencyKey is the replay key for a webhook delivery: the caller's
// header when present, otherwise SHA-256 of the raw body.
func IdempotencyKey(header string, body []byte) string {
	if header != "" {
		return header
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// webhookInput parses the raw body into the run's input. Non-object JSON is
// wrapped so interpolation paths always start from an object.
func webhookInput(body []byte) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage(`{}`)
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		wrapped, _ := json.Marshal(map[string]string{"body": string(body)})
		return wrapped
	}
	if _, ok := parsed.(map[string]any); ok {
		return body
	}
	wrapped, _ := json.Marshal(map[string]any{"body": parsed})
	return wrapped
}

func triggerResponse(run *models.WorkflowRun) (*TriggerResponse, error) {
	g, err := graph.Parse(run.SnapshotGraph)
	if err != nil {
		return nil, err
	}
	roots := g.Roots()
	ids := make([]string, len(roots))
	for i, n := range roots {
		ids[i] = n.ID
	}
	return &TriggerResponse{RunID: run.ID.String(), ScheduledNodes: ids}, nil
}
