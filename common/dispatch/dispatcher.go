// Package dispatch is the single path a node takes from "ready" to "on the
// bus". It writes the NODE_SCHEDULED marker inside the caller's
// transaction and publishes the job after commit, so a crash between the
// two leaves a visible marker instead of a silent double-dispatch.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/swiftgrid/controlplane/common/bus"
	"github.com/swiftgrid/controlplane/common/graph"
	"github.com/swiftgrid/controlplane/common/interp"
	"github.com/swiftgrid/controlplane/common/jobs"
	"github.com/swiftgrid/controlplane/common/logger"
	"github.com/swiftgrid/controlplane/common/models"
	"github.com/swiftgrid/controlplane/common/repository"
)

const publishAttempts = 3

// Dispatcher builds and publishes node jobs.
type Dispatcher struct {
	bus *bus.Bus
	log *logger.Logger
}

// New creates a dispatcher.
func New(b *bus.Bus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{bus: b, log: log.WithComponent("dispatch")}
}

// Schedule marks a node dispatched and builds its job. The events
// repository must be bound to the caller's transaction; the NODE_SCHEDULED
// unique index makes concurrent dispatches of the same attempt collapse to
// one. Returns (nil, false, nil) when another dispatcher got there first.
func (d *Dispatcher) Schedule(
	ctx context.Context,
	events *repository.EventRepository,
	run *models.WorkflowRun,
	node *graph.Node,
	ip *interp.Interpolator,
) (*jobs.Job, bool, error) {
	job, err := jobs.Build(node, jobs.BuildParams{
		RunID:  run.ID,
		Depth:  run.Depth,
		Interp: ip,
	})
	if err != nil {
		return nil, false, fmt.Errorf("building job for node %s: %w", node.ID, err)
	}

	payload, _ := json.Marshal(map[string]any{"job_type": job.Node.Type})
	written, err := events.Append(ctx, &models.RunEvent{
		RunID:      run.ID,
		NodeID:     &node.ID,
		EventType:  models.EventNodeScheduled,
		RetryCount: job.RetryCount,
		Payload:    payload,
	})
	if err != nil {
		return nil, false, err
	}
	if !written {
		d.log.Debug("node already scheduled", "run_id", run.ID, "node_id", node.ID)
		return nil, false, nil
	}

	return job, true, nil
}

// PublishAll pushes jobs to the bus with bounded retries. Call after the
// scheduling transaction commits. A persistent failure is returned so the
// caller can fail the run rather than leave it hanging.
func (d *Dispatcher) PublishAll(ctx context.Context, batch []*jobs.Job) error {
	if len(batch) == 0 {
		return nil
	}

	var err error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err = d.bus.PublishJobs(ctx, batch); err == nil {
			return nil
		}
		d.log.Warn("job publish failed",
			"attempt", attempt, "jobs", len(batch), "error", err)
		if attempt < publishAttempts {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
	}
	return fmt.Errorf("publishing %d jobs after %d attempts: %w", len(batch), publishAttempts, err)
}
