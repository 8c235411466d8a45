// Package coordinator consumes the control slice of the jobs stream:
// routers, delays, webhook waits, subflows, map batches, and the internal
// resume messages. Worker types (HTTP, CODE, LLM) pass through untouched.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swiftgrid/controlplane/cmd/orchestrator/condition"
	"github.com/swiftgrid/controlplane/common/bus"
	"github.com/swiftgrid/controlplane/common/db"
	"github.com/swiftgrid/controlplane/common/jobs"
	"github.com/swiftgrid/controlplane/common/lifecycle"
	"github.com/swiftgrid/controlplane/common/logger"
	"github.com/swiftgrid/controlplane/common/redis"
	"github.com/swiftgrid/controlplane/common/repository"
)

const (
	readBatch      = 10
	readBlock      = 5 * time.Second
	maxConcurrency = 32

	// Delays at or under this threshold sleep in the handler; longer ones
	// park in a sleep suspension and come back through the mover.
	inlineDelayMax = 5 * time.Second
)

// Opts wires a Coordinator.
type Opts struct {
	DB          *db.DB
	Redis       *redis.Client
	Bus         *bus.Bus
	Runs        *repository.RunRepository
	Events      *repository.EventRepository
	Suspensions *repository.SuspensionRepository
	Schedules   *repository.ScheduledJobRepository
	Batches     *repository.BatchRepository
	Versions    *repository.VersionRepository
	Lifecycle   *lifecycle.Manager
	Evaluator   *condition.Evaluator
	Logger      *logger.Logger
}

// Coordinator executes control nodes.
type Coordinator struct {
	db          *db.DB
	redis       *redis.Client
	bus         *bus.Bus
	runs        *repository.RunRepository
	events      *repository.EventRepository
	suspensions *repository.SuspensionRepository
	schedules   *repository.ScheduledJobRepository
	batches     *repository.BatchRepository
	versions    *repository.VersionRepository
	lifecycle   *lifecycle.Manager
	evaluator   *condition.Evaluator
	log         *logger.Logger
}

// New creates a coordinator.
func New(opts Opts) *Coordinator {
	return &Coordinator{
		db:          opts.DB,
		redis:       opts.Redis,
		bus:         opts.Bus,
		runs:        opts.Runs,
		events:      opts.Events,
		suspensions: opts.Suspensions,
		schedules:   opts.Schedules,
		batches:     opts.Batches,
		versions:    opts.Versions,
		lifecycle:   opts.Lifecycle,
		evaluator:   opts.Evaluator,
		log:         opts.Logger.WithComponent("coordinator"),
	}
}

// Start runs the consume loop until the context ends. Control jobs are
// handled concurrently up to a fixed limit; every message is acknowledged
// once handled, with handler errors surfaced as a failed result for the
// node so the run fails visibly instead of hanging.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.redis.CreateStreamGroup(ctx, bus.StreamJobs, bus.GroupCoordinator); err != nil {
		return err
	}

	consumer := "coordinator-" + uuid.New().String()[:8]
	c.log.Info("coordinator started", "consumer", consumer)

	sem := make(chan struct{}, maxConcurrency)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := c.redis.ReadFromStreamGroup(ctx, bus.GroupCoordinator, consumer, bus.StreamJobs, readBatch, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("jobs stream read failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				sem <- struct{}{}
				go func(id string, values map[string]interface{}) {
					defer func() { <-sem }()
					c.handleMessage(ctx, id, values)
					if err := c.redis.AckStreamMessage(ctx, bus.StreamJobs, bus.GroupCoordinator, id); err != nil {
						c.log.Error("ack failed", "message_id", id, "error", err)
					}
				}(msg.ID, msg.Values)
			}
		}
	}
}

func (c *Coordinator) handleMessage(ctx context.Context, id string, values map[string]interface{}) {
	raw, ok := values[bus.FieldPayload].(string)
	if !ok {
		c.log.Warn("job message without payload", "message_id", id)
		return
	}

	var job jobs.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		c.log.Warn("undecodable job dropped", "message_id", id, "error", err)
		return
	}

	if !job.Node.Type.Control() {
		return
	}

	if err := c.handle(ctx, &job); err != nil {
		c.log.Error("control job failed",
			"run_id", job.RunID, "node_id", job.ID, "type", job.Node.Type, "error", err)
		c.publishFailure(ctx, &job, err)
	}
}

func (c *Coordinator) handle(ctx context.Context, job *jobs.Job) error {
	switch job.Node.Type {
	case jobs.TypeRouter:
		return c.handleRouter(ctx, job)
	case jobs.TypeDelay:
		return c.handleDelay(ctx, job)
	case jobs.TypeWebhookWait:
		return c.handleWebhookWait(ctx, job)
	case jobs.TypeSubflow:
		return c.handleSubflow(ctx, job)
	case jobs.TypeMap:
		return c.handleMap(ctx, job)
	case jobs.TypeMapChildComplete:
		return c.handleMapChildComplete(ctx, job)
	case jobs.TypeSubflowResume:
		return c.handleSubflowResume(ctx, job)
	case jobs.TypeWebhookResume:
		return c.handleWebhookResume(ctx, job)
	default:
		c.log.Warn("unknown control job type", "type", job.Node.Type)
		return nil
	}
}

// publishFailure converts a handler error into a failed node result.
// Status 500 is retryable for worker nodes but control node types are not,
// so the failure is terminal for this attempt.
func (c *Coordinator) publishFailure(ctx context.Context, job *jobs.Job, cause error) {
	body, _ := json.Marshal(map[string]string{"error": cause.Error()})
	res := &jobs.Result{
		NodeID:     job.ID,
		RunID:      job.RunID,
		StatusCode: 500,
		Body:       body,
	}
	if err := c.bus.PublishResult(ctx, res); err != nil {
		c.log.Error("failure result publish failed",
			"run_id", job.RunID, "node_id", job.ID, "error", err)
	}
}

// runFor loads the job's run, reporting whether work should proceed.
func (c *Coordinator) runFor(ctx context.Context, job *jobs.Job) (runID uuid.UUID, proceed bool, err error) {
	runID, err = uuid.Parse(job.RunID)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("malformed run id %q: %w", job.RunID, err)
	}

	run, err := c.runs.GetByID(ctx, runID)
	if err != nil {
		if dropUnknownRun(err) {
			c.log.Warn("control job for unknown run dropped", "run_id", runID, "node_id", job.ID)
			return runID, false, nil
		}
		// Transient lookup failures must propagate; swallowing them would
		// ack the message and lose the control job.
		return runID, false, fmt.Errorf("loading run %s: %w", runID, err)
	}
	if run.Status.IsTerminal() {
		c.log.Debug("control job for terminal run dropped", "run_id", runID, "node_id", job.ID)
		return runID, false, nil
	}
	return runID, true, nil
}

// dropUnknownRun reports whether a run lookup failure means the referenced
// run is gone, as opposed to a transient error worth retrying.
func dropUnknownRun(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}

// Typed accessors for the job data bag. JSON numbers arrive as float64.

func dataString(d map[string]any, key string) string {
	s, _ := d[key].(string)
	return s
}

func dataBool(d map[string]any, key string) bool {
	b, _ := d[key].(bool)
	return b
}

func dataInt64(d map[string]any, key string) int64 {
	switch v := d[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

func dataInt(d map[string]any, key string) int {
	return int(dataInt64(d, key))
}
