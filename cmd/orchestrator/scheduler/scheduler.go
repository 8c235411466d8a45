// Package scheduler fires cron-triggered runs. Due workflows are claimed
// with SKIP LOCKED so replicas never double-fire a tick.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/robfig/cron/v3"

	"github.com/swiftgrid/controlplane/common/bus"
	"github.com/swiftgrid/controlplane/common/db"
	"github.com/swiftgrid/controlplane/common/lifecycle"
	"github.com/swiftgrid/controlplane/common/logger"
	"github.com/swiftgrid/controlplane/common/models"
	"github.com/swiftgrid/controlplane/common/repository"
)

const tickInterval = 15 * time.Second

// Opts wires a Scheduler.
type Opts struct {
	DB        *db.DB
	Bus       *bus.Bus
	Workflows *repository.WorkflowRepository
	Versions  *repository.VersionRepository
	Runs      *repository.RunRepository
	Lifecycle *lifecycle.Manager
	Logger    *logger.Logger
}

// Scheduler drives cron triggers.
type Scheduler struct {
	db        *db.DB
	bus       *bus.Bus
	workflows *repository.WorkflowRepository
	versions  *repository.VersionRepository
	runs      *repository.RunRepository
	lifecycle *lifecycle.Manager
	log       *logger.Logger
}

// New creates a scheduler.
func New(opts Opts) *Scheduler {
	return &Scheduler{
		db:        opts.DB,
		bus:       opts.Bus,
		workflows: opts.Workflows,
		versions:  opts.Versions,
		runs:      opts.Runs,
		lifecycle: opts.Lifecycle,
		log:       opts.Logger.WithComponent("scheduler"),
	}
}

// Start ticks until the context ends.
func (s *Scheduler) Start(ctx context.Context) error {
	t := time.NewTicker(tickInterval)
	defer t.Stop()

	s.log.Info("scheduler started", "interval", tickInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.fireDue(ctx); err != nil {
				s.log.Error("schedule pass failed", "error", err)
			}
		}
	}
}

// fireDue claims due schedules, fires each according to its overlap mode,
// and advances next_run_at. The claim, the run insert, and the pointer
// advance commit together; the start request goes out after commit.
func (s *Scheduler) fireDue(ctx context.Context) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning schedule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	workflowsTx := s.workflows.WithTx(tx)

	due, err := workflowsTx.ClaimDueSchedules(ctx, time.Now())
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return tx.Commit(ctx)
	}

	var started []*models.WorkflowRun
	for _, wf := range due {
		run, err := s.fireOne(ctx, tx, wf)
		if err != nil {
			s.log.Error("cron fire failed", "workflow_id", wf.ID, "error", err)
		}
		if run != nil {
			started = append(started, run)
		}

		next, err := s.advance(wf)
		if err != nil {
			s.log.Error("cron advance failed, disabling schedule",
				"workflow_id", wf.ID, "error", err)
			if err := workflowsTx.UpdateSchedule(ctx, wf.ID, false, wf.ScheduleCron,
				wf.ScheduleTimezone, wf.ScheduleInput, wf.OverlapMode, nil); err != nil {
				return err
			}
			continue
		}
		if err := workflowsTx.SetNextRun(ctx, wf.ID, next); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing schedule tx: %w", err)
	}

	for _, run := range started {
		if err := s.bus.EnqueueRun(ctx, run.ID); err != nil {
			s.log.Error("cron run enqueue failed", "run_id", run.ID, "error", err)
		}
	}
	return nil
}

// fireOne creates the cron run for one due workflow, honoring its overlap
// mode. A nil run with nil error means the tick was skipped.
func (s *Scheduler) fireOne(ctx context.Context, tx pgx.Tx, wf *models.Workflow) (*models.WorkflowRun, error) {
	version, err := s.versions.GetActive(ctx, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("workflow %d has no published version", wf.ID)
	}

	switch wf.OverlapMode {
	case models.OverlapSkip:
		active, err := s.runs.CountCronByStatus(ctx, wf.ID,
			[]models.RunStatus{models.RunPending, models.RunRunning, models.RunSuspended})
		if err != nil {
			return nil, err
		}
		if active > 0 {
			s.log.Debug("cron tick skipped, earlier run still active", "workflow_id", wf.ID)
			return nil, nil
		}
	case models.OverlapQueueOne:
		pending, err := s.runs.CountCronByStatus(ctx, wf.ID,
			[]models.RunStatus{models.RunPending})
		if err != nil {
			return nil, err
		}
		if pending > 0 {
			s.log.Debug("cron tick skipped, a run is already queued", "workflow_id", wf.ID)
			return nil, nil
		}
	case models.OverlapParallel:
	}

	run, err := s.lifecycle.CreateInTx(ctx, tx, lifecycle.CreateParams{
		WorkflowID: &wf.ID,
		VersionID:  &version.ID,
		Graph:      version.Graph,
		Input:      wf.ScheduleInput,
		Trigger:    models.TriggerCron,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("cron run created", "workflow_id", wf.ID, "run_id", run.ID)
	return run, nil
}

func (s *Scheduler) advance(wf *models.Workflow) (time.Time, error) {
	if wf.ScheduleCron == nil {
		return time.Time{}, fmt.Errorf("workflow %d schedule has no cron expression", wf.ID)
	}
	tz := ""
	if wf.ScheduleTimezone != nil {
		tz = *wf.ScheduleTimezone
	}
	return NextFire(*wf.ScheduleCron, tz, time.Now())
}

// NextFire computes the fire time after now for a standard 5-field cron
// expression in the given timezone (UTC when empty).
func NextFire(expr, timezone string, now time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}

	return sched.Next(now.In(loc)), nil
}
