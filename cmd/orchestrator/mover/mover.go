// Package mover runs the orchestrator's background tickers: promoting due
// scheduled jobs onto the bus, sweeping expired suspensions and stale
// batches, and purging old terminal runs.
package mover

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/swiftgrid/controlplane/common/bus"
	"github.com/swiftgrid/controlplane/common/db"
	"github.com/swiftgrid/controlplane/common/jobs"
	"github.com/swiftgrid/controlplane/common/logger"
	"github.com/swiftgrid/controlplane/common/repository"
)

const (
	promoteInterval   = time.Second
	sweepInterval     = 10 * time.Second
	batchInterval     = 30 * time.Second
	retentionInterval = time.Hour

	claimBatch = 100
	sweepBatch = 100
)

// Opts wires a Mover.
type Opts struct {
	DB          *db.DB
	Bus         *bus.Bus
	Runs        *repository.RunRepository
	Schedules   *repository.ScheduledJobRepository
	Suspensions *repository.SuspensionRepository
	Batches     *repository.BatchRepository
	Deliveries  *repository.DeliveryRepository
	Logger      *logger.Logger

	// BatchTimeout bounds how long a map batch without its own timeout_ms
	// may stay running before the sweeper aborts it.
	BatchTimeout time.Duration
	// RunRetention bounds how long unpinned terminal runs are kept.
	RunRetention time.Duration
}

// Mover owns the ticker loops.
type Mover struct {
	db          *db.DB
	bus         *bus.Bus
	runs        *repository.RunRepository
	schedules   *repository.ScheduledJobRepository
	suspensions *repository.SuspensionRepository
	batches     *repository.BatchRepository
	deliveries  *repository.DeliveryRepository
	log         *logger.Logger

	batchTimeout time.Duration
	runRetention time.Duration
}

// New creates a mover.
func New(opts Opts) *Mover {
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = time.Hour
	}
	if opts.RunRetention <= 0 {
		opts.RunRetention = 30 * 24 * time.Hour
	}
	return &Mover{
		db:           opts.DB,
		bus:          opts.Bus,
		runs:         opts.Runs,
		schedules:    opts.Schedules,
		suspensions:  opts.Suspensions,
		batches:      opts.Batches,
		deliveries:   opts.Deliveries,
		log:          opts.Logger.WithComponent("mover"),
		batchTimeout: opts.BatchTimeout,
		runRetention: opts.RunRetention,
	}
}

// RunPromoter moves due scheduled jobs onto the jobs stream once per tick.
func (m *Mover) RunPromoter(ctx context.Context) error {
	return m.tick(ctx, promoteInterval, func(ctx context.Context) {
		if err := m.promoteDue(ctx); err != nil {
			m.log.Error("promote pass failed", "error", err)
		}
	})
}

// promoteDue claims due rows and publishes their payloads inside the claim
// transaction, so a failed publish rolls the claim back for the next tick.
// A publish that lands before a failed commit just redelivers; the retry
// event dedupe absorbs it.
func (m *Mover) promoteDue(ctx context.Context) error {
	tx, err := m.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning promote tx: %w", err)
	}
	defer tx.Rollback(ctx)

	due, err := m.schedules.WithTx(tx).ClaimDue(ctx, time.Now(), claimBatch)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return tx.Commit(ctx)
	}

	for _, row := range due {
		var job jobs.Job
		if err := json.Unmarshal(row.Payload, &job); err != nil {
			m.log.Error("scheduled job with undecodable payload dropped",
				"id", row.ID, "run_id", row.RunID, "node_id", row.NodeID, "error", err)
			continue
		}
		if err := m.bus.PublishJob(ctx, &job); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing promote tx: %w", err)
	}

	m.log.Info("scheduled jobs promoted", "count", len(due))
	return nil
}

// RunSuspensionSweeper fails suspensions whose deadline passed.
func (m *Mover) RunSuspensionSweeper(ctx context.Context) error {
	return m.tick(ctx, sweepInterval, func(ctx context.Context) {
		if err := m.sweepSuspensions(ctx); err != nil {
			m.log.Error("suspension sweep failed", "error", err)
		}
	})
}

func (m *Mover) sweepSuspensions(ctx context.Context) error {
	expired, err := m.suspensions.ListExpired(ctx, time.Now(), sweepBatch)
	if err != nil {
		return err
	}

	for _, s := range expired {
		resolved, err := m.suspensions.Resolve(ctx, s.ID, "sweeper:timeout", nil)
		if err != nil {
			return err
		}
		if !resolved {
			continue
		}

		m.log.Warn("suspension timed out",
			"run_id", s.RunID, "node_id", s.NodeID, "type", s.SuspensionType)

		body, _ := json.Marshal(map[string]string{"error": "suspension timeout expired"})
		if err := m.bus.PublishResult(ctx, &jobs.Result{
			NodeID:     s.NodeID,
			RunID:      s.RunID.String(),
			StatusCode: 408,
			Body:       body,
		}); err != nil {
			return err
		}
	}
	return nil
}

// RunBatchSweeper aborts map batches that outlived their timeout, each
// batch's own timeout_ms or the default, by injecting the sweeper's
// completion marker.
func (m *Mover) RunBatchSweeper(ctx context.Context) error {
	return m.tick(ctx, batchInterval, func(ctx context.Context) {
		if err := m.sweepBatches(ctx); err != nil {
			m.log.Error("batch sweep failed", "error", err)
		}
	})
}

func (m *Mover) sweepBatches(ctx context.Context) error {
	cutoff := int(m.batchTimeout.Seconds())
	stale, err := m.batches.ListStale(ctx, cutoff, sweepBatch)
	if err != nil {
		return err
	}

	for _, b := range stale {
		m.log.Warn("map batch stale, aborting",
			"batch_id", b.ID, "run_id", b.RunID, "started_at", b.StartedAt)

		if err := m.bus.PublishJob(ctx, &jobs.Job{
			ID:    b.NodeID,
			RunID: b.RunID.String(),
			Node: jobs.Node{
				Type: jobs.TypeMapChildComplete,
				Data: map[string]any{
					"batch_id":   b.ID.String(),
					"item_index": -1,
				},
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

// RunRetention purges unpinned terminal runs and old webhook deliveries.
func (m *Mover) RunRetention(ctx context.Context) error {
	return m.tick(ctx, retentionInterval, func(ctx context.Context) {
		cutoff := time.Now().Add(-m.runRetention)

		purged, err := m.runs.PurgeTerminalBefore(ctx, cutoff)
		if err != nil {
			m.log.Error("run retention failed", "error", err)
		} else if purged > 0 {
			m.log.Info("terminal runs purged", "count", purged, "cutoff", cutoff)
		}

		dropped, err := m.deliveries.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			m.log.Error("delivery retention failed", "error", err)
		} else if dropped > 0 {
			m.log.Info("webhook deliveries purged", "count", dropped)
		}
	})
}

// tick runs fn on a fixed interval until the context ends, with one
// immediate pass at startup.
func (m *Mover) tick(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			fn(ctx)
		}
	}
}
