// Package registry reads the worker heartbeat hash and derives fleet
// health. Workers write their own heartbeats; the control plane only
// observes and evicts.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/swiftgrid/controlplane/common/logger"
	"github.com/swiftgrid/controlplane/common/models"
)

// HashKey is the Redis hash workers heartbeat into, field = worker id.
const HashKey = "workers"

// Staleness thresholds on last_seen.
const (
	HealthyWithin   = 15 * time.Second
	UnhealthyWithin = 60 * time.Second
)

// HeartbeatStore is the slice of the Redis client the registry needs.
type HeartbeatStore interface {
	GetAllHash(ctx context.Context, key string) (map[string]string, error)
	DeleteHashFields(ctx context.Context, key string, fields ...string) error
}

// Registry derives fleet health from worker heartbeats.
type Registry struct {
	store HeartbeatStore
	log   *logger.Logger
	now   func() time.Time
}

// New creates a registry.
func New(store HeartbeatStore, log *logger.Logger) *Registry {
	return &Registry{
		store: store,
		log:   log.WithComponent("registry"),
		now:   time.Now,
	}
}

// Summary reads all heartbeats, classifies each worker, evicts dead ones
// from the hash, and returns the aggregate view. Dead workers appear in
// the summary one last time so operators see the eviction.
func (r *Registry) Summary(ctx context.Context) (*models.RegistrySummary, error) {
	raw, err := r.store.GetAllHash(ctx, HashKey)
	if err != nil {
		return nil, err
	}

	now := r.now()
	summary := &models.RegistrySummary{Workers: []models.WorkerInfo{}}
	var evict []string

	for field, doc := range raw {
		var hb models.WorkerHeartbeat
		if err := json.Unmarshal([]byte(doc), &hb); err != nil {
			r.log.Warn("discarding malformed heartbeat", "worker", field)
			evict = append(evict, field)
			continue
		}
		if hb.WorkerID == "" {
			hb.WorkerID = field
		}

		info := models.WorkerInfo{
			WorkerHeartbeat: hb,
			Health:          Classify(now, time.UnixMilli(hb.LastSeen)),
		}
		summary.Workers = append(summary.Workers, info)

		switch info.Health {
		case models.WorkerHealthy:
			summary.HealthyCount++
		case models.WorkerUnhealthy:
			summary.UnhealthyCount++
		case models.WorkerDead:
			evict = append(evict, field)
		}

		summary.TotalProcessed += hb.JobsProcessed
		summary.TotalActive += hb.CurrentJobs

		if info.Health != models.WorkerDead && hb.UptimeSecs > 0 {
			summary.ThroughputPerMin += float64(hb.JobsProcessed) / float64(hb.UptimeSecs) * 60
		}
	}

	sort.Slice(summary.Workers, func(i, j int) bool {
		return summary.Workers[i].WorkerID < summary.Workers[j].WorkerID
	})

	if len(evict) > 0 {
		if err := r.store.DeleteHashFields(ctx, HashKey, evict...); err != nil {
			r.log.Error("failed to evict dead workers", "count", len(evict), "error", err)
		} else {
			r.log.Info("evicted dead workers", "workers", evict)
		}
	}

	return summary, nil
}

// Classify maps heartbeat staleness to a health bucket.
func Classify(now, lastSeen time.Time) models.WorkerHealth {
	age := now.Sub(lastSeen)
	switch {
	case age < HealthyWithin:
		return models.WorkerHealthy
	case age < UnhealthyWithin:
		return models.WorkerUnhealthy
	default:
		return models.WorkerDead
	}
}
