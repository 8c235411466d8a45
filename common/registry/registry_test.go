package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftgrid/controlplane/common/logger"
	"github.com/swiftgrid/controlplane/common/models"
)

type fakeStore struct {
	hash    map[string]string
	deleted []string
}

func (f *fakeStore) GetAllHash(ctx context.Context, key string) (map[string]string, error) {
	return f.hash, nil
}

func (f *fakeStore) DeleteHashFields(ctx context.Context, key string, fields ...string) error {
	f.deleted = append(f.deleted, fields...)
	return nil
}

func heartbeat(t *testing.T, id string, lastSeen time.Time, processed int64, current int, uptime int64) string {
	t.Helper()
	raw, err := json.Marshal(models.WorkerHeartbeat{
		WorkerID:      id,
		Status:        "running",
		JobsProcessed: processed,
		CurrentJobs:   current,
		UptimeSecs:    uptime,
		LastSeen:      lastSeen.UnixMilli(),
	})
	require.NoError(t, err)
	return string(raw)
}

func TestClassify(t *testing.T) {
	now := time.Now()
	assert.Equal(t, models.WorkerHealthy, Classify(now, now.Add(-5*time.Second)))
	assert.Equal(t, models.WorkerUnhealthy, Classify(now, now.Add(-30*time.Second)))
	assert.Equal(t, models.WorkerDead, Classify(now, now.Add(-2*time.Minute)))
}

func TestSummaryAggregatesAndEvicts(t *testing.T) {
	now := time.Now()
	store := &fakeStore{hash: map[string]string{
		"w1": heartbeat(t, "w1", now.Add(-2*time.Second), 120, 3, 60),
		"w2": heartbeat(t, "w2", now.Add(-30*time.Second), 40, 1, 120),
		"w3": heartbeat(t, "w3", now.Add(-5*time.Minute), 10, 0, 600),
	}}

	reg := New(store, logger.New("error", "json"))
	reg.now = func() time.Time { return now }

	summary, err := reg.Summary(context.Background())
	require.NoError(t, err)

	require.Len(t, summary.Workers, 3)
	assert.Equal(t, 1, summary.HealthyCount)
	assert.Equal(t, 1, summary.UnhealthyCount)
	assert.Equal(t, int64(170), summary.TotalProcessed)
	assert.Equal(t, 4, summary.TotalActive)
	// w1: 120 jobs / 60s * 60 = 120/min; w2: 40/120*60 = 20/min; w3 dead, excluded
	assert.InDelta(t, 140.0, summary.ThroughputPerMin, 0.01)
	assert.Equal(t, []string{"w3"}, store.deleted)

	// sorted by worker id
	assert.Equal(t, "w1", summary.Workers[0].WorkerID)
	assert.Equal(t, models.WorkerDead, summary.Workers[2].Health)
}

func TestSummaryDropsMalformedHeartbeat(t *testing.T) {
	store := &fakeStore{hash: map[string]string{"bad": "{not json"}}

	reg := New(store, logger.New("error", "json"))
	summary, err := reg.Summary(context.Background())
	require.NoError(t, err)

	assert.Empty(t, summary.Workers)
	assert.Equal(t, []string{"bad"}, store.deleted)
}

func TestSummaryEmptyFleet(t *testing.T) {
	reg := New(&fakeStore{hash: map[string]string{}}, logger.New("error", "json"))
	summary, err := reg.Summary(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, summary.Workers)
	assert.Empty(t, summary.Workers)
}
