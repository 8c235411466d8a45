package coordinator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftgrid/controlplane/common/models"
)

func batchFixture(total, completed, failed int, failFast bool) *models.BatchOperation {
	return &models.BatchOperation{
		ID:               uuid.New(),
		RunID:            uuid.New(),
		NodeID:           "map-1",
		TotalItems:       total,
		ConcurrencyLimit: 5,
		FailFast:         failFast,
		CompletedCount:   completed,
		FailedCount:      failed,
		StartedAt:        time.Now().Add(-2 * time.Second),
	}
}

func itemResult(index int, success bool, output string, errMsg string, durationMs int64) *models.BatchResult {
	r := &models.BatchResult{
		ItemIndex: index,
		Success:   success,
	}
	if output != "" {
		r.Output = json.RawMessage(output)
	}
	if errMsg != "" {
		r.Error = &errMsg
	}
	if durationMs > 0 {
		r.DurationMs = &durationMs
	}
	if !success {
		id := uuid.New()
		r.ChildRunID = &id
	}
	return r
}

func TestBuildMapOutputOrdersResultsWithNullForFailures(t *testing.T) {
	b := batchFixture(3, 2, 1, false)
	results := []*models.BatchResult{
		itemResult(0, true, `{"v":1}`, "", 100),
		itemResult(1, false, "", "upstream 500", 50),
		itemResult(2, true, `{"v":3}`, "", 150),
	}

	out, routeError := BuildMapOutput(b, results, time.Now())

	assert.False(t, routeError)
	require.Len(t, out.Results, 3)
	assert.JSONEq(t, `{"v":1}`, string(out.Results[0]))
	assert.Equal(t, "null", string(out.Results[1]))
	assert.JSONEq(t, `{"v":3}`, string(out.Results[2]))

	require.Len(t, out.Errors, 1)
	assert.Equal(t, 1, out.Errors[0].Index)
	assert.Equal(t, "upstream 500", out.Errors[0].Error)
	assert.NotEmpty(t, out.Errors[0].ChildRunID)
}

func TestBuildMapOutputStats(t *testing.T) {
	b := batchFixture(2, 2, 0, false)
	finished := b.StartedAt.Add(4 * time.Second)
	results := []*models.BatchResult{
		itemResult(0, true, `1`, "", 100),
		itemResult(1, true, `2`, "", 300),
	}

	out, routeError := BuildMapOutput(b, results, finished)

	assert.False(t, routeError)
	assert.Equal(t, 2, out.Stats.Total)
	assert.Equal(t, 2, out.Stats.Completed)
	assert.Equal(t, 0, out.Stats.Failed)
	assert.Equal(t, int64(4000), out.Stats.DurationMs)
	assert.InDelta(t, 4.0, out.Stats.DurationSecs, 0.01)
	assert.InDelta(t, 0.5, out.Stats.ItemsPerSec, 0.01)
	assert.InDelta(t, 200.0, out.Stats.AvgLatencyMs, 0.01)
	assert.Equal(t, 5, out.Stats.ConcurrencyUsed)
}

func TestBuildMapOutputAllFailedRoutesError(t *testing.T) {
	b := batchFixture(2, 0, 2, false)
	results := []*models.BatchResult{
		itemResult(0, false, "", "boom", 0),
		itemResult(1, false, "", "boom", 0),
	}

	out, routeError := BuildMapOutput(b, results, time.Now())

	assert.True(t, routeError)
	assert.Equal(t, "error", out.RouteTo)
	assert.Len(t, out.Errors, 2)
}

func TestBuildMapOutputFailFastRoutesError(t *testing.T) {
	b := batchFixture(10, 2, 1, true)
	results := []*models.BatchResult{
		itemResult(0, true, `1`, "", 0),
		itemResult(1, true, `2`, "", 0),
		itemResult(2, false, "", "boom", 0),
	}

	out, routeError := BuildMapOutput(b, results, time.Now())

	assert.True(t, routeError)
	assert.Equal(t, "error", out.RouteTo)
	assert.Len(t, out.Results, 3)
}

func TestBuildMapOutputPartialFailureStillSucceeds(t *testing.T) {
	b := batchFixture(2, 1, 1, false)
	results := []*models.BatchResult{
		itemResult(0, true, `1`, "", 0),
		itemResult(1, false, "", "boom", 0),
	}

	out, routeError := BuildMapOutput(b, results, time.Now())

	assert.False(t, routeError)
	assert.Empty(t, out.RouteTo)
}

func TestEmptyMapOutputShape(t *testing.T) {
	raw, err := json.Marshal(emptyMapOutput())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, []any{}, decoded["results"])
	assert.Equal(t, []any{}, decoded["errors"])
	assert.Contains(t, decoded, "stats")
	assert.NotContains(t, decoded, "route_to")
}
