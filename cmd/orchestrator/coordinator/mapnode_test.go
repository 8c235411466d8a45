package coordinator

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftgrid/controlplane/common/models"
)

func TestMapChildParamsPinsBatchVersion(t *testing.T) {
	version := int64(42)
	b := &models.BatchOperation{
		ID:             uuid.New(),
		RunID:          uuid.New(),
		NodeID:         "map-1",
		ChildGraph:     json.RawMessage(`{"nodes":[],"edges":[]}`),
		ChildVersionID: &version,
		ChildDepth:     2,
	}

	params, err := mapChildParams(b, map[string]any{"name": "a"}, 7)
	require.NoError(t, err)

	require.NotNil(t, params.VersionID)
	assert.Equal(t, version, *params.VersionID)
	assert.Equal(t, b.ChildGraph, params.Graph)
	assert.Equal(t, models.TriggerMap, params.Trigger)
	assert.Equal(t, b.RunID, *params.ParentRunID)
	assert.Equal(t, b.NodeID, *params.ParentNodeID)
	assert.Equal(t, 2, params.Depth)

	var input map[string]any
	require.NoError(t, json.Unmarshal(params.Input, &input))
	assert.Equal(t, float64(7), input["index"])
	assert.Equal(t, b.ID.String(), input["batch_id"])
	assert.Equal(t, map[string]any{"name": "a"}, input["item"])
}

func TestMapChildParamsWithoutVersion(t *testing.T) {
	b := &models.BatchOperation{
		ID:         uuid.New(),
		RunID:      uuid.New(),
		NodeID:     "map-1",
		ChildGraph: json.RawMessage(`{"nodes":[],"edges":[]}`),
		ChildDepth: 1,
	}

	params, err := mapChildParams(b, "x", 0)
	require.NoError(t, err)
	assert.Nil(t, params.VersionID)
}

func TestBatchTimeout(t *testing.T) {
	got := batchTimeout(map[string]any{"timeout_ms": float64(60000)})
	require.NotNil(t, got)
	assert.Equal(t, int64(60000), *got)

	assert.Nil(t, batchTimeout(map[string]any{}))
	assert.Nil(t, batchTimeout(map[string]any{"timeout_ms": float64(0)}))
	assert.Nil(t, batchTimeout(map[string]any{"timeout_ms": float64(-5)}))
}
