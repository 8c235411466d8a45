package service

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftgrid/controlplane/common/models"
)

func ev(node string, et models.EventType, retry int, payload string) *models.RunEvent {
	e := &models.RunEvent{
		RunID:      uuid.Nil,
		EventType:  et,
		RetryCount: retry,
	}
	if node != "" {
		e.NodeID = &node
	}
	if payload != "" {
		e.Payload = json.RawMessage(payload)
	}
	return e
}

func TestDeriveNodeResultsCompletedNode(t *testing.T) {
	events := []*models.RunEvent{
		ev("", models.EventRunStarted, 0, ""),
		ev("a", models.EventNodeScheduled, 0, ""),
		ev("a", models.EventNodeCompleted, 0, `{"result":{"status":201}}`),
	}

	results := deriveNodeResults(events, models.RunCompleted)

	require.Contains(t, results, "a")
	assert.Equal(t, "completed", results["a"].Status)
	assert.JSONEq(t, `{"status":201}`, string(results["a"].Output))
}

func TestDeriveNodeResultsFailureThenRetryThenSuccess(t *testing.T) {
	events := []*models.RunEvent{
		ev("a", models.EventNodeScheduled, 0, ""),
		ev("a", models.EventNodeFailed, 0, `{"error":"upstream 503","status_code":503}`),
		ev("a", models.EventNodeRetryScheduled, 1, ""),
		ev("a", models.EventNodeScheduled, 1, ""),
		ev("a", models.EventNodeCompleted, 1, `{"result":"ok"}`),
	}

	results := deriveNodeResults(events, models.RunCompleted)

	assert.Equal(t, "completed", results["a"].Status)
	assert.Empty(t, results["a"].Error)
	assert.Equal(t, 1, results["a"].RetryCount)
}

func TestDeriveNodeResultsTerminalFailure(t *testing.T) {
	events := []*models.RunEvent{
		ev("a", models.EventNodeScheduled, 0, ""),
		ev("a", models.EventNodeFailed, 0, `{"error":"boom"}`),
	}

	results := deriveNodeResults(events, models.RunFailed)

	assert.Equal(t, "error", results["a"].Status)
	assert.Equal(t, "boom", results["a"].Error)
}

func TestDeriveNodeResultsSuspended(t *testing.T) {
	events := []*models.RunEvent{
		ev("a", models.EventNodeScheduled, 0, ""),
		ev("a", models.EventNodeSuspended, 0, `{"type":"webhook"}`),
	}

	results := deriveNodeResults(events, models.RunSuspended)

	assert.Equal(t, "suspended", results["a"].Status)
}

func TestDeriveNodeResultsCancelledRunMarksPendingNodes(t *testing.T) {
	events := []*models.RunEvent{
		ev("a", models.EventNodeScheduled, 0, ""),
		ev("a", models.EventNodeCompleted, 0, `{"result":1}`),
		ev("b", models.EventNodeScheduled, 0, ""),
	}

	results := deriveNodeResults(events, models.RunCancelled)

	assert.Equal(t, "completed", results["a"].Status)
	assert.Equal(t, "cancelled", results["b"].Status)
}

func TestDeriveNodeResultsIgnoresRunEvents(t *testing.T) {
	events := []*models.RunEvent{
		ev("", models.EventRunCreated, 0, ""),
		ev("", models.EventRunStarted, 0, ""),
	}

	assert.Empty(t, deriveNodeResults(events, models.RunRunning))
}
