package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftgrid/controlplane/common/graph"
	"github.com/swiftgrid/controlplane/common/models"
)

func intp(v int) *int { return &v }

func diamondGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.Parse([]byte(`{
		"nodes": [
			{"id": "a", "type": "http-request", "data": {}},
			{"id": "b", "type": "http-request", "data": {}},
			{"id": "c", "type": "http-request", "data": {}},
			{"id": "d", "type": "http-request", "data": {}}
		],
		"edges": [
			{"source": "a", "target": "b"},
			{"source": "a", "target": "c"},
			{"source": "b", "target": "d"},
			{"source": "c", "target": "d"}
		]
	}`))
	require.NoError(t, err)
	return g
}

func TestFilterEdgesPlainNodeKeepsAll(t *testing.T) {
	g := diamondGraph(t)
	node, _ := g.Node("a")

	active := FilterEdges(node, g.Outgoing("a"), []byte(`{"ok":true}`))
	assert.Len(t, active, 2)
}

func TestFilterEdgesRouterKeepsFired(t *testing.T) {
	node := &graph.Node{ID: "r", Type: graph.NodeRouter}
	edges := []graph.Edge{
		{Source: "r", Target: "x", SourceHandle: "hot"},
		{Source: "r", Target: "y", SourceHandle: "cold"},
		{Source: "r", Target: "z"},
	}

	active := FilterEdges(node, edges, []byte(`{"fired":["hot"]}`))
	require.Len(t, active, 2)
	assert.Equal(t, "x", active[0].Target)
	// unlabeled edges always follow
	assert.Equal(t, "z", active[1].Target)
}

func TestFilterEdgesRouterNothingFired(t *testing.T) {
	node := &graph.Node{ID: "r", Type: graph.NodeRouter}
	edges := []graph.Edge{
		{Source: "r", Target: "x", SourceHandle: "hot"},
	}

	assert.Empty(t, FilterEdges(node, edges, []byte(`{"fired":[]}`)))
}

func TestFilterEdgesSubflowRouting(t *testing.T) {
	node := &graph.Node{ID: "s", Type: graph.NodeSubflow}
	edges := []graph.Edge{
		{Source: "s", Target: "ok", SourceHandle: "success"},
		{Source: "s", Target: "fallback", SourceHandle: "error"},
	}

	success := FilterEdges(node, edges, []byte(`{"result":1}`))
	require.Len(t, success, 1)
	assert.Equal(t, "ok", success[0].Target)

	errored := FilterEdges(node, edges, []byte(`{"route_to":"error","error":"boom"}`))
	require.Len(t, errored, 1)
	assert.Equal(t, "fallback", errored[0].Target)
}

func TestReadyTargetsJoinWaits(t *testing.T) {
	g := diamondGraph(t)

	// b just completed, c still pending: d must wait
	states := map[string]models.NodeState{
		"a": {NodeID: "a", Completed: true, Dispatched: true},
		"b": {NodeID: "b", Completed: true, Dispatched: true},
		"c": {NodeID: "c", Dispatched: true},
	}

	ready := ReadyTargets(g, g.Outgoing("b"), states)
	assert.Empty(t, ready)

	// once c completes, d is ready
	states["c"] = models.NodeState{NodeID: "c", Completed: true, Dispatched: true}
	ready = ReadyTargets(g, g.Outgoing("c"), states)
	assert.Equal(t, []string{"d"}, ready)
}

func TestReadyTargetsSkipsDispatched(t *testing.T) {
	g := diamondGraph(t)

	states := map[string]models.NodeState{
		"a": {NodeID: "a", Completed: true, Dispatched: true},
		"b": {NodeID: "b", Completed: true, Dispatched: true},
		"c": {NodeID: "c", Completed: true, Dispatched: true},
		"d": {NodeID: "d", Dispatched: true},
	}

	assert.Empty(t, ReadyTargets(g, g.Outgoing("b"), states))
}

func TestReadyTargetsDeduplicates(t *testing.T) {
	g := diamondGraph(t)

	states := map[string]models.NodeState{
		"a": {NodeID: "a", Completed: true, Dispatched: true},
		"b": {NodeID: "b", Completed: true, Dispatched: true},
		"c": {NodeID: "c", Completed: true, Dispatched: true},
	}

	active := append(g.Outgoing("b"), g.Outgoing("c")...)
	assert.Equal(t, []string{"d"}, ReadyTargets(g, active, states))
}

func TestOutcomeInFlightNotTerminal(t *testing.T) {
	states := map[string]models.NodeState{
		"a": {NodeID: "a", Completed: true, Dispatched: true},
		"b": {NodeID: "b", Dispatched: true},
	}

	terminal, _ := Outcome(states, 0)
	assert.False(t, terminal)
}

func TestOutcomeDispatchedThisStepNotTerminal(t *testing.T) {
	states := map[string]models.NodeState{
		"a": {NodeID: "a", Completed: true, Dispatched: true},
	}

	terminal, _ := Outcome(states, 1)
	assert.False(t, terminal)
}

func TestOutcomeAllCompleted(t *testing.T) {
	states := map[string]models.NodeState{
		"a": {NodeID: "a", Completed: true, Dispatched: true},
		"b": {NodeID: "b", Completed: true, Dispatched: true},
	}

	terminal, status := Outcome(states, 0)
	assert.True(t, terminal)
	assert.Equal(t, models.RunCompleted, status)
}

func TestOutcomeFailedFinalWins(t *testing.T) {
	states := map[string]models.NodeState{
		"a": {NodeID: "a", Completed: true, Dispatched: true},
		"b": {NodeID: "b", Dispatched: true, MaxFailedRetry: intp(3), MaxRetryScheduled: intp(3)},
	}

	terminal, status := Outcome(states, 0)
	assert.True(t, terminal)
	assert.Equal(t, models.RunFailed, status)
}

func TestOutcomeRetryPendingNotTerminal(t *testing.T) {
	states := map[string]models.NodeState{
		"a": {NodeID: "a", Dispatched: true, MaxFailedRetry: intp(0), MaxRetryScheduled: intp(1)},
	}

	terminal, _ := Outcome(states, 0)
	assert.False(t, terminal)
}
