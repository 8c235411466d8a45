package engine

import (
	"github.com/tidwall/gjson"

	"github.com/swiftgrid/controlplane/common/graph"
	"github.com/swiftgrid/controlplane/common/models"
)

// FilterEdges returns the outgoing edges a successful node result
// activates. Router results carry the fired condition ids; subflow and map
// results carry route_to. Everything else activates all its edges.
func FilterEdges(node *graph.Node, edges []graph.Edge, body []byte) []graph.Edge {
	switch node.Type {
	case graph.NodeRouter:
		fired := make(map[string]bool)
		for _, id := range gjson.GetBytes(body, "fired").Array() {
			fired[id.String()] = true
		}

		var active []graph.Edge
		for _, e := range edges {
			if e.SourceHandle == "" || fired[e.SourceHandle] {
				active = append(active, e)
			}
		}
		return active

	case graph.NodeSubflow, graph.NodeMap:
		errorRoute := gjson.GetBytes(body, "route_to").String() == "error"

		var active []graph.Edge
		for _, e := range edges {
			if errorRoute == (e.SourceHandle == "error") {
				active = append(active, e)
			}
		}
		return active

	default:
		return edges
	}
}

// ReadyTargets returns the targets of the active edges that can be
// dispatched now: every incoming edge's source has completed, and the
// target has no dispatch outstanding. Order follows the active edges;
// duplicates collapse to the first occurrence.
func ReadyTargets(g *graph.Graph, active []graph.Edge, states map[string]models.NodeState) []string {
	var ready []string
	seen := make(map[string]bool)

	for _, edge := range active {
		if seen[edge.Target] {
			continue
		}
		seen[edge.Target] = true

		if st, ok := states[edge.Target]; ok && (st.Dispatched || st.Done()) {
			continue
		}

		joined := true
		for _, in := range g.Incoming(edge.Target) {
			if !states[in.Source].Completed {
				joined = false
				break
			}
		}
		if joined {
			ready = append(ready, edge.Target)
		}
	}

	return ready
}

// Outcome classifies a run once no further dispatch happened this step.
// The run is terminal when nothing is in flight: no node is dispatched but
// unfinished, and no retry is outstanding. Failed wins over completed when
// any node exhausted its attempts.
func Outcome(states map[string]models.NodeState, dispatchedNow int) (terminal bool, status models.RunStatus) {
	if dispatchedNow > 0 {
		return false, ""
	}

	failed := false
	for _, st := range states {
		if st.Dispatched && !st.Done() {
			return false, ""
		}
		if st.FailedFinal() {
			failed = true
		}
	}

	if failed {
		return true, models.RunFailed
	}
	return true, models.RunCompleted
}
