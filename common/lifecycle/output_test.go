package lifecycle

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftgrid/controlplane/common/graph"
)

func parseGraph(t *testing.T, raw string) *graph.Graph {
	t.Helper()
	g, err := graph.Parse([]byte(raw))
	require.NoError(t, err)
	return g
}

func TestAssembleOutputKeysByLeaf(t *testing.T) {
	g := parseGraph(t, `{
		"nodes": [
			{"id": "a", "type": "http-request", "data": {}},
			{"id": "b", "type": "http-request", "data": {}},
			{"id": "c", "type": "http-request", "data": {}}
		],
		"edges": [
			{"source": "a", "target": "b"},
			{"source": "a", "target": "c"}
		]
	}`)

	outputs := map[string]json.RawMessage{
		"a": json.RawMessage(`{"upstream":true}`),
		"b": json.RawMessage(`{"n":1}`),
		"c": json.RawMessage(`"done"`),
	}

	out := AssembleOutput(g, outputs)
	assert.JSONEq(t, `{"b":{"n":1},"c":"done"}`, string(out))
}

func TestAssembleOutputSingleLeafPassesThrough(t *testing.T) {
	g := parseGraph(t, `{
		"nodes": [
			{"id": "a", "type": "http-request", "data": {}},
			{"id": "c", "type": "http-request", "data": {}}
		],
		"edges": [{"source": "a", "target": "c"}]
	}`)

	outputs := map[string]json.RawMessage{
		"a": json.RawMessage(`{"upstream":true}`),
		"c": json.RawMessage(`{"x":1}`),
	}

	out := AssembleOutput(g, outputs)
	assert.JSONEq(t, `{"x":1}`, string(out))
}

func TestAssembleOutputSkipsUnreachedLeaves(t *testing.T) {
	g := parseGraph(t, `{
		"nodes": [
			{"id": "r", "type": "router", "data": {}},
			{"id": "hot", "type": "http-request", "data": {}},
			{"id": "cold", "type": "http-request", "data": {}}
		],
		"edges": [
			{"source": "r", "target": "hot", "sourceHandle": "h"},
			{"source": "r", "target": "cold", "sourceHandle": "c"}
		]
	}`)

	outputs := map[string]json.RawMessage{
		"r":   json.RawMessage(`{"fired":["h"]}`),
		"hot": json.RawMessage(`{"ok":true}`),
	}

	// Only one branch fired, so its output passes through unkeyed.
	out := AssembleOutput(g, outputs)
	assert.JSONEq(t, `{"ok":true}`, string(out))
}

func TestAssembleOutputEmpty(t *testing.T) {
	g := parseGraph(t, `{
		"nodes": [{"id": "only", "type": "http-request", "data": {}}],
		"edges": []
	}`)

	out := AssembleOutput(g, nil)
	assert.JSONEq(t, `{}`, string(out))
}
