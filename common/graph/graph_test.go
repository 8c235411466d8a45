package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const diamond = `{
	"nodes": [
		{"id": "a", "type": "http-request", "data": {}},
		{"id": "b", "type": "code-execution", "data": {}},
		{"id": "c", "type": "llm", "data": {}},
		{"id": "d", "type": "http-request", "data": {}}
	],
	"edges": [
		{"source": "a", "target": "b"},
		{"source": "a", "target": "c"},
		{"source": "b", "target": "d"},
		{"source": "c", "target": "d"}
	]
}`

func TestParseDiamond(t *testing.T) {
	g, err := Parse([]byte(diamond))
	require.NoError(t, err)

	assert.Len(t, g.Nodes, 4)
	assert.Len(t, g.Edges, 4)
}

func TestParseRejectsBadGraphs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"nodes": [`},
		{"empty node id", `{"nodes":[{"id":"","type":"delay"}],"edges":[]}`},
		{"duplicate node id", `{"nodes":[{"id":"a","type":"delay"},{"id":"a","type":"delay"}],"edges":[]}`},
		{"unknown type", `{"nodes":[{"id":"a","type":"teleport"}],"edges":[]}`},
		{"dangling source", `{"nodes":[{"id":"a","type":"delay"}],"edges":[{"source":"x","target":"a"}]}`},
		{"dangling target", `{"nodes":[{"id":"a","type":"delay"}],"edges":[{"source":"a","target":"x"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestRootsAndLeaves(t *testing.T) {
	g, err := Parse([]byte(diamond))
	require.NoError(t, err)

	roots := g.Roots()
	require.Len(t, roots, 1)
	assert.Equal(t, "a", roots[0].ID)

	leaves := g.Leaves()
	require.Len(t, leaves, 1)
	assert.Equal(t, "d", leaves[0].ID)
}

func TestRootsFullyCyclicFallsBackToAllNodes(t *testing.T) {
	g, err := Parse([]byte(`{
		"nodes": [
			{"id": "a", "type": "http-request", "data": {}},
			{"id": "b", "type": "http-request", "data": {}}
		],
		"edges": [
			{"source": "a", "target": "b"},
			{"source": "b", "target": "a"}
		]
	}`))
	require.NoError(t, err)

	assert.Len(t, g.Roots(), 2)
}

func TestSubgraph(t *testing.T) {
	g, err := Parse([]byte(diamond))
	require.NoError(t, err)

	sub, err := g.Subgraph("b")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"b", "d"}, sub.NodeIDs())
	require.Len(t, sub.Edges, 1)
	assert.Equal(t, "b", sub.Edges[0].Source)
	assert.Equal(t, "d", sub.Edges[0].Target)
}

func TestSubgraphUnknownStart(t *testing.T) {
	g, err := Parse([]byte(diamond))
	require.NoError(t, err)

	_, err = g.Subgraph("nope")
	assert.Error(t, err)
}

func TestIsControl(t *testing.T) {
	control := []NodeType{NodeDelay, NodeWebhookWait, NodeRouter, NodeSubflow, NodeMap}
	for _, typ := range control {
		n := Node{ID: "x", Type: typ}
		assert.True(t, n.IsControl(), string(typ))
	}
	for _, typ := range []NodeType{NodeHTTPRequest, NodeCodeExecution, NodeLLM} {
		n := Node{ID: "x", Type: typ}
		assert.False(t, n.IsControl(), string(typ))
	}
}

func TestRouterConfigProjection(t *testing.T) {
	g, err := Parse([]byte(`{
		"nodes": [{"id": "r", "type": "router", "data": {
			"conditions": [
				{"id": "c1", "expression": "input.score > 10"},
				{"id": "c2", "expression": "true"}
			]
		}}],
		"edges": []
	}`))
	require.NoError(t, err)

	n, ok := g.Node("r")
	require.True(t, ok)

	cfg, err := n.RouterConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Conditions, 2)
	assert.Equal(t, "c1", cfg.Conditions[0].ID)
	assert.Equal(t, "input.score > 10", cfg.Conditions[0].Expression)
}
