package graph

import (
	"encoding/json"
	"fmt"
)

// NodeType identifies the behavior of a node in a workflow graph.
type NodeType string

const (
	NodeHTTPRequest   NodeType = "http-request"
	NodeCodeExecution NodeType = "code-execution"
	NodeDelay         NodeType = "delay"
	NodeWebhookWait   NodeType = "webhook-wait"
	NodeRouter        NodeType = "router"
	NodeLLM           NodeType = "llm"
	NodeSubflow       NodeType = "subflow"
	NodeMap           NodeType = "map"
)

// Graph is a workflow definition: nodes wired by directed edges. The node
// slice order is the insertion order used for dispatch tie-breaks.
type Graph struct {
	Nodes    []Node          `json:"nodes"`
	Edges    []Edge          `json:"edges"`
	Viewport json.RawMessage `json:"viewport,omitempty"`
}

// Node is one unit of work. Data carries the type-specific configuration as
// the editor produced it; orchestration reads go through the typed
// projections in config.go.
type Node struct {
	ID   string         `json:"id"`
	Type NodeType       `json:"type"`
	Data map[string]any `json:"data"`
}

// Edge connects source to target. SourceHandle discriminates multi-output
// nodes: a router condition id, or "success"/"error" on subflow and map.
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// Parse decodes and validates a stored graph.
func Parse(raw []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decoding graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks structural integrity: node ids unique and non-empty, node
// types known, edge endpoints resolvable.
func (g *Graph) Validate() error {
	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node with empty id")
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true

		switch n.Type {
		case NodeHTTPRequest, NodeCodeExecution, NodeDelay, NodeWebhookWait,
			NodeRouter, NodeLLM, NodeSubflow, NodeMap:
		default:
			return fmt.Errorf("node %q has unknown type %q", n.ID, n.Type)
		}
	}

	for _, e := range g.Edges {
		if !seen[e.Source] {
			return fmt.Errorf("edge references unknown source %q", e.Source)
		}
		if !seen[e.Target] {
			return fmt.Errorf("edge references unknown target %q", e.Target)
		}
	}

	return nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// NodeIDs returns all node ids in insertion order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// Roots returns the entry nodes: nodes with no incoming edges. A fully
// cyclic graph has none; in that case every node is treated as a root.
func (g *Graph) Roots() []Node {
	hasIncoming := make(map[string]bool)
	for _, e := range g.Edges {
		hasIncoming[e.Target] = true
	}

	var roots []Node
	for _, n := range g.Nodes {
		if !hasIncoming[n.ID] {
			roots = append(roots, n)
		}
	}
	if len(roots) == 0 && len(g.Nodes) > 0 {
		roots = append(roots, g.Nodes...)
	}
	return roots
}

// Leaves returns nodes with no outgoing edges. Their outputs form the run's
// output_data.
func (g *Graph) Leaves() []Node {
	hasOutgoing := make(map[string]bool)
	for _, e := range g.Edges {
		hasOutgoing[e.Source] = true
	}

	var leaves []Node
	for _, n := range g.Nodes {
		if !hasOutgoing[n.ID] {
			leaves = append(leaves, n)
		}
	}
	return leaves
}

// Outgoing returns edges whose source is nodeID, in declaration order.
func (g *Graph) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns edges whose target is nodeID.
func (g *Graph) Incoming(nodeID string) []Edge {
	var in []Edge
	for _, e := range g.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// Subgraph returns the graph restricted to startID and everything reachable
// from it. Used by start-from-node triggers so terminal detection still sees
// a closed node set.
func (g *Graph) Subgraph(startID string) (*Graph, error) {
	if _, ok := g.Node(startID); !ok {
		return nil, fmt.Errorf("start node %q not in graph", startID)
	}

	reachable := map[string]bool{startID: true}
	frontier := []string{startID}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, e := range g.Outgoing(current) {
			if !reachable[e.Target] {
				reachable[e.Target] = true
				frontier = append(frontier, e.Target)
			}
		}
	}

	sub := &Graph{Viewport: g.Viewport}
	for _, n := range g.Nodes {
		if reachable[n.ID] {
			sub.Nodes = append(sub.Nodes, n)
		}
	}
	for _, e := range g.Edges {
		if reachable[e.Source] && reachable[e.Target] {
			sub.Edges = append(sub.Edges, e)
		}
	}
	return sub, nil
}

// IsControl reports whether the node is handled by the control plane's own
// job consumer rather than an external worker.
func (n *Node) IsControl() bool {
	switch n.Type {
	case NodeDelay, NodeWebhookWait, NodeRouter, NodeSubflow, NodeMap:
		return true
	default:
		return false
	}
}

// Retryable reports whether the node type participates in automatic retry.
func (n *Node) Retryable() bool {
	switch n.Type {
	case NodeHTTPRequest, NodeCodeExecution, NodeLLM:
		return true
	default:
		return false
	}
}
