package lifecycle

import (
	"encoding/json"

	"github.com/swiftgrid/controlplane/common/graph"
)

// AssembleOutput builds a run's output_data from its leaf node outputs.
// Leaves without an output (never reached, or failed) are omitted. A single
// reached leaf yields its output directly; multiple reached leaves yield an
// object keyed by node id.
func AssembleOutput(g *graph.Graph, outputs map[string]json.RawMessage) json.RawMessage {
	assembled := make(map[string]json.RawMessage)
	var lone json.RawMessage
	for _, leaf := range g.Leaves() {
		if out, ok := outputs[leaf.ID]; ok && len(out) > 0 {
			assembled[leaf.ID] = out
			lone = out
		}
	}

	if len(assembled) == 1 {
		return lone
	}

	raw, err := json.Marshal(assembled)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
