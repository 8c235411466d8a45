package coordinator

import (
	"context"
	"encoding/json"

	"github.com/swiftgrid/controlplane/common/graph"
	"github.com/swiftgrid/controlplane/common/interp"
	"github.com/swiftgrid/controlplane/common/jobs"
)

// handleRouter evaluates a router's conditions against the current node
// outputs. route_by is interpolated here, at evaluation time, so it sees
// everything that completed before the router became ready.
func (c *Coordinator) handleRouter(ctx context.Context, job *jobs.Job) error {
	runID, proceed, err := c.runFor(ctx, job)
	if err != nil || !proceed {
		return err
	}

	run, err := c.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}

	outputs, err := c.events.NodeOutputs(ctx, runID)
	if err != nil {
		return err
	}

	cfg := routerConfigFrom(job.Node.Data)

	ip := interp.New(nil, run.InputData, outputs)
	resolved := ip.String(cfg.RouteBy)

	fired := c.evaluator.EvaluateRoute(cfg, resolved)
	if fired == nil {
		fired = []string{}
	}

	c.log.Info("router evaluated",
		"run_id", runID, "node_id", job.ID, "mode", cfg.Mode, "fired", fired)

	body, _ := json.Marshal(map[string]any{
		"fired": fired,
		"value": resolved,
	})
	return c.bus.PublishResult(ctx, &jobs.Result{
		NodeID:     job.ID,
		RunID:      job.RunID,
		StatusCode: 200,
		Body:       body,
	})
}

func routerConfigFrom(d map[string]any) *graph.RouterConfig {
	cfg := &graph.RouterConfig{
		RouteBy:       dataString(d, "route_by"),
		DefaultOutput: dataString(d, "default_output"),
		Mode:          dataString(d, "mode"),
	}
	if cfg.Mode == "" {
		cfg.Mode = graph.ModeFirstMatch
	}

	if raw, ok := d["conditions"].([]any); ok {
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			cfg.Conditions = append(cfg.Conditions, graph.RouterCondition{
				ID:         dataString(m, "id"),
				Expression: dataString(m, "expression"),
			})
		}
	}
	return cfg
}
