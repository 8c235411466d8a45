package jobs

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/swiftgrid/controlplane/common/graph"
	"github.com/swiftgrid/controlplane/common/interp"
)

// BuildParams is the per-dispatch context for job construction.
type BuildParams struct {
	RunID      uuid.UUID
	Depth      int
	RetryCount int
	Interp     *interp.Interpolator
}

// Build turns a graph node into its wire job. String configuration is
// interpolated here, on the dispatch path, so secrets never appear in
// stored node data or events.
func Build(n *graph.Node, p BuildParams) (*Job, error) {
	ip := p.Interp
	if ip == nil {
		ip = interp.New(nil, nil, nil)
	}

	var (
		jobType    Type
		data       map[string]any
		maxRetries int
		err        error
	)

	switch n.Type {
	case graph.NodeHTTPRequest:
		jobType = TypeHTTP
		data, maxRetries, err = buildHTTP(n, ip)
	case graph.NodeCodeExecution:
		jobType = TypeCode
		data, maxRetries, err = buildCode(n, ip)
	case graph.NodeLLM:
		jobType = TypeLLM
		data, maxRetries, err = buildLLM(n, ip)
	case graph.NodeDelay:
		jobType = TypeDelay
		data, err = buildDelay(n)
	case graph.NodeWebhookWait:
		jobType = TypeWebhookWait
		data, err = buildWebhookWait(n, ip)
	case graph.NodeRouter:
		jobType = TypeRouter
		data, err = buildRouter(n)
	case graph.NodeSubflow:
		jobType = TypeSubflow
		data, err = buildSubflow(n, ip, p.Depth)
	case graph.NodeMap:
		jobType = TypeMap
		data, err = buildMap(n, ip, p.Depth)
	default:
		return nil, fmt.Errorf("node %s: no job mapping for type %q", n.ID, n.Type)
	}
	if err != nil {
		return nil, err
	}

	return &Job{
		ID:         n.ID,
		RunID:      p.RunID.String(),
		Node:       Node{Type: jobType, Data: data},
		RetryCount: p.RetryCount,
		MaxRetries: maxRetries,
	}, nil
}

func buildHTTP(n *graph.Node, ip *interp.Interpolator) (map[string]any, int, error) {
	cfg, err := n.HTTPConfig()
	if err != nil {
		return nil, 0, err
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = ip.String(v)
	}

	data := map[string]any{
		"url":     ip.String(cfg.URL),
		"method":  cfg.Method,
		"headers": headers,
	}
	if cfg.Body != nil {
		data["body"] = ip.Value(cfg.Body)
	}
	return data, retriesOrDefault(cfg.MaxRetries), nil
}

func buildCode(n *graph.Node, ip *interp.Interpolator) (map[string]any, int, error) {
	cfg, err := n.CodeConfig()
	if err != nil {
		return nil, 0, err
	}

	data := map[string]any{
		"code":   cfg.Code,
		"inputs": ip.Map(cfg.Inputs),
	}
	return data, retriesOrDefault(cfg.MaxRetries), nil
}

func buildLLM(n *graph.Node, ip *interp.Interpolator) (map[string]any, int, error) {
	cfg, err := n.LLMConfig()
	if err != nil {
		return nil, 0, err
	}

	messages := make([]map[string]any, 0, len(cfg.Messages)+2)
	if cfg.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": ip.String(cfg.System)})
	}
	for _, m := range cfg.Messages {
		messages = append(messages, map[string]any{"role": m.Role, "content": ip.String(m.Content)})
	}
	if cfg.User != "" {
		messages = append(messages, map[string]any{"role": "user", "content": ip.String(cfg.User)})
	}

	data := map[string]any{
		"model":    cfg.Model,
		"messages": messages,
		"stream":   cfg.Stream,
	}
	if cfg.BaseURL != "" {
		data["base_url"] = ip.String(cfg.BaseURL)
	}
	if cfg.APIKey != "" {
		data["api_key"] = ip.String(cfg.APIKey)
	}
	if cfg.Temperature != nil {
		data["temperature"] = *cfg.Temperature
	}
	if cfg.MaxTokens != nil {
		data["max_tokens"] = *cfg.MaxTokens
	}
	return data, retriesOrDefault(cfg.MaxRetries), nil
}

func buildDelay(n *graph.Node) (map[string]any, error) {
	cfg, err := n.DelayConfig()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"duration_ms": cfg.DurationMs,
	}, nil
}

func buildWebhookWait(n *graph.Node, ip *interp.Interpolator) (map[string]any, error) {
	cfg, err := n.WebhookWaitConfig()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"timeout_ms":  cfg.TimeoutMs,
		"description": ip.String(cfg.Description),
	}, nil
}

// buildRouter passes the router configuration through untouched. route_by
// is interpolated at evaluation time so it sees outputs that complete after
// this node was scheduled.
func buildRouter(n *graph.Node) (map[string]any, error) {
	cfg, err := n.RouterConfig()
	if err != nil {
		return nil, err
	}

	conditions := make([]map[string]any, len(cfg.Conditions))
	for i, c := range cfg.Conditions {
		conditions[i] = map[string]any{"id": c.ID, "expression": c.Expression}
	}

	return map[string]any{
		"route_by":       cfg.RouteBy,
		"conditions":     conditions,
		"default_output": cfg.DefaultOutput,
		"mode":           cfg.Mode,
	}, nil
}

func buildSubflow(n *graph.Node, ip *interp.Interpolator, depth int) (map[string]any, error) {
	cfg, err := n.SubflowConfig()
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"workflow_id":   cfg.WorkflowID,
		"input":         ip.Map(cfg.Input),
		"fail_on_error": cfg.FailOnError,
		"current_depth": depth,
		"depth_limit":   cfg.DepthLimit,
		"timeout_ms":    cfg.TimeoutMs,
		"output_path":   cfg.OutputPath,
		"max_retries":   cfg.MaxRetries,
	}
	if cfg.VersionID != nil {
		data["version_id"] = *cfg.VersionID
	}
	return data, nil
}

func buildMap(n *graph.Node, ip *interp.Interpolator, depth int) (map[string]any, error) {
	cfg, err := n.MapConfig()
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"workflow_id":   cfg.WorkflowID,
		"items":         ip.Value(cfg.MapInputArray),
		"concurrency":   cfg.Concurrency,
		"fail_fast":     cfg.FailFast,
		"current_depth": depth,
		"depth_limit":   cfg.DepthLimit,
	}
	if cfg.VersionID != nil {
		data["version_id"] = *cfg.VersionID
	}
	if cfg.TimeoutMs != nil {
		data["timeout_ms"] = *cfg.TimeoutMs
	}
	return data, nil
}

func retriesOrDefault(v *int) int {
	if v != nil && *v >= 0 {
		return *v
	}
	return graph.DefaultMaxRetries
}

// Backoff returns the delay before the given retry attempt: exponential in
// whole seconds with up to 500ms of jitter to spread thundering retries.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(1<<uint(attempt)) * time.Second
	jitter := time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
	return base + jitter
}
