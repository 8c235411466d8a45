package graph

import (
	"encoding/json"
	"fmt"
)

// Router evaluation modes.
const (
	ModeFirstMatch = "first_match"
	ModeBroadcast  = "broadcast"
)

// Default limits applied when node data omits them.
const (
	DefaultMaxRetries     = 3
	DefaultDepthLimit     = 10
	DefaultMapConcurrency = 5
	MaxMapConcurrency     = 50
	DefaultWebhookWaitMs  = 7 * 24 * 60 * 60 * 1000
)

// HTTPConfig is the typed projection of an http-request node's data.
type HTTPConfig struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	Body       any               `json:"body"`
	MaxRetries *int              `json:"maxRetries"`
}

// CodeConfig is the typed projection of a code-execution node's data.
type CodeConfig struct {
	Code       string         `json:"code"`
	Inputs     map[string]any `json:"inputs"`
	MaxRetries *int           `json:"maxRetries"`
}

// LLMMessage is a single chat message in an llm node.
type LLMMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMConfig is the typed projection of an llm node's data. APIKey is
// normally a {{$env.*}} reference resolved on the dispatch path.
type LLMConfig struct {
	BaseURL     string       `json:"baseUrl"`
	APIKey      string       `json:"apiKey"`
	System      string       `json:"system"`
	User        string       `json:"user"`
	Messages    []LLMMessage `json:"messages"`
	Model       string       `json:"model"`
	Temperature *float64     `json:"temperature"`
	MaxTokens   *int         `json:"maxTokens"`
	Stream      bool         `json:"stream"`
	MaxRetries  *int         `json:"maxRetries"`
}

// DelayConfig is the typed projection of a delay node's data.
type DelayConfig struct {
	DurationMs int64 `json:"durationMs"`
}

// WebhookWaitConfig is the typed projection of a webhook-wait node's data.
type WebhookWaitConfig struct {
	TimeoutMs   int64  `json:"timeoutMs"`
	Description string `json:"description"`
}

// RouterCondition is one predicate in a router node.
type RouterCondition struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
}

// RouterConfig is the typed projection of a router node's data.
type RouterConfig struct {
	RouteBy       string            `json:"routeBy"`
	Conditions    []RouterCondition `json:"conditions"`
	DefaultOutput string            `json:"defaultOutput"`
	Mode          string            `json:"mode"`
}

// SubflowConfig is the typed projection of a subflow node's data.
type SubflowConfig struct {
	WorkflowID  int64          `json:"workflowId"`
	VersionID   *int64         `json:"versionId"`
	Input       map[string]any `json:"input"`
	FailOnError bool           `json:"failOnError"`
	DepthLimit  int            `json:"depthLimit"`
	TimeoutMs   int64          `json:"timeoutMs"`
	OutputPath  string         `json:"outputPath"`
	MaxRetries  int            `json:"maxRetries"`
}

// MapConfig is the typed projection of a map node's data.
type MapConfig struct {
	WorkflowID    int64  `json:"workflowId"`
	VersionID     *int64 `json:"versionId"`
	MapInputArray any    `json:"mapInputArray"`
	Concurrency   int    `json:"concurrency"`
	FailFast      bool   `json:"failFast"`
	TimeoutMs     *int64 `json:"timeoutMs"`
	DepthLimit    int    `json:"depthLimit"`
}

// decodeData projects the node's data bag into dst via a JSON round trip.
// Unknown keys are ignored, which preserves forward compatibility with
// editor-only fields.
func (n *Node) decodeData(dst any) error {
	raw, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("encoding node %s data: %w", n.ID, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decoding node %s data: %w", n.ID, err)
	}
	return nil
}

// HTTPConfig projects and validates an http-request node.
func (n *Node) HTTPConfig() (*HTTPConfig, error) {
	var cfg HTTPConfig
	if err := n.decodeData(&cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("node %s: http-request requires url", n.ID)
	}
	if cfg.Method == "" {
		return nil, fmt.Errorf("node %s: http-request requires method", n.ID)
	}
	return &cfg, nil
}

// CodeConfig projects a code-execution node.
func (n *Node) CodeConfig() (*CodeConfig, error) {
	var cfg CodeConfig
	if err := n.decodeData(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LLMConfig projects an llm node.
func (n *Node) LLMConfig() (*LLMConfig, error) {
	var cfg LLMConfig
	if err := n.decodeData(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DelayConfig projects a delay node. Negative durations are rejected.
func (n *Node) DelayConfig() (*DelayConfig, error) {
	var cfg DelayConfig
	if err := n.decodeData(&cfg); err != nil {
		return nil, err
	}
	if cfg.DurationMs < 0 {
		return nil, fmt.Errorf("node %s: delay duration must be >= 0", n.ID)
	}
	return &cfg, nil
}

// WebhookWaitConfig projects a webhook-wait node, defaulting the timeout to
// seven days.
func (n *Node) WebhookWaitConfig() (*WebhookWaitConfig, error) {
	var cfg WebhookWaitConfig
	if err := n.decodeData(&cfg); err != nil {
		return nil, err
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = DefaultWebhookWaitMs
	}
	return &cfg, nil
}

// RouterConfig projects a router node, defaulting mode to first_match.
func (n *Node) RouterConfig() (*RouterConfig, error) {
	var cfg RouterConfig
	if err := n.decodeData(&cfg); err != nil {
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeFirstMatch
	}
	if cfg.Mode != ModeFirstMatch && cfg.Mode != ModeBroadcast {
		return nil, fmt.Errorf("node %s: unknown router mode %q", n.ID, cfg.Mode)
	}
	return &cfg, nil
}

// SubflowConfig projects a subflow node, defaulting the depth limit.
func (n *Node) SubflowConfig() (*SubflowConfig, error) {
	var cfg SubflowConfig
	if err := n.decodeData(&cfg); err != nil {
		return nil, err
	}
	if cfg.WorkflowID == 0 {
		return nil, fmt.Errorf("node %s: subflow requires workflowId", n.ID)
	}
	if cfg.DepthLimit <= 0 || cfg.DepthLimit > DefaultDepthLimit {
		cfg.DepthLimit = DefaultDepthLimit
	}
	return &cfg, nil
}

// MapConfig projects a map node, clamping concurrency into [1, 50] with a
// default of 5, and defaulting the depth limit.
func (n *Node) MapConfig() (*MapConfig, error) {
	var cfg MapConfig
	if err := n.decodeData(&cfg); err != nil {
		return nil, err
	}
	if cfg.WorkflowID == 0 {
		return nil, fmt.Errorf("node %s: map requires workflowId", n.ID)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultMapConcurrency
	}
	if cfg.Concurrency > MaxMapConcurrency {
		cfg.Concurrency = MaxMapConcurrency
	}
	if cfg.DepthLimit <= 0 || cfg.DepthLimit > DefaultDepthLimit {
		cfg.DepthLimit = DefaultDepthLimit
	}
	return &cfg, nil
}
