package jobs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftgrid/controlplane/common/graph"
	"github.com/swiftgrid/controlplane/common/interp"
)

func buildParams() BuildParams {
	secrets := map[string]string{"TOKEN": "sk-99"}
	outputs := map[string]json.RawMessage{
		"prev": json.RawMessage(`{"url":"https://api.example.com/items","list":[1,2,3]}`),
	}
	return BuildParams{
		RunID:  uuid.New(),
		Interp: interp.New(secrets, json.RawMessage(`{"city":"oslo"}`), outputs),
	}
}

func TestBuildHTTPInterpolatesAndDefaultsRetries(t *testing.T) {
	n := &graph.Node{
		ID:   "n1",
		Type: graph.NodeHTTPRequest,
		Data: map[string]any{
			"url":    "{{prev.url}}",
			"method": "POST",
			"headers": map[string]any{
				"Authorization": "Bearer {{$env.TOKEN}}",
			},
			"body": map[string]any{"city": "{{$trigger.city}}"},
		},
	}

	job, err := Build(n, buildParams())
	require.NoError(t, err)

	assert.Equal(t, TypeHTTP, job.Node.Type)
	assert.Equal(t, "n1", job.ID)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, 0, job.RetryCount)
	assert.Equal(t, "https://api.example.com/items", job.Node.Data["url"])

	headers := job.Node.Data["headers"].(map[string]string)
	assert.Equal(t, "Bearer sk-99", headers["Authorization"])

	body := job.Node.Data["body"].(map[string]any)
	assert.Equal(t, "oslo", body["city"])
}

func TestBuildHTTPExplicitMaxRetries(t *testing.T) {
	n := &graph.Node{
		ID:   "n1",
		Type: graph.NodeHTTPRequest,
		Data: map[string]any{"url": "https://x", "method": "GET", "maxRetries": float64(0)},
	}

	job, err := Build(n, BuildParams{RunID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, 0, job.MaxRetries)
}

func TestBuildHTTPRequiresURL(t *testing.T) {
	n := &graph.Node{ID: "n1", Type: graph.NodeHTTPRequest, Data: map[string]any{"method": "GET"}}
	_, err := Build(n, BuildParams{RunID: uuid.New()})
	assert.Error(t, err)
}

func TestBuildDelayHasNoRetries(t *testing.T) {
	n := &graph.Node{ID: "d", Type: graph.NodeDelay, Data: map[string]any{"durationMs": float64(5000)}}

	job, err := Build(n, BuildParams{RunID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, TypeDelay, job.Node.Type)
	assert.Equal(t, 0, job.MaxRetries)
	assert.Equal(t, int64(5000), job.Node.Data["duration_ms"])
}

func TestBuildRouterKeepsExpressionsRaw(t *testing.T) {
	n := &graph.Node{
		ID:   "r",
		Type: graph.NodeRouter,
		Data: map[string]any{
			"routeBy": "{{prev.url}}",
			"conditions": []any{
				map[string]any{"id": "hot", "expression": `value > 10`},
			},
			"defaultOutput": "cold",
		},
	}

	job, err := Build(n, buildParams())
	require.NoError(t, err)
	assert.Equal(t, TypeRouter, job.Node.Type)
	// route_by is resolved at evaluation time, not at dispatch
	assert.Equal(t, "{{prev.url}}", job.Node.Data["route_by"])
	assert.Equal(t, "cold", job.Node.Data["default_output"])
	assert.Equal(t, graph.ModeFirstMatch, job.Node.Data["mode"])
}

func TestBuildLLMAssemblesMessages(t *testing.T) {
	n := &graph.Node{
		ID:   "l",
		Type: graph.NodeLLM,
		Data: map[string]any{
			"model":  "gpt-4o-mini",
			"system": "You live in {{$trigger.city}}",
			"user":   "Summarize",
		},
	}

	job, err := Build(n, buildParams())
	require.NoError(t, err)

	msgs := job.Node.Data["messages"].([]map[string]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0]["role"])
	assert.Equal(t, "You live in oslo", msgs[0]["content"])
	assert.Equal(t, "user", msgs[1]["role"])
	assert.Equal(t, 3, job.MaxRetries)
}

func TestBuildLLMCarriesEndpointAndSampling(t *testing.T) {
	n := &graph.Node{
		ID:   "l",
		Type: graph.NodeLLM,
		Data: map[string]any{
			"model":     "gpt-4o-mini",
			"user":      "Summarize",
			"baseUrl":   "https://llm.internal/v1",
			"apiKey":    "{{$env.TOKEN}}",
			"maxTokens": float64(256),
			"stream":    true,
		},
	}

	job, err := Build(n, buildParams())
	require.NoError(t, err)

	assert.Equal(t, "https://llm.internal/v1", job.Node.Data["base_url"])
	assert.Equal(t, "sk-99", job.Node.Data["api_key"])
	assert.Equal(t, 256, job.Node.Data["max_tokens"])
	assert.Equal(t, true, job.Node.Data["stream"])
}

func TestBuildLLMOmitsUnsetEndpoint(t *testing.T) {
	n := &graph.Node{
		ID:   "l",
		Type: graph.NodeLLM,
		Data: map[string]any{"model": "gpt-4o-mini", "user": "hi"},
	}

	job, err := Build(n, buildParams())
	require.NoError(t, err)

	_, hasBase := job.Node.Data["base_url"]
	_, hasKey := job.Node.Data["api_key"]
	_, hasTokens := job.Node.Data["max_tokens"]
	assert.False(t, hasBase)
	assert.False(t, hasKey)
	assert.False(t, hasTokens)
	assert.Equal(t, false, job.Node.Data["stream"])
}

func TestBuildSubflowCarriesDepth(t *testing.T) {
	n := &graph.Node{
		ID:   "s",
		Type: graph.NodeSubflow,
		Data: map[string]any{
			"workflowId": float64(7),
			"input":      map[string]any{"items": "{{prev.list}}"},
		},
	}

	p := buildParams()
	p.Depth = 2
	job, err := Build(n, p)
	require.NoError(t, err)

	assert.Equal(t, TypeSubflow, job.Node.Type)
	assert.Equal(t, int64(7), job.Node.Data["workflow_id"])
	assert.Equal(t, 2, job.Node.Data["current_depth"])
	assert.Equal(t, graph.DefaultDepthLimit, job.Node.Data["depth_limit"])

	input := job.Node.Data["input"].(map[string]any)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, input["items"])
}

func TestBuildMapResolvesItemsReference(t *testing.T) {
	n := &graph.Node{
		ID:   "m",
		Type: graph.NodeMap,
		Data: map[string]any{
			"workflowId":    float64(9),
			"mapInputArray": "{{prev.list}}",
			"concurrency":   float64(100),
		},
	}

	job, err := Build(n, buildParams())
	require.NoError(t, err)

	assert.Equal(t, TypeMap, job.Node.Type)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, job.Node.Data["items"])
	assert.Equal(t, graph.MaxMapConcurrency, job.Node.Data["concurrency"])
}

func TestControlTypes(t *testing.T) {
	assert.False(t, TypeHTTP.Control())
	assert.False(t, TypeCode.Control())
	assert.False(t, TypeLLM.Control())
	assert.True(t, TypeRouter.Control())
	assert.True(t, TypeMap.Control())
	assert.True(t, TypeSubflowResume.Control())
}

func TestResultStatusClasses(t *testing.T) {
	ok := &Result{StatusCode: 200}
	routed := &Result{StatusCode: 299}
	failed := &Result{StatusCode: 500}
	cancelled := &Result{StatusCode: 499}

	assert.True(t, ok.Succeeded())
	assert.True(t, routed.Succeeded())
	assert.False(t, failed.Succeeded())
	assert.False(t, cancelled.Succeeded())
	assert.True(t, cancelled.Cancelled())
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, RetryableStatus(code), "code %d", code)
	}
	for _, code := range []int{400, 401, 403, 404, 422, 501} {
		assert.False(t, RetryableStatus(code), "code %d", code)
	}
}

func TestBackoffGrowsWithAttempt(t *testing.T) {
	for attempt := 1; attempt <= 3; attempt++ {
		d := Backoff(attempt)
		base := time.Duration(1<<uint(attempt)) * time.Second
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+500*time.Millisecond)
	}
}
