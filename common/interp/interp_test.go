package interp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testInterpolator() *Interpolator {
	secrets := map[string]string{
		"API_KEY": "sk-12345",
	}
	trigger := json.RawMessage(`{"user":{"id":42,"name":"ada"},"tags":["a","b"]}`)
	outputs := map[string]json.RawMessage{
		"fetch":   json.RawMessage(`{"status":"ok","items":[{"sku":"A1"},{"sku":"B2"}],"count":2}`),
		"compute": json.RawMessage(`"plain text result"`),
		"score":   json.RawMessage(`3.14`),
	}
	return New(secrets, trigger, outputs)
}

func TestStringPassthrough(t *testing.T) {
	ip := testInterpolator()
	assert.Equal(t, "no tokens here", ip.String("no tokens here"))
	assert.Equal(t, "", ip.String(""))
}

func TestStringSecrets(t *testing.T) {
	ip := testInterpolator()
	assert.Equal(t, "Bearer sk-12345", ip.String("Bearer {{$env.API_KEY}}"))
	assert.Equal(t, "Bearer {{$env.MISSING}}", ip.String("Bearer {{$env.MISSING}}"))
}

func TestStringTriggerPaths(t *testing.T) {
	ip := testInterpolator()
	assert.Equal(t, "hello ada", ip.String("hello {{$trigger.user.name}}"))
	assert.Equal(t, "id=42", ip.String("id={{$trigger.user.id}}"))
	assert.Equal(t, "first=a", ip.String("first={{$input.tags.0}}"))
	assert.Equal(t, "{{$trigger.user.email}}", ip.String("{{$trigger.user.email}}"))
}

func TestStringNodeOutputs(t *testing.T) {
	ip := testInterpolator()
	assert.Equal(t, "ok", ip.String("{{fetch.status}}"))
	assert.Equal(t, "B2", ip.String("{{fetch.items.1.sku}}"))
	assert.Equal(t, "plain text result", ip.String("{{compute}}"))
	assert.Equal(t, "3.14", ip.String("{{score}}"))
	// whole object output is embedded as JSON text
	assert.JSONEq(t, `{"sku":"A1"}`, ip.String("{{fetch.items.0}}"))
	// unknown node stays literal
	assert.Equal(t, "{{ghost.status}}", ip.String("{{ghost.status}}"))
}

func TestStringMultipleTokens(t *testing.T) {
	ip := testInterpolator()
	got := ip.String("{{fetch.status}}/{{compute}}/{{$env.API_KEY}}")
	assert.Equal(t, "ok/plain text result/sk-12345", got)
}

func TestStringWhitespaceInsideToken(t *testing.T) {
	ip := testInterpolator()
	assert.Equal(t, "ok", ip.String("{{ fetch.status }}"))
}

func TestValueNonString(t *testing.T) {
	ip := testInterpolator()

	resolved := ip.Value(map[string]any{
		"status": "{{fetch.status}}",
		"count":  7,
	})

	m, ok := resolved.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "ok", m["status"])
	assert.Equal(t, float64(7), m["count"])
}

func TestValueReparseFailureKeepsString(t *testing.T) {
	// substituting raw text into a JSON string can break the document;
	// the resolved text must still come back rather than an error
	ip := New(nil, nil, map[string]json.RawMessage{
		"n": json.RawMessage(`"he said \"hi\""`),
	})

	resolved := ip.Value([]any{`{{n}}`})
	_, isSlice := resolved.([]any)
	if !isSlice {
		assert.IsType(t, "", resolved)
	}
}

func TestMapInterpolatesValues(t *testing.T) {
	ip := testInterpolator()

	out := ip.Map(map[string]any{
		"url":  "https://api.example.com/{{fetch.count}}",
		"body": map[string]any{"name": "{{$trigger.user.name}}"},
	})

	assert.Equal(t, "https://api.example.com/2", out["url"])
	body := out["body"].(map[string]any)
	assert.Equal(t, "ada", body["name"])
}

func TestNilContextLeavesTokens(t *testing.T) {
	ip := New(nil, nil, nil)
	assert.Equal(t, "{{$trigger.x}} {{node.y}} {{$env.Z}}", ip.String("{{$trigger.x}} {{node.y}} {{$env.Z}}"))
}
