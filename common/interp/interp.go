// Package interp substitutes {{...}} references in node configuration
// against secrets, the run's trigger payload, and prior node outputs.
//
// Recognised path shapes:
//
//	{{$env.KEY}}        secret value
//	{{$trigger.a.b}}    navigate the trigger payload
//	{{$input.a.b}}      alias for $trigger
//	{{nodeId}}          entire output of a node
//	{{nodeId.a.b.c}}    deep navigation into a node output
//
// Unresolved references are left verbatim so absence is visible rather
// than silently blank.
package interp

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolator resolves variable references against a fixed context. Given
// the same secrets, trigger, and outputs it is deterministic.
type Interpolator struct {
	secrets map[string]string
	trigger []byte
	outputs map[string]json.RawMessage
}

// New creates an interpolator. Secrets may be nil outside the dispatch
// path; $env references then stay literal.
func New(secrets map[string]string, trigger json.RawMessage, outputs map[string]json.RawMessage) *Interpolator {
	return &Interpolator{
		secrets: secrets,
		trigger: trigger,
		outputs: outputs,
	}
}

// String substitutes every token in s.
func (ip *Interpolator) String(s string) string {
	if !strings.Contains(s, "{{") {
		return s
	}

	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		path := strings.TrimSpace(token[2 : len(token)-2])
		if value, ok := ip.resolve(path); ok {
			return value
		}
		return token
	})
}

// Value interpolates an arbitrary value. Strings are substituted directly;
// everything else round-trips through its JSON serialization. If the
// substituted JSON no longer parses, the resolved string is returned as-is.
func (ip *Interpolator) Value(v any) any {
	if s, ok := v.(string); ok {
		return ip.String(s)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}

	resolved := ip.String(string(raw))
	var reparsed any
	if err := json.Unmarshal([]byte(resolved), &reparsed); err != nil {
		return resolved
	}
	return reparsed
}

// Map interpolates every value of a configuration map.
func (ip *Interpolator) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = ip.Value(v)
	}
	return out
}

func (ip *Interpolator) resolve(path string) (string, bool) {
	switch {
	case strings.HasPrefix(path, "$env."):
		value, ok := ip.secrets[strings.TrimPrefix(path, "$env.")]
		return value, ok

	case strings.HasPrefix(path, "$trigger."):
		return ip.navigate(ip.trigger, strings.TrimPrefix(path, "$trigger."))

	case strings.HasPrefix(path, "$input."):
		return ip.navigate(ip.trigger, strings.TrimPrefix(path, "$input."))

	default:
		nodeID, rest, nested := strings.Cut(path, ".")
		output, ok := ip.outputs[nodeID]
		if !ok {
			return "", false
		}
		if nested {
			return ip.navigate(output, rest)
		}
		return stringify(gjson.ParseBytes(output)), true
	}
}

func (ip *Interpolator) navigate(doc []byte, path string) (string, bool) {
	if len(doc) == 0 {
		return "", false
	}
	result := gjson.GetBytes(doc, path)
	if !result.Exists() {
		return "", false
	}
	return stringify(result), true
}

// stringify renders a JSON value for embedding into a string: strings
// verbatim, everything else as its JSON text.
func stringify(r gjson.Result) string {
	if r.Type == gjson.String {
		return r.Str
	}
	return r.Raw
}
