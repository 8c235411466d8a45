// Package condition evaluates router predicates with CEL. Expressions see
// a single variable, value, bound to the interpolated route_by result.
package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/swiftgrid/controlplane/common/graph"
)

// Router predicates are small comparisons; the budget exists so a
// pathological expression (say, nested comprehensions over a large value)
// cannot stall the coordinator.
const (
	evalTimeout         = 5 * time.Millisecond
	evalCostLimit       = 100_000
	evalInterruptChecks = 100
)

// Evaluator compiles and caches CEL programs. Safe for concurrent use.
type Evaluator struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a condition evaluator with caching.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("value", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// EvaluateRoute runs a router's conditions against the resolved route_by
// value and returns the fired condition ids. Evaluation errors and non-bool
// results count as "did not fire" so one bad expression can't wedge a run.
// When nothing fires and a default output is configured, it fires alone.
func (e *Evaluator) EvaluateRoute(cfg *graph.RouterConfig, routeBy string) []string {
	value := Coerce(routeBy)

	var fired []string
	for _, c := range cfg.Conditions {
		if c.Expression == "" {
			continue
		}

		ok, err := e.evaluate(c.Expression, value)
		if err != nil {
			continue
		}
		if ok {
			fired = append(fired, c.ID)
			if cfg.Mode == graph.ModeFirstMatch {
				return fired
			}
		}
	}

	if len(fired) == 0 && cfg.DefaultOutput != "" {
		return []string{cfg.DefaultOutput}
	}
	return fired
}

func (e *Evaluator) evaluate(expr string, value any) (bool, error) {
	normalized := normalize(expr)

	e.mu.RLock()
	prg, exists := e.cache[normalized]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(normalized)
		if err != nil {
			return false, err
		}

		e.mu.Lock()
		e.cache[normalized] = prg
		e.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	out, _, err := prg.ContextEval(ctx, map[string]interface{}{
		"value": value,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}
	return result, nil
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.CostLimit(evalCostLimit),
		cel.InterruptCheckFrequency(evalInterruptChecks),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return prg, nil
}

// ClearCache clears the compiled expression cache.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// CacheSize returns the number of cached expressions.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// Editor-produced expressions use JS-style strict equality; CEL only knows
// == and !=.
var strictEq = strings.NewReplacer("===", "==", "!==", "!=")

func normalize(expr string) string {
	return strictEq.Replace(expr)
}

var numberPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// Coerce turns the interpolated route_by string into the value conditions
// compare against: numbers and booleans become typed, JSON documents are
// parsed, everything else stays a string.
func Coerce(s string) any {
	trimmed := strings.TrimSpace(s)

	switch trimmed {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}

	if numberPattern.MatchString(trimmed) {
		var n float64
		if err := json.Unmarshal([]byte(trimmed), &n); err == nil {
			return n
		}
	}

	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, `"`) {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}

	return s
}
