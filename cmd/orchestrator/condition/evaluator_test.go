package condition

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftgrid/controlplane/common/graph"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator()
	require.NoError(t, err)
	return e
}

func routerCfg(mode, def string, conditions ...graph.RouterCondition) *graph.RouterConfig {
	return &graph.RouterConfig{
		Conditions:    conditions,
		DefaultOutput: def,
		Mode:          mode,
	}
}

func TestFirstMatchStopsAtFirstHit(t *testing.T) {
	e := newEvaluator(t)

	cfg := routerCfg(graph.ModeFirstMatch, "",
		graph.RouterCondition{ID: "low", Expression: "value < 10"},
		graph.RouterCondition{ID: "mid", Expression: "value < 100"},
	)

	assert.Equal(t, []string{"low"}, e.EvaluateRoute(cfg, "5"))
	assert.Equal(t, []string{"mid"}, e.EvaluateRoute(cfg, "50"))
}

func TestBroadcastFiresAll(t *testing.T) {
	e := newEvaluator(t)

	cfg := routerCfg(graph.ModeBroadcast, "",
		graph.RouterCondition{ID: "a", Expression: "value > 0"},
		graph.RouterCondition{ID: "b", Expression: "value > 10"},
		graph.RouterCondition{ID: "c", Expression: "value > 100"},
	)

	assert.Equal(t, []string{"a", "b"}, e.EvaluateRoute(cfg, "50"))
}

func TestDefaultOutputWhenNothingFires(t *testing.T) {
	e := newEvaluator(t)

	cfg := routerCfg(graph.ModeFirstMatch, "fallback",
		graph.RouterCondition{ID: "hot", Expression: `value == "hot"`},
	)

	assert.Equal(t, []string{"fallback"}, e.EvaluateRoute(cfg, "cold"))
	assert.Equal(t, []string{"hot"}, e.EvaluateRoute(cfg, "hot"))
}

func TestNoDefaultNoFire(t *testing.T) {
	e := newEvaluator(t)

	cfg := routerCfg(graph.ModeFirstMatch, "",
		graph.RouterCondition{ID: "x", Expression: "value > 100"},
	)

	assert.Empty(t, e.EvaluateRoute(cfg, "1"))
}

func TestStrictEqualityNormalized(t *testing.T) {
	e := newEvaluator(t)

	cfg := routerCfg(graph.ModeFirstMatch, "",
		graph.RouterCondition{ID: "eq", Expression: `value === "ok"`},
	)

	assert.Equal(t, []string{"eq"}, e.EvaluateRoute(cfg, "ok"))
}

func TestBrokenExpressionFallsThroughToDefault(t *testing.T) {
	e := newEvaluator(t)

	cfg := routerCfg(graph.ModeFirstMatch, "safe",
		graph.RouterCondition{ID: "bad", Expression: "value ><>< nonsense"},
	)

	assert.Equal(t, []string{"safe"}, e.EvaluateRoute(cfg, "anything"))
}

func TestNonBoolExpressionDoesNotFire(t *testing.T) {
	e := newEvaluator(t)

	cfg := routerCfg(graph.ModeFirstMatch, "",
		graph.RouterCondition{ID: "notbool", Expression: "value + 1"},
	)

	assert.Empty(t, e.EvaluateRoute(cfg, "3"))
}

func TestRunawayExpressionHitsBudget(t *testing.T) {
	e := newEvaluator(t)

	// Cubic comprehension over 200 items blows past the cost limit long
	// before it finishes, so the condition counts as not fired.
	cfg := routerCfg(graph.ModeFirstMatch, "fallback",
		graph.RouterCondition{ID: "runaway",
			Expression: "value.all(x, value.all(y, value.all(z, x + y + z >= 0)))"},
	)

	items := make([]string, 200)
	for i := range items {
		items[i] = "1"
	}
	routeBy := "[" + strings.Join(items, ",") + "]"

	assert.Equal(t, []string{"fallback"}, e.EvaluateRoute(cfg, routeBy))
}

func TestCheapExpressionWithinBudget(t *testing.T) {
	e := newEvaluator(t)

	cfg := routerCfg(graph.ModeFirstMatch, "",
		graph.RouterCondition{ID: "has", Expression: "value.exists(x, x > 2)"},
	)

	assert.Equal(t, []string{"has"}, e.EvaluateRoute(cfg, "[1,2,3]"))
}

func TestObjectValueFields(t *testing.T) {
	e := newEvaluator(t)

	cfg := routerCfg(graph.ModeFirstMatch, "",
		graph.RouterCondition{ID: "approved", Expression: `value.approved == true`},
	)

	assert.Equal(t, []string{"approved"}, e.EvaluateRoute(cfg, `{"approved":true}`))
	assert.Empty(t, e.EvaluateRoute(cfg, `{"approved":false}`))
}

func TestCacheReuse(t *testing.T) {
	e := newEvaluator(t)

	cfg := routerCfg(graph.ModeFirstMatch, "",
		graph.RouterCondition{ID: "x", Expression: "value > 1"},
	)

	e.EvaluateRoute(cfg, "2")
	e.EvaluateRoute(cfg, "3")
	assert.Equal(t, 1, e.CacheSize())

	e.ClearCache()
	assert.Equal(t, 0, e.CacheSize())
}

func TestCoerce(t *testing.T) {
	assert.Equal(t, float64(42), Coerce("42"))
	assert.Equal(t, float64(-3.5), Coerce("-3.5"))
	assert.Equal(t, true, Coerce("true"))
	assert.Equal(t, false, Coerce("false"))
	assert.Nil(t, Coerce("null"))
	assert.Equal(t, "plain", Coerce("plain"))
	assert.Equal(t, map[string]any{"a": float64(1)}, Coerce(`{"a":1}`))
	assert.Equal(t, []any{float64(1), float64(2)}, Coerce(`[1,2]`))
	assert.Equal(t, "quoted", Coerce(`"quoted"`))
}
