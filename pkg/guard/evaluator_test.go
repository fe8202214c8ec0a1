package guard

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(slog.Default())
	require.NoError(t, err)
	return e
}

func TestEvaluateComparisons(t *testing.T) {
	e := newEvaluator(t)
	b := Bindings{
		Context: map[string]any{"tier": "gold", "limit": 5},
		Outputs: map[string]any{"t1": map[string]any{"count": 3, "ok": true}},
		Policy:  map[string]any{"allow": true},
	}

	cases := map[string]bool{
		`context.tier == "gold"`:                        true,
		`context.limit > 10`:                            false,
		`outputs.t1.ok && policy.allow`:                 true,
		`outputs.t1.count >= 3 && context.tier != "x"`:  true,
		`outputs.t1.count < 3 || context.tier == "tin"`: false,
	}
	for expr, want := range cases {
		require.Equal(t, want, e.Evaluate(expr, b), "expr %q", expr)
	}
}

func TestEvaluateErrorIsFalse(t *testing.T) {
	e := newEvaluator(t)
	// Missing key lookup is a runtime error; the evaluator treats it as false.
	require.False(t, e.Evaluate(`outputs.missing.ok == true`, Bindings{}))
}

func TestEvaluateDeterministic(t *testing.T) {
	e := newEvaluator(t)
	b := Bindings{Outputs: map[string]any{"t1": map[string]any{"n": 7}}}
	for i := 0; i < 50; i++ {
		require.True(t, e.Evaluate(`outputs.t1.n == 7`, b))
	}
}

func TestValidateRejectsBannedConstructs(t *testing.T) {
	e := newEvaluator(t)
	for _, expr := range []string{
		`outputs.items.all(i, i > 0)`,
		`outputs.items.exists(i, i > 0)`,
		`outputs.items.map(i, i * 2) == []`,
		`outputs.items.filter(i, i > 0) == []`,
	} {
		require.Error(t, e.Validate(expr), "expr %q", expr)
	}
}

func TestValidateRejectsOversizedExpression(t *testing.T) {
	e, err := NewEvaluatorWithBudget(slog.Default(), Budget{MaxExpressionBytes: 10, MaxEvaluationCost: 100})
	require.NoError(t, err)
	require.Error(t, e.Validate(`context.a == context.bbbbbbbb`))
}

func TestValidateRejectsNonBoolean(t *testing.T) {
	e := newEvaluator(t)
	require.Error(t, e.Validate(`"just a string"`))
}

func TestEvaluateStrictSurfacesError(t *testing.T) {
	e := newEvaluator(t)
	_, err := e.EvaluateStrict(`this is not cel`, Bindings{})
	require.Error(t, err)
}
