// Package guard evaluates edge guard expressions over {context, outputs,
// policy} bindings. Guards are a restricted CEL sub-language: comparison and
// logical operators over primitive fields and property paths. The evaluator
// never exposes host capabilities; expressions that fail validation or
// evaluation are treated as false.
package guard

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Bindings are the three read-only variable roots a guard may reference.
type Bindings struct {
	Context map[string]any
	Outputs map[string]any
	Policy  map[string]any
}

// Budget bounds guard expression size and evaluation cost.
type Budget struct {
	MaxExpressionBytes int
	MaxEvaluationCost  uint64
}

// DefaultBudget returns the default guard budget.
func DefaultBudget() Budget {
	return Budget{
		MaxExpressionBytes: 2048,
		MaxEvaluationCost:  10000,
	}
}

// bannedConstructs are CEL constructs excluded from the guard sub-language.
// Comprehension macros are unbounded over inputs; time lookups are
// nondeterministic across evaluations.
var bannedConstructs = []string{
	".exists(", ".exists_one(", ".all(", ".map(", ".filter(",
	"now(", "timestamp(",
}

// Evaluator compiles and runs guard expressions. Compiled programs are
// cached per expression.
type Evaluator struct {
	env    *cel.Env
	budget Budget
	logger *slog.Logger

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewEvaluator builds a guard evaluator with the default budget.
func NewEvaluator(logger *slog.Logger) (*Evaluator, error) {
	return NewEvaluatorWithBudget(logger, DefaultBudget())
}

// NewEvaluatorWithBudget builds a guard evaluator with a custom budget.
func NewEvaluatorWithBudget(logger *slog.Logger, budget Budget) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("outputs", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("policy", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("guard: env setup failed: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		env:      env,
		budget:   budget,
		logger:   logger,
		programs: make(map[string]cel.Program),
	}, nil
}

// Validate checks an expression against the guard sub-language without
// evaluating it.
func (e *Evaluator) Validate(expr string) error {
	if len(expr) > e.budget.MaxExpressionBytes {
		return fmt.Errorf("guard: expression exceeds %d bytes", e.budget.MaxExpressionBytes)
	}
	for _, banned := range bannedConstructs {
		if strings.Contains(expr, banned) {
			return fmt.Errorf("guard: construct %q not allowed", strings.Trim(banned, ".("))
		}
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("guard: compile: %w", issues.Err())
	}
	if out := ast.OutputType().String(); out != "bool" && out != "dyn" {
		return fmt.Errorf("guard: expression yields %s, want bool", out)
	}
	return nil
}

// EvaluateStrict evaluates an expression and surfaces errors to the caller.
func (e *Evaluator) EvaluateStrict(expr string, b Bindings) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	val, _, err := prg.Eval(map[string]any{
		"context": orEmpty(b.Context),
		"outputs": orEmpty(b.Outputs),
		"policy":  orEmpty(b.Policy),
	})
	if err != nil {
		return false, fmt.Errorf("guard: eval: %w", err)
	}
	result, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard: expression yielded %T, want bool", val.Value())
	}
	return result, nil
}

// Evaluate evaluates an expression, treating any error as false. Errors are
// logged; guard evaluation must stay side-effect free and total.
func (e *Evaluator) Evaluate(expr string, b Bindings) bool {
	result, err := e.EvaluateStrict(expr, b)
	if err != nil {
		e.logger.Warn("guard evaluation failed, treating as false",
			"expr", expr,
			"error", err,
		)
		return false
	}
	return result
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[expr]; ok {
		return prg, nil
	}
	if err := e.Validate(expr); err != nil {
		return nil, err
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("guard: compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast, cel.CostLimit(e.budget.MaxEvaluationCost))
	if err != nil {
		return nil, fmt.Errorf("guard: program: %w", err)
	}
	e.programs[expr] = prg
	return prg, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
