package distributor

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// DefaultGuardExpr is the rollout health criterion used when none is
// configured.
const DefaultGuardExpr = "error_rate <= 0.05 && consecutive_failures < 3"

// GuardInput is the observation window snapshot a guard evaluates.
type GuardInput struct {
	ErrorRate           float64
	P99LatencyMillis    float64
	ConsecutiveFailures int
	InstancesTotal      int
	InstancesFailed     int
}

// Guard evaluates a CEL expression over rollout observations. A false
// result aborts the rollout and triggers rollback.
type Guard struct {
	expr    string
	program cel.Program
}

// NewGuard compiles a guard expression. The expression sees error_rate,
// p99_latency_ms, consecutive_failures, instances_total, and
// instances_failed.
func NewGuard(expr string) (*Guard, error) {
	if expr == "" {
		expr = DefaultGuardExpr
	}

	env, err := cel.NewEnv(
		cel.Variable("error_rate", cel.DoubleType),
		cel.Variable("p99_latency_ms", cel.DoubleType),
		cel.Variable("consecutive_failures", cel.IntType),
		cel.Variable("instances_total", cel.IntType),
		cel.Variable("instances_failed", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("guard env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile guard %q: %w", expr, issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("guard program: %w", err)
	}

	return &Guard{expr: expr, program: program}, nil
}

// Expr returns the source expression.
func (g *Guard) Expr() string { return g.expr }

// Healthy evaluates the guard over one observation window.
func (g *Guard) Healthy(input GuardInput) (bool, error) {
	out, _, err := g.program.Eval(map[string]any{
		"error_rate":           input.ErrorRate,
		"p99_latency_ms":       input.P99LatencyMillis,
		"consecutive_failures": input.ConsecutiveFailures,
		"instances_total":      input.InstancesTotal,
		"instances_failed":     input.InstancesFailed,
	})
	if err != nil {
		return false, fmt.Errorf("eval guard: %w", err)
	}
	healthy, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard %q must return a boolean, got %T", g.expr, out.Value())
	}
	return healthy, nil
}
