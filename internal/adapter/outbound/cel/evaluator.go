// Package cel provides the CEL evaluator behind policy when/unless
// guards. The environment, cost limits, and validation mirror the
// guard language contract: guards are pure, deterministic, and
// boolean-valued.
package cel

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// maxExpressionLength is the maximum allowed length for guard expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit per evaluation.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// Evaluator compiles and evaluates CEL guard expressions.
type Evaluator struct {
	env *cel.Env
}

// NewGuardEnvironment creates a CEL environment for policy guards.
// Guards see the four request entities as maps:
//
//   - principal, action, resource: {id, type, attr, ancestors}
//   - context: flat attribute map (environment, timestamp, ...)
//
// plus a has_attr helper for attribute presence checks.
func NewGuardEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("principal", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),

		// has_attr: attribute presence without triggering a missing-key
		// error. Usage: has_attr(principal, "department")
		cel.Function("has_attr",
			cel.Overload("has_attr_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(entityVal, keyVal ref.Val) ref.Val {
					key, ok := keyVal.Value().(string)
					if !ok {
						return types.Bool(false)
					}
					entity, ok := entityVal.Value().(map[string]any)
					if !ok {
						return types.Bool(false)
					}
					attrs, ok := entity["attr"].(map[string]any)
					if !ok {
						return types.Bool(false)
					}
					_, present := attrs[key]
					return types.Bool(present)
				}),
			),
		),
	)
}

// NewEvaluator creates an evaluator with the guard environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewGuardEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create guard environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks a guard expression, returning a
// compiled program with the runtime cost limit applied.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	// Attribute selections are dyn-typed, so dyn-valued expressions can
	// only be rejected at evaluation time.
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("guard must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// validateNesting checks the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks that a guard expression is syntactically
// valid and within the safety limits. Called at PolicySet construction
// so query time never sees a compile error.
func (e *Evaluator) ValidateExpression(expr string) error {
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if expr == "" {
		return errors.New("expression is empty")
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid guard expression: %w", err)
	}
	return nil
}

// Evaluate runs a compiled guard against the activation built from a
// request's entity view. Non-boolean results are an error; the caller
// folds guard errors into a Deny.
func (e *Evaluator) Evaluate(prg cel.Program, activation map[string]any) (bool, error) {
	result, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}
