package datalog

import (
	"fmt"
	"strings"

	"github.com/rune-labs/rune/internal/domain/fact"
	"github.com/rune-labs/rune/internal/domain/rules"
)

// ErrorKind classifies evaluation failures.
type ErrorKind uint8

const (
	// ErrEvaluation is a runtime failure: arithmetic overflow or a type
	// mismatch in a built-in or aggregate.
	ErrEvaluation ErrorKind = iota
	// ErrResource is a resource-bound violation: the semi-naive
	// iteration limit or the derived-fact limit was exceeded.
	ErrResource
)

// Error is a query-time evaluation failure. The decision engine maps it
// to a Deny with the corresponding error kind.
type Error struct {
	Kind   ErrorKind
	Detail string
}

// Error implements error.
func (e *Error) Error() string {
	if e.Kind == ErrResource {
		return "resource limit: " + e.Detail
	}
	return "evaluation: " + e.Detail
}

func evalErrf(format string, args ...any) *Error {
	return &Error{Kind: ErrEvaluation, Detail: fmt.Sprintf(format, args...)}
}

func resourceErrf(format string, args ...any) *Error {
	return &Error{Kind: ErrResource, Detail: fmt.Sprintf(format, args...)}
}

// evalBuiltin applies a built-in constraint to fully ground operands.
// Built-ins are pure filters: true keeps the binding row, false drops
// it, and a type error aborts the query.
func evalBuiltin(op rules.BuiltinOp, args []fact.Value) (bool, error) {
	switch op {
	case rules.OpEq:
		return args[0].Equal(args[1]), nil
	case rules.OpNe:
		return !args[0].Equal(args[1]), nil

	case rules.OpLt, rules.OpLe, rules.OpGt, rules.OpGe:
		c, err := args[0].Compare(args[1])
		if err != nil {
			return false, evalErrf("%s: %v", op, err)
		}
		switch op {
		case rules.OpLt:
			return c < 0, nil
		case rules.OpLe:
			return c <= 0, nil
		case rules.OpGt:
			return c > 0, nil
		default:
			return c >= 0, nil
		}

	case rules.OpStartsWith, rules.OpEndsWith, rules.OpContains:
		if args[0].Kind() != fact.KindString || args[1].Kind() != fact.KindString {
			return false, evalErrf("%s expects string arguments, got %s and %s",
				op, args[0].Kind(), args[1].Kind())
		}
		s, sub := args[0].Str(), args[1].Str()
		switch op {
		case rules.OpStartsWith:
			return strings.HasPrefix(s, sub), nil
		case rules.OpEndsWith:
			return strings.HasSuffix(s, sub), nil
		default:
			return strings.Contains(s, sub), nil
		}

	case rules.OpPlus, rules.OpMinus, rules.OpTimes:
		for i := range args {
			if args[i].Kind() != fact.KindInt {
				return false, evalErrf("%s expects integer arguments, got %s", op, args[i].Kind())
			}
		}
		x, y := args[0].Num(), args[1].Num()
		var z int64
		var ok bool
		switch op {
		case rules.OpPlus:
			z, ok = addChecked(x, y)
		case rules.OpMinus:
			z, ok = addChecked(x, -y)
			if y == minInt64 {
				ok = false
			}
		default:
			z, ok = mulChecked(x, y)
		}
		if !ok {
			return false, evalErrf("integer overflow in %s(%d, %d, _)", op, x, y)
		}
		return z == args[2].Num(), nil
	}
	return false, evalErrf("unknown built-in %d", op)
}

const minInt64 = -1 << 63

func addChecked(x, y int64) (int64, bool) {
	z := x + y
	if (z > x) == (y > 0) || y == 0 {
		return z, true
	}
	return 0, false
}

func mulChecked(x, y int64) (int64, bool) {
	if x == 0 || y == 0 {
		return 0, true
	}
	if x == minInt64 || y == minInt64 {
		// Only multiplication by 1 keeps minInt64 in range.
		if x == 1 {
			return y, true
		}
		if y == 1 {
			return x, true
		}
		return 0, false
	}
	z := x * y
	if z/y != x {
		return 0, false
	}
	return z, true
}
