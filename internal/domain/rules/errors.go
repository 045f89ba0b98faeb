package rules

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationKind classifies RuleSet validation failures.
type ValidationKind uint8

const (
	// KindStratification marks a cycle through a negative edge.
	KindStratification ValidationKind = iota
	// KindUnboundVariable marks a range-restriction violation.
	KindUnboundVariable
	// KindAggregateArity marks a malformed aggregate form.
	KindAggregateArity
	// KindBuiltinArity marks a built-in applied at the wrong arity.
	KindBuiltinArity
	// KindMalformedRule marks any other structural invalidity.
	KindMalformedRule
)

// String returns the kind name.
func (k ValidationKind) String() string {
	switch k {
	case KindStratification:
		return "stratification"
	case KindUnboundVariable:
		return "unbound variable"
	case KindAggregateArity:
		return "aggregate arity"
	case KindBuiltinArity:
		return "builtin arity"
	default:
		return "malformed rule"
	}
}

// ValidationError reports a structurally invalid RuleSet. For
// stratification failures, Predicates names the members of the offending
// cycle.
type ValidationError struct {
	Kind       ValidationKind
	Rule       string // name of the offending rule, when attributable
	Predicates []string
	Detail     string
}

// Error implements error.
func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Rule != "" {
		fmt.Fprintf(&b, " in rule %q", e.Rule)
	}
	if len(e.Predicates) > 0 {
		preds := append([]string(nil), e.Predicates...)
		sort.Strings(preds)
		fmt.Fprintf(&b, " {%s}", strings.Join(preds, ", "))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// ParseError reports malformed rule source text.
type ParseError struct {
	Line   int
	Column int
	Detail string
}

// Error implements error.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d:%d: %s", e.Line, e.Column, e.Detail)
}
