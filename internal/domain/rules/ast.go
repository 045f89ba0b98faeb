// Package rules contains the rule abstract syntax, the textual rule
// parser, and RuleSet construction with stratification and validation.
package rules

import (
	"strings"

	"github.com/rune-labs/rune/internal/domain/fact"
)

// TermKind identifies the variant held by a Term.
type TermKind uint8

const (
	// TermVariable is an identifier with rule-local scope.
	TermVariable TermKind = iota
	// TermConstant is a ground value.
	TermConstant
	// TermAnonymous matches anything and never binds.
	TermAnonymous
)

// Term is a variable, a constant, or the anonymous placeholder.
type Term struct {
	Kind  TermKind
	Name  string     // variable name, TermVariable only
	Value fact.Value // TermConstant only
}

// Variable constructs a variable term.
func Variable(name string) Term { return Term{Kind: TermVariable, Name: name} }

// Constant constructs a constant term.
func Constant(v fact.Value) Term { return Term{Kind: TermConstant, Value: v} }

// Anonymous constructs the `_` placeholder term.
func Anonymous() Term { return Term{Kind: TermAnonymous} }

// String renders the term in rule-source notation.
func (t Term) String() string {
	switch t.Kind {
	case TermVariable:
		return t.Name
	case TermConstant:
		return t.Value.String()
	default:
		return "_"
	}
}

// Atom is a predicate applied to an ordered tuple of terms.
type Atom struct {
	Predicate string
	Terms     []Term
}

// NewAtom constructs an atom.
func NewAtom(predicate string, terms ...Term) Atom {
	return Atom{Predicate: predicate, Terms: terms}
}

// IsGround reports whether every term is a constant.
func (a Atom) IsGround() bool {
	for i := range a.Terms {
		if a.Terms[i].Kind != TermConstant {
			return false
		}
	}
	return true
}

// Fact converts a ground atom into a stored fact. Callers must check
// IsGround first.
func (a Atom) Fact() fact.Fact {
	args := make([]fact.Value, len(a.Terms))
	for i := range a.Terms {
		args[i] = a.Terms[i].Value
	}
	return fact.New(a.Predicate, args...)
}

// String renders the atom in rule-source notation.
func (a Atom) String() string {
	var b strings.Builder
	b.WriteString(a.Predicate)
	b.WriteByte('(')
	for i := range a.Terms {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.Terms[i].String())
	}
	b.WriteByte(')')
	return b.String()
}

// BuiltinOp enumerates the built-in constraint predicates. Built-ins are
// filters over already-bound variables, never sources of bindings.
type BuiltinOp uint8

const (
	// OpEq is structural equality (=).
	OpEq BuiltinOp = iota
	// OpNe is structural inequality (!=).
	OpNe
	// OpLt is strict less-than (<).
	OpLt
	// OpLe is less-or-equal (<=).
	OpLe
	// OpGt is strict greater-than (>).
	OpGt
	// OpGe is greater-or-equal (>=).
	OpGe
	// OpStartsWith tests a string prefix: starts_with(S, Prefix).
	OpStartsWith
	// OpEndsWith tests a string suffix: ends_with(S, Suffix).
	OpEndsWith
	// OpContains tests substring membership: contains(S, Sub).
	OpContains
	// OpPlus checks X + Y = Z with overflow detection: plus(X, Y, Z).
	OpPlus
	// OpMinus checks X - Y = Z with overflow detection: minus(X, Y, Z).
	OpMinus
	// OpTimes checks X * Y = Z with overflow detection: times(X, Y, Z).
	OpTimes
)

// builtinNames maps source-level predicate names to built-in ops and
// their required arity.
var builtinNames = map[string]struct {
	Op    BuiltinOp
	Arity int
}{
	"starts_with": {OpStartsWith, 2},
	"ends_with":   {OpEndsWith, 2},
	"contains":    {OpContains, 2},
	"plus":        {OpPlus, 3},
	"minus":       {OpMinus, 3},
	"times":       {OpTimes, 3},
}

// comparisonSymbols maps infix operator spellings to built-in ops.
var comparisonSymbols = map[string]BuiltinOp{
	"=":  OpEq,
	"!=": OpNe,
	"<":  OpLt,
	"<=": OpLe,
	">":  OpGt,
	">=": OpGe,
}

// String renders the operator spelling.
func (op BuiltinOp) String() string {
	switch op {
	case OpEq:
		return "="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpStartsWith:
		return "starts_with"
	case OpEndsWith:
		return "ends_with"
	case OpContains:
		return "contains"
	case OpPlus:
		return "plus"
	case OpMinus:
		return "minus"
	case OpTimes:
		return "times"
	default:
		return "<op>"
	}
}

// AggregateOp enumerates aggregation operators.
type AggregateOp uint8

const (
	// AggCount counts tuples; empty input yields 0.
	AggCount AggregateOp = iota
	// AggSum sums integer bindings; empty input yields 0.
	AggSum
	// AggMin takes the minimum; empty input suppresses the rule instance.
	AggMin
	// AggMax takes the maximum; empty input suppresses the rule instance.
	AggMax
	// AggMean takes the integer mean; empty input suppresses the rule instance.
	AggMean
)

// aggregateNames maps source-level operator names to aggregate ops.
var aggregateNames = map[string]AggregateOp{
	"count": AggCount,
	"sum":   AggSum,
	"min":   AggMin,
	"max":   AggMax,
	"mean":  AggMean,
}

// String renders the aggregate operator name.
func (op AggregateOp) String() string {
	switch op {
	case AggCount:
		return "count"
	case AggSum:
		return "sum"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	default:
		return "mean"
	}
}

// Aggregate is the body construct `Result = op(Var : Atom)`. The inner
// atom is evaluated against a strictly lower stratum; its variables other
// than Var act as group-by keys, and Result is bound to the aggregate of
// the multiset of Var bindings per group.
type Aggregate struct {
	Result string
	Op     AggregateOp
	Var    string
	Body   Atom
}

// String renders the aggregate in rule-source notation.
func (g Aggregate) String() string {
	return g.Result + " = " + g.Op.String() + "(" + g.Var + " : " + g.Body.String() + ")"
}

// LiteralKind identifies the variant held by a Literal.
type LiteralKind uint8

const (
	// LiteralAtom is a positive atom.
	LiteralAtom LiteralKind = iota
	// LiteralNegated is a negated atom (`not p(...)`).
	LiteralNegated
	// LiteralBuiltin is a built-in constraint.
	LiteralBuiltin
	// LiteralAggregate is an aggregate binding.
	LiteralAggregate
)

// Literal is one body element of a rule.
type Literal struct {
	Kind      LiteralKind
	Atom      Atom       // LiteralAtom, LiteralNegated
	Builtin   BuiltinOp  // LiteralBuiltin
	Args      []Term     // LiteralBuiltin operands
	Aggregate *Aggregate // LiteralAggregate
}

// Positive constructs a positive atom literal.
func Positive(a Atom) Literal { return Literal{Kind: LiteralAtom, Atom: a} }

// Negated constructs a negated atom literal.
func Negated(a Atom) Literal { return Literal{Kind: LiteralNegated, Atom: a} }

// Builtin constructs a built-in constraint literal.
func Builtin(op BuiltinOp, args ...Term) Literal {
	return Literal{Kind: LiteralBuiltin, Builtin: op, Args: args}
}

// Aggregated constructs an aggregate literal.
func Aggregated(g Aggregate) Literal {
	return Literal{Kind: LiteralAggregate, Aggregate: &g}
}

// String renders the literal in rule-source notation.
func (l Literal) String() string {
	switch l.Kind {
	case LiteralAtom:
		return l.Atom.String()
	case LiteralNegated:
		return "not " + l.Atom.String()
	case LiteralBuiltin:
		if len(l.Args) == 2 && l.Builtin <= OpGe {
			return l.Args[0].String() + " " + l.Builtin.String() + " " + l.Args[1].String()
		}
		parts := make([]string, len(l.Args))
		for i := range l.Args {
			parts[i] = l.Args[i].String()
		}
		return l.Builtin.String() + "(" + strings.Join(parts, ", ") + ")"
	default:
		return l.Aggregate.String()
	}
}

// Rule is a head atom derived from an ordered list of body literals.
// Name identifies the rule in decision match lists.
type Rule struct {
	Name string
	Head Atom
	Body []Literal
}

// String renders the rule in rule-source notation.
func (r Rule) String() string {
	if len(r.Body) == 0 {
		return r.Head.String() + "."
	}
	parts := make([]string, len(r.Body))
	for i := range r.Body {
		parts[i] = r.Body[i].String()
	}
	return r.Head.String() + " :- " + strings.Join(parts, ", ") + "."
}
