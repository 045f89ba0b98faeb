package datalog

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/rune-labs/rune/internal/domain/fact"
	"github.com/rune-labs/rune/internal/domain/rules"
)

func buildStore(t *testing.T, facts ...fact.Fact) *fact.Snapshot {
	t.Helper()
	s := fact.NewStore()
	if _, err := s.InsertMany(facts); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return s.Snapshot()
}

func mustRuleSet(t *testing.T, src string) *rules.RuleSet {
	t.Helper()
	rs, _, err := rules.ParseRuleSet(src)
	if err != nil {
		t.Fatalf("ParseRuleSet: %v", err)
	}
	return rs
}

func mustEval(t *testing.T, rs *rules.RuleSet, snap *fact.Snapshot) *Result {
	t.Helper()
	res, err := Eval(rs, snap, Options{})
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	return res
}

// TestEvalTransitiveClosure tests recursive derivation to fixpoint.
func TestEvalTransitiveClosure(t *testing.T) {
	snap := buildStore(t,
		fact.New("edge", fact.String("a"), fact.String("b")),
		fact.New("edge", fact.String("b"), fact.String("c")),
		fact.New("edge", fact.String("c"), fact.String("d")),
	)
	rs := mustRuleSet(t, `
reachable(X, Y) :- edge(X, Y).
reachable(X, Z) :- reachable(X, Y), edge(Y, Z).
`)
	res := mustEval(t, rs, snap)

	got := res.Get("reachable")
	if len(got) != 6 {
		t.Fatalf("derived %d reachable facts, want 6: %v", len(got), got)
	}
	if !res.Holds(rules.NewAtom("reachable",
		rules.Constant(fact.String("a")), rules.Constant(fact.String("d")))) {
		t.Error("reachable(a, d) not derived")
	}
	if res.Holds(rules.NewAtom("reachable",
		rules.Constant(fact.String("d")), rules.Constant(fact.String("a")))) {
		t.Error("reachable(d, a) wrongly derived")
	}
}

// TestEvalNegation tests the spec's negation scenario: a blocked user
// is not allowed.
func TestEvalNegation(t *testing.T) {
	snap := buildStore(t,
		fact.New("user", fact.String("alice")),
		fact.New("user", fact.String("bob")),
		fact.New("blocked", fact.String("alice")),
	)
	rs := mustRuleSet(t, `allowed(X) :- user(X), not blocked(X).`)
	res := mustEval(t, rs, snap)

	if res.Holds(rules.NewAtom("allowed", rules.Constant(fact.String("alice")))) {
		t.Error("allowed(alice) derived despite blocked(alice)")
	}
	if !res.Holds(rules.NewAtom("allowed", rules.Constant(fact.String("bob")))) {
		t.Error("allowed(bob) not derived")
	}
}

// TestEvalAggregationSum tests the spec's aggregation scenario: sums
// group per user and feed comparisons downstream.
func TestEvalAggregationSum(t *testing.T) {
	snap := buildStore(t,
		fact.New("call", fact.String("alice"), fact.Int(1)),
		fact.New("call", fact.String("alice"), fact.Int(2)),
		fact.New("call", fact.String("alice"), fact.Int(3)),
		fact.New("call", fact.String("bob"), fact.Int(4)),
	)
	rs := mustRuleSet(t, `
total(U, N) :- N = sum(X : call(U, X)).
over_limit(U) :- total(U, N), N > 5.
`)
	res := mustEval(t, rs, snap)

	rows := res.Query(rules.NewAtom("total",
		rules.Constant(fact.String("alice")), rules.Variable("N")))
	if len(rows) != 1 {
		t.Fatalf("total(alice, N) rows = %d, want 1", len(rows))
	}
	if n, _ := rows[0].Lookup("N"); !n.Equal(fact.Int(6)) {
		t.Errorf("total(alice) = %s, want 6", n)
	}
	if !res.Holds(rules.NewAtom("over_limit", rules.Constant(fact.String("alice")))) {
		t.Error("over_limit(alice) not derived")
	}
	if res.Holds(rules.NewAtom("over_limit", rules.Constant(fact.String("bob")))) {
		t.Error("over_limit(bob) wrongly derived (total 4)")
	}
}

// TestEvalAggregateEmptyInput tests the empty-input table: count and
// sum fire with 0, min/max/mean suppress the rule instance.
func TestEvalAggregateEmptyInput(t *testing.T) {
	snap := buildStore(t, fact.New("unrelated", fact.Int(1)))
	for _, tc := range []struct {
		op    string
		fires bool
		want  int64
	}{
		{"count", true, 0},
		{"sum", true, 0},
		{"min", false, 0},
		{"max", false, 0},
		{"mean", false, 0},
	} {
		t.Run(tc.op, func(t *testing.T) {
			rs := mustRuleSet(t, fmt.Sprintf(`result(N) :- N = %s(X : call(X)).`, tc.op))
			res := mustEval(t, rs, snap)
			rows := res.Query(rules.NewAtom("result", rules.Variable("N")))
			if !tc.fires {
				if len(rows) != 0 {
					t.Fatalf("%s over empty input fired: %v", tc.op, rows)
				}
				return
			}
			if len(rows) != 1 {
				t.Fatalf("%s over empty input rows = %d, want 1", tc.op, len(rows))
			}
			if n, _ := rows[0].Lookup("N"); !n.Equal(fact.Int(tc.want)) {
				t.Errorf("%s = %s, want %d", tc.op, n, tc.want)
			}
		})
	}
}

// TestEvalAggregateMinMaxMean tests the remaining operators over a
// non-empty relation.
func TestEvalAggregateMinMaxMean(t *testing.T) {
	snap := buildStore(t,
		fact.New("call", fact.String("u"), fact.Int(2)),
		fact.New("call", fact.String("u"), fact.Int(8)),
		fact.New("call", fact.String("u"), fact.Int(5)),
	)
	for _, tc := range []struct {
		op   string
		want int64
	}{
		{"min", 2},
		{"max", 8},
		{"mean", 5},
		{"count", 3},
	} {
		rs := mustRuleSet(t, fmt.Sprintf(`agg(U, N) :- N = %s(X : call(U, X)).`, tc.op))
		res := mustEval(t, rs, snap)
		rows := res.Query(rules.NewAtom("agg",
			rules.Constant(fact.String("u")), rules.Variable("N")))
		if len(rows) != 1 {
			t.Fatalf("%s rows = %d", tc.op, len(rows))
		}
		if n, _ := rows[0].Lookup("N"); !n.Equal(fact.Int(tc.want)) {
			t.Errorf("%s = %s, want %d", tc.op, n, tc.want)
		}
	}
}

// TestEvalBuiltins tests comparison and string filters.
func TestEvalBuiltins(t *testing.T) {
	snap := buildStore(t,
		fact.New("resource_path", fact.String("/tmp/x")),
		fact.New("resource_path", fact.String("/etc/passwd")),
		fact.New("allowed_path", fact.String("/tmp")),
	)
	rs := mustRuleSet(t, `can_read(P) :- resource_path(P), allowed_path(Prefix), starts_with(P, Prefix).`)
	res := mustEval(t, rs, snap)

	if !res.Holds(rules.NewAtom("can_read", rules.Constant(fact.String("/tmp/x")))) {
		t.Error("can_read(/tmp/x) not derived")
	}
	if res.Holds(rules.NewAtom("can_read", rules.Constant(fact.String("/etc/passwd")))) {
		t.Error("can_read(/etc/passwd) wrongly derived")
	}
}

// TestEvalArithmeticBuiltins tests checked arithmetic filters.
func TestEvalArithmeticBuiltins(t *testing.T) {
	snap := buildStore(t,
		fact.New("pair", fact.Int(2), fact.Int(3), fact.Int(5)),
		fact.New("pair", fact.Int(2), fact.Int(3), fact.Int(6)),
	)
	rs := mustRuleSet(t, `adds(X, Y, Z) :- pair(X, Y, Z), plus(X, Y, Z).`)
	res := mustEval(t, rs, snap)
	if got := len(res.Get("adds")); got != 1 {
		t.Errorf("adds facts = %d, want 1", got)
	}
}

// TestEvalOverflowIsEvaluationError tests that built-in overflow aborts
// the query with a runtime (not resource) error.
func TestEvalOverflowIsEvaluationError(t *testing.T) {
	snap := buildStore(t,
		fact.New("big", fact.Int(1<<62), fact.Int(1<<62), fact.Int(0)),
	)
	rs := mustRuleSet(t, `boom(Z) :- big(X, Y, Z), plus(X, Y, Z).`)
	_, err := Eval(rs, snap, Options{})
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != ErrEvaluation {
		t.Fatalf("want evaluation error, got %v", err)
	}
}

// TestEvalTypeMismatchIsEvaluationError tests comparison across kinds.
func TestEvalTypeMismatchIsEvaluationError(t *testing.T) {
	snap := buildStore(t,
		fact.New("val", fact.String("x"), fact.Int(1)),
	)
	rs := mustRuleSet(t, `bad(A) :- val(A, B), A < B.`)
	_, err := Eval(rs, snap, Options{})
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != ErrEvaluation {
		t.Fatalf("want evaluation error, got %v", err)
	}
}

// TestEvalDerivedFactLimit tests the resource bound on derivation size.
func TestEvalDerivedFactLimit(t *testing.T) {
	var facts []fact.Fact
	for i := 0; i < 50; i++ {
		facts = append(facts, fact.New("n", fact.Int(int64(i))))
	}
	snap := buildStore(t, facts...)
	rs := mustRuleSet(t, `pairs(X, Y) :- n(X), n(Y).`)
	_, err := Eval(rs, snap, Options{MaxDerivedFacts: 100})
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != ErrResource {
		t.Fatalf("want resource error, got %v", err)
	}
}

// TestEvalDeterminism tests that two evaluations over identical inputs
// produce identical relations.
func TestEvalDeterminism(t *testing.T) {
	snap := buildStore(t,
		fact.New("edge", fact.String("a"), fact.String("b")),
		fact.New("edge", fact.String("b"), fact.String("c")),
		fact.New("edge", fact.String("c"), fact.String("a")),
	)
	rs := mustRuleSet(t, `
reachable(X, Y) :- edge(X, Y).
reachable(X, Z) :- reachable(X, Y), edge(Y, Z).
`)
	render := func(res *Result) []string {
		var out []string
		for _, f := range res.Get("reachable") {
			out = append(out, f.String())
		}
		sort.Strings(out)
		return out
	}
	a := render(mustEval(t, rs, snap))
	b := render(mustEval(t, rs, snap))
	if len(a) != len(b) {
		t.Fatalf("runs derived %d vs %d facts", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("run outputs differ at %d: %s vs %s", i, a[i], b[i])
		}
	}
}

// TestEvalMonotonicity tests that adding facts to a positive program
// never removes derivations.
func TestEvalMonotonicity(t *testing.T) {
	small := fact.NewStore()
	if _, err := small.InsertMany([]fact.Fact{
		fact.New("edge", fact.String("a"), fact.String("b")),
	}); err != nil {
		t.Fatal(err)
	}
	rs := mustRuleSet(t, `
reachable(X, Y) :- edge(X, Y).
reachable(X, Z) :- reachable(X, Y), edge(Y, Z).
`)
	before := mustEval(t, rs, small.Snapshot()).Get("reachable")

	if _, err := small.Insert(fact.New("edge", fact.String("b"), fact.String("c"))); err != nil {
		t.Fatal(err)
	}
	after := mustEval(t, rs, small.Snapshot())
	for _, f := range before {
		terms := make([]rules.Term, len(f.Args))
		for i := range f.Args {
			terms[i] = rules.Constant(f.Args[i])
		}
		if !after.Holds(rules.NewAtom(f.Predicate, terms...)) {
			t.Errorf("derivation %s lost after adding facts", f)
		}
	}
	if len(after.Get("reachable")) <= len(before) {
		t.Error("larger input derived no new facts")
	}
}

// TestEvalBackendPromotion tests that relations past the list threshold
// produce the same results through the indexed backend.
func TestEvalBackendPromotion(t *testing.T) {
	var facts []fact.Fact
	const n = 150 // past the default threshold of 100
	for i := 0; i < n; i++ {
		facts = append(facts, fact.New("edge",
			fact.String(fmt.Sprintf("n%03d", i)), fact.String(fmt.Sprintf("n%03d", i+1))))
	}
	snap := buildStore(t, facts...)
	rs := mustRuleSet(t, `two_hop(X, Z) :- edge(X, Y), edge(Y, Z).`)

	indexed := mustEval(t, rs, snap).Get("two_hop")
	listOnly, err := Eval(rs, snap, Options{ListThreshold: 1 << 30})
	if err != nil {
		t.Fatal(err)
	}
	if len(indexed) != n-1 || len(listOnly.Get("two_hop")) != n-1 {
		t.Fatalf("two_hop sizes: indexed=%d list=%d, want %d",
			len(indexed), len(listOnly.Get("two_hop")), n-1)
	}
}

// TestEvalEmptyRuleSet tests that with no rules every derived relation
// is empty while stored facts remain queryable.
func TestEvalEmptyRuleSet(t *testing.T) {
	snap := buildStore(t, fact.New("user", fact.String("alice")))
	res := mustEval(t, rules.Empty(), snap)
	if len(res.Get("anything")) != 0 {
		t.Error("derived relation non-empty under empty rule set")
	}
	if !res.Holds(rules.NewAtom("user", rules.Constant(fact.String("alice")))) {
		t.Error("stored fact not visible through result view")
	}
}

// TestEvalProvenance tests that MatchedRules names the deriving rules.
func TestEvalProvenance(t *testing.T) {
	snap := buildStore(t,
		fact.New("blocked", fact.String("u")),
	)
	ruleList, _, err := rules.Parse(`deny(P) :- blocked(P).`)
	if err != nil {
		t.Fatal(err)
	}
	ruleList[0].Name = "deny-blocked"
	rs, err := rules.NewRuleSet(ruleList)
	if err != nil {
		t.Fatal(err)
	}
	res := mustEval(t, rs, snap)
	names := res.MatchedRules(rules.NewAtom("deny", rules.Constant(fact.String("u"))))
	if len(names) != 1 || names[0] != "deny-blocked" {
		t.Errorf("MatchedRules = %v, want [deny-blocked]", names)
	}
}
