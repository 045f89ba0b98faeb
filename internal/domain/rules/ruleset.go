package rules

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// RuleSet is an immutable collection of validated rules plus their
// precomputed stratification and dependency index. Construction performs
// all validation; a RuleSet that exists is well-formed.
type RuleSet struct {
	rules        []Rule
	strata       [][]string
	stratumOf    map[string]int
	rulesForPred map[string][]int
	idb          map[string]bool
	fingerprint  uint64
}

// NewRuleSet validates rules (range restriction, built-in arity,
// aggregate form) and computes the stratification. Rules without a name
// get one derived from their head predicate and position.
func NewRuleSet(in []Rule) (*RuleSet, error) {
	rules := make([]Rule, len(in))
	copy(rules, in)

	rs := &RuleSet{
		rules:        rules,
		stratumOf:    make(map[string]int),
		rulesForPred: make(map[string][]int),
		idb:          make(map[string]bool),
	}
	for i := range rules {
		if rules[i].Name == "" {
			rules[i].Name = fmt.Sprintf("%s#%d", rules[i].Head.Predicate, i)
		}
		rs.idb[rules[i].Head.Predicate] = true
		rs.rulesForPred[rules[i].Head.Predicate] = append(rs.rulesForPred[rules[i].Head.Predicate], i)
	}

	for i := range rules {
		if err := validateRule(&rules[i]); err != nil {
			return nil, err
		}
	}
	if err := rs.stratify(); err != nil {
		return nil, err
	}

	d := xxhash.New()
	for i := range rules {
		_, _ = d.WriteString(rules[i].String())
		_, _ = d.Write([]byte{'\n'})
	}
	rs.fingerprint = d.Sum64()
	return rs, nil
}

// Rules returns the validated rules. The slice is shared; callers must
// not mutate it.
func (rs *RuleSet) Rules() []Rule { return rs.rules }

// Strata returns the predicate partition in evaluation order.
func (rs *RuleSet) Strata() [][]string { return rs.strata }

// StratumOf returns the stratum of a derived predicate. Extensional
// predicates are not present.
func (rs *RuleSet) StratumOf(predicate string) (int, bool) {
	s, ok := rs.stratumOf[predicate]
	return s, ok
}

// RulesFor returns the indices of rules whose head is the given predicate.
func (rs *RuleSet) RulesFor(predicate string) []int { return rs.rulesForPred[predicate] }

// IsIDB reports whether the predicate is derived by some rule.
func (rs *RuleSet) IsIDB(predicate string) bool { return rs.idb[predicate] }

// Fingerprint is a stable content hash over the canonical rule text,
// used to key decision-cache fingerprints.
func (rs *RuleSet) Fingerprint() uint64 { return rs.fingerprint }

// Empty returns a RuleSet with no rules. All derived relations over it
// are empty.
func Empty() *RuleSet {
	rs, _ := NewRuleSet(nil)
	return rs
}

// validateRule enforces per-rule structural invariants: built-in arity,
// aggregate well-formedness, and range restriction. Variables bound by
// positive atoms, aggregate results, and aggregate group keys count as
// bound; everything a head, negation, or built-in mentions must be among
// them.
func validateRule(r *Rule) error {
	bound := map[string]bool{}
	for _, l := range r.Body {
		switch l.Kind {
		case LiteralAtom:
			for _, t := range l.Atom.Terms {
				if t.Kind == TermVariable {
					bound[t.Name] = true
				}
			}
		case LiteralAggregate:
			g := l.Aggregate
			if g.Result == "" || g.Var == "" || len(g.Body.Terms) == 0 {
				return &ValidationError{Kind: KindAggregateArity, Rule: r.Name,
					Detail: "aggregate requires a result variable, an aggregated variable, and a body atom"}
			}
			varInBody := false
			for _, t := range g.Body.Terms {
				if t.Kind != TermVariable {
					continue
				}
				if t.Name == g.Result {
					return &ValidationError{Kind: KindAggregateArity, Rule: r.Name,
						Detail: fmt.Sprintf("result variable %s must not appear inside the aggregate body", g.Result)}
				}
				if t.Name == g.Var {
					varInBody = true
					continue
				}
				// Group-by key, bound per aggregate group.
				bound[t.Name] = true
			}
			if !varInBody {
				return &ValidationError{Kind: KindAggregateArity, Rule: r.Name,
					Detail: fmt.Sprintf("aggregated variable %s does not occur in %s", g.Var, g.Body.Predicate)}
			}
			bound[g.Result] = true
		}
	}

	for _, l := range r.Body {
		switch l.Kind {
		case LiteralNegated:
			for _, t := range l.Atom.Terms {
				if t.Kind == TermVariable && !bound[t.Name] {
					return &ValidationError{Kind: KindUnboundVariable, Rule: r.Name,
						Detail: fmt.Sprintf("variable %s in negated %s has no positive occurrence", t.Name, l.Atom.Predicate)}
				}
			}
		case LiteralBuiltin:
			if err := checkBuiltinArity(r.Name, l); err != nil {
				return err
			}
			for _, t := range l.Args {
				if t.Kind == TermAnonymous {
					return &ValidationError{Kind: KindMalformedRule, Rule: r.Name,
						Detail: "anonymous term in built-in constraint"}
				}
				if t.Kind == TermVariable && !bound[t.Name] {
					return &ValidationError{Kind: KindUnboundVariable, Rule: r.Name,
						Detail: fmt.Sprintf("variable %s in built-in %s has no positive occurrence", t.Name, l.Builtin)}
				}
			}
		}
	}

	for _, t := range r.Head.Terms {
		if t.Kind == TermAnonymous {
			return &ValidationError{Kind: KindMalformedRule, Rule: r.Name,
				Detail: "anonymous term in rule head"}
		}
		if t.Kind == TermVariable && !bound[t.Name] {
			return &ValidationError{Kind: KindUnboundVariable, Rule: r.Name,
				Detail: fmt.Sprintf("head variable %s has no positive occurrence", t.Name)}
		}
	}
	return nil
}

func checkBuiltinArity(rule string, l Literal) error {
	want := 2
	switch l.Builtin {
	case OpPlus, OpMinus, OpTimes:
		want = 3
	}
	if len(l.Args) != want {
		return &ValidationError{Kind: KindBuiltinArity, Rule: rule,
			Detail: fmt.Sprintf("built-in %s takes %d arguments, got %d", l.Builtin, want, len(l.Args))}
	}
	return nil
}

// depEdge is one predicate dependency. negative marks edges through
// negation or aggregation, which must cross strata.
type depEdge struct {
	to       string
	negative bool
}

// stratify builds the dependency graph over derived predicates, rejects
// cycles through negative edges, and assigns strata by layering the SCC
// condensation (negative edges force a strictly higher stratum).
func (rs *RuleSet) stratify() error {
	edges := make(map[string][]depEdge)
	for p := range rs.idb {
		edges[p] = nil
	}
	addEdge := func(from, to string, negative bool) {
		if !rs.idb[to] {
			// Extensional input, complete before stratum 0 begins.
			return
		}
		edges[from] = append(edges[from], depEdge{to: to, negative: negative})
	}
	for i := range rs.rules {
		head := rs.rules[i].Head.Predicate
		for _, l := range rs.rules[i].Body {
			switch l.Kind {
			case LiteralAtom:
				addEdge(head, l.Atom.Predicate, false)
			case LiteralNegated:
				addEdge(head, l.Atom.Predicate, true)
			case LiteralAggregate:
				addEdge(head, l.Aggregate.Body.Predicate, true)
			}
		}
	}

	sccs := tarjan(edges)

	// Tarjan emits components after all their successors, so dependencies
	// of a component are already assigned when it is visited.
	compOf := make(map[string]int, len(edges))
	for ci, comp := range sccs {
		for _, p := range comp {
			compOf[p] = ci
		}
	}
	stratumOfComp := make([]int, len(sccs))
	for ci, comp := range sccs {
		s := 0
		for _, p := range comp {
			for _, e := range edges[p] {
				if compOf[e.to] == ci {
					if e.negative {
						return &ValidationError{Kind: KindStratification, Predicates: comp,
							Detail: "recursion through negation or aggregation"}
					}
					continue
				}
				dep := stratumOfComp[compOf[e.to]]
				if e.negative {
					dep++
				}
				if dep > s {
					s = dep
				}
			}
		}
		stratumOfComp[ci] = s
	}

	maxStratum := 0
	for _, s := range stratumOfComp {
		if s > maxStratum {
			maxStratum = s
		}
	}
	rs.strata = make([][]string, maxStratum+1)
	if len(sccs) == 0 {
		rs.strata = nil
	}
	for ci, comp := range sccs {
		s := stratumOfComp[ci]
		for _, p := range comp {
			rs.stratumOf[p] = s
			rs.strata[s] = append(rs.strata[s], p)
		}
	}
	return nil
}

// tarjan computes strongly connected components over the dependency
// graph. Components are emitted successors-first (reverse topological
// order of the condensation). Iterative to keep deep rule chains off the
// call stack.
func tarjan(edges map[string][]depEdge) [][]string {
	type frame struct {
		node string
		edge int
	}
	index := make(map[string]int, len(edges))
	lowlink := make(map[string]int, len(edges))
	onStack := make(map[string]bool, len(edges))
	var stack []string
	var sccs [][]string
	next := 0

	// Sorted roots keep strata ordering stable across constructions of
	// the same rule set.
	nodes := make([]string, 0, len(edges))
	for p := range edges {
		nodes = append(nodes, p)
	}
	sort.Strings(nodes)

	for _, root := range nodes {
		if _, seen := index[root]; seen {
			continue
		}
		frames := []frame{{node: root}}
		index[root] = next
		lowlink[root] = next
		next++
		stack = append(stack, root)
		onStack[root] = true

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			if f.edge < len(edges[f.node]) {
				to := edges[f.node][f.edge].to
				f.edge++
				if _, seen := index[to]; !seen {
					index[to] = next
					lowlink[to] = next
					next++
					stack = append(stack, to)
					onStack[to] = true
					frames = append(frames, frame{node: to})
				} else if onStack[to] && index[to] < lowlink[f.node] {
					lowlink[f.node] = index[to]
				}
				continue
			}
			// Node finished: pop component root, propagate lowlink.
			if lowlink[f.node] == index[f.node] {
				var comp []string
				for {
					n := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[n] = false
					comp = append(comp, n)
					if n == f.node {
						break
					}
				}
				sccs = append(sccs, comp)
			}
			done := f.node
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := &frames[len(frames)-1]
				if lowlink[done] < lowlink[parent.node] {
					lowlink[parent.node] = lowlink[done]
				}
			}
		}
	}
	return sccs
}
