package datalog

import (
	"github.com/rune-labs/rune/internal/domain/fact"
	"github.com/rune-labs/rune/internal/domain/rules"
)

// Options bound the evaluator's resource use. Zero values select the
// defaults.
type Options struct {
	// MaxIterations is the hard bound on fixpoint rounds per stratum.
	MaxIterations int
	// ListThreshold is the tuple count above which a relation promotes
	// from the linear-scan list backend to the indexed backend.
	ListThreshold int
	// MaxDerivedFacts bounds the total number of derived tuples.
	MaxDerivedFacts int
}

const (
	defaultMaxIterations   = 10_000
	defaultListThreshold   = 100
	defaultMaxDerivedFacts = 1_000_000
)

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = defaultMaxIterations
	}
	if o.ListThreshold <= 0 {
		o.ListThreshold = defaultListThreshold
	}
	if o.MaxDerivedFacts <= 0 {
		o.MaxDerivedFacts = defaultMaxDerivedFacts
	}
	return o
}

// Eval computes the stratified least fixpoint of rs over the given
// store snapshot and returns a read-only view of the derived relations.
// The snapshot is never mutated; evaluating twice against identical
// inputs yields identical results.
func Eval(rs *rules.RuleSet, snap *fact.Snapshot, opts Options) (*Result, error) {
	e := &evaluation{
		rs:        rs,
		snap:      snap,
		opts:      opts.withDefaults(),
		relations: make(map[string]*relation),
	}
	for _, stratum := range rs.Strata() {
		if err := e.evalStratum(stratum); err != nil {
			return nil, err
		}
	}
	return &Result{snap: snap, rs: rs, relations: e.relations}, nil
}

type bindings map[string]fact.Value

type evaluation struct {
	rs        *rules.RuleSet
	snap      *fact.Snapshot
	opts      Options
	relations map[string]*relation
	derived   int
}

// rel returns the working relation for a predicate, loading extensional
// contents from the snapshot on first use. Derived predicates start
// empty and fill as their stratum evaluates.
func (e *evaluation) rel(predicate string) *relation {
	if r, ok := e.relations[predicate]; ok {
		return r
	}
	r := newRelation(e.opts.ListThreshold)
	if !e.rs.IsIDB(predicate) {
		for _, f := range e.snap.Get(predicate) {
			r.insert(f.Args, "")
		}
	}
	e.relations[predicate] = r
	return r
}

// compiledRule is a rule split into its evaluation pipeline: positive
// atoms joined left to right, then aggregates, then negations and
// built-in filters in source order.
type compiledRule struct {
	rule       *rules.Rule
	positives  []rules.Atom
	aggregates []*rules.Aggregate
	filters    []rules.Literal
}

func compile(r *rules.Rule) compiledRule {
	cr := compiledRule{rule: r}
	for i := range r.Body {
		l := r.Body[i]
		switch l.Kind {
		case rules.LiteralAtom:
			cr.positives = append(cr.positives, l.Atom)
		case rules.LiteralAggregate:
			cr.aggregates = append(cr.aggregates, l.Aggregate)
		default:
			cr.filters = append(cr.filters, l)
		}
	}
	return cr
}

// evalStratum runs the semi-naive fixpoint for one stratum. Round zero
// applies every rule naively; subsequent rounds require at least one
// positive literal to read the previous round's delta, which excludes
// re-derivations from strictly older rounds.
func (e *evaluation) evalStratum(preds []string) error {
	inStratum := make(map[string]bool, len(preds))
	var crs []compiledRule
	for _, p := range preds {
		inStratum[p] = true
		// Materialize the head relation even if no derivation fires.
		e.rel(p)
	}
	all := e.rs.Rules()
	for _, p := range preds {
		for _, i := range e.rs.RulesFor(p) {
			crs = append(crs, compile(&all[i]))
		}
	}

	delta := make(map[string]*relation)
	emit := func(head string, tuple []fact.Value, rule string) error {
		if !e.rel(head).insert(tuple, rule) {
			return nil
		}
		e.derived++
		if e.derived > e.opts.MaxDerivedFacts {
			return resourceErrf("derived fact limit of %d exceeded", e.opts.MaxDerivedFacts)
		}
		d := delta[head]
		if d == nil {
			d = newRelation(e.opts.ListThreshold)
			delta[head] = d
		}
		d.insert(tuple, rule)
		return nil
	}

	for _, cr := range crs {
		if err := e.applyRule(cr, -1, nil, emit); err != nil {
			return err
		}
	}

	for round := 1; anyNonEmpty(delta); round++ {
		if round > e.opts.MaxIterations {
			return resourceErrf("fixpoint did not converge within %d rounds", e.opts.MaxIterations)
		}
		prev := delta
		delta = make(map[string]*relation)
		for _, cr := range crs {
			for i := range cr.positives {
				if !inStratum[cr.positives[i].Predicate] {
					continue
				}
				if prev[cr.positives[i].Predicate] == nil {
					continue
				}
				if err := e.applyRule(cr, i, prev, emit); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func anyNonEmpty(m map[string]*relation) bool {
	for _, r := range m {
		if r != nil && r.size() > 0 {
			return true
		}
	}
	return false
}

// applyRule derives head tuples for one rule. When deltaPos >= 0, the
// positive literal at that index reads the previous round's delta view
// while all others read the full relations.
func (e *evaluation) applyRule(cr compiledRule, deltaPos int, delta map[string]*relation, emit func(string, []fact.Value, string) error) error {
	b := make(bindings)
	return e.joinPositives(cr, 0, deltaPos, delta, b, func() error {
		return e.applyAggregates(cr, 0, b, func() error {
			ok, err := e.applyFilters(cr, b)
			if err != nil || !ok {
				return err
			}
			head := cr.rule.Head
			tuple := make([]fact.Value, len(head.Terms))
			for i, t := range head.Terms {
				v, ok := groundTerm(b, t)
				if !ok {
					return evalErrf("head variable %s unbound in rule %s", t.Name, cr.rule.Name)
				}
				tuple[i] = v
			}
			return emit(head.Predicate, tuple, cr.rule.Name)
		})
	})
}

// joinPositives walks the positive-atom pipeline left to right,
// extending the binding environment per matching tuple.
func (e *evaluation) joinPositives(cr compiledRule, i, deltaPos int, delta map[string]*relation, b bindings, cont func() error) error {
	if i == len(cr.positives) {
		return cont()
	}
	view := e.rel(cr.positives[i].Predicate)
	if i == deltaPos {
		view = delta[cr.positives[i].Predicate]
	}
	return e.matchAtom(cr.positives[i], view, b, func() error {
		return e.joinPositives(cr, i+1, deltaPos, delta, b, cont)
	})
}

// matchAtom unifies an atom against a relation under the current
// bindings, calling cont once per match with the bindings extended.
// Bindings added for a match are removed before trying the next tuple.
func (e *evaluation) matchAtom(a rules.Atom, rel *relation, b bindings, cont func() error) error {
	if rel == nil || rel.size() == 0 {
		return nil
	}
	var err error
	tryTuple := func(t []fact.Value) bool {
		if len(t) != len(a.Terms) {
			return true
		}
		var added []string
		ok := true
		for i, term := range a.Terms {
			name, matched := bindTerm(b, term, t[i])
			if !matched {
				ok = false
				break
			}
			if name != "" {
				added = append(added, name)
			}
		}
		if ok {
			err = cont()
		}
		for _, name := range added {
			delete(b, name)
		}
		return err == nil
	}

	if len(a.Terms) > 0 {
		if v, ok := groundTerm(b, a.Terms[0]); ok {
			rel.scanFirst(v, tryTuple)
			return err
		}
	}
	rel.scan(tryTuple)
	return err
}

// matchExists reports whether any tuple in rel unifies with the atom
// under the current bindings. No bindings are retained.
func (e *evaluation) matchExists(a rules.Atom, rel *relation, b bindings) bool {
	found := false
	probe := func(t []fact.Value) bool {
		if len(t) != len(a.Terms) {
			return true
		}
		var added []string
		ok := true
		for i, term := range a.Terms {
			name, matched := bindTerm(b, term, t[i])
			if !matched {
				ok = false
				break
			}
			if name != "" {
				added = append(added, name)
			}
		}
		for _, name := range added {
			delete(b, name)
		}
		if ok {
			found = true
			return false
		}
		return true
	}
	if rel == nil {
		return false
	}
	if len(a.Terms) > 0 {
		if v, ok := groundTerm(b, a.Terms[0]); ok {
			rel.scanFirst(v, probe)
			return found
		}
	}
	rel.scan(probe)
	return found
}

// applyFilters evaluates negations and built-ins in source order.
// Range restriction guarantees every variable they mention is bound.
func (e *evaluation) applyFilters(cr compiledRule, b bindings) (bool, error) {
	for _, l := range cr.filters {
		switch l.Kind {
		case rules.LiteralNegated:
			if e.matchExists(l.Atom, e.rel(l.Atom.Predicate), b) {
				return false, nil
			}
		case rules.LiteralBuiltin:
			args := make([]fact.Value, len(l.Args))
			for i, t := range l.Args {
				v, ok := groundTerm(b, t)
				if !ok {
					return false, evalErrf("unbound variable %s in built-in %s", t.Name, l.Builtin)
				}
				args[i] = v
			}
			ok, err := evalBuiltin(l.Builtin, args)
			if err != nil || !ok {
				return false, err
			}
		}
	}
	return true, nil
}

// groundTerm resolves a term to a value under the bindings. Anonymous
// and unbound-variable terms are not ground.
func groundTerm(b bindings, t rules.Term) (fact.Value, bool) {
	switch t.Kind {
	case rules.TermConstant:
		return t.Value, true
	case rules.TermVariable:
		v, ok := b[t.Name]
		return v, ok
	default:
		return fact.Value{}, false
	}
}

// bindTerm matches one atom term against one tuple value. It returns
// the variable name it newly bound ("" if none) and whether the match
// succeeded.
func bindTerm(b bindings, t rules.Term, v fact.Value) (string, bool) {
	switch t.Kind {
	case rules.TermConstant:
		return "", t.Value.Equal(v)
	case rules.TermAnonymous:
		return "", true
	default:
		if cur, ok := b[t.Name]; ok {
			return "", cur.Equal(v)
		}
		b[t.Name] = v
		return t.Name, true
	}
}
