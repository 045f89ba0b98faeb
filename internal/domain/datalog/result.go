package datalog

import (
	"github.com/rune-labs/rune/internal/domain/fact"
	"github.com/rune-labs/rune/internal/domain/rules"
)

// Result is the read-only derived-relation view produced by Eval. It
// layers the derived relations over the snapshot the evaluation ran
// against; predicates never touched by a rule resolve to their stored
// facts.
type Result struct {
	snap      *fact.Snapshot
	rs        *rules.RuleSet
	relations map[string]*relation
}

// Get returns the facts of a predicate: derived tuples for intensional
// predicates, stored facts otherwise.
func (r *Result) Get(predicate string) []fact.Fact {
	if rel, ok := r.relations[predicate]; ok {
		out := make([]fact.Fact, rel.size())
		for i, t := range rel.tuples {
			out[i] = fact.New(predicate, t...)
		}
		return out
	}
	return r.snap.Get(predicate)
}

// Holds reports whether a ground atom is derivable (or stored, for
// extensional predicates).
func (r *Result) Holds(a rules.Atom) bool {
	return len(r.Query(a)) > 0
}

// Query matches an atom against the result and returns one binding row
// per matching tuple. Constants in the atom filter; variables bind; the
// anonymous term matches without binding. Rows are independent maps.
func (r *Result) Query(a rules.Atom) []bindings {
	var rows []bindings
	r.match(a, func(b bindings, _ string) {
		row := make(bindings, len(b))
		for k, v := range b {
			row[k] = v
		}
		rows = append(rows, row)
	})
	return rows
}

// MatchedRules returns the deduplicated names of rules that derived a
// tuple matching the atom, in derivation order. Extensional matches
// contribute no names.
func (r *Result) MatchedRules(a rules.Atom) []string {
	var names []string
	seen := map[string]bool{}
	r.match(a, func(_ bindings, rule string) {
		if rule == "" || seen[rule] {
			return
		}
		seen[rule] = true
		names = append(names, rule)
	})
	return names
}

func (r *Result) match(a rules.Atom, fn func(b bindings, rule string)) {
	rel, ok := r.relations[a.Predicate]
	if !ok {
		// Extensional predicate no rule body mentions: read the
		// snapshot directly.
		rel = newRelation(defaultListThreshold)
		for _, f := range r.snap.Get(a.Predicate) {
			rel.insert(f.Args, "")
		}
	}
	b := make(bindings)
	for i, t := range rel.tuples {
		if len(t) != len(a.Terms) {
			continue
		}
		var added []string
		ok := true
		for j, term := range a.Terms {
			name, matched := bindTerm(b, term, t[j])
			if !matched {
				ok = false
				break
			}
			if name != "" {
				added = append(added, name)
			}
		}
		if ok {
			fn(b, rel.prov[i])
		}
		for _, name := range added {
			delete(b, name)
		}
	}
}

// Bindings is the exported row type returned by Query.
type Bindings = bindings

// Lookup returns the value bound to a variable in a query row.
func (b Bindings) Lookup(name string) (fact.Value, bool) {
	v, ok := b[name]
	return v, ok
}
