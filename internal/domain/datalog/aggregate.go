package datalog

import (
	"github.com/cespare/xxhash/v2"

	"github.com/rune-labs/rune/internal/domain/fact"
	"github.com/rune-labs/rune/internal/domain/rules"
)

func (e *evaluation) applyAggregates(cr compiledRule, i int, b bindings, cont func() error) error {
	if i == len(cr.aggregates) {
		return cont()
	}
	return e.evalAggregate(cr.aggregates[i], b, func() error {
		return e.applyAggregates(cr, i+1, b, cont)
	})
}

// aggGroup is one group of aggregate input: the values of the unbound
// group-by variables plus the multiset of aggregated-variable bindings.
type aggGroup struct {
	key  []fact.Value
	vals []fact.Value
}

// evalAggregate evaluates `Result = op(Var : Atom)` under the current
// bindings. The inner atom reads a strictly lower stratum, so its
// relation is complete. Inner variables other than Var that are unbound
// act as group-by keys; cont runs once per group with the keys and the
// aggregate result bound. An empty input yields 0 for count and sum and
// suppresses the rule instance for min, max, and mean.
func (e *evaluation) evalAggregate(g *rules.Aggregate, b bindings, cont func() error) error {
	rel := e.rel(g.Body.Predicate)

	var groupVars []string
	seenVar := map[string]bool{}
	for _, t := range g.Body.Terms {
		if t.Kind != rules.TermVariable || t.Name == g.Var || seenVar[t.Name] {
			continue
		}
		if _, bound := b[t.Name]; bound {
			continue
		}
		seenVar[t.Name] = true
		groupVars = append(groupVars, t.Name)
	}

	groups := make(map[uint64][]int)
	var order []aggGroup
	collect := func(t []fact.Value) bool {
		if len(t) != len(g.Body.Terms) {
			return true
		}
		var added []string
		ok := true
		for i, term := range g.Body.Terms {
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
			key := make([]fact.Value, len(groupVars))
			for i, name := range groupVars {
				key[i] = b[name]
			}
			// Validation guarantees Var occurs in the body atom, so a
			// successful match always leaves it bound.
			varVal := b[g.Var]
			h := xxhash.New()
			for i := range key {
				key[i].HashInto(h)
			}
			sum := h.Sum64()
			gi := -1
			for _, idx := range groups[sum] {
				if tupleEqual(order[idx].key, key) {
					gi = idx
					break
				}
			}
			if gi < 0 {
				gi = len(order)
				order = append(order, aggGroup{key: key})
				groups[sum] = append(groups[sum], gi)
			}
			order[gi].vals = append(order[gi].vals, varVal)
		}
		for _, name := range added {
			delete(b, name)
		}
		return true
	}
	rel.scan(collect)

	emitGroup := func(grp aggGroup) error {
		result, fires, err := applyAggregateOp(g.Op, grp.vals)
		if err != nil || !fires {
			return err
		}
		var added []string
		for i, name := range groupVars {
			b[name] = grp.key[i]
			added = append(added, name)
		}
		ok := true
		if cur, bound := b[g.Result]; bound {
			ok = cur.Equal(result)
		} else {
			b[g.Result] = result
			added = append(added, g.Result)
		}
		if ok {
			err = cont()
		}
		for _, name := range added {
			delete(b, name)
		}
		return err
	}

	if len(groupVars) == 0 {
		grp := aggGroup{}
		if len(order) > 0 {
			grp = order[0]
		}
		return emitGroup(grp)
	}
	for _, grp := range order {
		if err := emitGroup(grp); err != nil {
			return err
		}
	}
	return nil
}

// applyAggregateOp folds the multiset of aggregated values. fires is
// false when an empty input suppresses the rule instance.
func applyAggregateOp(op rules.AggregateOp, vals []fact.Value) (result fact.Value, fires bool, err error) {
	switch op {
	case rules.AggCount:
		return fact.Int(int64(len(vals))), true, nil

	case rules.AggSum, rules.AggMean:
		var total int64
		for _, v := range vals {
			if v.Kind() != fact.KindInt {
				return fact.Value{}, false, evalErrf("%s over non-integer value %s", op, v)
			}
			var ok bool
			total, ok = addChecked(total, v.Num())
			if !ok {
				return fact.Value{}, false, evalErrf("integer overflow in %s", op)
			}
		}
		if op == rules.AggSum {
			return fact.Int(total), true, nil
		}
		if len(vals) == 0 {
			return fact.Value{}, false, nil
		}
		return fact.Int(total / int64(len(vals))), true, nil

	case rules.AggMin, rules.AggMax:
		if len(vals) == 0 {
			return fact.Value{}, false, nil
		}
		best := vals[0]
		for _, v := range vals[1:] {
			c, cerr := v.Compare(best)
			if cerr != nil {
				return fact.Value{}, false, evalErrf("%s: %v", op, cerr)
			}
			if (op == rules.AggMin && c < 0) || (op == rules.AggMax && c > 0) {
				best = v
			}
		}
		return best, true, nil
	}
	return fact.Value{}, false, evalErrf("unknown aggregate %d", op)
}
