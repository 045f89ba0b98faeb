package policy

import (
	"fmt"
	"log/slog"

	celgo "github.com/google/cel-go/cel"

	"github.com/rune-labs/rune/internal/domain/decision"
	"github.com/rune-labs/rune/internal/domain/fact"
)

// Bridge predicates: entity attributes and hierarchy edges live in the
// fact store alongside rule facts.
const (
	// AttributePredicate holds attribute(entity_id, name, value) facts.
	AttributePredicate = "attribute"
	// ParentPredicate holds parent(entity_id, parent_id) facts.
	ParentPredicate = "parent"
)

// Verdict is the policy engine's contribution to a decision. A query-
// time error (undefined attribute, guard failure) yields Deny with Err
// set; the decision engine records the error kind.
type Verdict struct {
	Effect  decision.Effect
	Matched []string
	Err     error
}

// Evaluator evaluates a policy Set against a Request using an entity
// view assembled from the fact store. It holds no mutable state and is
// safe for concurrent use.
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator creates a policy evaluator.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// Evaluate runs every policy whose scope matches the request and whose
// guard holds. The verdict is fail-closed: any forbid match denies; no
// permit match denies; otherwise permit. Matched carries every matched
// policy identifier in declaration order.
func (e *Evaluator) Evaluate(set *Set, req *Request, snap *fact.Snapshot) Verdict {
	view := buildEntityView(req, snap)
	activation := view.activation()

	var matched []string
	var permits, forbids int
	for i := range set.policies {
		p := &set.policies[i]
		if !view.scopeMatches(p.Policy.Principal, &view.principal) ||
			!view.scopeMatches(p.Policy.Action, &view.action) ||
			!view.scopeMatches(p.Policy.Resource, &view.resource) {
			continue
		}
		ok, err := evalGuard(p, activation)
		if err != nil {
			e.logger.Debug("policy guard error",
				"policy", p.ID,
				"error", err,
			)
			return Verdict{Effect: decision.Deny, Matched: matched,
				Err: fmt.Errorf("policy %q: %w", p.ID, err)}
		}
		if !ok {
			continue
		}
		matched = append(matched, p.ID)
		if p.Effect == EffectForbid {
			forbids++
		} else {
			permits++
		}
	}

	if forbids == 0 && permits > 0 {
		return Verdict{Effect: decision.Permit, Matched: matched}
	}
	return Verdict{Effect: decision.Deny, Matched: matched}
}

// evalGuard computes when && !unless with defaulted halves.
func evalGuard(p *compiledPolicy, activation map[string]any) (bool, error) {
	if p.when != nil {
		ok, err := evalProgram(p.when, activation)
		if err != nil || !ok {
			return false, err
		}
	}
	if p.unless != nil {
		ok, err := evalProgram(p.unless, activation)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}
	return true, nil
}

func evalProgram(prg celgo.Program, activation map[string]any) (bool, error) {
	result, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("guard evaluation: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard returned %T, expected bool", result.Value())
	}
	return b, nil
}

// entityView is the per-request materialization of the four entities:
// request-carried attributes merged over stored attribute facts, plus
// the transitive ancestor set from parent facts.
type entityView struct {
	principal viewEntity
	action    viewEntity
	resource  viewEntity
	context   map[string]fact.Value
}

type viewEntity struct {
	uid       EntityUID
	attrs     map[string]fact.Value
	ancestors map[string]bool // qualified ids, including the entity itself
}

// buildEntityView assembles the view once per request. Hierarchy
// traversal is breadth-first with a visited set and is bounded by the
// number of parent facts, so cyclic parent graphs terminate.
func buildEntityView(req *Request, snap *fact.Snapshot) *entityView {
	parents := parentIndex(snap)
	v := &entityView{
		principal: materialize(req.Principal, snap, parents),
		action:    materialize(req.Action, snap, parents),
		resource:  materialize(req.Resource, snap, parents),
		context:   req.Context,
	}
	return v
}

// parentIndex indexes parent(child, parent) facts by child id.
func parentIndex(snap *fact.Snapshot) map[string][]string {
	facts := snap.Get(ParentPredicate)
	if len(facts) == 0 {
		return nil
	}
	idx := make(map[string][]string, len(facts))
	for _, f := range facts {
		if len(f.Args) != 2 ||
			f.Args[0].Kind() != fact.KindString || f.Args[1].Kind() != fact.KindString {
			continue
		}
		idx[f.Args[0].Str()] = append(idx[f.Args[0].Str()], f.Args[1].Str())
	}
	return idx
}

func materialize(e Entity, snap *fact.Snapshot, parents map[string][]string) viewEntity {
	qualified := e.UID.String()

	attrs := make(map[string]fact.Value)
	for _, f := range snap.Get(AttributePredicate) {
		if len(f.Args) != 3 ||
			f.Args[0].Kind() != fact.KindString || f.Args[1].Kind() != fact.KindString {
			continue
		}
		if f.Args[0].Str() == qualified {
			attrs[f.Args[1].Str()] = f.Args[2]
		}
	}
	// Request-carried attributes win over stored ones.
	for k, val := range e.Attributes {
		attrs[k] = val
	}

	ancestors := map[string]bool{qualified: true}
	queue := []string{qualified}
	// The frontier can never exceed the number of parent edges plus the
	// start node; the visited set makes cycles terminate.
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range parents[cur] {
			if ancestors[p] {
				continue
			}
			ancestors[p] = true
			queue = append(queue, p)
		}
	}

	return viewEntity{uid: e.UID, attrs: attrs, ancestors: ancestors}
}

// scopeMatches checks a policy scope against a materialized entity.
func (v *entityView) scopeMatches(s Scope, e *viewEntity) bool {
	if s.ID != "" && s.ID != e.uid.String() {
		return false
	}
	if s.Type != "" && s.Type != e.uid.Type {
		return false
	}
	if s.In != "" && !e.ancestors[s.In] {
		return false
	}
	return true
}

// activation converts the view into the guard environment's variable
// bindings.
func (v *entityView) activation() map[string]any {
	ctx := make(map[string]any, len(v.context))
	for k, val := range v.context {
		ctx[k] = valueToAny(val)
	}
	return map[string]any{
		"principal": v.principal.asMap(),
		"action":    v.action.asMap(),
		"resource":  v.resource.asMap(),
		"context":   ctx,
	}
}

func (e *viewEntity) asMap() map[string]any {
	attrs := make(map[string]any, len(e.attrs))
	for k, val := range e.attrs {
		attrs[k] = valueToAny(val)
	}
	ancestors := make([]string, 0, len(e.ancestors))
	for a := range e.ancestors {
		ancestors = append(ancestors, a)
	}
	return map[string]any{
		"id":        e.uid.String(),
		"type":      e.uid.Type,
		"attr":      attrs,
		"ancestors": ancestors,
	}
}

// valueToAny converts a fact value into the CEL-native representation.
func valueToAny(v fact.Value) any {
	switch v.Kind() {
	case fact.KindString:
		return v.Str()
	case fact.KindInt:
		return v.Num()
	case fact.KindBool:
		return v.IsTrue()
	default:
		elems := v.Elems()
		out := make([]any, len(elems))
		for i := range elems {
			out[i] = valueToAny(elems[i])
		}
		return out
	}
}
