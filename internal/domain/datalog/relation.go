// Package datalog implements the interpreted bottom-up semi-naive
// evaluator over a stratified RuleSet layered on a fact-store snapshot.
package datalog

import (
	"github.com/cespare/xxhash/v2"

	"github.com/rune-labs/rune/internal/domain/fact"
)

// tupleHash is the structural hash of a ground tuple.
func tupleHash(t []fact.Value) uint64 {
	d := xxhash.New()
	for i := range t {
		t[i].HashInto(d)
	}
	return d.Sum64()
}

// relation holds the tuples of one predicate during evaluation. Small
// relations stay in plain list form and are scanned linearly; once a
// relation outgrows the configured threshold it promotes itself to a
// first-column hash index for keyed lookup. Promotion changes lookup
// cost only, never semantics.
type relation struct {
	tuples [][]fact.Value
	prov   []string         // deriving rule name per tuple; "" for extensional tuples
	seen   map[uint64][]int // structural hash -> tuple positions
	index  map[uint64][]int // first-column hash -> tuple positions, nil until promoted
	limit  int              // list-backend threshold
}

func newRelation(listThreshold int) *relation {
	return &relation{seen: make(map[uint64][]int), limit: listThreshold}
}

func (r *relation) size() int { return len(r.tuples) }

// contains reports structural membership.
func (r *relation) contains(t []fact.Value) bool {
	return r.position(t) >= 0
}

func (r *relation) position(t []fact.Value) int {
	for _, i := range r.seen[tupleHash(t)] {
		if tupleEqual(r.tuples[i], t) {
			return i
		}
	}
	return -1
}

// insert adds a tuple if not already present and reports whether it was
// new. rule names the deriving rule ("" for extensional input).
func (r *relation) insert(t []fact.Value, rule string) bool {
	h := tupleHash(t)
	for _, i := range r.seen[h] {
		if tupleEqual(r.tuples[i], t) {
			return false
		}
	}
	pos := len(r.tuples)
	r.tuples = append(r.tuples, t)
	r.prov = append(r.prov, rule)
	r.seen[h] = append(r.seen[h], pos)
	if r.index != nil {
		if len(t) > 0 {
			k := t[0].Hash()
			r.index[k] = append(r.index[k], pos)
		}
	} else if len(r.tuples) > r.limit {
		r.promote()
	}
	return true
}

// promote builds the first-column index once the relation outgrows the
// list threshold.
func (r *relation) promote() {
	r.index = make(map[uint64][]int, len(r.tuples))
	for i, t := range r.tuples {
		if len(t) == 0 {
			continue
		}
		k := t[0].Hash()
		r.index[k] = append(r.index[k], i)
	}
}

// scanFirst calls fn for every tuple whose first column equals v, using
// the index when available. fn returning false stops the scan.
func (r *relation) scanFirst(v fact.Value, fn func(t []fact.Value) bool) {
	if r.index != nil {
		for _, i := range r.index[v.Hash()] {
			if r.tuples[i][0].Equal(v) && !fn(r.tuples[i]) {
				return
			}
		}
		return
	}
	for _, t := range r.tuples {
		if len(t) > 0 && t[0].Equal(v) && !fn(t) {
			return
		}
	}
}

// scan calls fn for every tuple. fn returning false stops the scan.
func (r *relation) scan(fn func(t []fact.Value) bool) {
	for _, t := range r.tuples {
		if !fn(t) {
			return
		}
	}
}

func tupleEqual(a, b []fact.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
