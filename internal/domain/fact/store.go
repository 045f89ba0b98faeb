package fact

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// relation is the immutable per-predicate state inside a store snapshot.
// facts is append-only; index maps structural hashes to positions for
// duplicate coalescing (collisions fall back to structural comparison).
type relation struct {
	facts []Fact
	index map[uint64][]int
}

func (r *relation) contains(f Fact, h uint64) bool {
	for _, i := range r.index[h] {
		if r.facts[i].Equal(f) {
			return true
		}
	}
	return false
}

// storeState is one immutable generation of the store. Writers build a
// new generation and publish it with a single atomic store; readers that
// captured an older generation keep iterating it untouched.
type storeState struct {
	version   uint64
	relations map[string]*relation
}

// Store holds ground facts indexed by predicate. Reads are lock-free:
// a reader loads the current generation once and iterates that snapshot.
// Writers serialize on a mutex, copy the touched relations, and publish
// the next generation atomically. Old generations are reclaimed by the
// garbage collector once the last snapshot referencing them is dropped.
type Store struct {
	mu    sync.Mutex // writers only
	state atomic.Pointer[storeState]
}

// NewStore creates an empty fact store at version 0.
func NewStore() *Store {
	s := &Store{}
	s.state.Store(&storeState{relations: map[string]*relation{}})
	return s
}

// Insert appends a single fact and returns the post-insert version.
// A structurally equal fact that is already present is coalesced; the
// version still advances (the insert batch was observed).
func (s *Store) Insert(f Fact) (uint64, error) {
	return s.InsertMany([]Fact{f})
}

// InsertMany appends a batch of facts with set semantics per predicate
// and returns the post-insert version. The whole batch becomes visible
// to readers atomically. Structural violations reject the entire batch.
func (s *Store) InsertMany(facts []Fact) (uint64, error) {
	for i := range facts {
		if err := facts[i].Validate(); err != nil {
			return s.Version(), fmt.Errorf("fact %s: %w", facts[i].Predicate, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Load()
	next := &storeState{
		version:   cur.version + 1,
		relations: make(map[string]*relation, len(cur.relations)+1),
	}
	for p, r := range cur.relations {
		next.relations[p] = r
	}

	// Copy-on-write per touched predicate: the first write to a
	// predicate in this batch clones its fact slice and index.
	touched := make(map[string]*relation)
	for _, f := range facts {
		r := touched[f.Predicate]
		if r == nil {
			old := next.relations[f.Predicate]
			r = &relation{}
			if old != nil {
				r.facts = make([]Fact, len(old.facts), len(old.facts)+1)
				copy(r.facts, old.facts)
				r.index = make(map[uint64][]int, len(old.index)+1)
				for h, idxs := range old.index {
					r.index[h] = idxs
				}
			} else {
				r.index = make(map[uint64][]int, 1)
			}
			touched[f.Predicate] = r
			next.relations[f.Predicate] = r
		}
		h := f.Hash()
		if r.contains(f, h) {
			continue
		}
		r.index[h] = append(append([]int(nil), r.index[h]...), len(r.facts))
		r.facts = append(r.facts, f)
	}

	s.state.Store(next)
	return next.version, nil
}

// Get returns the current fact list for a predicate. The returned slice
// is an immutable snapshot: it stays stable even if a writer appends
// concurrently. Unknown predicates yield nil.
func (s *Store) Get(predicate string) []Fact {
	r := s.state.Load().relations[predicate]
	if r == nil {
		return nil
	}
	return r.facts
}

// Version returns the monotonically increasing insert-batch counter.
func (s *Store) Version() uint64 {
	return s.state.Load().version
}

// Snapshot captures the current generation. All reads through the
// snapshot observe a single consistent state across predicates.
func (s *Store) Snapshot() *Snapshot {
	return &Snapshot{state: s.state.Load()}
}

// Snapshot is a stable, read-only view of the store at one generation.
type Snapshot struct {
	state *storeState
}

// Get returns the snapshot's fact list for a predicate (nil if absent).
func (s *Snapshot) Get(predicate string) []Fact {
	r := s.state.relations[predicate]
	if r == nil {
		return nil
	}
	return r.facts
}

// Version returns the generation's version counter.
func (s *Snapshot) Version() uint64 { return s.state.version }

// Predicates returns the predicate names present in the snapshot.
func (s *Snapshot) Predicates() []string {
	out := make([]string, 0, len(s.state.relations))
	for p := range s.state.relations {
		out = append(out, p)
	}
	return out
}

// All calls fn for every fact in the snapshot, grouped by predicate.
// Used by evaluator bootstrap and full-scan consumers.
func (s *Snapshot) All(fn func(Fact)) {
	for _, r := range s.state.relations {
		for i := range r.facts {
			fn(r.facts[i])
		}
	}
}
