package fact

import (
	"errors"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fact is a predicate name applied to an ordered tuple of ground values.
// Facts are immutable after construction; equality is structural.
type Fact struct {
	Predicate string
	Args      []Value
}

// New constructs a fact. The argument slice is captured as-is; callers
// must not mutate it afterwards.
func New(predicate string, args ...Value) Fact {
	return Fact{Predicate: predicate, Args: args}
}

// Equal reports structural equality of predicate and tuple.
func (f Fact) Equal(o Fact) bool {
	if f.Predicate != o.Predicate || len(f.Args) != len(o.Args) {
		return false
	}
	for i := range f.Args {
		if !f.Args[i].Equal(o.Args[i]) {
			return false
		}
	}
	return true
}

// Hash returns a stable structural hash over predicate and tuple.
func (f Fact) Hash() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(f.Predicate)
	_, _ = d.Write([]byte{0})
	for i := range f.Args {
		f.Args[i].HashInto(d)
	}
	return d.Sum64()
}

// Validate checks the fact is storable: non-empty predicate name and
// structurally well-formed arguments.
func (f Fact) Validate() error {
	if f.Predicate == "" {
		return errors.New("fact has empty predicate name")
	}
	for i := range f.Args {
		if err := f.Args[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// String renders the fact in rule-source notation.
func (f Fact) String() string {
	var b strings.Builder
	b.WriteString(f.Predicate)
	b.WriteByte('(')
	for i := range f.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.Args[i].String())
	}
	b.WriteByte(')')
	return b.String()
}
