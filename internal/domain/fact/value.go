// Package fact contains the ground-tuple data model and the concurrent
// fact store the rule evaluator reads from.
package fact

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	// KindString is an immutable string value.
	KindString Kind = iota
	// KindInt is a 64-bit signed integer value.
	KindInt
	// KindBool is a boolean value.
	KindBool
	// KindList is a homogeneous sequence of values.
	KindList
)

// String returns the kind name for error messages.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	default:
		return "invalid"
	}
}

// Value is a tagged variant: string, 64-bit integer, boolean, or a
// homogeneous list of values. Values are immutable and compared
// structurally; sharing never affects equality.
type Value struct {
	kind Kind
	str  string
	num  int64 // integer payload; booleans are stored as 0/1
	list []Value
}

// String constructs a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int constructs an integer value.
func Int(i int64) Value { return Value{kind: KindInt, num: i} }

// Bool constructs a boolean value.
func Bool(b bool) Value {
	var n int64
	if b {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

// List constructs a list value. The elements are captured as-is; callers
// must not mutate the slice afterwards. Homogeneity is checked at store
// insert time via Validate.
func List(elems ...Value) Value { return Value{kind: KindList, list: elems} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload. Valid only for KindString.
func (v Value) Str() string { return v.str }

// Num returns the integer payload. Valid only for KindInt.
func (v Value) Num() int64 { return v.num }

// IsTrue returns the boolean payload. Valid only for KindBool.
func (v Value) IsTrue() bool { return v.num != 0 }

// Elems returns the list payload. Valid only for KindList. The returned
// slice is shared and must not be mutated.
func (v Value) Elems() []Value { return v.list }

// Equal reports structural equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindInt, KindBool:
		return v.num == o.num
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Compare orders two values of the same kind: integers numerically,
// strings lexicographically, booleans false before true, lists
// lexicographically by element. Cross-kind comparison is a type error.
func (v Value) Compare(o Value) (int, error) {
	if v.kind != o.kind {
		return 0, fmt.Errorf("cannot compare %s with %s", v.kind, o.kind)
	}
	switch v.kind {
	case KindString:
		return strings.Compare(v.str, o.str), nil
	case KindInt, KindBool:
		switch {
		case v.num < o.num:
			return -1, nil
		case v.num > o.num:
			return 1, nil
		default:
			return 0, nil
		}
	case KindList:
		n := min(len(v.list), len(o.list))
		for i := 0; i < n; i++ {
			c, err := v.list[i].Compare(o.list[i])
			if err != nil || c != 0 {
				return c, err
			}
		}
		return len(v.list) - len(o.list), nil
	default:
		return 0, errors.New("invalid value")
	}
}

// Hash returns a stable structural hash. Equal values hash identically
// regardless of how they were constructed or shared.
func (v Value) Hash() uint64 {
	d := xxhash.New()
	v.HashInto(d)
	return d.Sum64()
}

// HashInto feeds the value's canonical encoding into an xxhash digest.
// Each variant is prefixed with its kind tag so ("1" as string) and
// (1 as int) hash differently.
func (v Value) HashInto(d *xxhash.Digest) {
	var buf [9]byte
	buf[0] = byte(v.kind)
	switch v.kind {
	case KindString:
		_, _ = d.Write(buf[:1])
		_, _ = d.WriteString(v.str)
		_, _ = d.Write([]byte{0})
	case KindInt, KindBool:
		n := uint64(v.num)
		for i := 0; i < 8; i++ {
			buf[1+i] = byte(n >> (8 * i))
		}
		_, _ = d.Write(buf[:9])
	case KindList:
		_, _ = d.Write(buf[:1])
		for i := range v.list {
			v.list[i].HashInto(d)
		}
		_, _ = d.Write([]byte{0xff})
	}
}

// Validate checks structural well-formedness: every list must be
// homogeneous, recursively.
func (v Value) Validate() error {
	if v.kind != KindList {
		return nil
	}
	for i := range v.list {
		if err := v.list[i].Validate(); err != nil {
			return err
		}
		if i > 0 && v.list[i].kind != v.list[0].kind {
			return fmt.Errorf("non-homogeneous list: element %d is %s, expected %s",
				i, v.list[i].kind, v.list[0].kind)
		}
	}
	return nil
}

// String renders the value in rule-source notation.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.str)
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindBool:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case KindList:
		var b strings.Builder
		b.WriteByte('[')
		for i := range v.list {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(v.list[i].String())
		}
		b.WriteByte(']')
		return b.String()
	default:
		return "<invalid>"
	}
}
