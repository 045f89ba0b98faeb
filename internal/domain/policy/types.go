// Package policy contains the declarative permit/forbid policy model,
// the entity view bridged from facts, and the policy evaluator.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	celgo "github.com/google/cel-go/cel"

	celeval "github.com/rune-labs/rune/internal/adapter/outbound/cel"
	"github.com/rune-labs/rune/internal/domain/fact"
)

// Effect is a policy's effect.
type Effect string

const (
	// EffectPermit allows matching requests.
	EffectPermit Effect = "permit"
	// EffectForbid blocks matching requests and overrides any permit.
	EffectForbid Effect = "forbid"
)

// Scope restricts which entities a policy applies to. Empty fields
// match anything; set fields must all hold.
type Scope struct {
	// ID matches the exact type-qualified identifier ("user::alice").
	ID string `yaml:"id"`
	// Type matches the entity type ("user").
	Type string `yaml:"type"`
	// In matches the entity itself or any transitive ancestor through
	// the parent hierarchy ("group::engineering").
	In string `yaml:"in"`
}

func (s Scope) render() string {
	return fmt.Sprintf("id=%s type=%s in=%s", s.ID, s.Type, s.In)
}

// Policy is one permit or forbid declaration. When and Unless are CEL
// guard expressions over principal/action/resource/context; an empty
// When defaults to true and an empty Unless to false.
type Policy struct {
	ID        string `yaml:"id"`
	Effect    Effect `yaml:"effect"`
	Principal Scope  `yaml:"principal"`
	Action    Scope  `yaml:"action"`
	Resource  Scope  `yaml:"resource"`
	When      string `yaml:"when"`
	Unless    string `yaml:"unless"`
}

// compiledPolicy carries the pre-compiled guard programs. Programs are
// nil for the defaulted guards.
type compiledPolicy struct {
	Policy
	when   celgo.Program
	unless celgo.Program
}

// Set is an immutable collection of compiled policies. Construction
// performs all parsing and guard compilation; query time never sees a
// compile error.
type Set struct {
	policies    []compiledPolicy
	fingerprint uint64
}

// NewSet compiles policies into an immutable Set. Policies must have
// unique non-empty identifiers, a valid effect, and compilable guards.
func NewSet(policies []Policy) (*Set, error) {
	ev, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("guard evaluator: %w", err)
	}

	s := &Set{policies: make([]compiledPolicy, 0, len(policies))}
	ids := make(map[string]bool, len(policies))
	for i, p := range policies {
		if p.ID == "" {
			return nil, fmt.Errorf("policy %d: missing id", i)
		}
		if ids[p.ID] {
			return nil, fmt.Errorf("policy %q: duplicate id", p.ID)
		}
		ids[p.ID] = true
		if p.Effect != EffectPermit && p.Effect != EffectForbid {
			return nil, fmt.Errorf("policy %q: effect must be permit or forbid, got %q", p.ID, p.Effect)
		}
		cp := compiledPolicy{Policy: p}
		if p.When != "" {
			if err := ev.ValidateExpression(p.When); err != nil {
				return nil, fmt.Errorf("policy %q: when: %w", p.ID, err)
			}
			if cp.when, err = ev.Compile(p.When); err != nil {
				return nil, fmt.Errorf("policy %q: when: %w", p.ID, err)
			}
		}
		if p.Unless != "" {
			if err := ev.ValidateExpression(p.Unless); err != nil {
				return nil, fmt.Errorf("policy %q: unless: %w", p.ID, err)
			}
			if cp.unless, err = ev.Compile(p.Unless); err != nil {
				return nil, fmt.Errorf("policy %q: unless: %w", p.ID, err)
			}
		}
		s.policies = append(s.policies, cp)
	}

	d := xxhash.New()
	for _, p := range policies {
		_, _ = d.WriteString(strings.Join([]string{
			p.ID, string(p.Effect),
			p.Principal.render(), p.Action.render(), p.Resource.render(),
			p.When, p.Unless,
		}, "\x00"))
		_, _ = d.Write([]byte{'\n'})
	}
	s.fingerprint = d.Sum64()
	return s, nil
}

// EmptySet returns a set with no policies. Under the fail-closed
// verdict rule it denies every request.
func EmptySet() *Set {
	s, _ := NewSet(nil)
	return s
}

// Len returns the number of policies.
func (s *Set) Len() int { return len(s.policies) }

// IDs returns the policy identifiers in declaration order.
func (s *Set) IDs() []string {
	out := make([]string, len(s.policies))
	for i := range s.policies {
		out[i] = s.policies[i].ID
	}
	return out
}

// Fingerprint is a stable content hash used in decision-cache keys.
func (s *Set) Fingerprint() uint64 { return s.fingerprint }

// EntityUID is a type-qualified entity identifier.
type EntityUID struct {
	Type string
	ID   string
}

// String renders the qualified form ("user::alice").
func (u EntityUID) String() string { return u.Type + "::" + u.ID }

// ParseEntityUID splits a qualified identifier. Identifiers without a
// type qualifier get the empty type.
func ParseEntityUID(s string) EntityUID {
	if i := strings.Index(s, "::"); i >= 0 {
		return EntityUID{Type: s[:i], ID: s[i+2:]}
	}
	return EntityUID{ID: s}
}

// Entity is a named request participant: a type-qualified identifier
// plus attributes. Attribute values use the fact value model.
type Entity struct {
	UID        EntityUID
	Attributes map[string]fact.Value
}

// NewEntity constructs an entity from a qualified identifier.
func NewEntity(qualifiedID string, attrs map[string]fact.Value) Entity {
	return Entity{UID: ParseEntityUID(qualifiedID), Attributes: attrs}
}

// Request is one authorization question: may Principal perform Action
// on Resource under Context. Immutable after construction.
type Request struct {
	Principal Entity
	Action    Entity
	Resource  Entity
	Context   map[string]fact.Value
}

// ContextKeys returns the context attribute names in sorted order, for
// canonical fingerprinting.
func (r *Request) ContextKeys() []string {
	keys := make([]string, 0, len(r.Context))
	for k := range r.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
