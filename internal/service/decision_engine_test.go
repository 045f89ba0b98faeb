package service

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/rune-labs/rune/internal/domain/datalog"
	"github.com/rune-labs/rune/internal/domain/decision"
	"github.com/rune-labs/rune/internal/domain/fact"
	"github.com/rune-labs/rune/internal/domain/policy"
	"github.com/rune-labs/rune/internal/domain/rules"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	return NewEngine(fact.NewStore(), testLogger(), opts...)
}

func readRequest() *policy.Request {
	return &policy.Request{
		Principal: policy.NewEntity("user::alice", nil),
		Action:    policy.NewEntity("action::read", nil),
		Resource:  policy.NewEntity("file::/tmp/x", nil),
		Context:   map[string]fact.Value{"environment": fact.String("prod")},
	}
}

func permitReadSet(t *testing.T) *policy.Set {
	t.Helper()
	set, err := policy.NewSet([]policy.Policy{{
		ID:     "permit-read",
		Effect: policy.EffectPermit,
		Action: policy.Scope{ID: "action::read"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	return set
}

// TestAuthorizeSimplePermit tests the basic permit path: a matching
// permit policy with a rule set in place yields Permit.
func TestAuthorizeSimplePermit(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.InsertFact(fact.New("allowed_path", fact.String("/tmp"))); err != nil {
		t.Fatal(err)
	}
	rs, _, err := rules.ParseRuleSet(
		`can_read(P) :- resource_path(P), allowed_path(Prefix), starts_with(P, Prefix).`)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Install(rs, permitReadSet(t)); err != nil {
		t.Fatal(err)
	}

	dec := e.Authorize(context.Background(), readRequest())
	if dec.Effect != decision.Permit {
		t.Fatalf("effect = %v, want permit", dec.Effect)
	}
	if dec.CacheHit {
		t.Error("first call was a cache hit")
	}
	if dec.ErrorKind != decision.ErrorNone {
		t.Errorf("error kind = %q", dec.ErrorKind)
	}
	if len(dec.Matched) != 1 || dec.Matched[0] != "permit-read" {
		t.Errorf("matched = %v", dec.Matched)
	}
	if dec.ElapsedNanos < 0 {
		t.Error("negative elapsed time")
	}
}

// TestAuthorizeCacheHitAndReloadInvalidation tests the spec's cache
// scenario: a repeat request hits the cache; a reload to an empty
// policy set flips the verdict and misses the cache.
func TestAuthorizeCacheHitAndReloadInvalidation(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Install(nil, permitReadSet(t)); err != nil {
		t.Fatal(err)
	}

	first := e.Authorize(context.Background(), readRequest())
	if first.Effect != decision.Permit || first.CacheHit {
		t.Fatalf("first = %+v", first)
	}
	second := e.Authorize(context.Background(), readRequest())
	if !second.CacheHit {
		t.Error("second call missed the cache")
	}
	if second.Effect != decision.Permit {
		t.Errorf("cached effect = %v", second.Effect)
	}

	if err := e.Install(nil, policy.EmptySet()); err != nil {
		t.Fatal(err)
	}
	third := e.Authorize(context.Background(), readRequest())
	if third.Effect != decision.Deny {
		t.Errorf("post-reload effect = %v, want deny (fail-closed)", third.Effect)
	}
	if third.CacheHit {
		t.Error("post-reload call served a stale cached decision")
	}
}

// TestAuthorizeDatalogDenyOverridesPolicyPermit tests the fail-closed
// merge: a derived deny fact wins over a policy permit.
func TestAuthorizeDatalogDenyOverridesPolicyPermit(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.InsertFacts([]fact.Fact{
		fact.New("blocked", fact.String("user::alice")),
	})
	if err != nil {
		t.Fatal(err)
	}
	ruleList, _, err := rules.Parse(
		`deny(P, A, R) :- blocked(P), request(P, A, R).`)
	if err != nil {
		t.Fatal(err)
	}
	ruleList[0].Name = "deny-blocked"
	rs, err := rules.NewRuleSet(ruleList)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.InsertFact(fact.New("request",
		fact.String("user::alice"), fact.String("action::read"), fact.String("file::/tmp/x"))); err != nil {
		t.Fatal(err)
	}
	if err := e.Install(rs, permitReadSet(t)); err != nil {
		t.Fatal(err)
	}

	dec := e.Authorize(context.Background(), readRequest())
	if dec.Effect != decision.Deny {
		t.Fatalf("effect = %v, want deny", dec.Effect)
	}
	foundRule, foundPolicy := false, false
	for _, m := range dec.Matched {
		if m == "deny-blocked" {
			foundRule = true
		}
		if m == "permit-read" {
			foundPolicy = true
		}
	}
	if !foundRule || !foundPolicy {
		t.Errorf("matched = %v, want rule and policy identifiers", dec.Matched)
	}
}

// TestAuthorizeDerivedPermitDoesNotOverride tests the open-question
// decision: a permit fact visible to the rule side (here stored
// directly, under an empty rule set) cannot substitute for a policy
// permit.
func TestAuthorizeDerivedPermitDoesNotOverride(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.InsertFact(fact.New("permit",
		fact.String("user::alice"), fact.String("action::read"), fact.String("file::/tmp/x"))); err != nil {
		t.Fatal(err)
	}
	// Empty policy set: no policy permit exists.
	if err := e.Install(rules.Empty(), policy.EmptySet()); err != nil {
		t.Fatal(err)
	}
	dec := e.Authorize(context.Background(), readRequest())
	if dec.Effect != decision.Deny {
		t.Errorf("effect = %v, want deny without a policy permit", dec.Effect)
	}
}

// TestAuthorizeEvaluationErrorDenies tests that a rule-engine runtime
// failure folds into Deny with the evaluation error kind.
func TestAuthorizeEvaluationErrorDenies(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.InsertFact(fact.New("big",
		fact.Int(1<<62), fact.Int(1<<62), fact.Int(0))); err != nil {
		t.Fatal(err)
	}
	rs, _, err := rules.ParseRuleSet(`boom(Z) :- big(X, Y, Z), plus(X, Y, Z).`)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Install(rs, permitReadSet(t)); err != nil {
		t.Fatal(err)
	}

	dec := e.Authorize(context.Background(), readRequest())
	if dec.Effect != decision.Deny {
		t.Fatalf("effect = %v, want deny", dec.Effect)
	}
	if dec.ErrorKind != decision.ErrorEvaluation {
		t.Errorf("error kind = %q, want evaluation", dec.ErrorKind)
	}
}

// TestAuthorizeResourceErrorKind tests that exceeding the derived-fact
// bound reports the resource error kind.
func TestAuthorizeResourceErrorKind(t *testing.T) {
	e := newTestEngine(t, WithEvaluatorBounds(datalog.Options{MaxDerivedFacts: 50}))
	var facts []fact.Fact
	for i := 0; i < 20; i++ {
		facts = append(facts, fact.New("n", fact.Int(int64(i))))
	}
	if _, err := e.InsertFacts(facts); err != nil {
		t.Fatal(err)
	}
	rs, _, err := rules.ParseRuleSet(`pairs(X, Y) :- n(X), n(Y).`)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Install(rs, permitReadSet(t)); err != nil {
		t.Fatal(err)
	}
	dec := e.Authorize(context.Background(), readRequest())
	if dec.Effect != decision.Deny || dec.ErrorKind != decision.ErrorResource {
		t.Errorf("decision = %+v, want deny/resource", dec)
	}
}

// TestAuthorizeFactInsertInvalidatesCache tests that the fingerprint
// tracks the fact-store version.
func TestAuthorizeFactInsertInvalidatesCache(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Install(nil, permitReadSet(t)); err != nil {
		t.Fatal(err)
	}
	_ = e.Authorize(context.Background(), readRequest())
	if !e.Authorize(context.Background(), readRequest()).CacheHit {
		t.Fatal("expected cache hit before insert")
	}
	if _, err := e.InsertFact(fact.New("noise", fact.Int(1))); err != nil {
		t.Fatal(err)
	}
	if e.Authorize(context.Background(), readRequest()).CacheHit {
		t.Error("cache served across a fact-store version change")
	}
}

// TestAuthorizeZeroTTLDisablesCache tests the cache_ttl=0 contract.
func TestAuthorizeZeroTTLDisablesCache(t *testing.T) {
	e := newTestEngine(t, WithCache(0, 100))
	if err := e.Install(nil, permitReadSet(t)); err != nil {
		t.Fatal(err)
	}
	_ = e.Authorize(context.Background(), readRequest())
	if e.Authorize(context.Background(), readRequest()).CacheHit {
		t.Error("cache hit with caching disabled")
	}
}

// TestAuthorizeReferentialTransparency tests authorize(r) == authorize(r)
// under a fixed configuration.
func TestAuthorizeReferentialTransparency(t *testing.T) {
	e := newTestEngine(t, WithCache(0, 100)) // no cache: both calls evaluate
	if err := e.Install(nil, permitReadSet(t)); err != nil {
		t.Fatal(err)
	}
	a := e.Authorize(context.Background(), readRequest())
	b := e.Authorize(context.Background(), readRequest())
	if a.Effect != b.Effect || len(a.Matched) != len(b.Matched) {
		t.Errorf("decisions differ: %+v vs %+v", a, b)
	}
	for i := range a.Matched {
		if a.Matched[i] != b.Matched[i] {
			t.Errorf("matched differ at %d: %s vs %s", i, a.Matched[i], b.Matched[i])
		}
	}
}

// TestInstallRequiresContent tests the at-least-one contract.
func TestInstallRequiresContent(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Install(nil, nil); err == nil {
		t.Error("empty install accepted")
	}
}
