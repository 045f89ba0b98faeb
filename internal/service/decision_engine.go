package service

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rune-labs/rune/internal/config"
	"github.com/rune-labs/rune/internal/domain/datalog"
	"github.com/rune-labs/rune/internal/domain/decision"
	"github.com/rune-labs/rune/internal/domain/fact"
	"github.com/rune-labs/rune/internal/domain/policy"
	"github.com/rune-labs/rune/internal/domain/rules"
	"github.com/rune-labs/rune/internal/metrics"
)

// Datalog verdict predicates. A derived deny(P, A, R) fact matching the
// request forces Deny; a derived permit(P, A, R) fact is recorded in the
// match list but never overrides the policy verdict (fail-closed).
const (
	denyPredicate   = "deny"
	permitPredicate = "permit"
)

// Engine is the top-level authorize surface. It holds the fact store,
// the active rule and policy sets behind atomic cells, and the decision
// cache. Authorize is callable from any number of goroutines; the only
// writers are fact inserts and reload installs.
type Engine struct {
	store      *fact.Store
	policyEval *policy.Evaluator
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer

	rules    atomic.Pointer[rules.RuleSet]
	policies atomic.Pointer[policy.Set]
	epoch    atomic.Uint64

	cache    *decisionCache
	evalOpts datalog.Options
}

// EngineOption configures an Engine.
type EngineOption func(*engineSettings)

type engineSettings struct {
	cacheTTL      time.Duration
	cacheCapacity int
	evalOpts      datalog.Options
	metrics       *metrics.Metrics
}

// WithCache sets the decision-cache TTL and capacity. A zero TTL
// disables caching.
func WithCache(ttl time.Duration, capacity int) EngineOption {
	return func(s *engineSettings) {
		s.cacheTTL = ttl
		s.cacheCapacity = capacity
	}
}

// WithEvaluatorBounds sets the rule evaluator's resource limits.
func WithEvaluatorBounds(opts datalog.Options) EngineOption {
	return func(s *engineSettings) { s.evalOpts = opts }
}

// WithMetrics attaches an instrument set.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(s *engineSettings) { s.metrics = m }
}

// FromConfig converts a validated configuration into engine options.
func FromConfig(cfg *config.Config) []EngineOption {
	return []EngineOption{
		WithCache(cfg.Cache.TTL, cfg.Cache.Capacity),
		WithEvaluatorBounds(datalog.Options{
			MaxIterations:   cfg.Evaluator.MaxSemiNaiveIterations,
			ListThreshold:   cfg.Evaluator.BackendListThreshold,
			MaxDerivedFacts: cfg.Evaluator.MaxDerivedFacts,
		}),
	}
}

// NewEngine creates an engine over the given fact store with an empty
// rule set and an empty (deny-everything) policy set.
func NewEngine(store *fact.Store, logger *slog.Logger, opts ...EngineOption) *Engine {
	s := engineSettings{
		cacheTTL:      60 * time.Second,
		cacheCapacity: 10_000,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop()
	}

	e := &Engine{
		store:      store,
		policyEval: policy.NewEvaluator(logger),
		logger:     logger,
		metrics:    s.metrics,
		tracer:     otel.Tracer("rune/engine"),
		cache:      newDecisionCache(s.cacheCapacity, s.cacheTTL),
		evalOpts:   s.evalOpts,
	}
	e.rules.Store(rules.Empty())
	e.policies.Store(policy.EmptySet())
	return e
}

// Store returns the engine's fact store.
func (e *Engine) Store() *fact.Store { return e.store }

// InsertFact appends one fact. Returns the post-insert store version.
func (e *Engine) InsertFact(f fact.Fact) (uint64, error) {
	return e.store.Insert(f)
}

// InsertFacts appends a batch of facts atomically.
func (e *Engine) InsertFacts(facts []fact.Fact) (uint64, error) {
	return e.store.InsertMany(facts)
}

// CurrentRules returns the active rule set.
func (e *Engine) CurrentRules() *rules.RuleSet { return e.rules.Load() }

// CurrentPolicies returns the active policy set.
func (e *Engine) CurrentPolicies() *policy.Set { return e.policies.Load() }

// Epoch returns the cache epoch, bumped on every install.
func (e *Engine) Epoch() uint64 { return e.epoch.Load() }

// Install atomically replaces the rule set and/or policy set and
// invalidates the decision cache. At least one of the two must be
// non-nil. In-flight authorize calls keep the snapshots they loaded;
// calls starting after Install returns observe the new configuration.
func (e *Engine) Install(rs *rules.RuleSet, ps *policy.Set) error {
	if rs == nil && ps == nil {
		return errors.New("install requires a rule set or a policy set")
	}
	if rs != nil {
		e.rules.Store(rs)
	}
	if ps != nil {
		e.policies.Store(ps)
	}
	e.epoch.Add(1)
	e.cache.Clear()
	e.metrics.DecisionCache.Set(0)

	e.logger.Info("configuration installed",
		"rules_replaced", rs != nil,
		"policies_replaced", ps != nil,
		"epoch", e.epoch.Load(),
	)
	return nil
}

// Authorize answers one authorization request. It never fails: every
// evaluation error folds into a Deny decision carrying the error kind.
func (e *Engine) Authorize(ctx context.Context, req *policy.Request) decision.Decision {
	ctx, span := e.tracer.Start(ctx, "rune.authorize")
	defer span.End()
	start := time.Now()

	// Single atomic load per cell: the rest of the evaluation sees a
	// consistent (RuleSet, PolicySet, Snapshot) triple even if a reload
	// lands concurrently.
	rs := e.rules.Load()
	ps := e.policies.Load()
	snap := e.store.Snapshot()

	key := e.fingerprint(req, rs, ps, snap)
	if dec, ok := e.cache.Get(key, start); ok {
		dec.CacheHit = true
		e.metrics.CacheHits.Inc()
		e.metrics.Decisions.WithLabelValues(dec.Effect.String()).Inc()
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return dec
	}
	e.metrics.CacheMisses.Inc()

	var (
		dl    datalogOutcome
		dlErr error
		pv    policy.Verdict
	)
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		dl, dlErr = e.evalDatalog(rs, snap, req)
		return dlErr
	})
	g.Go(func() error {
		pv = e.policyEval.Evaluate(ps, req, snap)
		return nil
	})
	_ = g.Wait()

	dec := e.merge(dl, dlErr, pv)
	dec.ElapsedNanos = time.Since(start).Nanoseconds()

	e.cache.Put(key, dec, start)
	e.metrics.DecisionCache.Set(float64(e.cache.Size()))
	e.metrics.Decisions.WithLabelValues(dec.Effect.String()).Inc()
	e.metrics.EvalDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Bool("cache_hit", false),
		attribute.String("effect", dec.Effect.String()),
	)
	return dec
}

// datalogOutcome is the rule engine's contribution to the merge.
type datalogOutcome struct {
	deny        bool
	denyRules   []string
	permitRules []string
}

func (e *Engine) evalDatalog(rs *rules.RuleSet, snap *fact.Snapshot, req *policy.Request) (datalogOutcome, error) {
	res, err := datalog.Eval(rs, snap, e.evalOpts)
	if err != nil {
		return datalogOutcome{}, err
	}
	verdictAtom := func(pred string) rules.Atom {
		return rules.NewAtom(pred,
			rules.Constant(fact.String(req.Principal.UID.String())),
			rules.Constant(fact.String(req.Action.UID.String())),
			rules.Constant(fact.String(req.Resource.UID.String())),
		)
	}
	denyAtom := verdictAtom(denyPredicate)
	out := datalogOutcome{
		deny:        res.Holds(denyAtom),
		denyRules:   res.MatchedRules(denyAtom),
		permitRules: res.MatchedRules(verdictAtom(permitPredicate)),
	}
	return out, nil
}

// merge combines the two verdicts under the fail-closed rule: any deny
// wins, and absent an explicit policy permit the answer is Deny. A
// derived permit fact is recorded but cannot substitute for a policy
// permit.
func (e *Engine) merge(dl datalogOutcome, dlErr error, pv policy.Verdict) decision.Decision {
	if dlErr != nil {
		kind := decision.ErrorEvaluation
		var derr *datalog.Error
		if errors.As(dlErr, &derr) && derr.Kind == datalog.ErrResource {
			kind = decision.ErrorResource
		}
		e.logger.Warn("rule evaluation failed", "error", dlErr)
		return decision.Decision{Effect: decision.Deny, ErrorKind: kind}
	}
	if pv.Err != nil {
		e.logger.Warn("policy evaluation failed", "error", pv.Err)
		return decision.Decision{
			Effect:    decision.Deny,
			Matched:   pv.Matched,
			ErrorKind: decision.ErrorEvaluation,
		}
	}

	matched := make([]string, 0, len(dl.denyRules)+len(dl.permitRules)+len(pv.Matched))
	matched = append(matched, dl.denyRules...)
	matched = append(matched, dl.permitRules...)
	matched = append(matched, pv.Matched...)

	effect := decision.Deny
	if !dl.deny && pv.Effect == decision.Permit {
		effect = decision.Permit
	}
	return decision.Decision{Effect: effect, Matched: matched}
}

// fingerprint hashes the request identity, the canonicalized context,
// and the versions of everything the decision depends on: rule set,
// policy set, fact-store generation, and the reload epoch.
func (e *Engine) fingerprint(req *policy.Request, rs *rules.RuleSet, ps *policy.Set, snap *fact.Snapshot) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(req.Principal.UID.String())
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(req.Action.UID.String())
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(req.Resource.UID.String())
	_, _ = d.Write([]byte{0})
	for _, k := range req.ContextKeys() {
		_, _ = d.WriteString(k)
		_, _ = d.Write([]byte{'='})
		req.Context[k].HashInto(d)
	}

	var versions [8 * 4]byte
	binary.LittleEndian.PutUint64(versions[0:], rs.Fingerprint())
	binary.LittleEndian.PutUint64(versions[8:], ps.Fingerprint())
	binary.LittleEndian.PutUint64(versions[16:], snap.Version())
	binary.LittleEndian.PutUint64(versions[24:], e.epoch.Load())
	_, _ = d.Write(versions[:])
	return d.Sum64()
}
