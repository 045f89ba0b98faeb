// Package rune is an in-process authorization and configuration
// decision engine. It answers "given this request, is it permitted?"
// by running an interpreted Datalog rule evaluator and a declarative
// permit/forbid policy evaluator in parallel, merging the verdicts
// fail-closed, and caching decisions until facts, rules, or policies
// change. Rule and policy sets hot-reload through atomic pointer swaps
// while in-flight requests keep the snapshots they loaded.
package rune

import (
	"log/slog"
	"time"

	"github.com/rune-labs/rune/internal/config"
	"github.com/rune-labs/rune/internal/domain/decision"
	"github.com/rune-labs/rune/internal/domain/fact"
	"github.com/rune-labs/rune/internal/domain/policy"
	"github.com/rune-labs/rune/internal/domain/rules"
	"github.com/rune-labs/rune/internal/metrics"
	"github.com/rune-labs/rune/internal/service"
)

// Core surface.
type (
	// Engine is the authorize surface; see NewEngine.
	Engine = service.Engine
	// EngineOption configures an Engine.
	EngineOption = service.EngineOption
	// ReloadCoordinator debounces, validates, and installs new
	// configuration; see NewReloadCoordinator.
	ReloadCoordinator = service.ReloadCoordinator
	// ReloadRequest carries new rule/policy source text.
	ReloadRequest = service.ReloadRequest
	// ReloadEvent is one observable reload outcome.
	ReloadEvent = service.ReloadEvent

	// Decision is the authorize result payload.
	Decision = decision.Decision
	// Effect is Permit or Deny.
	Effect = decision.Effect

	// Request is one authorization question.
	Request = policy.Request
	// Entity is a request participant.
	Entity = policy.Entity
	// PolicySet is an immutable compiled policy collection.
	PolicySet = policy.Set
	// Policy is one permit/forbid declaration.
	Policy = policy.Policy

	// RuleSet is an immutable validated rule collection.
	RuleSet = rules.RuleSet

	// FactStore stores ground facts with lock-free reads.
	FactStore = fact.Store
	// Fact is one ground tuple.
	Fact = fact.Fact
	// Value is a fact argument.
	Value = fact.Value

	// Config is the engine configuration schema.
	Config = config.Config
	// Metrics is the Prometheus instrument set.
	Metrics = metrics.Metrics
)

// Decision effects.
const (
	Permit = decision.Permit
	Deny   = decision.Deny
)

// Constructors and parsers, re-exported for embedders.
var (
	// NewFactStore creates an empty fact store.
	NewFactStore = fact.NewStore
	// NewEngine creates a decision engine over a fact store.
	NewEngine = service.NewEngine
	// NewReloadCoordinator starts a reload coordinator for an engine.
	NewReloadCoordinator = service.NewReloadCoordinator
	// FromConfig turns a validated Config into engine options.
	FromConfig = service.FromConfig
	// WithCache sets decision-cache TTL and capacity.
	WithCache = service.WithCache
	// WithMetrics attaches an instrument set.
	WithMetrics = service.WithMetrics

	// ParseRules parses rule source into a validated RuleSet plus the
	// ground facts the source declares.
	ParseRules = rules.ParseRuleSet
	// ParsePolicies parses a YAML policy document into a PolicySet.
	ParsePolicies = policy.ParseSet
	// NewPolicySet compiles programmatically built policies.
	NewPolicySet = policy.NewSet
	// EmptyPolicySet denies everything (fail-closed).
	EmptyPolicySet = policy.EmptySet
	// EmptyRuleSet derives nothing.
	EmptyRuleSet = rules.Empty

	// NewMetrics registers the instrument set on a registry.
	NewMetrics = metrics.New
	// LoadConfig reads configuration from a file and the environment.
	LoadConfig = config.Load
	// DefaultConfig returns the documented defaults.
	DefaultConfig = config.Default

	// String, Int, Bool, and List build fact values.
	String = fact.String
	Int    = fact.Int
	Bool   = fact.Bool
	List   = fact.List
	// NewFact builds a ground fact.
	NewFact = fact.New
	// NewEntity builds a request participant from a type-qualified
	// identifier ("user::alice").
	NewEntity = policy.NewEntity
)

// New assembles a fully wired engine plus coordinator from a config,
// the common embedding path.
func New(cfg *Config, logger *slog.Logger, opts ...EngineOption) (*Engine, *ReloadCoordinator) {
	store := fact.NewStore()
	all := append(service.FromConfig(cfg), opts...)
	engine := service.NewEngine(store, logger, all...)
	debounce := cfg.Reload.Debounce
	if debounce <= 0 {
		debounce = time.Millisecond
	}
	coordinator := service.NewReloadCoordinator(engine, debounce, logger, nil)
	return engine, coordinator
}
