// Package config provides the configuration schema for the decision
// engine: decision-cache tuning, reload debounce, and evaluator bounds.
// Serving surfaces, persistence, and exporters are configured by the
// embedding process, not here.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the top-level engine configuration.
type Config struct {
	// Log configures structured logging.
	Log LogConfig `yaml:"log" mapstructure:"log"`

	// Cache configures the decision cache.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Reload configures the reload coordinator.
	Reload ReloadConfig `yaml:"reload" mapstructure:"reload"`

	// Evaluator bounds the rule evaluator's resource use.
	Evaluator EvaluatorConfig `yaml:"evaluator" mapstructure:"evaluator"`
}

// LogConfig configures the slog handler the embedder builds.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	// Format is text or json.
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=text json"`
}

// CacheConfig configures the decision cache.
type CacheConfig struct {
	// TTL is how long a cached decision stays servable. 0 disables
	// caching entirely.
	TTL time.Duration `yaml:"ttl" mapstructure:"ttl" validate:"min=0"`
	// Capacity is the maximum number of cached decisions. Unbounded
	// caches are not permitted; the value must be positive.
	Capacity int `yaml:"capacity" mapstructure:"capacity" validate:"min=1"`
}

// ReloadConfig configures reload-event handling.
type ReloadConfig struct {
	// Debounce is the settling window after the last observed reload
	// event before parsing begins.
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce" validate:"min=0"`
}

// EvaluatorConfig bounds rule evaluation.
type EvaluatorConfig struct {
	// MaxSemiNaiveIterations is the hard bound on fixpoint rounds per
	// stratum.
	MaxSemiNaiveIterations int `yaml:"max_semi_naive_iterations" mapstructure:"max_semi_naive_iterations" validate:"min=1"`
	// BackendListThreshold is the tuple count below which the linear
	// list relation backend is preferred.
	BackendListThreshold int `yaml:"backend_list_threshold" mapstructure:"backend_list_threshold" validate:"min=1"`
	// MaxDerivedFacts bounds the total derived tuples per evaluation.
	MaxDerivedFacts int `yaml:"max_derived_facts" mapstructure:"max_derived_facts" validate:"min=1"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Cache: CacheConfig{
			TTL:      60 * time.Second,
			Capacity: 10_000,
		},
		Reload: ReloadConfig{Debounce: 500 * time.Millisecond},
		Evaluator: EvaluatorConfig{
			MaxSemiNaiveIterations: 10_000,
			BackendListThreshold:   100,
			MaxDerivedFacts:        1_000_000,
		},
	}
}

// Validate checks the struct-tag rules. No cross-field rules are
// checked.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("config field %s: failed %q validation (value %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
		return err
	}
	return nil
}
