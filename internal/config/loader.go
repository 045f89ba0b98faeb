package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional YAML file, layered under
// RUNE_-prefixed environment variables, on top of the defaults. An
// empty path skips file loading.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix("RUNE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("cache.ttl", def.Cache.TTL)
	v.SetDefault("cache.capacity", def.Cache.Capacity)
	v.SetDefault("reload.debounce", def.Reload.Debounce)
	v.SetDefault("evaluator.max_semi_naive_iterations", def.Evaluator.MaxSemiNaiveIterations)
	v.SetDefault("evaluator.backend_list_threshold", def.Evaluator.BackendListThreshold)
	v.SetDefault("evaluator.max_derived_facts", def.Evaluator.MaxDerivedFacts)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
