package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// LoadOptions carries the sources Load merges: flags override
// environment (QUANTLENS_ prefix), environment overrides an optional
// config file, the file overrides built-in defaults.
type LoadOptions struct {
	Flags      *pflag.FlagSet
	ConfigFile string
	Defaults   Config
}

// RegisterFlags declares the shared comparison flags on a flag set.
func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("model-name-a", defaults.ModelNameA, "Result key for the first model")
	fs.String("model-name-b", defaults.ModelNameB, "Result key for the second model")
	fs.String("ref-model-name", defaults.RefModelName, "Model whose node names key the results")
	fs.Bool("log-inputs", defaults.LogInputs, "Also probe subgraph inputs")
	fs.String("metric", defaults.Metric, "Divergence metric (sqnr|max_abs|mean_abs|cosine)")
	fs.StringSlice("extra-unmatchable", defaults.ExtraUnmatchable, "Additional op types to skip during matching")
}

// Load resolves the effective configuration.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()
	setDefaults(v, opts.Defaults)

	if opts.Flags != nil {
		if err := v.BindPFlags(opts.Flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	registerAliases(v)

	v.SetEnvPrefix("QUANTLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		ModelNameA:       v.GetString("model_name_a"),
		ModelNameB:       v.GetString("model_name_b"),
		RefModelName:     v.GetString("ref_model_name"),
		LogInputs:        v.GetBool("log_inputs"),
		Metric:           v.GetString("metric"),
		ExtraUnmatchable: v.GetStringSlice("extra_unmatchable"),
		DebugMatcher:     v.GetBool("debug_matcher"),
		DebugInstrument:  v.GetBool("debug_instrument"),
		DebugSweep:       v.GetBool("debug_sweep"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("model_name_a", c.ModelNameA)
	v.SetDefault("model_name_b", c.ModelNameB)
	v.SetDefault("ref_model_name", c.RefModelName)
	v.SetDefault("log_inputs", c.LogInputs)
	v.SetDefault("metric", c.Metric)
	v.SetDefault("extra_unmatchable", c.ExtraUnmatchable)
	v.SetDefault("debug_matcher", c.DebugMatcher)
	v.SetDefault("debug_instrument", c.DebugInstrument)
	v.SetDefault("debug_sweep", c.DebugSweep)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("model_name_a", "model-name-a")
	v.RegisterAlias("model_name_b", "model-name-b")
	v.RegisterAlias("ref_model_name", "ref-model-name")
	v.RegisterAlias("log_inputs", "log-inputs")
	v.RegisterAlias("extra_unmatchable", "extra-unmatchable")
}
