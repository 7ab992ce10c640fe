package config

import (
	"fmt"
	"strings"
)

// Config holds the options for one comparison run.
type Config struct {
	// Names used to key the two models in result structures.
	ModelNameA string
	ModelNameB string

	// Name of the model whose node names key the final results.
	RefModelName string

	// Whether to also probe subgraph inputs, not just outputs.
	LogInputs bool

	// Comparison metric identifier ("sqnr", "max_abs", "mean_abs", "cosine").
	Metric string

	// Extra op types to treat as unmatchable, merged with the defaults.
	ExtraUnmatchable []string

	// Debug flags
	DebugMatcher    bool
	DebugInstrument bool
	DebugSweep      bool
}

func (c *Config) Validate() error {
	if c.ModelNameA == "" {
		return fmt.Errorf("invalid model_name_a: must be non-empty")
	}
	if c.ModelNameB == "" {
		return fmt.Errorf("invalid model_name_b: must be non-empty")
	}
	if c.ModelNameA == c.ModelNameB {
		return fmt.Errorf("model names must differ: both are %q", c.ModelNameA)
	}
	if c.RefModelName != c.ModelNameA && c.RefModelName != c.ModelNameB {
		return fmt.Errorf("ref_model_name %q is neither %q nor %q",
			c.RefModelName, c.ModelNameA, c.ModelNameB)
	}
	switch strings.ToLower(c.Metric) {
	case "sqnr", "max_abs", "mean_abs", "cosine":
	default:
		return fmt.Errorf("unknown metric: %q", c.Metric)
	}
	return nil
}

func Default() Config {
	return Config{
		ModelNameA:   "fp32",
		ModelNameB:   "int8",
		RefModelName: "int8",
		Metric:       "sqnr",
	}
}
