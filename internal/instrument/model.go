// Package instrument rewrites computation graphs to capture
// intermediate values: probe injection on matched subgraphs and
// shadow construction running duplicated float branches next to their
// quantized counterparts.
package instrument

import (
	"github.com/quantlens/quantlens/internal/capture"
	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/logger"
	"github.com/quantlens/quantlens/internal/match"
)

var log = logger.Log.With("instrument")

// Model is an instrumented graph together with the probes the
// instrumentation pass created. Probes are discovered through the
// registry, never by re-scanning the graph.
type Model struct {
	Name   string
	Graph  *graph.Graph
	Probes *capture.Registry
}

// Run executes the instrumented graph. Enabled probes accumulate one
// snapshot per call.
func (m *Model) Run(inputs ...graph.Value) (graph.Value, error) {
	return m.Graph.Run(inputs...)
}

// Options configures an instrumentation pass.
type Options struct {
	Match match.Options
	// LogInputs also probes the inputs of each matched region's
	// start node, in addition to the region output.
	LogInputs bool
}
