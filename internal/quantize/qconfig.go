package quantize

import (
	"fmt"

	"github.com/quantlens/quantlens/internal/graph"
)

// QConfig describes one per-tensor affine quantization scheme.
type QConfig struct {
	Bits      int
	Symmetric bool
}

// Int8Affine is the default asymmetric int8 config.
func Int8Affine() *QConfig { return &QConfig{Bits: 8} }

// Int8Symmetric is the zero-point-free int8 config.
func Int8Symmetric() *QConfig { return &QConfig{Bits: 8, Symmetric: true} }

func (q *QConfig) String() string {
	if q == nil {
		return ""
	}
	mode := "affine"
	if q.Symmetric {
		mode = "symmetric"
	}
	return fmt.Sprintf("int%d/%s", q.Bits, mode)
}

// ConfigMapping selects per-node quantization configs. Resolution
// order: exact node name, then op type, then the global default. A
// nil resolved config means "leave this node in floating point".
type ConfigMapping struct {
	Global      *QConfig
	PerOpType   map[string]*QConfig
	PerNodeName map[string]*QConfig
}

// ResolveNodeConfigs computes the effective config for every call
// node in the graph. This runs once per config candidate in the sweep
// builder.
func ResolveNodeConfigs(g *graph.Graph, m ConfigMapping) map[string]*QConfig {
	out := make(map[string]*QConfig)
	for _, n := range g.Nodes() {
		if n.Op != graph.CallModule && n.Op != graph.CallFunction {
			continue
		}
		if qc, ok := m.PerNodeName[n.Name]; ok {
			out[n.Name] = qc
			continue
		}
		if qc, ok := m.PerOpType[graph.NodeTypeString(n, g)]; ok {
			out[n.Name] = qc
			continue
		}
		out[n.Name] = m.Global
	}
	return out
}
