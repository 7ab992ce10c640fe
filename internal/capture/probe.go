package capture

import (
	"fmt"

	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/metrics"
	"github.com/quantlens/quantlens/internal/tensor"
)

// Result type tags for captured values.
const (
	ResultTypeWeight     = "weight"
	ResultTypeNodeOutput = "node_output"
	ResultTypeNodeInput  = "node_input"
)

// Probe is a pass-through value recorder spliced into a graph as a
// module node. Forward returns its input unchanged; while enabled it
// appends a detached snapshot of every tensor or recurrent-pair value
// it sees. Any other value shape passes through uncaptured.
type Probe struct {
	// RefNodeName is the node responsible for this probe's insertion.
	// For output probes it equals PrevNodeName; for input probes it is
	// the node whose input is being observed.
	RefNodeName string
	// PrevNodeName is the node whose value this probe captures.
	PrevNodeName string
	// ModelName keys the owning model in result structures.
	ModelName string
	// RefName is the match name shared across models.
	RefName string

	PrevNodeTargetType string
	RefNodeTargetType  string

	// ResultsType is one of the ResultType* tags.
	ResultsType string

	// IndexWithinArg locates this probe inside a list argument, e.g.
	// x2 in cat([x1, x2, x3]) has IndexWithinArg 1.
	IndexWithinArg int
	// IndexOfArg locates this probe among positional args, e.g. x2 in
	// add(x1, x2) has IndexOfArg 1.
	IndexOfArg int

	FQN        string
	QConfigStr string

	// Enabled gates capture. A disabled probe is a true no-op, so
	// probes can stay in graphs used outside the measurement flow
	// (e.g. during calibration passes).
	Enabled bool

	stats    []graph.Value
	statsRNN []graph.Value
}

// Meta is the construction metadata for a probe.
type Meta struct {
	RefNodeName        string
	PrevNodeName       string
	ModelName          string
	RefName            string
	PrevNodeTargetType string
	RefNodeTargetType  string
	ResultsType        string
	IndexWithinArg     int
	IndexOfArg         int
	FQN                string
	QConfigStr         string
}

// New creates an enabled probe with the given metadata.
func New(m Meta) *Probe {
	return &Probe{
		RefNodeName:        m.RefNodeName,
		PrevNodeName:       m.PrevNodeName,
		ModelName:          m.ModelName,
		RefName:            m.RefName,
		PrevNodeTargetType: m.PrevNodeTargetType,
		RefNodeTargetType:  m.RefNodeTargetType,
		ResultsType:        m.ResultsType,
		IndexWithinArg:     m.IndexWithinArg,
		IndexOfArg:         m.IndexOfArg,
		FQN:                m.FQN,
		QConfigStr:         m.QConfigStr,
		Enabled:            true,
	}
}

func (p *Probe) OpType() string { return "probe" }

// IsImpure marks the probe as having an unremovable side effect so
// dead-code elimination keeps its call sites.
func (p *Probe) IsImpure() bool { return true }

// CloneModule returns a probe with the same metadata and empty state.
func (p *Probe) CloneModule() graph.Module {
	clone := *p
	clone.stats = nil
	clone.statsRNN = nil
	return &clone
}

// Forward passes x through unchanged, capturing a snapshot when
// enabled.
func (p *Probe) Forward(vals ...graph.Value) (graph.Value, error) {
	if len(vals) == 0 {
		return graph.Value{}, fmt.Errorf("probe %s: no input", p.RefName)
	}
	x := vals[0]
	if !p.Enabled {
		return x, nil
	}
	switch x.Kind {
	case graph.KindTensor:
		snap := x.Clone()
		p.stats = append(p.stats, snap)
		p.recordCapture(snap.Tensor)
	case graph.KindRNN:
		snap := x.Clone()
		p.statsRNN = append(p.statsRNN, snap)
		p.recordCapture(snap.RNN.Output)
	}
	return x, nil
}

func (p *Probe) recordCapture(t *tensor.Tensor) {
	metrics.RecordProbeCapture(p.ModelName, p.ResultsType, t.NumElems())
	s := tensor.ComputeStats(t)
	metrics.RecordNumericalInstability(p.PrevNodeName, s.NaNs, s.Infs)
}

// Stats returns the captured sequence: the recurrent-pair snapshots
// when any were seen, otherwise the plain tensor snapshots.
func (p *Probe) Stats() []graph.Value {
	if len(p.statsRNN) > 0 {
		return p.statsRNN
	}
	return p.stats
}

// NumCaptures returns how many snapshots this probe holds.
func (p *Probe) NumCaptures() int {
	return len(p.stats) + len(p.statsRNN)
}

// Reset drops all captured state, keeping metadata and enablement.
// Callers needing bounded memory across many batches reset between
// reads.
func (p *Probe) Reset() {
	p.stats = nil
	p.statsRNN = nil
}

func (p *Probe) String() string {
	return fmt.Sprintf(
		"Probe(ref_name=%s, model_name=%s, prev_node_name=%s, ref_node_name=%s, "+
			"results_type=%s, index_within_arg=%d, index_of_arg=%d, fqn=%s)",
		p.RefName, p.ModelName, p.PrevNodeName, p.RefNodeName,
		p.ResultsType, p.IndexWithinArg, p.IndexOfArg, p.FQN)
}
