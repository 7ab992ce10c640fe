// Package sweep builds N-variant quantization comparisons: one graph
// holding, per quantizable region, an untouched float branch plus one
// independently quantized branch per candidate config, each with its
// own probe.
package sweep

import (
	"fmt"

	"github.com/quantlens/quantlens/internal/capture"
	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/logger"
	"github.com/quantlens/quantlens/internal/match"
	"github.com/quantlens/quantlens/internal/metrics"
	"github.com/quantlens/quantlens/internal/quantize"
)

var log = logger.Log.With("sweep")

// ModelName keys every sweep probe: the carrier holds all branches,
// so there is a single owning model.
const ModelName = "model"

type unitKey struct {
	Subgraph  int
	Candidate int
}

// Model is the sweep carrier: the instrumented graph plus the
// prepared sub-units awaiting conversion, keyed by (subgraph,
// candidate).
type Model struct {
	Graph  *graph.Graph
	Probes *capture.Registry

	units     map[unitKey]quantize.Prepared
	unitNames map[unitKey]string
	converted bool
}

// Run executes the carrier graph.
func (m *Model) Run(inputs ...graph.Value) (graph.Value, error) {
	return m.Graph.Run(inputs...)
}

// Options configures sweep construction.
type Options struct {
	// Patterns are the fusion chains that define quantizable
	// regions. Defaults to the matcher's built-in table.
	Patterns [][]string
	Backend  quantize.Backend
}

func (o Options) patterns() [][]string {
	if o.Patterns != nil {
		return o.Patterns
	}
	return match.DefaultPatterns()
}

func (o Options) backend() quantize.Backend {
	if o.Backend != nil {
		return o.Backend
	}
	return quantize.IntAffineBackend{}
}

// refName is the group key for one branch's probe.
func refName(si, ci int) string {
	return fmt.Sprintf("subgraph_%d_%d", si, ci)
}

// PrepareNShadowsModel builds the sweep carrier from a source graph,
// one example input set, and an ordered list of config candidates.
// For every region whose base op has a weight, branch 0 probes the
// original float output; branch i (i >= 1) is candidate i-1's
// prepared sub-unit fed the region's recorded example input, probed
// on its own output. Candidates resolving to a nil config for the
// region's start node are skipped, leaving that branch absent.
//
// All probes start disabled so later calibration passes through the
// carrier do not pollute the capture state; ConvertNShadowsModel
// turns them on.
func PrepareNShadowsModel(src *graph.Graph, example []graph.Value, candidates []quantize.ConfigMapping, opts Options) (*Model, error) {
	g := src.Clone()
	if err := g.PropagateExamples(example...); err != nil {
		return nil, fmt.Errorf("prepare sweep: example propagation: %w", err)
	}

	m := &Model{
		Graph:     g,
		Probes:    capture.NewRegistry(),
		units:     make(map[unitKey]quantize.Prepared),
		unitNames: make(map[unitKey]string),
	}

	resolved := make([]map[string]*quantize.QConfig, len(candidates))
	for i, cand := range candidates {
		resolved[i] = quantize.ResolveNodeConfigs(g, cand)
	}

	backend := opts.backend()
	regions := match.EnumerateSubgraphs(g, opts.patterns())
	si := -1
	for _, region := range regions {
		if !isQuantizable(g, region) {
			continue
		}
		si++
		input := region.Start.FirstInputNode()
		if input == nil || input.Example == nil {
			metrics.RecordSubgraphSkipped("missing_example")
			log.Warn("skipping subgraph without a recorded example value",
				"subgraph", si, "start", region.Start.Name)
			continue
		}
		chain, err := chainNodes(g, region)
		if err != nil {
			metrics.RecordSubgraphSkipped("unwalkable_chain")
			log.Warn("skipping subgraph", "subgraph", si, "error", err.Error())
			continue
		}

		if err := m.addFloatBranch(si, region); err != nil {
			return nil, err
		}
		for ci, cfgs := range resolved {
			qc := cfgs[region.Start.Name]
			if qc == nil {
				log.Debug("candidate resolves to nil config, branch absent",
					"subgraph", si, "candidate", ci+1)
				continue
			}
			if err := m.addCandidateBranch(si, ci+1, region, chain, input, qc, backend); err != nil {
				return nil, err
			}
		}
	}
	if err := g.Recompile(); err != nil {
		return nil, fmt.Errorf("prepare sweep: carrier graph is invalid: %w", err)
	}
	log.Info("sweep prepared", "subgraphs", si+1, "units", len(m.units))
	return m, nil
}

func isQuantizable(g *graph.Graph, region match.Subgraph) bool {
	if region.BaseOp.Op != graph.CallModule {
		return false
	}
	mod, ok := g.Module(region.BaseOp.Target)
	if !ok {
		return false
	}
	_, weighted := mod.(graph.Weighted)
	return weighted
}

func chainNodes(g *graph.Graph, region match.Subgraph) ([]*graph.Node, error) {
	out := []*graph.Node{region.Start}
	cur := region.Start
	for cur != region.End {
		users := g.Users(cur)
		if len(users) != 1 {
			return nil, fmt.Errorf("node %s has %d users inside a fused region", cur.Name, len(users))
		}
		cur = users[0]
		out = append(out, cur)
	}
	return out, nil
}

// addFloatBranch probes the untouched region output as candidate 0.
func (m *Model) addFloatBranch(si int, region match.Subgraph) error {
	attr := fmt.Sprintf("shadow_logger_%d_0", si)
	p := capture.New(capture.Meta{
		RefNodeName:        region.End.Name,
		PrevNodeName:       region.End.Name,
		ModelName:          ModelName,
		RefName:            refName(si, 0),
		PrevNodeTargetType: graph.NodeTypeString(region.End, m.Graph),
		RefNodeTargetType:  graph.NodeTypeString(region.Start, m.Graph),
		ResultsType:        capture.ResultTypeNodeOutput,
		FQN:                region.End.FQN,
	})
	p.Enabled = false
	if err := m.registerProbe(attr, p); err != nil {
		return err
	}
	if _, err := m.Graph.InsertTapAfter(region.End, attr, attr, graph.NodeArg(region.End)); err != nil {
		return fmt.Errorf("prepare sweep: %w", err)
	}
	metrics.RecordSweepBranch("float")
	return nil
}

// addCandidateBranch splices one prepared sub-unit plus its probe.
// The unit is calibrated immediately with the region's recorded
// example value, so conversion works without further forward passes.
func (m *Model) addCandidateBranch(si, ci int, region match.Subgraph, chain []*graph.Node, input *graph.Node, qc *quantize.QConfig, backend quantize.Backend) error {
	steps, err := chainSteps(m.Graph, chain)
	if err != nil {
		metrics.RecordSubgraphSkipped("unpreparable_chain")
		log.Warn("skipping candidate branch", "subgraph", si, "candidate", ci, "error", err.Error())
		return nil
	}
	prep, err := backend.Prepare(steps, qc, m.Graph.Funcs())
	if err != nil {
		metrics.RecordSubgraphSkipped("prepare_failed")
		log.Warn("skipping candidate branch", "subgraph", si, "candidate", ci, "error", err.Error())
		return nil
	}
	if _, err := prep.Forward(*input.Example); err != nil {
		metrics.RecordSubgraphSkipped("calibration_failed")
		log.Warn("skipping candidate branch", "subgraph", si, "candidate", ci, "error", err.Error())
		return nil
	}

	wrapperAttr := fmt.Sprintf("shadow_wrapper_%d_%d", si, ci)
	if err := m.Graph.SetModule(wrapperAttr, prep); err != nil {
		metrics.RecordConstructionError("prepare_sweep", "attribute_collision")
		return fmt.Errorf("prepare sweep: %w", err)
	}
	wrapperNode, err := m.Graph.InsertTapAfter(input, wrapperAttr, wrapperAttr, graph.NodeArg(input))
	if err != nil {
		return fmt.Errorf("prepare sweep: %w", err)
	}

	probeAttr := fmt.Sprintf("shadow_logger_%d_%d", si, ci)
	p := capture.New(capture.Meta{
		RefNodeName:        region.End.Name,
		PrevNodeName:       wrapperNode.Name,
		ModelName:          ModelName,
		RefName:            refName(si, ci),
		PrevNodeTargetType: "quantized_chain",
		RefNodeTargetType:  graph.NodeTypeString(region.Start, m.Graph),
		ResultsType:        capture.ResultTypeNodeOutput,
		FQN:                region.End.FQN,
		QConfigStr:         qc.String(),
	})
	p.Enabled = false
	if err := m.registerProbe(probeAttr, p); err != nil {
		return err
	}
	if _, err := m.Graph.InsertTapAfter(wrapperNode, probeAttr, probeAttr, graph.NodeArg(wrapperNode)); err != nil {
		return fmt.Errorf("prepare sweep: %w", err)
	}

	key := unitKey{Subgraph: si, Candidate: ci}
	if _, exists := m.units[key]; exists {
		metrics.RecordConstructionError("prepare_sweep", "unit_collision")
		return fmt.Errorf("prepare sweep: unit (%d, %d) already exists", si, ci)
	}
	m.units[key] = prep
	m.unitNames[key] = wrapperAttr
	metrics.RecordSweepBranch("quantized")
	return nil
}

func (m *Model) registerProbe(attr string, p *capture.Probe) error {
	if err := m.Graph.SetModule(attr, p); err != nil {
		metrics.RecordConstructionError("prepare_sweep", "attribute_collision")
		return fmt.Errorf("prepare sweep: %w", err)
	}
	if err := m.Probes.Add(attr, p); err != nil {
		metrics.RecordConstructionError("prepare_sweep", "registry_collision")
		return fmt.Errorf("prepare sweep: %w", err)
	}
	return nil
}

// chainSteps rebuilds a region chain as backend steps.
func chainSteps(g *graph.Graph, chain []*graph.Node) ([]quantize.Step, error) {
	var out []quantize.Step
	for _, n := range chain {
		switch n.Op {
		case graph.CallModule:
			mod, ok := g.Module(n.Target)
			if !ok {
				return nil, fmt.Errorf("node %s targets missing module %q", n.Name, n.Target)
			}
			out = append(out, quantize.Step{Module: mod})
		case graph.CallFunction:
			out = append(out, quantize.Step{Fn: n.Target})
		default:
			return nil, fmt.Errorf("node %s has op %s, cannot prepare", n.Name, n.Op)
		}
	}
	return out, nil
}

// ConvertNShadowsModel freezes every prepared sub-unit into its
// quantized form and enables all probes for the measurement pass.
func ConvertNShadowsModel(m *Model) error {
	if m.converted {
		return fmt.Errorf("convert sweep: model already converted")
	}
	for key, prep := range m.units {
		conv, err := prep.Convert()
		if err != nil {
			return fmt.Errorf("convert sweep: unit (%d, %d): %w", key.Subgraph, key.Candidate, err)
		}
		if err := m.Graph.ReplaceModule(m.unitNames[key], conv); err != nil {
			return fmt.Errorf("convert sweep: %w", err)
		}
	}
	m.Probes.SetEnabled(true)
	m.converted = true
	return nil
}
