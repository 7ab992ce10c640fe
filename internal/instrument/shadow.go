package instrument

import (
	"fmt"

	"github.com/quantlens/quantlens/internal/capture"
	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/match"
	"github.com/quantlens/quantlens/internal/metrics"
)

// AddShadowLoggers builds one combined model from matched graphs a
// and b: b's graph executes unchanged, and next to every matched
// region a duplicated copy of a's chain consumes the same input that
// feeds b's region. Both the region output and the shadow output are
// probed under the shared match name, so each region's local error is
// measured against a shared input instead of accumulating upstream
// divergence.
//
// Regions whose chains cannot be duplicated (input arity mismatch,
// missing region input) are skipped with a diagnostic; the rest of
// the construction proceeds.
func AddShadowLoggers(nameA string, a *graph.Graph, nameB string, b *graph.Graph, opts Options) (*Model, error) {
	res, err := match.MatchingSubgraphPairs(a, b, opts.Match)
	if err != nil {
		return nil, fmt.Errorf("add shadow loggers: %w", err)
	}

	g := b.Clone()
	m := &Model{Name: nameB, Graph: g, Probes: capture.NewRegistry()}

	for _, matchName := range res.Names() {
		pair, _ := res.Pair(matchName)
		bEnd, ok := g.NodeByName(pair.B.End.Name)
		if !ok {
			return nil, fmt.Errorf("add shadow loggers: node %s missing from clone", pair.B.End.Name)
		}
		bStart, ok := g.NodeByName(pair.B.Start.Name)
		if !ok {
			return nil, fmt.Errorf("add shadow loggers: node %s missing from clone", pair.B.Start.Name)
		}

		chain, err := chainNodes(a, pair.A)
		if err != nil {
			metrics.RecordSubgraphSkipped("unwalkable_chain")
			log.Warn("skipping shadow region", "match", matchName, "error", err.Error())
			continue
		}
		regionInput := bStart.FirstInputNode()
		if regionInput == nil {
			metrics.RecordSubgraphSkipped("missing_region_input")
			log.Warn("skipping shadow region with no input", "match", matchName)
			continue
		}
		shadowEnd, err := spliceShadowChain(m, matchName, a, chain, regionInput)
		if err != nil {
			metrics.RecordSubgraphSkipped("unsplicable_chain")
			log.Warn("skipping shadow region", "match", matchName, "error", err.Error())
			continue
		}
		// Probes go in only once the region is known to splice, so a
		// skipped region leaves no one-sided record group behind.
		if err := insertShadowProbe(m, matchName, nameB, bEnd, bEnd); err != nil {
			return nil, err
		}
		if err := insertShadowProbe(m, matchName, nameA, shadowEnd, bEnd); err != nil {
			return nil, err
		}
	}
	if err := g.Recompile(); err != nil {
		return nil, fmt.Errorf("add shadow loggers: combined graph is invalid: %w", err)
	}
	log.Debug("shadow model built", "model_a", nameA, "model_b", nameB,
		"matches", res.Len(), "probes", m.Probes.Len())
	return m, nil
}

// chainNodes walks a region's single-consumer chain from start to
// end.
func chainNodes(g *graph.Graph, sg match.Subgraph) ([]*graph.Node, error) {
	out := []*graph.Node{sg.Start}
	cur := sg.Start
	for cur != sg.End {
		users := g.Users(cur)
		if len(users) != 1 {
			return nil, fmt.Errorf("node %s has %d users inside a fused region", cur.Name, len(users))
		}
		cur = users[0]
		out = append(out, cur)
	}
	return out, nil
}

// spliceShadowChain copies a region's chain from the float graph into
// the combined graph, feeding it input. The copies are side taps:
// nothing downstream is rewired. Returns the copied chain's last
// node.
func spliceShadowChain(m *Model, matchName string, src *graph.Graph, chain []*graph.Node, input *graph.Node) (*graph.Node, error) {
	// Validate the whole chain before touching the graph so a
	// rejected region leaves nothing behind.
	for _, orig := range chain {
		if n := countNodeInputs(orig); n != 1 {
			return nil, fmt.Errorf("node %s expects %d tensor inputs, shadow chains are unary", orig.Name, n)
		}
		switch orig.Op {
		case graph.CallModule:
			if _, ok := src.Module(orig.Target); !ok {
				return nil, fmt.Errorf("node %s targets missing module %q", orig.Name, orig.Target)
			}
		case graph.CallFunction:
		default:
			return nil, fmt.Errorf("node %s has op %s, cannot shadow", orig.Name, orig.Op)
		}
	}

	prev := input
	for i, orig := range chain {
		name := fmt.Sprintf("shadow_%s_%d", matchName, i)
		var (
			node *graph.Node
			err  error
		)
		switch orig.Op {
		case graph.CallModule:
			mod, ok := src.Module(orig.Target)
			if !ok {
				return nil, fmt.Errorf("node %s targets missing module %q", orig.Name, orig.Target)
			}
			if err := m.Graph.SetModule(name, mod.CloneModule()); err != nil {
				metrics.RecordConstructionError("add_shadow_loggers", "attribute_collision")
				return nil, err
			}
			node, err = m.Graph.InsertTapAfter(prev, name, name, graph.NodeArg(prev))
		case graph.CallFunction:
			args := []graph.Arg{graph.NodeArg(prev)}
			args = append(args, scalarArgs(orig)...)
			node, err = m.Graph.InsertFunctionTapAfter(prev, name, orig.Target, args...)
		}
		if err != nil {
			return nil, err
		}
		prev = node
	}
	return prev, nil
}

func countNodeInputs(n *graph.Node) int {
	count := 0
	for _, a := range n.Args {
		switch a.Kind {
		case graph.ArgNode:
			count++
		case graph.ArgNodeList:
			count += len(a.List)
		}
	}
	return count
}

func scalarArgs(n *graph.Node) []graph.Arg {
	var out []graph.Arg
	for _, a := range n.Args {
		if a.Kind == graph.ArgScalar {
			out = append(out, a)
		}
	}
	return out
}

// insertShadowProbe taps a node's value without rewiring its
// consumers. ref carries the region identity shared by both branches.
func insertShadowProbe(m *Model, matchName, modelName string, node, ref *graph.Node) error {
	attr := fmt.Sprintf("%s_%s_shadow_probe", matchName, modelName)
	p := capture.New(capture.Meta{
		RefNodeName:        ref.Name,
		PrevNodeName:       node.Name,
		ModelName:          modelName,
		RefName:            matchName,
		PrevNodeTargetType: graph.NodeTypeString(node, m.Graph),
		RefNodeTargetType:  graph.NodeTypeString(ref, m.Graph),
		ResultsType:        capture.ResultTypeNodeOutput,
		FQN:                node.FQN,
	})
	if err := m.Graph.SetModule(attr, p); err != nil {
		metrics.RecordConstructionError("add_shadow_loggers", "attribute_collision")
		return fmt.Errorf("add shadow loggers: %w", err)
	}
	if err := m.Probes.Add(attr, p); err != nil {
		metrics.RecordConstructionError("add_shadow_loggers", "registry_collision")
		return fmt.Errorf("add shadow loggers: %w", err)
	}
	if _, err := m.Graph.InsertTapAfter(node, attr, attr, graph.NodeArg(node)); err != nil {
		return fmt.Errorf("add shadow loggers: %w", err)
	}
	metrics.RecordProbeInserted()
	return nil
}
