package instrument

import (
	"fmt"

	"github.com/quantlens/quantlens/internal/capture"
	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/match"
	"github.com/quantlens/quantlens/internal/metrics"
)

// AddLoggers matches graphs a and b and returns instrumented copies
// of both, each with a probe spliced after every matched region's end
// node. With opts.LogInputs the node-valued inputs of each region's
// start node are probed as well. The originals are not touched, and
// probe insertion never changes what downstream consumers compute.
func AddLoggers(nameA string, a *graph.Graph, nameB string, b *graph.Graph, opts Options) (*Model, *Model, error) {
	res, err := match.MatchingSubgraphPairs(a, b, opts.Match)
	if err != nil {
		return nil, nil, fmt.Errorf("add loggers: %w", err)
	}
	ma, err := addLoggersOne(nameA, a, res, sideA, opts)
	if err != nil {
		return nil, nil, err
	}
	mb, err := addLoggersOne(nameB, b, res, sideB, opts)
	if err != nil {
		return nil, nil, err
	}
	return ma, mb, nil
}

type side int

const (
	sideA side = iota
	sideB
)

func addLoggersOne(name string, src *graph.Graph, res *match.Result, s side, opts Options) (*Model, error) {
	g := src.Clone()
	reg := capture.NewRegistry()
	m := &Model{Name: name, Graph: g, Probes: reg}

	for _, matchName := range res.Names() {
		pair, _ := res.Pair(matchName)
		sg := pair.A
		if s == sideB {
			sg = pair.B
		}
		end, ok := g.NodeByName(sg.End.Name)
		if !ok {
			return nil, fmt.Errorf("add loggers: node %s missing from clone of %s", sg.End.Name, name)
		}
		if err := insertOutputProbe(m, matchName, end); err != nil {
			return nil, err
		}
		if !opts.LogInputs {
			continue
		}
		start, ok := g.NodeByName(sg.Start.Name)
		if !ok {
			return nil, fmt.Errorf("add loggers: node %s missing from clone of %s", sg.Start.Name, name)
		}
		if err := insertInputProbes(m, matchName, start); err != nil {
			return nil, err
		}
	}
	log.Debug("loggers added", "model", name, "probes", reg.Len())
	return m, nil
}

// insertOutputProbe splices a probe after node, rewiring node's
// consumers through it.
func insertOutputProbe(m *Model, matchName string, node *graph.Node) error {
	attr := matchName + "_out_probe"
	p := capture.New(capture.Meta{
		RefNodeName:        node.Name,
		PrevNodeName:       node.Name,
		ModelName:          m.Name,
		RefName:            matchName,
		PrevNodeTargetType: graph.NodeTypeString(node, m.Graph),
		RefNodeTargetType:  graph.NodeTypeString(node, m.Graph),
		ResultsType:        capture.ResultTypeNodeOutput,
		FQN:                node.FQN,
	})
	if err := registerProbe(m, attr, p); err != nil {
		return err
	}
	if _, err := m.Graph.InsertAfter(node, attr, attr); err != nil {
		return fmt.Errorf("add loggers: %w", err)
	}
	metrics.RecordProbeInserted()
	return nil
}

// insertInputProbes splices one probe per node-valued input of node,
// each reading only its own argument slot.
func insertInputProbes(m *Model, matchName string, node *graph.Node) error {
	for argIdx, a := range node.Args {
		switch a.Kind {
		case graph.ArgNode:
			if err := insertInputProbe(m, matchName, node, argIdx, 0, a.Node); err != nil {
				return err
			}
		case graph.ArgNodeList:
			for withinIdx, src := range a.List {
				if err := insertInputProbe(m, matchName, node, argIdx, withinIdx, src); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func insertInputProbe(m *Model, matchName string, node *graph.Node, argIdx, withinIdx int, src *graph.Node) error {
	attr := fmt.Sprintf("%s_in_probe_%d_%d", matchName, argIdx, withinIdx)
	p := capture.New(capture.Meta{
		RefNodeName:        node.Name,
		PrevNodeName:       src.Name,
		ModelName:          m.Name,
		RefName:            matchName,
		PrevNodeTargetType: graph.NodeTypeString(src, m.Graph),
		RefNodeTargetType:  graph.NodeTypeString(node, m.Graph),
		ResultsType:        capture.ResultTypeNodeInput,
		IndexOfArg:         argIdx,
		IndexWithinArg:     withinIdx,
		FQN:                node.FQN,
	})
	if err := registerProbe(m, attr, p); err != nil {
		return err
	}
	if _, err := m.Graph.InsertBeforeArg(node, argIdx, withinIdx, attr, attr); err != nil {
		return fmt.Errorf("add loggers: %w", err)
	}
	metrics.RecordProbeInserted()
	return nil
}

// registerProbe installs the probe as a graph module and records it
// in the model's registry. A name collision is a construction bug.
func registerProbe(m *Model, attr string, p *capture.Probe) error {
	if err := m.Graph.SetModule(attr, p); err != nil {
		metrics.RecordConstructionError("add_loggers", "attribute_collision")
		return fmt.Errorf("add loggers: %w", err)
	}
	if err := m.Probes.Add(attr, p); err != nil {
		metrics.RecordConstructionError("add_loggers", "registry_collision")
		return fmt.Errorf("add loggers: %w", err)
	}
	return nil
}
