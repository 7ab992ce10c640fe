package graph

import "fmt"

// Clone deep-copies the graph: nodes, wiring, module table (via
// CloneModule), and cached example values. Instrumentation passes run
// on clones so callers keep pristine originals.
//
// Nodes are appended before anything can reference them, so an arg
// pointing at a node outside the graph is a corrupted graph; Clone
// panics rather than propagating it.
func (g *Graph) Clone() *Graph {
	out := NewWithFuncs(g.funcs)
	for name, m := range g.modules {
		out.modules[name] = m.CloneModule()
	}

	mapping := make(map[*Node]*Node, len(g.nodes))
	cloneArg := func(a Arg) Arg {
		switch a.Kind {
		case ArgNode:
			nn, ok := mapping[a.Node]
			if !ok {
				panic(fmt.Sprintf("clone: arg references node %s not in graph", a.Node.Name))
			}
			return NodeArg(nn)
		case ArgNodeList:
			list := make([]*Node, len(a.List))
			for i, inner := range a.List {
				nn, ok := mapping[inner]
				if !ok {
					panic(fmt.Sprintf("clone: list arg references node %s not in graph", inner.Name))
				}
				list[i] = nn
			}
			return NodeListArg(list...)
		default:
			return a
		}
	}

	for _, n := range g.nodes {
		nn := &Node{
			Name:   n.Name,
			Op:     n.Op,
			Target: n.Target,
			FQN:    n.FQN,
		}
		if n.Example != nil {
			ex := n.Example.Clone()
			nn.Example = &ex
		}
		for _, a := range n.Args {
			nn.Args = append(nn.Args, cloneArg(a))
		}
		if n.Kwargs != nil {
			nn.Kwargs = make(map[string]Arg, len(n.Kwargs))
			for k, a := range n.Kwargs {
				nn.Kwargs[k] = cloneArg(a)
			}
		}
		mapping[n] = nn
		out.appendNode(nn)
		if n == g.output {
			out.output = nn
		}
	}
	return out
}
