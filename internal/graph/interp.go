package graph

import "fmt"

// evalArg resolves one argument against the values map.
func evalArg(a Arg, vals map[*Node]Value) (Value, error) {
	switch a.Kind {
	case ArgNode:
		v, ok := vals[a.Node]
		if !ok {
			return Value{}, fmt.Errorf("no value for node %s", a.Node.Name)
		}
		return v, nil
	case ArgNodeList:
		out := make([]Value, len(a.List))
		for i, inner := range a.List {
			v, ok := vals[inner]
			if !ok {
				return Value{}, fmt.Errorf("no value for node %s", inner.Name)
			}
			out[i] = v
		}
		return ListValue(out...), nil
	case ArgScalar:
		return ScalarValue(a.Scalar), nil
	}
	return Value{}, fmt.Errorf("unknown arg kind %d", a.Kind)
}

func (g *Graph) execNode(n *Node, vals map[*Node]Value, inputs []Value, phIdx *int) (Value, error) {
	switch n.Op {
	case Placeholder:
		if *phIdx >= len(inputs) {
			return Value{}, fmt.Errorf("missing input for placeholder %s", n.Name)
		}
		v := inputs[*phIdx]
		*phIdx++
		return v, nil
	case CallModule:
		m, ok := g.modules[n.Target]
		if !ok {
			return Value{}, fmt.Errorf("node %s: missing module %q", n.Name, n.Target)
		}
		args, err := g.evalArgs(n, vals)
		if err != nil {
			return Value{}, err
		}
		out, err := m.Forward(args...)
		if err != nil {
			return Value{}, fmt.Errorf("node %s: %w", n.Name, err)
		}
		return out, nil
	case CallFunction:
		fn, ok := g.funcs[n.Target]
		if !ok {
			return Value{}, fmt.Errorf("node %s: missing function %q", n.Name, n.Target)
		}
		args, err := g.evalArgs(n, vals)
		if err != nil {
			return Value{}, err
		}
		out, err := fn(args...)
		if err != nil {
			return Value{}, fmt.Errorf("node %s: %w", n.Name, err)
		}
		return out, nil
	case Output:
		if len(n.Args) != 1 {
			return Value{}, fmt.Errorf("output node %s must have exactly one arg", n.Name)
		}
		return evalArg(n.Args[0], vals)
	}
	return Value{}, fmt.Errorf("node %s: unknown op kind", n.Name)
}

func (g *Graph) evalArgs(n *Node, vals map[*Node]Value) ([]Value, error) {
	args := make([]Value, 0, len(n.Args))
	for _, a := range n.Args {
		v, err := evalArg(a, vals)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.Name, err)
		}
		args = append(args, v)
	}
	// kwargs, if any, follow positional args in name-sorted order so
	// execution is deterministic
	if len(n.Kwargs) > 0 {
		for _, k := range sortedKeys(n.Kwargs) {
			v, err := evalArg(n.Kwargs[k], vals)
			if err != nil {
				return nil, fmt.Errorf("node %s kwarg %s: %w", n.Name, k, err)
			}
			args = append(args, v)
		}
	}
	return args, nil
}

// Run executes the graph against positional inputs, one per
// placeholder in order, and returns the output value.
func (g *Graph) Run(inputs ...Value) (Value, error) {
	vals := make(map[*Node]Value, len(g.nodes))
	phIdx := 0
	var out Value
	for _, n := range g.nodes {
		v, err := g.execNode(n, vals, inputs, &phIdx)
		if err != nil {
			return Value{}, err
		}
		vals[n] = v
		if n.Op == Output {
			out = v
		}
	}
	if g.output == nil {
		return Value{}, fmt.Errorf("graph has no output node")
	}
	return out, nil
}

// PropagateExamples runs the graph once and caches each node's value
// as its example, detached from the live execution. Used by the sweep
// builder to feed realistic calibration data to candidate branches.
func (g *Graph) PropagateExamples(inputs ...Value) error {
	vals := make(map[*Node]Value, len(g.nodes))
	phIdx := 0
	for _, n := range g.nodes {
		v, err := g.execNode(n, vals, inputs, &phIdx)
		if err != nil {
			return fmt.Errorf("example propagation: %w", err)
		}
		vals[n] = v
		snap := v.Clone()
		n.Example = &snap
	}
	return nil
}

func sortedKeys(m map[string]Arg) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
