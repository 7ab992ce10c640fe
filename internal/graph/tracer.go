package graph

import "fmt"

// Tracer turns a model into a node graph. Calibration and
// observation-only leaf modules must be kept opaque, not traced
// through.
type Tracer interface {
	Trace(model interface{}) (*Graph, error)
}

// PassthroughTracer accepts models that are already graph-shaped and
// validates them. It is the default tracer: the suite's model
// representation is the graph itself, so tracing reduces to a
// consistency check.
type PassthroughTracer struct{}

func (PassthroughTracer) Trace(model interface{}) (*Graph, error) {
	g, ok := model.(*Graph)
	if !ok {
		return nil, fmt.Errorf("trace: model is %T, not *graph.Graph", model)
	}
	if err := g.Recompile(); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	return g, nil
}

// NodeTypeString returns the op identifier used for matching: the
// module's op type for call-module nodes, the function name for
// call-function nodes, and the op kind otherwise.
func NodeTypeString(n *Node, g *Graph) string {
	switch n.Op {
	case CallModule:
		if m, ok := g.Module(n.Target); ok {
			return m.OpType()
		}
		return "missing_module"
	case CallFunction:
		return n.Target
	}
	return n.Op.String()
}
