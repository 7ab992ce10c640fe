package graph

import "fmt"

// OpKind is the operation class of a node.
type OpKind int

const (
	Placeholder OpKind = iota
	CallModule
	CallFunction
	Output
)

func (k OpKind) String() string {
	switch k {
	case Placeholder:
		return "placeholder"
	case CallModule:
		return "call_module"
	case CallFunction:
		return "call_function"
	case Output:
		return "output"
	}
	return "unknown"
}

// ArgKind is the variant tag of one node argument.
type ArgKind int

const (
	ArgNode ArgKind = iota
	ArgNodeList
	ArgScalar
)

// Arg is a single positional or keyword argument of a node. An
// argument is either a reference to another node, a list of node
// references, or a scalar literal.
type Arg struct {
	Kind   ArgKind
	Node   *Node
	List   []*Node
	Scalar float64
}

// NodeArg references a single upstream node.
func NodeArg(n *Node) Arg { return Arg{Kind: ArgNode, Node: n} }

// NodeListArg references an ordered list of upstream nodes.
func NodeListArg(ns ...*Node) Arg { return Arg{Kind: ArgNodeList, List: ns} }

// ScalarArg carries a literal.
func ScalarArg(f float64) Arg { return Arg{Kind: ArgScalar, Scalar: f} }

// Node is one entry in a computation graph. Nodes form a DAG; the
// owning graph's insertion order is a valid execution order.
type Node struct {
	Name   string
	Op     OpKind
	Target string
	Args   []Arg
	Kwargs map[string]Arg

	// FQN is the fully-qualified scope name from the originating
	// module tree, empty when unknown.
	FQN string

	// Example is the cached value from a prior propagation pass,
	// nil until PropagateExamples has run.
	Example *Value
}

func (n *Node) String() string {
	return fmt.Sprintf("%s[%s:%s]", n.Name, n.Op, n.Target)
}

// InputNodes returns the upstream nodes referenced by n's args and
// kwargs, flattening node lists, in positional order.
func (n *Node) InputNodes() []*Node {
	var out []*Node
	for _, a := range n.Args {
		switch a.Kind {
		case ArgNode:
			out = append(out, a.Node)
		case ArgNodeList:
			out = append(out, a.List...)
		}
	}
	for _, a := range n.Kwargs {
		switch a.Kind {
		case ArgNode:
			out = append(out, a.Node)
		case ArgNodeList:
			out = append(out, a.List...)
		}
	}
	return out
}

// FirstInputNode returns the first node-valued positional argument, or
// nil when the node has no node-valued inputs. List arguments resolve
// to their first element.
func (n *Node) FirstInputNode() *Node {
	for _, a := range n.Args {
		switch a.Kind {
		case ArgNode:
			return a.Node
		case ArgNodeList:
			if len(a.List) > 0 {
				return a.List[0]
			}
		}
	}
	return nil
}
