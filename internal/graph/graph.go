package graph

import (
	"fmt"
	"strings"

	"github.com/quantlens/quantlens/internal/tensor"
)

// Module is a callable owned by a graph's module table. Stateful
// modules (probes, observers) carry their state across calls.
type Module interface {
	// OpType identifies the operation for matching purposes, e.g.
	// "linear" or "quantized.linear".
	OpType() string
	Forward(vals ...Value) (Value, error)
	// CloneModule returns an independent copy. Stateful modules
	// reset accumulated state in the copy.
	CloneModule() Module
}

// Weighted is implemented by modules that own a weight tensor, used
// for weight extraction.
type Weighted interface {
	Weight() *tensor.Tensor
}

// Impure marks modules whose calls must never be eliminated by
// dead-code passes even when their output is unused.
type Impure interface {
	IsImpure() bool
}

// Graph is an ordered computation graph with an owned module table.
// Not safe for concurrent mutation.
type Graph struct {
	nodes   []*Node
	byName  map[string]*Node
	modules map[string]Module
	funcs   FuncTable
	output  *Node
}

// New creates an empty graph with the default function table.
func New() *Graph {
	return NewWithFuncs(DefaultFuncs())
}

// NewWithFuncs creates an empty graph with an injected function table.
func NewWithFuncs(funcs FuncTable) *Graph {
	ft := make(FuncTable, len(funcs))
	for k, v := range funcs {
		ft[k] = v
	}
	return &Graph{
		byName:  make(map[string]*Node),
		modules: make(map[string]Module),
		funcs:   ft,
	}
}

// Nodes returns the nodes in execution order. The returned slice is a
// copy; the nodes are shared.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// NodeByName returns the node with the given unique name.
func (g *Graph) NodeByName(name string) (*Node, bool) {
	n, ok := g.byName[name]
	return n, ok
}

// OutputNode returns the graph's output node, nil if unset.
func (g *Graph) OutputNode() *Node { return g.output }

// Funcs returns the graph's function table.
func (g *Graph) Funcs() FuncTable { return g.funcs }

// uniquify returns name, or name with a numeric suffix when taken.
func (g *Graph) uniquify(name string) string {
	if _, taken := g.byName[name]; !taken {
		return name
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d", name, i)
		if _, taken := g.byName[candidate]; !taken {
			return candidate
		}
	}
}

func (g *Graph) appendNode(n *Node) *Node {
	g.byName[n.Name] = n
	g.nodes = append(g.nodes, n)
	return n
}

// AddPlaceholder appends a graph input.
func (g *Graph) AddPlaceholder(name string) *Node {
	return g.appendNode(&Node{
		Name: g.uniquify(name),
		Op:   Placeholder,
	})
}

// AddCallModule appends a node invoking the named module. The node
// name derives from the module name.
func (g *Graph) AddCallModule(moduleName string, args ...Arg) *Node {
	return g.appendNode(&Node{
		Name:   g.uniquify(sanitizeName(moduleName)),
		Op:     CallModule,
		Target: moduleName,
		Args:   args,
	})
}

// AddCallFunction appends a node invoking a function-table entry.
func (g *Graph) AddCallFunction(fnName string, args ...Arg) *Node {
	return g.appendNode(&Node{
		Name:   g.uniquify(sanitizeName(fnName)),
		Op:     CallFunction,
		Target: fnName,
		Args:   args,
	})
}

// SetOutput appends the output node returning n's value. A graph has
// exactly one output.
func (g *Graph) SetOutput(n *Node) (*Node, error) {
	if g.output != nil {
		return nil, fmt.Errorf("graph already has output node %s", g.output.Name)
	}
	out := g.appendNode(&Node{
		Name: g.uniquify("output"),
		Op:   Output,
		Args: []Arg{NodeArg(n)},
	})
	g.output = out
	return out, nil
}

// SetModule adds a module under name. Adding a name twice is a
// construction error.
func (g *Graph) SetModule(name string, m Module) error {
	if _, exists := g.modules[name]; exists {
		return fmt.Errorf("module attribute %q already exists", name)
	}
	g.modules[name] = m
	return nil
}

// ReplaceModule swaps an existing module for another.
func (g *Graph) ReplaceModule(name string, m Module) error {
	if _, exists := g.modules[name]; !exists {
		return fmt.Errorf("module attribute %q does not exist", name)
	}
	g.modules[name] = m
	return nil
}

// Module returns the module registered under name.
func (g *Graph) Module(name string) (Module, bool) {
	m, ok := g.modules[name]
	return m, ok
}

// ModuleNames returns the registered module names, unordered.
func (g *Graph) ModuleNames() []string {
	out := make([]string, 0, len(g.modules))
	for name := range g.modules {
		out = append(out, name)
	}
	return out
}

// Users returns the nodes consuming n, in execution order.
func (g *Graph) Users(n *Node) []*Node {
	var out []*Node
	for _, other := range g.nodes {
		for _, in := range other.InputNodes() {
			if in == n {
				out = append(out, other)
				break
			}
		}
	}
	return out
}

func (g *Graph) indexOf(n *Node) int {
	for i, other := range g.nodes {
		if other == n {
			return i
		}
	}
	return -1
}

func (g *Graph) insertAt(idx int, n *Node) *Node {
	g.byName[n.Name] = n
	g.nodes = append(g.nodes, nil)
	copy(g.nodes[idx+1:], g.nodes[idx:])
	g.nodes[idx] = n
	return n
}

// replaceUses rewires every use of old to new, except within skip.
func (g *Graph) replaceUses(old, new *Node, skip *Node) {
	for _, n := range g.nodes {
		if n == skip || n == new {
			continue
		}
		for i, a := range n.Args {
			switch a.Kind {
			case ArgNode:
				if a.Node == old {
					n.Args[i].Node = new
				}
			case ArgNodeList:
				for j, inner := range a.List {
					if inner == old {
						n.Args[i].List[j] = new
					}
				}
			}
		}
		for k, a := range n.Kwargs {
			switch a.Kind {
			case ArgNode:
				if a.Node == old {
					a.Node = new
					n.Kwargs[k] = a
				}
			case ArgNodeList:
				for j, inner := range a.List {
					if inner == old {
						a.List[j] = new
					}
				}
			}
		}
	}
}

// InsertAfter splices a call-module node immediately after target,
// rewiring every existing consumer of target to consume the new node
// instead. The module must be value-preserving for the rewiring to be
// numerically transparent.
func (g *Graph) InsertAfter(target *Node, name, moduleName string) (*Node, error) {
	idx := g.indexOf(target)
	if idx < 0 {
		return nil, fmt.Errorf("node %s not in graph", target.Name)
	}
	n := &Node{
		Name:   g.uniquify(name),
		Op:     CallModule,
		Target: moduleName,
		Args:   []Arg{NodeArg(target)},
	}
	g.replaceUses(target, n, nil)
	return g.insertAt(idx+1, n), nil
}

// InsertBeforeArg splices a call-module node reading consumer's
// (argIdx, withinIdx) input, placed immediately before consumer, and
// rewires only that input of consumer to the new node. All other
// consumers of the original input are untouched.
func (g *Graph) InsertBeforeArg(consumer *Node, argIdx, withinIdx int, name, moduleName string) (*Node, error) {
	idx := g.indexOf(consumer)
	if idx < 0 {
		return nil, fmt.Errorf("node %s not in graph", consumer.Name)
	}
	if argIdx >= len(consumer.Args) {
		return nil, fmt.Errorf("node %s has no arg %d", consumer.Name, argIdx)
	}
	a := consumer.Args[argIdx]
	var src *Node
	switch a.Kind {
	case ArgNode:
		if withinIdx != 0 {
			return nil, fmt.Errorf("node %s arg %d is not a list", consumer.Name, argIdx)
		}
		src = a.Node
	case ArgNodeList:
		if withinIdx >= len(a.List) {
			return nil, fmt.Errorf("node %s arg %d has no element %d", consumer.Name, argIdx, withinIdx)
		}
		src = a.List[withinIdx]
	default:
		return nil, fmt.Errorf("node %s arg %d is not node-valued", consumer.Name, argIdx)
	}
	n := &Node{
		Name:   g.uniquify(name),
		Op:     CallModule,
		Target: moduleName,
		Args:   []Arg{NodeArg(src)},
	}
	g.insertAt(idx, n)
	switch a.Kind {
	case ArgNode:
		consumer.Args[argIdx].Node = n
	case ArgNodeList:
		consumer.Args[argIdx].List[withinIdx] = n
	}
	return n, nil
}

// InsertFunctionAfter splices a call-function node immediately after
// target, rewiring every existing consumer of target to the new node.
// extra args follow the target value.
func (g *Graph) InsertFunctionAfter(target *Node, name, fnName string, extra ...Arg) (*Node, error) {
	idx := g.indexOf(target)
	if idx < 0 {
		return nil, fmt.Errorf("node %s not in graph", target.Name)
	}
	n := &Node{
		Name:   g.uniquify(name),
		Op:     CallFunction,
		Target: fnName,
		Args:   append([]Arg{NodeArg(target)}, extra...),
	}
	g.replaceUses(target, n, nil)
	return g.insertAt(idx+1, n), nil
}

// InsertFunctionBeforeArg splices a call-function node reading
// consumer's (argIdx, withinIdx) input, placed immediately before
// consumer, rewiring only that input.
func (g *Graph) InsertFunctionBeforeArg(consumer *Node, argIdx, withinIdx int, name, fnName string, extra ...Arg) (*Node, error) {
	idx := g.indexOf(consumer)
	if idx < 0 {
		return nil, fmt.Errorf("node %s not in graph", consumer.Name)
	}
	if argIdx >= len(consumer.Args) {
		return nil, fmt.Errorf("node %s has no arg %d", consumer.Name, argIdx)
	}
	a := consumer.Args[argIdx]
	var src *Node
	switch a.Kind {
	case ArgNode:
		if withinIdx != 0 {
			return nil, fmt.Errorf("node %s arg %d is not a list", consumer.Name, argIdx)
		}
		src = a.Node
	case ArgNodeList:
		if withinIdx >= len(a.List) {
			return nil, fmt.Errorf("node %s arg %d has no element %d", consumer.Name, argIdx, withinIdx)
		}
		src = a.List[withinIdx]
	default:
		return nil, fmt.Errorf("node %s arg %d is not node-valued", consumer.Name, argIdx)
	}
	n := &Node{
		Name:   g.uniquify(name),
		Op:     CallFunction,
		Target: fnName,
		Args:   append([]Arg{NodeArg(src)}, extra...),
	}
	g.insertAt(idx, n)
	switch a.Kind {
	case ArgNode:
		consumer.Args[argIdx].Node = n
	case ArgNodeList:
		consumer.Args[argIdx].List[withinIdx] = n
	}
	return n, nil
}

// InsertTapAfter places a call-module node immediately after target
// consuming the given args, without rewiring any consumers. The tap's
// output is unused; the module must be impure to survive dead-code
// elimination.
func (g *Graph) InsertTapAfter(target *Node, name, moduleName string, args ...Arg) (*Node, error) {
	idx := g.indexOf(target)
	if idx < 0 {
		return nil, fmt.Errorf("node %s not in graph", target.Name)
	}
	n := &Node{
		Name:   g.uniquify(name),
		Op:     CallModule,
		Target: moduleName,
		Args:   args,
	}
	return g.insertAt(idx+1, n), nil
}

// InsertFunctionTapAfter places a call-function node immediately after
// target consuming the given args, without rewiring any consumers.
func (g *Graph) InsertFunctionTapAfter(target *Node, name, fnName string, args ...Arg) (*Node, error) {
	idx := g.indexOf(target)
	if idx < 0 {
		return nil, fmt.Errorf("node %s not in graph", target.Name)
	}
	n := &Node{
		Name:   g.uniquify(name),
		Op:     CallFunction,
		Target: fnName,
		Args:   args,
	}
	return g.insertAt(idx+1, n), nil
}

// Recompile validates the graph after a batch of insertions: every
// arg must reference an earlier node, every call-module target must
// resolve, and the output node must be last if present.
func (g *Graph) Recompile() error {
	seen := make(map[*Node]bool, len(g.nodes))
	for _, n := range g.nodes {
		for _, in := range n.InputNodes() {
			if !seen[in] {
				return fmt.Errorf("node %s consumes %s before it executes", n.Name, in.Name)
			}
		}
		if n.Op == CallModule {
			if _, ok := g.modules[n.Target]; !ok {
				return fmt.Errorf("node %s targets missing module %q", n.Name, n.Target)
			}
		}
		if n.Op == CallFunction {
			if _, ok := g.funcs[n.Target]; !ok {
				return fmt.Errorf("node %s targets missing function %q", n.Name, n.Target)
			}
		}
		seen[n] = true
	}
	if g.output != nil && len(g.nodes) > 0 && g.nodes[len(g.nodes)-1] != g.output {
		return fmt.Errorf("output node %s is not last", g.output.Name)
	}
	return nil
}

func sanitizeName(s string) string {
	return strings.NewReplacer(".", "_", "/", "_").Replace(s)
}
