// Package match aligns two structurally similar computation graphs
// into corresponding subgraph pairs.
//
// The alignment is a greedy linear scan over each graph's fusion
// candidates in positional order, with no backtracking. When the two
// candidate sequences diverge mid-way (an op deleted or inserted in
// one variant) the scan skips and continues without validating that
// the remaining alignment is still meaningful; this is a known
// fidelity limitation, kept deliberately permissive.
package match

import (
	"fmt"

	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/logger"
	"github.com/quantlens/quantlens/internal/metrics"
)

// Subgraph is a contiguous single-input single-output chain. BaseOp
// is the node whose type determines matchability and from which
// weights are extracted; Start receives the region's input and End
// produces its output.
type Subgraph struct {
	Start  *graph.Node
	End    *graph.Node
	BaseOp *graph.Node
}

// Pair is one matched region across two graphs.
type Pair struct {
	A Subgraph
	B Subgraph
}

// Result is the ordered match-name to pair mapping.
type Result struct {
	names []string
	pairs map[string]Pair
}

// Names returns the match names in match order.
func (r *Result) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Pair returns the pair for a match name.
func (r *Result) Pair(name string) (Pair, bool) {
	p, ok := r.pairs[name]
	return p, ok
}

// Len returns the number of matched pairs.
func (r *Result) Len() int { return len(r.names) }

func (r *Result) add(name string, p Pair) {
	r.names = append(r.names, name)
	r.pairs[name] = p
}

// Options configures one matcher run. Zero-value fields fall back to
// the built-in defaults.
type Options struct {
	// Relatedness maps a canonical base op name to the op
	// identifiers, across float and quantized domains, considered
	// equivalent.
	Relatedness map[string][]string
	// Patterns are fusion chains as op-type sequences, e.g.
	// {"linear", "relu"}. Longer patterns win over shorter ones.
	Patterns [][]string
	// Unmatchable op types are never offered for matching.
	Unmatchable []string
}

// DefaultRelatedness returns the built-in op-relatedness table.
func DefaultRelatedness() map[string][]string {
	return map[string][]string{
		"linear":      {"linear", "quantized.linear"},
		"conv2d":      {"conv2d", "quantized.conv2d"},
		"batchnorm2d": {"batchnorm2d"},
		"relu":        {"relu"},
		"sigmoid":     {"sigmoid"},
		"add":         {"add", "quantized.add"},
		"mul":         {"mul", "quantized.mul"},
		"cat":         {"cat"},
	}
}

// DefaultPatterns returns the built-in fusion patterns, longest first.
func DefaultPatterns() [][]string {
	return [][]string{
		{"conv2d", "batchnorm2d", "relu"},
		{"conv2d", "batchnorm2d"},
		{"conv2d", "relu"},
		{"quantized.conv2d", "relu"},
		{"linear", "relu"},
		{"quantized.linear", "relu"},
	}
}

// DefaultUnmatchable returns op types skipped during matching:
// quantization plumbing and probes have no counterpart in the other
// graph by construction.
func DefaultUnmatchable() []string {
	return []string{
		"quantize_per_tensor",
		"dequantize",
		"observer",
		"probe",
		"flatten",
	}
}

func (o Options) relatedness() map[string][]string {
	if o.Relatedness != nil {
		return o.Relatedness
	}
	return DefaultRelatedness()
}

func (o Options) patterns() [][]string {
	if o.Patterns != nil {
		return o.Patterns
	}
	return DefaultPatterns()
}

func (o Options) unmatchable() map[string]bool {
	list := o.Unmatchable
	if list == nil {
		list = DefaultUnmatchable()
	}
	out := make(map[string]bool, len(list))
	for _, t := range list {
		out[t] = true
	}
	return out
}

// typePairs derives the symmetric related-type pair set from a
// relatedness table.
func typePairs(rel map[string][]string) map[[2]string]bool {
	out := make(map[[2]string]bool)
	for _, types := range rel {
		for _, a := range types {
			for _, b := range types {
				out[[2]string{a, b}] = true
			}
		}
	}
	return out
}

// baseNameOf returns the canonical base op name containing t, or t
// itself when the table does not know it. Iteration over the table is
// made deterministic by preferring the shortest base name, then
// lexicographic order.
func baseNameOf(t string, rel map[string][]string) string {
	best := ""
	for base, types := range rel {
		for _, tt := range types {
			if tt != t {
				continue
			}
			if best == "" || len(base) < len(best) || (len(base) == len(best) && base < best) {
				best = base
			}
		}
	}
	if best == "" {
		return t
	}
	return best
}

// EnumerateSubgraphs walks a graph in execution order and collapses
// fusion-pattern chains into candidate subgraphs. Every call node
// belongs to at most one candidate.
func EnumerateSubgraphs(g *graph.Graph, patterns [][]string) []Subgraph {
	consumed := make(map[*graph.Node]bool)
	var out []Subgraph
	for _, n := range g.Nodes() {
		if consumed[n] {
			continue
		}
		if n.Op != graph.CallModule && n.Op != graph.CallFunction {
			continue
		}
		chain := matchChain(g, n, patterns, consumed)
		for _, c := range chain {
			consumed[c] = true
		}
		out = append(out, Subgraph{
			Start:  chain[0],
			End:    chain[len(chain)-1],
			BaseOp: chain[0],
		})
	}
	return out
}

// matchChain returns the longest fusion chain starting at n, falling
// back to the single node.
func matchChain(g *graph.Graph, n *graph.Node, patterns [][]string, consumed map[*graph.Node]bool) []*graph.Node {
	nType := graph.NodeTypeString(n, g)
	var best []*graph.Node
	for _, pat := range patterns {
		if len(pat) == 0 || pat[0] != nType || len(pat) <= len(best) {
			continue
		}
		chain := []*graph.Node{n}
		cur := n
		ok := true
		for _, want := range pat[1:] {
			users := g.Users(cur)
			// fusion requires a single consumer forming a
			// single-input single-output chain
			if len(users) != 1 {
				ok = false
				break
			}
			next := users[0]
			if consumed[next] || graph.NodeTypeString(next, g) != want || next.FirstInputNode() != cur {
				ok = false
				break
			}
			chain = append(chain, next)
			cur = next
		}
		if ok && len(chain) == len(pat) {
			best = chain
		}
	}
	if best == nil {
		best = []*graph.Node{n}
	}
	return best
}

// MatchingSubgraphPairs aligns two graphs into an ordered mapping of
// match name to subgraph pair. Unmatchable and type-unrelated
// candidates are skipped silently; partial coverage is normal.
// Matching is deterministic: identical inputs yield identical
// mappings.
func MatchingSubgraphPairs(a, b *graph.Graph, opts Options) (*Result, error) {
	rel := opts.relatedness()
	pairs := typePairs(rel)
	unmatchable := opts.unmatchable()
	patterns := opts.patterns()

	candsA := EnumerateSubgraphs(a, patterns)
	candsB := EnumerateSubgraphs(b, patterns)

	log := logger.Log.With("matcher")
	res := &Result{pairs: make(map[string]Pair)}
	ia, ib := 0, 0
	for ia < len(candsA) && ib < len(candsB) {
		sa, sb := candsA[ia], candsB[ib]
		ta := graph.NodeTypeString(sa.BaseOp, a)
		tb := graph.NodeTypeString(sb.BaseOp, b)

		if unmatchable[ta] {
			metrics.RecordSubgraphSkipped("unmatchable_type")
			ia++
			continue
		}
		if unmatchable[tb] {
			metrics.RecordSubgraphSkipped("unmatchable_type")
			ib++
			continue
		}
		// a type the table does not know at all cannot match anything
		// on the other side; skip that side alone
		if !typeKnown(ta, rel) {
			log.Debug("skipping unknown op type", "graph", "a", "type", ta, "node", sa.BaseOp.Name)
			metrics.RecordSubgraphSkipped("unknown_type")
			ia++
			continue
		}
		if !typeKnown(tb, rel) {
			log.Debug("skipping unknown op type", "graph", "b", "type", tb, "node", sb.BaseOp.Name)
			metrics.RecordSubgraphSkipped("unknown_type")
			ib++
			continue
		}
		if !pairs[[2]string{ta, tb}] {
			// both types are known but unrelated: positional drift,
			// skip the pair and continue scanning
			log.Debug("skipping unrelated candidate pair",
				"type_a", ta, "node_a", sa.BaseOp.Name,
				"type_b", tb, "node_b", sb.BaseOp.Name)
			metrics.RecordSubgraphSkipped("unrelated_types")
			ia++
			ib++
			continue
		}

		name := fmt.Sprintf("%s_%d", baseNameOf(ta, rel), res.Len())
		res.add(name, Pair{A: sa, B: sb})
		ia++
		ib++
	}

	metrics.RecordMatchPairs(res.Len())
	log.Debug("matching complete", "pairs", res.Len(),
		"candidates_a", len(candsA), "candidates_b", len(candsB))
	return res, nil
}

func typeKnown(t string, rel map[string][]string) bool {
	for _, types := range rel {
		for _, tt := range types {
			if tt == t {
				return true
			}
		}
	}
	return false
}
