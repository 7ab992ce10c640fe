package match

import (
	"reflect"
	"testing"

	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/nn"
)

func buildChain(t *testing.T, withRelu bool) *graph.Graph {
	t.Helper()
	g := graph.NewWithFuncs(graph.DefaultFuncs())
	x := g.AddPlaceholder("x")
	if err := g.SetModule("fc", nn.NewLinear(4, 3, 1)); err != nil {
		t.Fatal(err)
	}
	cur := g.AddCallModule("fc", graph.NodeArg(x))
	if withRelu {
		cur = g.AddCallFunction("relu", graph.NodeArg(cur))
	}
	if _, err := g.SetOutput(cur); err != nil {
		t.Fatal(err)
	}
	return g
}

func TestEnumerateSubgraphsFusesChains(t *testing.T) {
	g := buildChain(t, true)
	sgs := EnumerateSubgraphs(g, DefaultPatterns())
	if len(sgs) != 1 {
		t.Fatalf("subgraph count = %d, want fused linear+relu", len(sgs))
	}
	sg := sgs[0]
	if sg.Start.Name != "fc" || graph.NodeTypeString(sg.End, g) != "relu" {
		t.Errorf("chain = (%s, %s)", sg.Start.Name, sg.End.Name)
	}
	if sg.BaseOp != sg.Start {
		t.Error("base op should be the chain start")
	}
}

func TestEnumerateSubgraphsNoPattern(t *testing.T) {
	g := buildChain(t, false)
	sgs := EnumerateSubgraphs(g, DefaultPatterns())
	if len(sgs) != 1 {
		t.Fatalf("subgraph count = %d", len(sgs))
	}
	if sgs[0].Start != sgs[0].End {
		t.Error("single op should be its own subgraph")
	}
}

func TestMatchingIsDeterministic(t *testing.T) {
	a := buildChain(t, true)
	b := buildChain(t, true)
	r1, err := MatchingSubgraphPairs(a, b, Options{})
	if err != nil {
		t.Fatal(err)
	}
	r2, err := MatchingSubgraphPairs(a, b, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r1.Names(), r2.Names()) {
		t.Errorf("match names differ across runs: %v vs %v", r1.Names(), r2.Names())
	}
}

func TestMatchNameReferencesBaseType(t *testing.T) {
	a := buildChain(t, true)
	b := buildChain(t, true)
	r, err := MatchingSubgraphPairs(a, b, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 1 {
		t.Fatalf("match count = %d", r.Len())
	}
	if r.Names()[0] != "linear_0" {
		t.Errorf("match name = %q, want linear_0", r.Names()[0])
	}
}

func TestUnmatchableNodesAreSkipped(t *testing.T) {
	a := buildChain(t, false)

	// b has the same linear wrapped in quantize/dequantize noise
	b := graph.NewWithFuncs(graph.DefaultFuncs())
	x := b.AddPlaceholder("x")
	if err := b.SetModule("fc", nn.NewLinear(4, 3, 1)); err != nil {
		t.Fatal(err)
	}
	q := b.AddCallFunction("quantize_per_tensor", graph.NodeArg(x), graph.ScalarArg(0.1), graph.ScalarArg(0))
	fc := b.AddCallModule("fc", graph.NodeArg(q))
	dq := b.AddCallFunction("dequantize", graph.NodeArg(fc))
	if _, err := b.SetOutput(dq); err != nil {
		t.Fatal(err)
	}

	r, err := MatchingSubgraphPairs(a, b, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 1 {
		t.Fatalf("match count = %d, want the linear pair only", r.Len())
	}
	pair, _ := r.Pair(r.Names()[0])
	if pair.A.BaseOp.Name != "fc" || pair.B.BaseOp.Name != "fc" {
		t.Errorf("pair base ops = (%s, %s)", pair.A.BaseOp.Name, pair.B.BaseOp.Name)
	}
}

func TestRelatednessGrowthNeverShrinksCoverage(t *testing.T) {
	a := buildChain(t, false)
	b := buildChain(t, false)

	small := map[string][]string{"linear": {"linear"}}
	rSmall, err := MatchingSubgraphPairs(a, b, Options{Relatedness: small})
	if err != nil {
		t.Fatal(err)
	}

	big := map[string][]string{
		"linear": {"linear", "quantized.linear"},
		"relu":   {"relu"},
		"conv2d": {"conv2d", "quantized.conv2d"},
	}
	rBig, err := MatchingSubgraphPairs(a, b, Options{Relatedness: big})
	if err != nil {
		t.Fatal(err)
	}
	if rBig.Len() < rSmall.Len() {
		t.Errorf("coverage shrank: %d -> %d", rSmall.Len(), rBig.Len())
	}
}

func TestMismatchedCountsStopAtExhaustion(t *testing.T) {
	// a has two linears, b has one; the scan must not error
	a := graph.NewWithFuncs(graph.DefaultFuncs())
	x := a.AddPlaceholder("x")
	if err := a.SetModule("fc1", nn.NewLinear(4, 4, 1)); err != nil {
		t.Fatal(err)
	}
	if err := a.SetModule("fc2", nn.NewLinear(4, 3, 2)); err != nil {
		t.Fatal(err)
	}
	fc1 := a.AddCallModule("fc1", graph.NodeArg(x))
	fc2 := a.AddCallModule("fc2", graph.NodeArg(fc1))
	if _, err := a.SetOutput(fc2); err != nil {
		t.Fatal(err)
	}

	b := buildChain(t, false)
	r, err := MatchingSubgraphPairs(a, b, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 1 {
		t.Errorf("match count = %d, want 1", r.Len())
	}
}
