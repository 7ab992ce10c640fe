package sweep

import (
	"bytes"
	"strings"
	"testing"

	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/nn"
	"github.com/quantlens/quantlens/internal/quantize"
	"github.com/quantlens/quantlens/internal/tensor"
)

func buildSingleLinear(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.NewWithFuncs(graph.DefaultFuncs())
	x := g.AddPlaceholder("x")
	if err := g.SetModule("fc", nn.NewLinear(4, 3, 41)); err != nil {
		t.Fatal(err)
	}
	fc := g.AddCallModule("fc", graph.NodeArg(x))
	if _, err := g.SetOutput(fc); err != nil {
		t.Fatal(err)
	}
	return g
}

func buildTwoLayer(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.NewWithFuncs(graph.DefaultFuncs())
	x := g.AddPlaceholder("x")
	if err := g.SetModule("fc1", nn.NewLinear(4, 4, 42)); err != nil {
		t.Fatal(err)
	}
	if err := g.SetModule("fc2", nn.NewLinear(4, 2, 43)); err != nil {
		t.Fatal(err)
	}
	fc1 := g.AddCallModule("fc1", graph.NodeArg(x))
	relu := g.AddCallFunction("relu", graph.NodeArg(fc1))
	fc2 := g.AddCallModule("fc2", graph.NodeArg(relu))
	if _, err := g.SetOutput(fc2); err != nil {
		t.Fatal(err)
	}
	return g
}

func exampleInput(t *testing.T) graph.Value {
	t.Helper()
	x, err := tensor.FromData([]float32{0.6, -0.4, 1.0, 0.2}, 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	return graph.TensorValue(x)
}

func TestNullConfigCandidateIsAbsent(t *testing.T) {
	g := buildSingleLinear(t)
	candidates := []quantize.ConfigMapping{
		{Global: quantize.Int8Affine()},
		{PerOpType: map[string]*quantize.QConfig{"conv2d": quantize.Int8Affine()}},
	}
	m, err := PrepareNShadowsModel(g, []graph.Value{exampleInput(t)}, candidates, Options{})
	if err != nil {
		t.Fatalf("PrepareNShadowsModel: %v", err)
	}
	// float branch plus the one non-nil candidate, not three
	if m.Probes.Len() != 2 {
		t.Fatalf("branch count = %d, want 2", m.Probes.Len())
	}
	names := []string{}
	for _, p := range m.Probes.List() {
		names = append(names, p.RefName)
	}
	for _, want := range []string{"subgraph_0_0", "subgraph_0_1"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing branch %s in %v", want, names)
		}
	}
}

func TestProbesDisabledUntilConvert(t *testing.T) {
	g := buildSingleLinear(t)
	x := exampleInput(t)
	m, err := PrepareNShadowsModel(g, []graph.Value{x},
		[]quantize.ConfigMapping{{Global: quantize.Int8Affine()}}, Options{})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := m.Run(x); err != nil {
		t.Fatalf("calibration run: %v", err)
	}
	for _, p := range m.Probes.List() {
		if p.NumCaptures() != 0 {
			t.Errorf("probe %s captured during calibration", p.RefName)
		}
	}
	if err := ConvertNShadowsModel(m); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if _, err := m.Run(x); err != nil {
		t.Fatalf("measurement run: %v", err)
	}
	for _, p := range m.Probes.List() {
		if p.NumCaptures() != 1 {
			t.Errorf("probe %s has %d captures, want 1", p.RefName, p.NumCaptures())
		}
	}
}

func TestConvertTwiceFails(t *testing.T) {
	g := buildSingleLinear(t)
	m, err := PrepareNShadowsModel(g, []graph.Value{exampleInput(t)},
		[]quantize.ConfigMapping{{Global: quantize.Int8Affine()}}, Options{})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := ConvertNShadowsModel(m); err != nil {
		t.Fatalf("first convert: %v", err)
	}
	if err := ConvertNShadowsModel(m); err == nil {
		t.Fatal("second convert must fail")
	}
}

func TestSweepEndToEnd(t *testing.T) {
	g := buildTwoLayer(t)
	x := exampleInput(t)
	candidates := []quantize.ConfigMapping{
		{Global: quantize.Int8Affine()},
		{Global: quantize.Int8Symmetric()},
	}

	m, err := PrepareNShadowsModel(g, []graph.Value{x}, candidates, Options{})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := ConvertNShadowsModel(m); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if _, err := m.Run(x); err != nil {
		t.Fatalf("run: %v", err)
	}

	r, err := ExtractResultsNShadowsModel(m)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	grouped, err := GroupResultsBySubgraph(r)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if len(grouped) != 2 {
		t.Fatalf("subgraph count = %d, want 2", len(grouped))
	}
	for _, sg := range grouped {
		if len(sg.Branches) != 3 {
			t.Errorf("subgraph %d: %d branches, want float + 2 candidates", sg.Subgraph, len(sg.Branches))
		}
		if sg.Branches[0].Candidate != 0 || sg.Branches[0].QConfig != "" {
			t.Errorf("subgraph %d: branch 0 is not the float reference", sg.Subgraph)
		}
	}

	cmp, err := CreateResultsComparison(grouped, tensor.SQNR)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	for _, sg := range cmp {
		if len(sg.Branches) != 2 {
			t.Errorf("subgraph %d: %d compared branches", sg.Subgraph, len(sg.Branches))
		}
		for _, br := range sg.Branches {
			if len(br.Values) != 1 {
				t.Errorf("subgraph %d candidate %d: %d values", sg.Subgraph, br.Candidate, len(br.Values))
			}
			// int8 output should be a close match, not garbage
			if br.Mean < 10 {
				t.Errorf("subgraph %d candidate %d: sqnr %.2f unexpectedly low",
					sg.Subgraph, br.Candidate, br.Mean)
			}
		}
	}

	var buf bytes.Buffer
	PrintNShadowsSummary(&buf, cmp, "sqnr")
	out := buf.String()
	if !strings.Contains(out, "qconfig") || !strings.Contains(out, "int8/symmetric") {
		t.Errorf("summary missing expected columns:\n%s", out)
	}
}
