package capture

import (
	"strings"
	"testing"

	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/tensor"
)

func testProbe() *Probe {
	return New(Meta{
		RefNodeName:  "relu",
		PrevNodeName: "relu",
		ModelName:    "fp32",
		RefName:      "linear_0",
		ResultsType:  ResultTypeNodeOutput,
	})
}

func tensorVal(t *testing.T, data ...float32) graph.Value {
	t.Helper()
	x, err := tensor.FromData(data, len(data))
	if err != nil {
		t.Fatal(err)
	}
	return graph.TensorValue(x)
}

func TestProbePassesThroughUnchanged(t *testing.T) {
	p := testProbe()
	in := tensorVal(t, 1, 2, 3)
	out, err := p.Forward(in)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if out.Tensor != in.Tensor {
		t.Error("probe must return its input, not a copy")
	}
}

func TestProbeCapturesDetachedSnapshot(t *testing.T) {
	p := testProbe()
	in := tensorVal(t, 1, 2)
	if _, err := p.Forward(in); err != nil {
		t.Fatal(err)
	}
	in.Tensor.Data[0] = 99
	snap := p.Stats()[0].Tensor
	if snap.Data[0] != 1 {
		t.Error("captured snapshot aliases the live tensor")
	}
}

func TestProbeAppendsAcrossCalls(t *testing.T) {
	p := testProbe()
	for i := 0; i < 3; i++ {
		if _, err := p.Forward(tensorVal(t, float32(i))); err != nil {
			t.Fatal(err)
		}
	}
	if p.NumCaptures() != 3 {
		t.Fatalf("captures = %d, want 3", p.NumCaptures())
	}
	for i, v := range p.Stats() {
		if v.Tensor.Data[0] != float32(i) {
			t.Errorf("capture %d = %v, want %d", i, v.Tensor.Data[0], i)
		}
	}
}

func TestProbeCapturesRecurrentPairs(t *testing.T) {
	p := testProbe()
	out := tensorVal(t, 1).Tensor
	h := tensorVal(t, 2).Tensor
	c := tensorVal(t, 3).Tensor
	if _, err := p.Forward(graph.RNNValue(out, h, c)); err != nil {
		t.Fatal(err)
	}
	stats := p.Stats()
	if len(stats) != 1 || stats[0].Kind != graph.KindRNN {
		t.Fatalf("recurrent capture missing")
	}
	if stats[0].RNN.Hidden.Data[0] != 2 {
		t.Error("hidden state not captured")
	}
}

func TestProbeIgnoresUnknownShapes(t *testing.T) {
	p := testProbe()
	in := graph.UnknownValue("opaque")
	out, err := p.Forward(in)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if out.Raw != "opaque" {
		t.Error("unknown value must pass through")
	}
	if p.NumCaptures() != 0 {
		t.Error("unknown value must not be captured")
	}
}

func TestDisabledProbeIsNoOp(t *testing.T) {
	p := testProbe()
	p.Enabled = false
	if _, err := p.Forward(tensorVal(t, 1)); err != nil {
		t.Fatal(err)
	}
	if p.NumCaptures() != 0 {
		t.Error("disabled probe captured a value")
	}
}

func TestProbeReset(t *testing.T) {
	p := testProbe()
	if _, err := p.Forward(tensorVal(t, 1)); err != nil {
		t.Fatal(err)
	}
	p.Reset()
	if p.NumCaptures() != 0 {
		t.Error("reset left captures behind")
	}
	if !p.Enabled {
		t.Error("reset must not disable the probe")
	}
}

func TestCloneModuleDropsState(t *testing.T) {
	p := testProbe()
	if _, err := p.Forward(tensorVal(t, 1)); err != nil {
		t.Fatal(err)
	}
	clone := p.CloneModule().(*Probe)
	if clone.NumCaptures() != 0 {
		t.Error("cloned probe carried captured state")
	}
	if clone.RefName != p.RefName {
		t.Error("cloned probe lost metadata")
	}
}

func TestProbeString(t *testing.T) {
	s := testProbe().String()
	for _, want := range []string{"linear_0", "fp32", "node_output"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() missing %q: %s", want, s)
		}
	}
}

func TestRegistryOrderAndCollision(t *testing.T) {
	r := NewRegistry()
	names := []string{"c", "a", "b"}
	for _, n := range names {
		if err := r.Add(n, testProbe()); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Add("a", testProbe()); err == nil {
		t.Fatal("duplicate registration must fail")
	}
	list := r.List()
	if len(list) != 3 {
		t.Fatalf("len = %d", len(list))
	}
	// insertion order, not sorted
	if p, ok := r.Get("c"); !ok || list[0] != p {
		t.Error("registry does not preserve insertion order")
	}
}

func TestRegistrySetEnabled(t *testing.T) {
	r := NewRegistry()
	if err := r.Add("p", testProbe()); err != nil {
		t.Fatal(err)
	}
	r.SetEnabled(false)
	p, _ := r.Get("p")
	if p.Enabled {
		t.Error("SetEnabled(false) did not propagate")
	}
}
