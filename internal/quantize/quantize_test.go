package quantize

import (
	"math"
	"testing"

	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/nn"
	"github.com/quantlens/quantlens/internal/tensor"
)

func TestObserverParamsAffine(t *testing.T) {
	var obs MinMaxObserver
	in, err := tensor.FromData([]float32{-1, 0, 2, 3}, 4)
	if err != nil {
		t.Fatalf("FromData: %v", err)
	}
	obs.Observe(in)
	if !obs.Seen() {
		t.Fatal("observer should have seen data")
	}
	lo, hi := obs.Range()
	if lo != -1 || hi != 3 {
		t.Errorf("range = (%v, %v), want (-1, 3)", lo, hi)
	}
	scale, zp := obs.Params(Int8Affine())
	wantScale := 4.0 / 255.0
	if math.Abs(scale-wantScale) > 1e-9 {
		t.Errorf("scale = %v, want %v", scale, wantScale)
	}
	// zero must land exactly on the grid
	back := (math.Round(0/scale) + zp - zp) * scale
	if back != 0 {
		t.Errorf("zero is not representable: %v", back)
	}
}

func TestObserverParamsSymmetric(t *testing.T) {
	var obs MinMaxObserver
	in, _ := tensor.FromData([]float32{-2, 0.5, 1}, 3)
	obs.Observe(in)
	scale, zp := obs.Params(Int8Symmetric())
	if zp != 0 {
		t.Errorf("symmetric zero point = %v, want 0", zp)
	}
	want := 2.0 / 127.0
	if math.Abs(scale-want) > 1e-9 {
		t.Errorf("scale = %v, want %v", scale, want)
	}
}

func TestObserverIgnoresNonFinite(t *testing.T) {
	var obs MinMaxObserver
	in, _ := tensor.FromData([]float32{
		float32(math.NaN()), float32(math.Inf(1)), -0.5, 0.25,
	}, 4)
	obs.Observe(in)
	lo, hi := obs.Range()
	if lo != -0.5 || hi != 0.25 {
		t.Errorf("range = (%v, %v), want (-0.5, 0.25)", lo, hi)
	}
}

func TestQuantizeDequantizeRoundTrip(t *testing.T) {
	in, _ := tensor.FromData([]float32{-1.5, -0.3, 0, 0.7, 2.1}, 5)
	qc := Int8Affine()
	q, scale, zp := QuantizeTensor(in, qc)
	out := DequantizeTensor(q, in.Shape, scale, zp)
	for i, v := range in.Data {
		diff := math.Abs(float64(v - out.Data[i]))
		if diff > scale/2+1e-9 {
			t.Errorf("element %d: |%v - %v| = %v exceeds half step %v",
				i, v, out.Data[i], diff, scale/2)
		}
	}
}

func TestQuantizedLinearTracksFloat(t *testing.T) {
	lin := nn.NewLinear(4, 3, 7)
	x, _ := tensor.FromData([]float32{
		0.1, -0.2, 0.3, 0.5,
		-0.4, 0.6, -0.1, 0.2,
	}, 2, 4)

	var obs MinMaxObserver
	obs.Observe(x)
	qlin := NewQuantizedLinear(lin, Int8Affine(), &obs)
	if qlin.OpType() != "quantized.linear" {
		t.Errorf("op type = %q", qlin.OpType())
	}

	ref, err := lin.Forward(graph.TensorValue(x))
	if err != nil {
		t.Fatalf("float forward: %v", err)
	}
	got, err := qlin.Forward(graph.TensorValue(x))
	if err != nil {
		t.Fatalf("quantized forward: %v", err)
	}
	if !ref.Tensor.SameShape(got.Tensor) {
		t.Fatalf("shape mismatch: %v vs %v", ref.Tensor.Shape, got.Tensor.Shape)
	}
	for i := range ref.Tensor.Data {
		diff := math.Abs(float64(ref.Tensor.Data[i] - got.Tensor.Data[i]))
		if diff > 0.05 {
			t.Errorf("element %d drifted by %v", i, diff)
		}
	}
}

func TestQuantizedLinearWeightIsDequantized(t *testing.T) {
	lin := nn.NewLinear(3, 2, 1)
	var obs MinMaxObserver
	x, _ := tensor.FromData([]float32{1, -1, 0.5}, 1, 3)
	obs.Observe(x)
	qlin := NewQuantizedLinear(lin, Int8Affine(), &obs)
	w := qlin.Weight()
	if !w.SameShape(lin.W) {
		t.Fatalf("weight shape %v, want %v", w.Shape, lin.W.Shape)
	}
	for i := range w.Data {
		diff := math.Abs(float64(w.Data[i] - lin.W.Data[i]))
		if diff > qlin.WScale/2+1e-9 {
			t.Errorf("weight %d drifted by %v", i, diff)
		}
	}
}

func TestBackendPrepareConvert(t *testing.T) {
	funcs := graph.DefaultFuncs()
	lin := nn.NewLinear(4, 4, 3)
	steps := []Step{{Module: lin}, {Fn: "relu"}}

	prep, err := IntAffineBackend{}.Prepare(steps, Int8Affine(), funcs)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	x, _ := tensor.FromData([]float32{0.2, -0.7, 1.1, 0.05}, 1, 4)
	calOut, err := prep.Forward(graph.TensorValue(x))
	if err != nil {
		t.Fatalf("calibration forward: %v", err)
	}

	conv, err := prep.Convert()
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	got, err := conv.Forward(graph.TensorValue(x))
	if err != nil {
		t.Fatalf("converted forward: %v", err)
	}
	for i := range calOut.Tensor.Data {
		diff := math.Abs(float64(calOut.Tensor.Data[i] - got.Tensor.Data[i]))
		if diff > 0.05 {
			t.Errorf("element %d drifted by %v", i, diff)
		}
	}
}

func TestBackendConvertUncalibratedFails(t *testing.T) {
	prep, err := IntAffineBackend{}.Prepare(
		[]Step{{Module: nn.NewLinear(2, 2, 0)}}, Int8Affine(), graph.DefaultFuncs())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := prep.Convert(); err == nil {
		t.Fatal("Convert without calibration should fail")
	}
}

func TestResolveNodeConfigsPrecedence(t *testing.T) {
	g := graph.NewWithFuncs(graph.DefaultFuncs())
	x := g.AddPlaceholder("x")
	if err := g.SetModule("fc1", nn.NewLinear(2, 2, 0)); err != nil {
		t.Fatal(err)
	}
	if err := g.SetModule("fc2", nn.NewLinear(2, 2, 1)); err != nil {
		t.Fatal(err)
	}
	n1 := g.AddCallModule("fc1", graph.NodeArg(x))
	n2 := g.AddCallModule("fc2", graph.NodeArg(n1))
	if _, err := g.SetOutput(n2); err != nil {
		t.Fatal(err)
	}

	m := ConfigMapping{
		Global:      Int8Affine(),
		PerOpType:   map[string]*QConfig{"linear": Int8Symmetric()},
		PerNodeName: map[string]*QConfig{n2.Name: nil},
	}
	cfgs := ResolveNodeConfigs(g, m)
	if qc := cfgs[n1.Name]; qc == nil || !qc.Symmetric {
		t.Errorf("n1 config = %v, want op-type symmetric", qc)
	}
	if qc := cfgs[n2.Name]; qc != nil {
		t.Errorf("n2 config = %v, want nil from node-name override", qc)
	}
}

func buildLinearReluGraph(t *testing.T, seed int64) *graph.Graph {
	t.Helper()
	g := graph.NewWithFuncs(graph.DefaultFuncs())
	x := g.AddPlaceholder("x")
	if err := g.SetModule("fc", nn.NewLinear(4, 3, seed)); err != nil {
		t.Fatal(err)
	}
	fc := g.AddCallModule("fc", graph.NodeArg(x))
	relu := g.AddCallFunction("relu", graph.NodeArg(fc))
	if _, err := g.SetOutput(relu); err != nil {
		t.Fatal(err)
	}
	return g
}

func TestConvertGraph(t *testing.T) {
	g := buildLinearReluGraph(t, 11)
	x, _ := tensor.FromData([]float32{0.3, -0.6, 1.2, 0.1}, 1, 4)

	qg, err := ConvertGraph(g, ConvertOptions{
		Mapping:     ConfigMapping{Global: Int8Affine()},
		Calibration: [][]graph.Value{{graph.TensorValue(x)}},
	})
	if err != nil {
		t.Fatalf("ConvertGraph: %v", err)
	}

	var sawQuant, sawDequant bool
	for _, n := range qg.Nodes() {
		if n.Op == graph.CallFunction && n.Target == "quantize_per_tensor" {
			sawQuant = true
		}
		if n.Op == graph.CallFunction && n.Target == "dequantize" {
			sawDequant = true
		}
	}
	if !sawQuant || !sawDequant {
		t.Fatalf("converted graph missing quant ops (quant=%v dequant=%v)", sawQuant, sawDequant)
	}
	mod, ok := qg.Module("fc")
	if !ok {
		t.Fatal("module fc missing after conversion")
	}
	if mod.OpType() != "quantized.linear" {
		t.Errorf("fc op type = %q, want quantized.linear", mod.OpType())
	}

	ref, err := g.Run(graph.TensorValue(x))
	if err != nil {
		t.Fatalf("float run: %v", err)
	}
	got, err := qg.Run(graph.TensorValue(x))
	if err != nil {
		t.Fatalf("quantized run: %v", err)
	}
	for i := range ref.Tensor.Data {
		diff := math.Abs(float64(ref.Tensor.Data[i] - got.Tensor.Data[i]))
		if diff > 0.05 {
			t.Errorf("output %d drifted by %v", i, diff)
		}
	}
}

func TestConvertGraphNilConfigStaysFloat(t *testing.T) {
	g := buildLinearReluGraph(t, 5)
	x, _ := tensor.FromData([]float32{1, 2, 3, 4}, 1, 4)

	qg, err := ConvertGraph(g, ConvertOptions{
		Mapping:     ConfigMapping{},
		Calibration: [][]graph.Value{{graph.TensorValue(x)}},
	})
	if err != nil {
		t.Fatalf("ConvertGraph: %v", err)
	}
	if len(qg.Nodes()) != len(g.Nodes()) {
		t.Errorf("node count changed: %d -> %d", len(g.Nodes()), len(qg.Nodes()))
	}
	mod, _ := qg.Module("fc")
	if mod.OpType() != "linear" {
		t.Errorf("fc op type = %q, want linear", mod.OpType())
	}
}
