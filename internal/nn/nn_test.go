package nn

import (
	"math"
	"testing"

	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/tensor"
)

func TestLinearForward(t *testing.T) {
	w, err := tensor.FromData([]float32{1, 2, 3, 4}, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	b, err := tensor.FromData([]float32{10, 20}, 2)
	if err != nil {
		t.Fatal(err)
	}
	lin, err := NewLinearFrom(w, b)
	if err != nil {
		t.Fatalf("NewLinearFrom: %v", err)
	}
	x, _ := tensor.FromData([]float32{1, 1}, 1, 2)
	out, err := lin.Forward(graph.TensorValue(x))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want := []float32{13, 27}
	for i, v := range want {
		if out.Tensor.Data[i] != v {
			t.Errorf("out[%d] = %v, want %v", i, out.Tensor.Data[i], v)
		}
	}
}

func TestLinearFromRejectsBadShapes(t *testing.T) {
	w1d, _ := tensor.FromData([]float32{1, 2}, 2)
	if _, err := NewLinearFrom(w1d, nil); err == nil {
		t.Error("1D weight must fail")
	}
	w, _ := tensor.FromData([]float32{1, 2, 3, 4}, 2, 2)
	badBias, _ := tensor.FromData([]float32{1, 2, 3}, 3)
	if _, err := NewLinearFrom(w, badBias); err == nil {
		t.Error("mismatched bias must fail")
	}
}

func TestLinearRejectsWrongInputDim(t *testing.T) {
	lin := NewLinear(4, 2, 1)
	x, _ := tensor.FromData([]float32{1, 2, 3}, 1, 3)
	if _, err := lin.Forward(graph.TensorValue(x)); err == nil {
		t.Error("dimension mismatch must fail")
	}
}

func TestLinearDeterministicSeed(t *testing.T) {
	a := NewLinear(3, 3, 7)
	b := NewLinear(3, 3, 7)
	if !a.W.Equal(b.W) {
		t.Error("same seed must give same weights")
	}
}

func TestCloneModuleIsDeep(t *testing.T) {
	lin := NewLinear(2, 2, 1)
	clone := lin.CloneModule().(*Linear)
	clone.W.Data[0] = 99
	if lin.W.Data[0] == 99 {
		t.Error("clone aliases weight storage")
	}
}

func TestConv2dIdentityKernel(t *testing.T) {
	// 1x1 kernel of value 1 with zero bias is the identity
	k, _ := tensor.FromData([]float32{1}, 1, 1, 1, 1)
	c := &Conv2d{K: k}
	x, _ := tensor.FromData([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	out, err := c.Forward(graph.TensorValue(x))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !out.Tensor.Equal(x) {
		t.Errorf("identity conv changed values: %v", out.Tensor.Data)
	}
}

func TestConv2dOutputShape(t *testing.T) {
	c := NewConv2d(2, 3, 2, 2, 5)
	x := tensor.New(1, 2, 4, 4)
	out, err := c.Forward(graph.TensorValue(x))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want := []int{1, 3, 3, 3}
	for i, d := range want {
		if out.Tensor.Shape[i] != d {
			t.Fatalf("shape = %v, want %v", out.Tensor.Shape, want)
		}
	}
}

func TestConv2dKernelTooLarge(t *testing.T) {
	c := NewConv2d(1, 1, 5, 5, 1)
	x := tensor.New(1, 1, 3, 3)
	if _, err := c.Forward(graph.TensorValue(x)); err == nil {
		t.Error("oversized kernel must fail")
	}
}

func TestBatchNormIdentityInit(t *testing.T) {
	bn := NewBatchNorm2d(2)
	x, _ := tensor.FromData([]float32{1, -2, 3, 0.5}, 1, 2, 1, 2)
	out, err := bn.Forward(graph.TensorValue(x))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i := range x.Data {
		diff := math.Abs(float64(out.Tensor.Data[i] - x.Data[i]))
		if diff > 1e-4 {
			t.Errorf("identity batchnorm drifted at %d by %v", i, diff)
		}
	}
}

func TestBatchNormNormalizes(t *testing.T) {
	bn := NewBatchNorm2d(1)
	bn.Mean.Data[0] = 2
	bn.Var.Data[0] = 4
	x, _ := tensor.FromData([]float32{2, 6}, 1, 1, 1, 2)
	out, err := bn.Forward(graph.TensorValue(x))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if math.Abs(float64(out.Tensor.Data[0])) > 1e-3 {
		t.Errorf("mean value should normalize to 0, got %v", out.Tensor.Data[0])
	}
	if math.Abs(float64(out.Tensor.Data[1])-2) > 1e-3 {
		t.Errorf("value should normalize to 2, got %v", out.Tensor.Data[1])
	}
}
