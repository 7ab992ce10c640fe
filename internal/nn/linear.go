package nn

import (
	"fmt"
	"math/rand"

	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/tensor"
)

// Linear is a fully-connected layer: y = x W^T + b.
// W has shape [out, in], b has shape [out].
type Linear struct {
	W *tensor.Tensor
	B *tensor.Tensor
}

// NewLinear creates a linear layer with small random weights, seeded
// for reproducibility.
func NewLinear(in, out int, seed int64) *Linear {
	rng := rand.New(rand.NewSource(seed))
	w := tensor.New(out, in)
	for i := range w.Data {
		w.Data[i] = float32(rng.NormFloat64() * 0.1)
	}
	b := tensor.New(out)
	for i := range b.Data {
		b.Data[i] = float32(rng.NormFloat64() * 0.01)
	}
	return &Linear{W: w, B: b}
}

// NewLinearFrom wraps explicit weights.
func NewLinearFrom(w, b *tensor.Tensor) (*Linear, error) {
	if len(w.Shape) != 2 {
		return nil, fmt.Errorf("linear weight must be 2D, got %v", w.Shape)
	}
	if b != nil && (len(b.Shape) != 1 || b.Shape[0] != w.Shape[0]) {
		return nil, fmt.Errorf("linear bias shape %v does not match weight %v", b.Shape, w.Shape)
	}
	return &Linear{W: w, B: b}, nil
}

func (l *Linear) OpType() string { return "linear" }

func (l *Linear) Weight() *tensor.Tensor { return l.W }

func (l *Linear) CloneModule() graph.Module {
	out := &Linear{W: l.W.Clone()}
	if l.B != nil {
		out.B = l.B.Clone()
	}
	return out
}

func (l *Linear) Forward(vals ...graph.Value) (graph.Value, error) {
	if len(vals) < 1 || vals[0].Kind != graph.KindTensor {
		return graph.Value{}, fmt.Errorf("linear: input must be a tensor")
	}
	x := vals[0].Tensor
	if len(x.Shape) != 2 {
		return graph.Value{}, fmt.Errorf("linear: input must be 2D, got %v", x.Shape)
	}
	batch, in := x.Shape[0], x.Shape[1]
	out, inW := l.W.Shape[0], l.W.Shape[1]
	if in != inW {
		return graph.Value{}, fmt.Errorf("linear: input dim %d != weight dim %d", in, inW)
	}
	y := tensor.New(batch, out)
	for b := 0; b < batch; b++ {
		for o := 0; o < out; o++ {
			var acc float32
			for i := 0; i < in; i++ {
				acc += x.Data[b*in+i] * l.W.Data[o*in+i]
			}
			if l.B != nil {
				acc += l.B.Data[o]
			}
			y.Data[b*out+o] = acc
		}
	}
	return graph.TensorValue(y), nil
}
