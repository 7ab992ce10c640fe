package nn

import (
	"fmt"
	"math/rand"

	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/tensor"
)

// Conv2d is a stride-1, no-padding 2D convolution over NCHW input.
// Kernel has shape [outC, inC, kh, kw].
type Conv2d struct {
	K *tensor.Tensor
	B *tensor.Tensor
}

// NewConv2d creates a conv layer with small random weights.
func NewConv2d(inC, outC, kh, kw int, seed int64) *Conv2d {
	rng := rand.New(rand.NewSource(seed))
	k := tensor.New(outC, inC, kh, kw)
	for i := range k.Data {
		k.Data[i] = float32(rng.NormFloat64() * 0.1)
	}
	b := tensor.New(outC)
	for i := range b.Data {
		b.Data[i] = float32(rng.NormFloat64() * 0.01)
	}
	return &Conv2d{K: k, B: b}
}

func (c *Conv2d) OpType() string { return "conv2d" }

func (c *Conv2d) Weight() *tensor.Tensor { return c.K }

func (c *Conv2d) CloneModule() graph.Module {
	out := &Conv2d{K: c.K.Clone()}
	if c.B != nil {
		out.B = c.B.Clone()
	}
	return out
}

func (c *Conv2d) Forward(vals ...graph.Value) (graph.Value, error) {
	if len(vals) < 1 || vals[0].Kind != graph.KindTensor {
		return graph.Value{}, fmt.Errorf("conv2d: input must be a tensor")
	}
	x := vals[0].Tensor
	if len(x.Shape) != 4 {
		return graph.Value{}, fmt.Errorf("conv2d: input must be NCHW, got %v", x.Shape)
	}
	n, inC, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outC, kInC, kh, kw := c.K.Shape[0], c.K.Shape[1], c.K.Shape[2], c.K.Shape[3]
	if inC != kInC {
		return graph.Value{}, fmt.Errorf("conv2d: input channels %d != kernel channels %d", inC, kInC)
	}
	oh, ow := h-kh+1, w-kw+1
	if oh <= 0 || ow <= 0 {
		return graph.Value{}, fmt.Errorf("conv2d: kernel %dx%d larger than input %dx%d", kh, kw, h, w)
	}
	y := tensor.New(n, outC, oh, ow)
	for b := 0; b < n; b++ {
		for oc := 0; oc < outC; oc++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					var acc float32
					for ic := 0; ic < inC; ic++ {
						for ky := 0; ky < kh; ky++ {
							for kx := 0; kx < kw; kx++ {
								xi := ((b*inC+ic)*h+(oy+ky))*w + (ox + kx)
								ki := ((oc*inC+ic)*kh+ky)*kw + kx
								acc += x.Data[xi] * c.K.Data[ki]
							}
						}
					}
					if c.B != nil {
						acc += c.B.Data[oc]
					}
					y.Data[((b*outC+oc)*oh+oy)*ow+ox] = acc
				}
			}
		}
	}
	return graph.TensorValue(y), nil
}
