package nn

import (
	"fmt"
	"math"

	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/tensor"
)

// BatchNorm2d applies per-channel affine normalization over NCHW
// input using frozen running statistics (inference mode only).
type BatchNorm2d struct {
	Gamma *tensor.Tensor
	Beta  *tensor.Tensor
	Mean  *tensor.Tensor
	Var   *tensor.Tensor
	Eps   float32
}

// NewBatchNorm2d creates an identity-initialized batchnorm.
func NewBatchNorm2d(channels int) *BatchNorm2d {
	gamma := tensor.New(channels)
	variance := tensor.New(channels)
	for i := 0; i < channels; i++ {
		gamma.Data[i] = 1
		variance.Data[i] = 1
	}
	return &BatchNorm2d{
		Gamma: gamma,
		Beta:  tensor.New(channels),
		Mean:  tensor.New(channels),
		Var:   variance,
		Eps:   1e-5,
	}
}

func (bn *BatchNorm2d) OpType() string { return "batchnorm2d" }

func (bn *BatchNorm2d) CloneModule() graph.Module {
	return &BatchNorm2d{
		Gamma: bn.Gamma.Clone(),
		Beta:  bn.Beta.Clone(),
		Mean:  bn.Mean.Clone(),
		Var:   bn.Var.Clone(),
		Eps:   bn.Eps,
	}
}

func (bn *BatchNorm2d) Forward(vals ...graph.Value) (graph.Value, error) {
	if len(vals) < 1 || vals[0].Kind != graph.KindTensor {
		return graph.Value{}, fmt.Errorf("batchnorm2d: input must be a tensor")
	}
	x := vals[0].Tensor
	if len(x.Shape) != 4 {
		return graph.Value{}, fmt.Errorf("batchnorm2d: input must be NCHW, got %v", x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if c != bn.Gamma.Shape[0] {
		return graph.Value{}, fmt.Errorf("batchnorm2d: %d channels, stats have %d", c, bn.Gamma.Shape[0])
	}
	y := x.Clone()
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			invStd := float32(1 / math.Sqrt(float64(bn.Var.Data[ch]+bn.Eps)))
			scale := bn.Gamma.Data[ch] * invStd
			shift := bn.Beta.Data[ch] - bn.Mean.Data[ch]*scale
			base := (b*c + ch) * h * w
			for i := 0; i < h*w; i++ {
				y.Data[base+i] = x.Data[base+i]*scale + shift
			}
		}
	}
	return graph.TensorValue(y), nil
}
