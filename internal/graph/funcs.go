package graph

import (
	"fmt"
	"math"

	"github.com/quantlens/quantlens/internal/tensor"
)

// FuncTable maps call-function targets to implementations. Tables are
// injected at graph construction; there is no process-wide registry.
type FuncTable map[string]func(vals ...Value) (Value, error)

func wantTensor(vals []Value, i int, fn string) (*tensor.Tensor, error) {
	if i >= len(vals) {
		return nil, fmt.Errorf("%s: missing arg %d", fn, i)
	}
	if vals[i].Kind != KindTensor {
		return nil, fmt.Errorf("%s: arg %d is not a tensor", fn, i)
	}
	return vals[i].Tensor, nil
}

func wantScalar(vals []Value, i int, fn string) (float64, error) {
	if i >= len(vals) {
		return 0, fmt.Errorf("%s: missing arg %d", fn, i)
	}
	if vals[i].Kind != KindScalar {
		return 0, fmt.Errorf("%s: arg %d is not a scalar", fn, i)
	}
	return vals[i].Scalar, nil
}

// DefaultFuncs returns the built-in function table: elementwise math,
// concatenation, and the quantize/dequantize pair inserted by the
// quantization compiler.
func DefaultFuncs() FuncTable {
	return FuncTable{
		"relu": func(vals ...Value) (Value, error) {
			x, err := wantTensor(vals, 0, "relu")
			if err != nil {
				return Value{}, err
			}
			out := x.Clone()
			for i, v := range out.Data {
				if v < 0 {
					out.Data[i] = 0
				}
			}
			return TensorValue(out), nil
		},
		"sigmoid": func(vals ...Value) (Value, error) {
			x, err := wantTensor(vals, 0, "sigmoid")
			if err != nil {
				return Value{}, err
			}
			out := x.Clone()
			for i, v := range out.Data {
				out.Data[i] = float32(1 / (1 + math.Exp(-float64(v))))
			}
			return TensorValue(out), nil
		},
		"add": func(vals ...Value) (Value, error) {
			a, err := wantTensor(vals, 0, "add")
			if err != nil {
				return Value{}, err
			}
			b, err := wantTensor(vals, 1, "add")
			if err != nil {
				return Value{}, err
			}
			if !a.SameShape(b) {
				return Value{}, fmt.Errorf("add: shape mismatch %v vs %v", a.Shape, b.Shape)
			}
			out := a.Clone()
			for i := range out.Data {
				out.Data[i] += b.Data[i]
			}
			return TensorValue(out), nil
		},
		"mul": func(vals ...Value) (Value, error) {
			a, err := wantTensor(vals, 0, "mul")
			if err != nil {
				return Value{}, err
			}
			b, err := wantTensor(vals, 1, "mul")
			if err != nil {
				return Value{}, err
			}
			if !a.SameShape(b) {
				return Value{}, fmt.Errorf("mul: shape mismatch %v vs %v", a.Shape, b.Shape)
			}
			out := a.Clone()
			for i := range out.Data {
				out.Data[i] *= b.Data[i]
			}
			return TensorValue(out), nil
		},
		// cat concatenates a list of tensors along dim 0.
		"cat": func(vals ...Value) (Value, error) {
			if len(vals) == 0 || vals[0].Kind != KindList {
				return Value{}, fmt.Errorf("cat: arg 0 must be a list")
			}
			items := vals[0].List
			if len(items) == 0 {
				return Value{}, fmt.Errorf("cat: empty list")
			}
			var data []float32
			rows := 0
			var inner []int
			for i, it := range items {
				if it.Kind != KindTensor {
					return Value{}, fmt.Errorf("cat: element %d is not a tensor", i)
				}
				t := it.Tensor
				if len(t.Shape) == 0 {
					return Value{}, fmt.Errorf("cat: element %d has no shape", i)
				}
				if i == 0 {
					inner = t.Shape[1:]
				}
				rows += t.Shape[0]
				data = append(data, t.Data...)
			}
			shape := append([]int{rows}, inner...)
			out, err := tensor.FromData(data, shape...)
			if err != nil {
				return Value{}, fmt.Errorf("cat: %w", err)
			}
			return TensorValue(out), nil
		},
		// quantize_per_tensor simulates affine int8 quantization:
		// values are rounded onto the (scale, zero_point) grid and
		// mapped back to float, so downstream ops stay float-valued.
		"quantize_per_tensor": func(vals ...Value) (Value, error) {
			x, err := wantTensor(vals, 0, "quantize_per_tensor")
			if err != nil {
				return Value{}, err
			}
			scale, err := wantScalar(vals, 1, "quantize_per_tensor")
			if err != nil {
				return Value{}, err
			}
			zp, err := wantScalar(vals, 2, "quantize_per_tensor")
			if err != nil {
				return Value{}, err
			}
			if scale <= 0 {
				return Value{}, fmt.Errorf("quantize_per_tensor: scale must be positive, got %v", scale)
			}
			out := x.Clone()
			for i, v := range out.Data {
				q := math.Round(float64(v)/scale) + zp
				if q < -128 {
					q = -128
				} else if q > 127 {
					q = 127
				}
				out.Data[i] = float32((q - zp) * scale)
			}
			return TensorValue(out), nil
		},
		// dequantize is the identity on the simulated representation.
		"dequantize": func(vals ...Value) (Value, error) {
			x, err := wantTensor(vals, 0, "dequantize")
			if err != nil {
				return Value{}, err
			}
			return TensorValue(x), nil
		},
		"flatten": func(vals ...Value) (Value, error) {
			x, err := wantTensor(vals, 0, "flatten")
			if err != nil {
				return Value{}, err
			}
			out, err := tensor.FromData(x.Data, len(x.Data))
			if err != nil {
				return Value{}, err
			}
			return TensorValue(out), nil
		},
	}
}
