package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense float32 tensor in row-major layout.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero tensor with the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
	}
}

// FromData wraps data in a tensor. The data slice is not copied.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// NumElems returns the total element count.
func (t *Tensor) NumElems() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Clone returns a deep copy. Captured values are always clones so that
// later in-place writes by the host graph cannot alter recorded state.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  make([]float32, len(t.Data)),
	}
	copy(out.Data, t.Data)
	return out
}

// SameShape reports whether two tensors have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Equal reports exact element-wise equality.
func (t *Tensor) Equal(o *Tensor) bool {
	if !t.SameShape(o) {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// Stats summarizes one tensor's value distribution.
type Stats struct {
	Max   float32 `json:"max"`
	Min   float32 `json:"min"`
	Mean  float32 `json:"mean"`
	RMS   float32 `json:"rms"`
	Zeros int     `json:"zeros"`
	NaNs  int     `json:"nans"`
	Infs  int     `json:"infs"`
}

// ComputeStats scans the tensor once and fills a Stats summary.
func ComputeStats(t *Tensor) Stats {
	s := Stats{Min: float32(math.Inf(1)), Max: float32(math.Inf(-1))}
	if len(t.Data) == 0 {
		return Stats{}
	}
	var sum, sumSq float64
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) {
			s.NaNs++
			continue
		}
		if math.IsInf(f, 0) {
			s.Infs++
			continue
		}
		if v == 0 {
			s.Zeros++
		}
		if v > s.Max {
			s.Max = v
		}
		if v < s.Min {
			s.Min = v
		}
		sum += f
		sumSq += f * f
	}
	finite := len(t.Data) - s.NaNs - s.Infs
	if finite > 0 {
		s.Mean = float32(sum / float64(finite))
		s.RMS = float32(math.Sqrt(sumSq / float64(finite)))
	} else {
		s.Min, s.Max = 0, 0
	}
	return s
}
