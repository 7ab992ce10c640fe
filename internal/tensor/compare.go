package tensor

import (
	"fmt"
	"math"
	"strings"
)

// MetricFn computes a scalar divergence between a reference tensor and a
// candidate tensor. Higher-is-better or lower-is-better depends on the
// metric; the suite itself is metric-agnostic.
type MetricFn func(ref, other *Tensor) (float64, error)

// SQNR returns the signal-to-quantization-noise ratio in dB of other
// against ref. Identical tensors return +Inf.
func SQNR(ref, other *Tensor) (float64, error) {
	if !ref.SameShape(other) {
		return 0, fmt.Errorf("sqnr: shape mismatch %v vs %v", ref.Shape, other.Shape)
	}
	var signal, noise float64
	for i := range ref.Data {
		s := float64(ref.Data[i])
		d := s - float64(other.Data[i])
		signal += s * s
		noise += d * d
	}
	if noise == 0 {
		return math.Inf(1), nil
	}
	return 10 * math.Log10(signal/noise), nil
}

// MaxAbsError returns the largest element-wise absolute difference.
func MaxAbsError(ref, other *Tensor) (float64, error) {
	if !ref.SameShape(other) {
		return 0, fmt.Errorf("max_abs: shape mismatch %v vs %v", ref.Shape, other.Shape)
	}
	var maxErr float64
	for i := range ref.Data {
		d := math.Abs(float64(ref.Data[i]) - float64(other.Data[i]))
		if d > maxErr {
			maxErr = d
		}
	}
	return maxErr, nil
}

// MeanAbsError returns the mean element-wise absolute difference.
func MeanAbsError(ref, other *Tensor) (float64, error) {
	if !ref.SameShape(other) {
		return 0, fmt.Errorf("mean_abs: shape mismatch %v vs %v", ref.Shape, other.Shape)
	}
	if len(ref.Data) == 0 {
		return 0, nil
	}
	var sum float64
	for i := range ref.Data {
		sum += math.Abs(float64(ref.Data[i]) - float64(other.Data[i]))
	}
	return sum / float64(len(ref.Data)), nil
}

// CosineSimilarity returns the cosine similarity of the two flattened
// tensors. Zero-norm inputs return 0.
func CosineSimilarity(ref, other *Tensor) (float64, error) {
	if !ref.SameShape(other) {
		return 0, fmt.Errorf("cosine: shape mismatch %v vs %v", ref.Shape, other.Shape)
	}
	var dot, na, nb float64
	for i := range ref.Data {
		a := float64(ref.Data[i])
		b := float64(other.Data[i])
		dot += a * b
		na += a * a
		nb += b * b
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

// MetricByName resolves a metric identifier to its function.
func MetricByName(name string) (MetricFn, error) {
	switch strings.ToLower(name) {
	case "sqnr":
		return SQNR, nil
	case "max_abs":
		return MaxAbsError, nil
	case "mean_abs":
		return MeanAbsError, nil
	case "cosine":
		return CosineSimilarity, nil
	}
	return nil, fmt.Errorf("unknown metric: %q", name)
}
