package quantize

import (
	"math"

	"github.com/quantlens/quantlens/internal/tensor"
)

// MinMaxObserver tracks the running value range of the tensors it
// sees, for computing quantization parameters from calibration data.
type MinMaxObserver struct {
	min  float32
	max  float32
	seen bool
}

// Observe folds one tensor into the running range. NaN and Inf values
// are ignored.
func (o *MinMaxObserver) Observe(t *tensor.Tensor) {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		if !o.seen {
			o.min, o.max = v, v
			o.seen = true
			continue
		}
		if v < o.min {
			o.min = v
		}
		if v > o.max {
			o.max = v
		}
	}
}

// Seen reports whether any data was observed.
func (o *MinMaxObserver) Seen() bool { return o.seen }

// Range returns the observed (min, max), widened to include zero so
// that zero is exactly representable.
func (o *MinMaxObserver) Range() (float32, float32) {
	lo, hi := o.min, o.max
	if lo > 0 {
		lo = 0
	}
	if hi < 0 {
		hi = 0
	}
	return lo, hi
}

// Params derives (scale, zeroPoint) for the observed range under qc.
// An unobserved range falls back to unit scale.
func (o *MinMaxObserver) Params(qc *QConfig) (float64, float64) {
	if !o.seen {
		return 1, 0
	}
	lo, hi := o.Range()
	qmin, qmax := quantRange(qc)
	if qc != nil && qc.Symmetric {
		maxAbs := math.Max(math.Abs(float64(lo)), math.Abs(float64(hi)))
		if maxAbs == 0 {
			return 1, 0
		}
		return maxAbs / qmax, 0
	}
	span := float64(hi - lo)
	if span == 0 {
		return 1, 0
	}
	scale := span / (qmax - qmin)
	zp := math.Round(qmin - float64(lo)/scale)
	if zp < qmin {
		zp = qmin
	} else if zp > qmax {
		zp = qmax
	}
	return scale, zp
}

func quantRange(qc *QConfig) (float64, float64) {
	bits := 8
	if qc != nil && qc.Bits > 0 {
		bits = qc.Bits
	}
	half := float64(int(1) << (bits - 1))
	return -half, half - 1
}
