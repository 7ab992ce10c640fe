package quantize

import (
	"fmt"
	"math"

	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/nn"
	"github.com/quantlens/quantlens/internal/tensor"
)

// QuantizeTensor rounds t onto an int grid under qc using the
// tensor's own range and returns the int8 data with its parameters.
func QuantizeTensor(t *tensor.Tensor, qc *QConfig) ([]int8, float64, float64) {
	var obs MinMaxObserver
	obs.Observe(t)
	scale, zp := obs.Params(qc)
	qmin, qmax := quantRange(qc)
	out := make([]int8, len(t.Data))
	for i, v := range t.Data {
		q := math.Round(float64(v)/scale) + zp
		if q < qmin {
			q = qmin
		} else if q > qmax {
			q = qmax
		}
		out[i] = int8(q)
	}
	return out, scale, zp
}

// DequantizeTensor maps int8 data back to float under (scale, zp).
func DequantizeTensor(q []int8, shape []int, scale, zp float64) *tensor.Tensor {
	out := tensor.New(shape...)
	for i, v := range q {
		out.Data[i] = float32((float64(v) - zp) * scale)
	}
	return out
}

// fakeQuant rounds a tensor's values onto the (scale, zp) grid while
// keeping float storage, simulating activation quantization.
func fakeQuant(t *tensor.Tensor, scale, zp float64, qc *QConfig) *tensor.Tensor {
	qmin, qmax := quantRange(qc)
	out := t.Clone()
	for i, v := range out.Data {
		q := math.Round(float64(v)/scale) + zp
		if q < qmin {
			q = qmin
		} else if q > qmax {
			q = qmax
		}
		out.Data[i] = float32((q - zp) * scale)
	}
	return out
}

// QuantizedLinear is the int8 counterpart of nn.Linear: int8 weights
// with per-tensor params, float bias, and an input activation grid
// from calibration. Forward takes float input and returns float
// output, with quantization error baked in.
type QuantizedLinear struct {
	WQ      []int8
	WShape  []int
	WScale  float64
	WZero   float64
	B       *tensor.Tensor
	InScale float64
	InZero  float64
	QC      *QConfig

	inner *nn.Linear
}

// NewQuantizedLinear quantizes a float linear layer given its
// calibrated input observer.
func NewQuantizedLinear(l *nn.Linear, qc *QConfig, inputObs *MinMaxObserver) *QuantizedLinear {
	wq, ws, wz := QuantizeTensor(l.W, qc)
	inScale, inZero := inputObs.Params(qc)
	q := &QuantizedLinear{
		WQ:      wq,
		WShape:  append([]int(nil), l.W.Shape...),
		WScale:  ws,
		WZero:   wz,
		InScale: inScale,
		InZero:  inZero,
		QC:      qc,
	}
	if l.B != nil {
		q.B = l.B.Clone()
	}
	q.rebuild()
	return q
}

// rebuild materializes the dequantized-weight float layer used for
// the simulated forward.
func (q *QuantizedLinear) rebuild() {
	w := DequantizeTensor(q.WQ, q.WShape, q.WScale, q.WZero)
	q.inner = &nn.Linear{W: w, B: q.B}
}

func (q *QuantizedLinear) OpType() string { return "quantized.linear" }

// Weight returns the dequantized weight, so weight comparisons see
// the values the quantized op actually computes with.
func (q *QuantizedLinear) Weight() *tensor.Tensor { return q.inner.W }

func (q *QuantizedLinear) CloneModule() graph.Module {
	clone := &QuantizedLinear{
		WQ:      append([]int8(nil), q.WQ...),
		WShape:  append([]int(nil), q.WShape...),
		WScale:  q.WScale,
		WZero:   q.WZero,
		InScale: q.InScale,
		InZero:  q.InZero,
		QC:      q.QC,
	}
	if q.B != nil {
		clone.B = q.B.Clone()
	}
	clone.rebuild()
	return clone
}

func (q *QuantizedLinear) Forward(vals ...graph.Value) (graph.Value, error) {
	if len(vals) < 1 || vals[0].Kind != graph.KindTensor {
		return graph.Value{}, fmt.Errorf("quantized.linear: input must be a tensor")
	}
	x := fakeQuant(vals[0].Tensor, q.InScale, q.InZero, q.QC)
	return q.inner.Forward(graph.TensorValue(x))
}

// QuantizedConv2d is the int8 counterpart of nn.Conv2d.
type QuantizedConv2d struct {
	KQ      []int8
	KShape  []int
	KScale  float64
	KZero   float64
	B       *tensor.Tensor
	InScale float64
	InZero  float64
	QC      *QConfig

	inner *nn.Conv2d
}

// NewQuantizedConv2d quantizes a float conv layer given its
// calibrated input observer.
func NewQuantizedConv2d(c *nn.Conv2d, qc *QConfig, inputObs *MinMaxObserver) *QuantizedConv2d {
	kq, ks, kz := QuantizeTensor(c.K, qc)
	inScale, inZero := inputObs.Params(qc)
	q := &QuantizedConv2d{
		KQ:      kq,
		KShape:  append([]int(nil), c.K.Shape...),
		KScale:  ks,
		KZero:   kz,
		InScale: inScale,
		InZero:  inZero,
		QC:      qc,
	}
	if c.B != nil {
		q.B = c.B.Clone()
	}
	q.rebuild()
	return q
}

func (q *QuantizedConv2d) rebuild() {
	k := DequantizeTensor(q.KQ, q.KShape, q.KScale, q.KZero)
	q.inner = &nn.Conv2d{K: k, B: q.B}
}

func (q *QuantizedConv2d) OpType() string { return "quantized.conv2d" }

func (q *QuantizedConv2d) Weight() *tensor.Tensor { return q.inner.K }

func (q *QuantizedConv2d) CloneModule() graph.Module {
	clone := &QuantizedConv2d{
		KQ:      append([]int8(nil), q.KQ...),
		KShape:  append([]int(nil), q.KShape...),
		KScale:  q.KScale,
		KZero:   q.KZero,
		InScale: q.InScale,
		InZero:  q.InZero,
		QC:      q.QC,
	}
	if q.B != nil {
		clone.B = q.B.Clone()
	}
	clone.rebuild()
	return clone
}

func (q *QuantizedConv2d) Forward(vals ...graph.Value) (graph.Value, error) {
	if len(vals) < 1 || vals[0].Kind != graph.KindTensor {
		return graph.Value{}, fmt.Errorf("quantized.conv2d: input must be a tensor")
	}
	x := fakeQuant(vals[0].Tensor, q.InScale, q.InZero, q.QC)
	return q.inner.Forward(graph.TensorValue(x))
}

// QuantizeModule returns the quantized counterpart of a float module,
// or an error when the module type has no quantized form.
func QuantizeModule(m graph.Module, qc *QConfig, inputObs *MinMaxObserver) (graph.Module, error) {
	switch mod := m.(type) {
	case *nn.Linear:
		return NewQuantizedLinear(mod, qc, inputObs), nil
	case *nn.Conv2d:
		return NewQuantizedConv2d(mod, qc, inputObs), nil
	}
	return nil, fmt.Errorf("no quantized form for op type %q", m.OpType())
}
