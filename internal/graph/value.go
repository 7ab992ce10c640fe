package graph

import (
	"github.com/quantlens/quantlens/internal/tensor"
)

// ValueKind enumerates the shapes a value flowing through a graph can
// take. Unknown is a defined pass-through variant, not an error.
type ValueKind int

const (
	KindInvalid ValueKind = iota
	KindTensor
	KindRNN
	KindScalar
	KindList
	KindUnknown
)

// RNNOutput is the paired recurrent-cell output shape: the sequence
// output plus the (hidden, cell) state pair.
type RNNOutput struct {
	Output *tensor.Tensor
	Hidden *tensor.Tensor
	Cell   *tensor.Tensor
}

// Value is the tagged variant passed between nodes during execution.
type Value struct {
	Kind   ValueKind
	Tensor *tensor.Tensor
	RNN    *RNNOutput
	Scalar float64
	List   []Value
	Raw    interface{}
}

// TensorValue wraps a tensor.
func TensorValue(t *tensor.Tensor) Value {
	return Value{Kind: KindTensor, Tensor: t}
}

// RNNValue wraps a recurrent-cell output.
func RNNValue(output, hidden, cell *tensor.Tensor) Value {
	return Value{Kind: KindRNN, RNN: &RNNOutput{Output: output, Hidden: hidden, Cell: cell}}
}

// ScalarValue wraps a scalar literal.
func ScalarValue(f float64) Value {
	return Value{Kind: KindScalar, Scalar: f}
}

// ListValue wraps an ordered list of values.
func ListValue(vals ...Value) Value {
	return Value{Kind: KindList, List: vals}
}

// UnknownValue wraps an opaque value that the suite passes through
// without capturing.
func UnknownValue(raw interface{}) Value {
	return Value{Kind: KindUnknown, Raw: raw}
}

// Clone returns a detached snapshot. Tensor-backed kinds are deep
// copied so later in-place writes by the host graph cannot change
// recorded state. Unknown values are passed by reference.
func (v Value) Clone() Value {
	switch v.Kind {
	case KindTensor:
		return TensorValue(v.Tensor.Clone())
	case KindRNN:
		return RNNValue(v.RNN.Output.Clone(), v.RNN.Hidden.Clone(), v.RNN.Cell.Clone())
	case KindList:
		out := make([]Value, len(v.List))
		for i, inner := range v.List {
			out[i] = inner.Clone()
		}
		return Value{Kind: KindList, List: out}
	default:
		return v
	}
}

// NumElems returns the element count of the tensor content, 0 for
// non-tensor kinds.
func (v Value) NumElems() int {
	switch v.Kind {
	case KindTensor:
		return v.Tensor.NumElems()
	case KindRNN:
		return v.RNN.Output.NumElems() + v.RNN.Hidden.NumElems() + v.RNN.Cell.NumElems()
	}
	return 0
}
