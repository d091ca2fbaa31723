package core

import (
	"fmt"
)

// DataType enumerates the element types a tensor can carry.
type DataType int

const (
	// DTFloat is a 32-bit floating point element type.
	DTFloat DataType = iota
	// DTInt64 is a 64-bit integer element type.
	DTInt64
	// DTString is a variable-length byte string element type.
	DTString
)

// String returns the string representation of the data type.
func (d DataType) String() string {
	switch d {
	case DTFloat:
		return "float"
	case DTInt64:
		return "int64"
	case DTString:
		return "string"
	default:
		return "unknown"
	}
}

// Tensor is a dense n-dimensional value in row-major order.
//
// Only one of the value slices is populated, selected by DType. Shape-only
// results (as reported in queue responses) use a Tensor with nil values.
type Tensor struct {
	DType  DataType
	Dims   []int64
	Floats []float32
	Ints   []int64
	Strs   [][]byte
}

// NewTensor creates a float tensor with the given dimensions and values.
func NewTensor(dims []int64, values []float32) *Tensor {
	return &Tensor{DType: DTFloat, Dims: dims, Floats: values}
}

// NewMatrix creates a rank-2 float tensor from row-major values.
func NewMatrix(rows, cols int64, values []float32) *Tensor {
	return &Tensor{DType: DTFloat, Dims: []int64{rows, cols}, Floats: values}
}

// NewScalar creates a rank-0 float tensor.
func NewScalar(v float32) *Tensor {
	return &Tensor{DType: DTFloat, Dims: nil, Floats: []float32{v}}
}

// NewInt64Tensor creates an int64 tensor with the given dimensions and values.
func NewInt64Tensor(dims []int64, values []int64) *Tensor {
	return &Tensor{DType: DTInt64, Dims: dims, Ints: values}
}

// NumElements returns the product of the tensor dimensions.
func (t *Tensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Dims)
}

// Shape returns a copy of the dimensions slice.
func (t *Tensor) Shape() []int64 {
	out := make([]int64, len(t.Dims))
	copy(out, t.Dims)
	return out
}

// ShapeEqual reports whether two shapes have identical dimensions.
func ShapeEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Validate checks that the populated value slice matches the shape.
func (t *Tensor) Validate() error {
	want := t.NumElements()
	var got int64
	switch t.DType {
	case DTFloat:
		got = int64(len(t.Floats))
	case DTInt64:
		got = int64(len(t.Ints))
	case DTString:
		got = int64(len(t.Strs))
	default:
		return fmt.Errorf("unknown data type %d", t.DType)
	}
	if got != want {
		return fmt.Errorf("tensor shape %v expects %d elements, got %d", t.Dims, want, got)
	}
	return nil
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	out := &Tensor{DType: t.DType, Dims: append([]int64(nil), t.Dims...)}
	if t.Floats != nil {
		out.Floats = append([]float32(nil), t.Floats...)
	}
	if t.Ints != nil {
		out.Ints = append([]int64(nil), t.Ints...)
	}
	if t.Strs != nil {
		out.Strs = make([][]byte, len(t.Strs))
		for i, s := range t.Strs {
			out.Strs[i] = append([]byte(nil), s...)
		}
	}
	return out
}

// String renders a compact debug representation.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	return fmt.Sprintf("Tensor(%s, dims=%v, n=%d)", t.DType, t.Dims, t.NumElements())
}
