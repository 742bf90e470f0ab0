// Package tensor provides the dense arrays exchanged between datasets,
// checkpoints and model backends.
package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
)

// DataType represents the element type of a tensor.
type DataType int

const (
	Float32 DataType = iota
	Int64
)

func (d DataType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Int64:
		return "int64"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Tensor represents a multi-dimensional row-major array.
type Tensor struct {
	shape    []int64
	dataType DataType
	data     any // []float32 or []int64
}

// NewFloat32 creates a new float32 tensor.
func NewFloat32(data []float32, shape []int64) *Tensor {
	return &Tensor{
		shape:    shape,
		dataType: Float32,
		data:     data,
	}
}

// NewInt64 creates a new int64 tensor.
func NewInt64(data []int64, shape []int64) *Tensor {
	return &Tensor{
		shape:    shape,
		dataType: Int64,
		data:     data,
	}
}

// Shape returns the tensor shape.
func (t *Tensor) Shape() []int64 {
	return t.shape
}

// DataType returns the tensor data type.
func (t *Tensor) DataType() DataType {
	return t.dataType
}

// Float32Data returns the data as float32 slice.
func (t *Tensor) Float32Data() []float32 {
	if data, ok := t.data.([]float32); ok {
		return data
	}
	return nil
}

// Int64Data returns the data as int64 slice.
func (t *Tensor) Int64Data() []int64 {
	if data, ok := t.data.([]int64); ok {
		return data
	}
	return nil
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int64 {
	if len(t.shape) == 0 {
		return 0
	}

	n := int64(1)
	for _, dim := range t.shape {
		n *= dim
	}
	return n
}

// Rows returns the size of the leading dimension.
func (t *Tensor) Rows() int {
	if len(t.shape) == 0 {
		return 0
	}
	return int(t.shape[0])
}

// rowSize is the number of elements in one slice along dim 0.
func (t *Tensor) rowSize() int64 {
	n := int64(1)
	for _, dim := range t.shape[1:] {
		n *= dim
	}
	return n
}

// Reshape returns a new tensor with a different shape sharing the same data.
func (t *Tensor) Reshape(newShape []int64) (*Tensor, error) {
	oldN := t.NumElements()
	newN := int64(1)
	for _, dim := range newShape {
		newN *= dim
	}

	if oldN != newN {
		return nil, errors.ValidationError(fmt.Sprintf("reshape element count mismatch: %v -> %v", t.shape, newShape))
	}

	return &Tensor{
		shape:    newShape,
		dataType: t.dataType,
		data:     t.data,
	}, nil
}

// Slice returns rows [lo, hi) along the leading dimension. Data is shared.
func (t *Tensor) Slice(lo, hi int) (*Tensor, error) {
	if len(t.shape) == 0 || lo < 0 || hi > t.Rows() || lo > hi {
		return nil, errors.ValidationError(fmt.Sprintf("slice [%d:%d] out of range for shape %v", lo, hi, t.shape))
	}

	row := t.rowSize()
	shape := append([]int64{int64(hi - lo)}, t.shape[1:]...)
	start, end := int64(lo)*row, int64(hi)*row

	switch data := t.data.(type) {
	case []float32:
		return NewFloat32(data[start:end], shape), nil
	case []int64:
		return NewInt64(data[start:end], shape), nil
	default:
		return nil, errors.ValidationError("slice of tensor without data")
	}
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	var dataCopy any

	switch data := t.data.(type) {
	case []float32:
		c := make([]float32, len(data))
		copy(c, data)
		dataCopy = c
	case []int64:
		c := make([]int64, len(data))
		copy(c, data)
		dataCopy = c
	}

	shapeCopy := make([]int64, len(t.shape))
	copy(shapeCopy, t.shape)

	return &Tensor{
		shape:    shapeCopy,
		dataType: t.dataType,
		data:     dataCopy,
	}
}

// Stack joins equally shaped float32 tensors along a new leading dimension.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, errors.ValidationError("stack of zero tensors")
	}

	inner := items[0].shape
	per := items[0].NumElements()
	out := make([]float32, 0, int64(len(items))*per)

	for i, it := range items {
		if it.dataType != Float32 {
			return nil, errors.ValidationError(fmt.Sprintf("stack item %d is %s, want float32", i, it.dataType))
		}
		if !sameShape(it.shape, inner) {
			return nil, errors.ValidationError(fmt.Sprintf("stack item %d has shape %v, want %v", i, it.shape, inner))
		}
		out = append(out, it.Float32Data()...)
	}

	shape := append([]int64{int64(len(items))}, inner...)
	return NewFloat32(out, shape), nil
}

// Matrix converts a 2-D float32 tensor into a gonum matrix.
func (t *Tensor) Matrix() (*mat.Dense, error) {
	if len(t.shape) != 2 || t.dataType != Float32 {
		return nil, errors.ValidationError(fmt.Sprintf("matrix needs a 2-D float32 tensor, got %s %v", t.dataType, t.shape))
	}

	data := t.Float32Data()
	rows, cols := int(t.shape[0]), int(t.shape[1])
	if rows == 0 || cols == 0 {
		return nil, errors.ValidationError(fmt.Sprintf("matrix needs non-empty dimensions, got %v", t.shape))
	}
	vals := make([]float64, len(data))
	for i, v := range data {
		vals[i] = float64(v)
	}
	return mat.NewDense(rows, cols, vals), nil
}

// FromMatrix converts a gonum matrix into a float32 tensor.
func FromMatrix(m mat.Matrix) *Tensor {
	r, c := m.Dims()
	data := make([]float32, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data = append(data, float32(m.At(i, j)))
		}
	}
	return NewFloat32(data, []int64{int64(r), int64(c)})
}

// Zeros creates a zero-filled tensor.
func Zeros(shape []int64, dtype DataType) *Tensor {
	n := int64(1)
	for _, dim := range shape {
		n *= dim
	}

	switch dtype {
	case Int64:
		return NewInt64(make([]int64, n), shape)
	default:
		return NewFloat32(make([]float32, n), shape)
	}
}

func sameShape(a, b []int64) bool {
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
