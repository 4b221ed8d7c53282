// Package tensor provides a dense float64 tensor with a fixed shape. The
// element storage is a flat row-major slice and all arithmetic is delegated
// to gonum's floats package.
package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/inferloop/fedsim/pkg/errors"
)

// BytesPerElement is the in-memory size of one element.
const BytesPerElement = 8

// Tensor is a dense tensor of float64 values.
type Tensor struct {
	shape []int
	data  []float64
}

// New creates a zero tensor with the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{
		shape: append([]int(nil), shape...),
		data:  make([]float64, numElements(shape)),
	}
}

// FromSlice creates a tensor that copies data. The shape defaults to a
// vector of len(data) when omitted.
func FromSlice(data []float64, shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	if numElements(shape) != len(data) {
		return nil, errors.WrapError(errors.ErrShapeMismatch, errors.ErrorTypeAlignment, errors.CodeAlignment,
			fmt.Sprintf("shape %v does not hold %d elements", shape, len(data)))
	}
	t := New(shape...)
	copy(t.data, data)
	return t, nil
}

// Scalar creates a one-element tensor.
func Scalar(v float64) *Tensor {
	t := New(1)
	t.data[0] = v
	return t
}

// Full creates a tensor of the given shape filled with v.
func Full(v float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Shape returns a copy of the tensor shape.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.data)
}

// Data exposes the underlying storage. Callers that mutate it mutate the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Bytes returns the memory footprint of the element storage.
func (t *Tensor) Bytes() int64 {
	return int64(len(t.data)) * BytesPerElement
}

// SameShape reports whether both tensors have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.shape) != len(o.shape) {
		return false
	}
	for i := range t.shape {
		if t.shape[i] != o.shape[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := New(t.shape...)
	copy(c.data, t.data)
	return c
}

// ZerosLike returns a zero tensor with the same shape.
func (t *Tensor) ZerosLike() *Tensor {
	return New(t.shape...)
}

func (t *Tensor) check(o *Tensor) error {
	if !t.SameShape(o) {
		return errors.WrapError(errors.ErrShapeMismatch, errors.ErrorTypeAlignment, errors.CodeAlignment,
			fmt.Sprintf("shape %v vs %v", t.shape, o.shape))
	}
	return nil
}

// CopyFrom overwrites t with the values of src.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if err := t.check(src); err != nil {
		return err
	}
	copy(t.data, src.data)
	return nil
}

// Add computes t += o.
func (t *Tensor) Add(o *Tensor) error {
	if err := t.check(o); err != nil {
		return err
	}
	floats.Add(t.data, o.data)
	return nil
}

// AddScaled computes t += alpha * o.
func (t *Tensor) AddScaled(alpha float64, o *Tensor) error {
	if err := t.check(o); err != nil {
		return err
	}
	floats.AddScaled(t.data, alpha, o.data)
	return nil
}

// Scale computes t *= c.
func (t *Tensor) Scale(c float64) {
	floats.Scale(c, t.data)
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float64) {
	for i := range t.data {
		t.data[i] = v
	}
}

// Sub returns a - b as a new tensor.
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := a.check(b); err != nil {
		return nil, err
	}
	out := a.ZerosLike()
	floats.SubTo(out.data, a.data, b.data)
	return out, nil
}

// Norm returns the L2 norm of the elements.
func (t *Tensor) Norm() float64 {
	return floats.Norm(t.data, 2)
}

// SumSquares returns the sum of squared elements.
func (t *Tensor) SumSquares() float64 {
	return floats.Dot(t.data, t.data)
}

// Equal reports element-wise equality within tol.
func (t *Tensor) Equal(o *Tensor, tol float64) bool {
	return t.SameShape(o) && floats.EqualApprox(t.data, o.data, tol)
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v%v", t.shape, t.data)
}
