// Package params implements the ordered parameter collections shared by the
// global model, every client replica, deltas and control variates.
//
// Aggregation zips collections positionally, so a Set keeps its entries in
// insertion order and every binary operation first checks that both sides
// carry the same names in the same order with the same shapes.
package params

import (
	"fmt"
	"math"

	"github.com/inferloop/fedsim/internal/tensor"
	"github.com/inferloop/fedsim/pkg/errors"
)

// Entry is one named trainable parameter.
type Entry struct {
	Name   string
	Tensor *tensor.Tensor
}

// Spec describes one parameter of a model layout.
type Spec struct {
	Name  string `mapstructure:"name" yaml:"name"`
	Shape []int  `mapstructure:"shape" yaml:"shape"`
}

// Set is an order-preserving mapping from parameter name to tensor.
type Set struct {
	entries []Entry
	index   map[string]int
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{index: make(map[string]int)}
}

// FromSpecs builds a zero-valued set in the order of specs.
func FromSpecs(specs []Spec) (*Set, error) {
	s := NewSet()
	for _, sp := range specs {
		if sp.Name == "" {
			return nil, errors.NewConfigurationError(errors.CodeMissingField, "parameter name is required")
		}
		for _, d := range sp.Shape {
			if d <= 0 {
				return nil, errors.NewConfigurationError(errors.CodeOutOfRange,
					fmt.Sprintf("parameter %q has non-positive dimension in shape %v", sp.Name, sp.Shape))
			}
		}
		if err := s.Add(sp.Name, tensor.New(sp.Shape...)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends a parameter. Names must be unique.
func (s *Set) Add(name string, t *tensor.Tensor) error {
	if _, ok := s.index[name]; ok {
		return errors.NewAlignmentError(errors.ErrParameterMismatch, fmt.Sprintf("duplicate parameter %q", name))
	}
	s.index[name] = len(s.entries)
	s.entries = append(s.entries, Entry{Name: name, Tensor: t})
	return nil
}

// MustAdd is Add for statically known layouts; it panics on duplicates.
func (s *Set) MustAdd(name string, t *tensor.Tensor) *Set {
	if err := s.Add(name, t); err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of parameters.
func (s *Set) Len() int {
	return len(s.entries)
}

// Names returns the canonical parameter order.
func (s *Set) Names() []string {
	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.Name
	}
	return names
}

// Entries returns the ordered entries. The slice must not be modified.
func (s *Set) Entries() []Entry {
	return s.entries
}

// At returns the tensor at position i.
func (s *Set) At(i int) *tensor.Tensor {
	return s.entries[i].Tensor
}

// Get returns the tensor registered under name.
func (s *Set) Get(name string) (*tensor.Tensor, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.entries[i].Tensor, true
}

// Bytes returns the total memory footprint of all tensors.
func (s *Set) Bytes() int64 {
	var n int64
	for _, e := range s.entries {
		n += e.Tensor.Bytes()
	}
	return n
}

// NumElements returns the total number of scalar parameters.
func (s *Set) NumElements() int {
	n := 0
	for _, e := range s.entries {
		n += e.Tensor.Len()
	}
	return n
}

// CheckAligned verifies that o has the same names, order and shapes as s.
func (s *Set) CheckAligned(o *Set) error {
	if s.Len() != o.Len() {
		return errors.NewAlignmentError(errors.ErrParameterMismatch,
			fmt.Sprintf("parameter count %d vs %d", s.Len(), o.Len()))
	}
	for i := range s.entries {
		a, b := s.entries[i], o.entries[i]
		if a.Name != b.Name {
			return errors.NewAlignmentError(errors.ErrParameterMismatch,
				fmt.Sprintf("position %d holds %q vs %q", i, a.Name, b.Name))
		}
		if !a.Tensor.SameShape(b.Tensor) {
			return errors.NewAlignmentError(errors.ErrShapeMismatch,
				fmt.Sprintf("parameter %q shape %v vs %v", a.Name, a.Tensor.Shape(), b.Tensor.Shape()))
		}
	}
	return nil
}

// CheckAll verifies that every set in others is aligned with s.
func (s *Set) CheckAll(others []*Set) error {
	for i, o := range others {
		if err := s.CheckAligned(o); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return nil
}

// CopyFrom overwrites every tensor in s with the value of the same-named
// tensor of src, parameter by parameter.
func (s *Set) CopyFrom(src *Set) error {
	if err := s.CheckAligned(src); err != nil {
		return err
	}
	for i := range s.entries {
		if err := s.entries[i].Tensor.CopyFrom(src.entries[i].Tensor); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy with the same order.
func (s *Set) Clone() *Set {
	c := &Set{
		entries: make([]Entry, len(s.entries)),
		index:   make(map[string]int, len(s.entries)),
	}
	for i, e := range s.entries {
		c.entries[i] = Entry{Name: e.Name, Tensor: e.Tensor.Clone()}
		c.index[e.Name] = i
	}
	return c
}

// ZerosLike returns an aligned set of zero tensors.
func (s *Set) ZerosLike() *Set {
	c := s.Clone()
	for _, e := range c.entries {
		e.Tensor.Fill(0)
	}
	return c
}

// Sub returns a - b, parameter by parameter.
func Sub(a, b *Set) (*Set, error) {
	if err := a.CheckAligned(b); err != nil {
		return nil, err
	}
	out := &Set{
		entries: make([]Entry, len(a.entries)),
		index:   make(map[string]int, len(a.entries)),
	}
	for i, e := range a.entries {
		d, err := tensor.Sub(e.Tensor, b.entries[i].Tensor)
		if err != nil {
			return nil, err
		}
		out.entries[i] = Entry{Name: e.Name, Tensor: d}
		out.index[e.Name] = i
	}
	return out, nil
}

// AddScaled computes s += alpha * o.
func (s *Set) AddScaled(alpha float64, o *Set) error {
	if err := s.CheckAligned(o); err != nil {
		return err
	}
	for i := range s.entries {
		if err := s.entries[i].Tensor.AddScaled(alpha, o.entries[i].Tensor); err != nil {
			return err
		}
	}
	return nil
}

// Scale multiplies every tensor by c.
func (s *Set) Scale(c float64) {
	for _, e := range s.entries {
		e.Tensor.Scale(c)
	}
}

// Norm returns the global L2 norm over all tensors.
func (s *Set) Norm() float64 {
	var sq float64
	for _, e := range s.entries {
		sq += e.Tensor.SumSquares()
	}
	return math.Sqrt(sq)
}

// Equal reports whether both sets are aligned and element-wise equal within tol.
func (s *Set) Equal(o *Set, tol float64) bool {
	if s.CheckAligned(o) != nil {
		return false
	}
	for i := range s.entries {
		if !s.entries[i].Tensor.Equal(o.entries[i].Tensor, tol) {
			return false
		}
	}
	return true
}
