package params

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedsim/internal/tensor"
	fserrors "github.com/inferloop/fedsim/pkg/errors"
)

func vec(vals ...float64) *tensor.Tensor {
	t, err := tensor.FromSlice(vals)
	if err != nil {
		panic(err)
	}
	return t
}

func TestSetPreservesInsertionOrder(t *testing.T) {
	s := NewSet().
		MustAdd("layer2.weight", vec(1)).
		MustAdd("layer1.weight", vec(2)).
		MustAdd("layer1.bias", vec(3))

	assert.Equal(t, []string{"layer2.weight", "layer1.weight", "layer1.bias"}, s.Names())
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 2.0, s.At(1).Data()[0])

	got, ok := s.Get("layer1.bias")
	require.True(t, ok)
	assert.Equal(t, 3.0, got.Data()[0])
}

func TestAddRejectsDuplicates(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Add("w", vec(1)))
	err := s.Add("w", vec(2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fserrors.ErrParameterMismatch))
}

func TestFromSpecs(t *testing.T) {
	s, err := FromSpecs([]Spec{{Name: "w", Shape: []int{2, 2}}, {Name: "b", Shape: []int{2}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"w", "b"}, s.Names())
	assert.Equal(t, 6, s.NumElements())
	assert.Equal(t, int64(48), s.Bytes())
}

func TestFromSpecsRejectsInvalidSpecs(t *testing.T) {
	tests := []struct {
		name  string
		specs []Spec
	}{
		{"negative dimension", []Spec{{Name: "w", Shape: []int{-3}}}},
		{"zero dimension", []Spec{{Name: "w", Shape: []int{4, 0}}}},
		{"missing name", []Spec{{Shape: []int{2}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromSpecs(tt.specs)
			require.Error(t, err)
			assert.Equal(t, fserrors.ErrorTypeConfiguration, fserrors.TypeOf(err))
		})
	}
}

func TestCheckAligned(t *testing.T) {
	base := NewSet().MustAdd("w", vec(1, 2)).MustAdd("b", vec(0))

	tests := []struct {
		name     string
		other    *Set
		sentinel error
	}{
		{"aligned", NewSet().MustAdd("w", vec(5, 6)).MustAdd("b", vec(1)), nil},
		{"reordered", NewSet().MustAdd("b", vec(1)).MustAdd("w", vec(5, 6)), fserrors.ErrParameterMismatch},
		{"missing", NewSet().MustAdd("w", vec(5, 6)), fserrors.ErrParameterMismatch},
		{"reshaped", NewSet().MustAdd("w", vec(5, 6, 7)).MustAdd("b", vec(1)), fserrors.ErrShapeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := base.CheckAligned(tt.other)
			if tt.sentinel == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.sentinel))
			assert.Equal(t, fserrors.ErrorTypeAlignment, fserrors.TypeOf(err))
		})
	}
}

func TestCopyFromOverwritesByPosition(t *testing.T) {
	dst := NewSet().MustAdd("w", vec(0, 0)).MustAdd("b", vec(0))
	src := NewSet().MustAdd("w", vec(1, 2)).MustAdd("b", vec(3))

	require.NoError(t, dst.CopyFrom(src))
	assert.True(t, dst.Equal(src, 0))

	// the copy must not alias src
	src.At(0).Fill(9)
	assert.Equal(t, []float64{1, 2}, dst.At(0).Data())
}

func TestSubAndAddScaled(t *testing.T) {
	a := NewSet().MustAdd("w", vec(5, 5))
	b := NewSet().MustAdd("w", vec(4, 6))

	d, err := Sub(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -1}, d.At(0).Data())
	assert.Equal(t, []string{"w"}, d.Names())

	require.NoError(t, a.AddScaled(-1, d))
	assert.Equal(t, []float64{4, 6}, a.At(0).Data())
}

func TestCloneAndZerosLike(t *testing.T) {
	a := NewSet().MustAdd("w", vec(1, 2)).MustAdd("b", vec(3))
	c := a.Clone()
	z := a.ZerosLike()

	c.At(0).Fill(7)
	assert.Equal(t, []float64{1, 2}, a.At(0).Data())
	require.NoError(t, a.CheckAligned(z))
	assert.Zero(t, z.Norm())
}

func TestNorm(t *testing.T) {
	s := NewSet().MustAdd("w", vec(3)).MustAdd("b", vec(4))
	assert.InDelta(t, 5.0, s.Norm(), 1e-12)
}
