package federated

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedsim/internal/tensor"
	"github.com/inferloop/fedsim/internal/testutil"
	"github.com/inferloop/fedsim/pkg/errors"
)

func TestPseudoGradient(t *testing.T) {
	pre := testutil.Scalars(5, 2)
	post := testutil.Scalars(4, 3)

	delta, err := PseudoGradient(pre, post)
	require.NoError(t, err)
	testutil.AssertParamsEqual(t, testutil.Scalars(1, -1), delta, 1e-12)

	// inputs are untouched
	testutil.AssertParamsEqual(t, testutil.Scalars(5, 2), pre, 0)
}

func TestPseudoGradientRejectsMisalignedSets(t *testing.T) {
	pre := testutil.Scalars(1, 2)
	post := testutil.Scalars(1)

	_, err := PseudoGradient(pre, post)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeAlignment, errors.TypeOf(err))
	assert.ErrorIs(t, err, errors.ErrParameterMismatch)
}

func TestScaffoldDeltaControlVariate(t *testing.T) {
	pre := testutil.Scalars(5)
	post := testutil.Scalars(4)
	zero := pre.ZerosLike()

	cu, err := ScaffoldDelta(pre, post, zero, zero.Clone(), 1, 0.1)
	require.NoError(t, err)

	testutil.AssertParamsEqual(t, testutil.Scalars(-1), cu.Displacement, 1e-12)
	testutil.AssertParamsEqual(t, testutil.Scalars(10), cu.ControlPlus, 1e-9)
	testutil.AssertParamsEqual(t, testutil.Scalars(10), cu.ControlDelta, 1e-9)
}

func TestScaffoldDeltaWithExistingControls(t *testing.T) {
	pre := testutil.Scalars(2)
	post := testutil.Scalars(1.5)
	cGlobal := testutil.Scalars(1)
	cLocal := testutil.Scalars(3)

	// c_plus = 3 - 1 + (2 - 1.5) / (2 * 0.25) = 3
	cu, err := ScaffoldDelta(pre, post, cGlobal, cLocal, 2, 0.25)
	require.NoError(t, err)
	testutil.AssertParamsEqual(t, testutil.Scalars(3), cu.ControlPlus, 1e-12)
	testutil.AssertParamsEqual(t, testutil.Scalars(0), cu.ControlDelta, 1e-12)
}

func TestScaffoldDeltaErrors(t *testing.T) {
	pre := testutil.Scalars(1)

	_, err := ScaffoldDelta(pre, pre, pre.ZerosLike(), pre.ZerosLike(), 0, 0.1)
	assert.Equal(t, errors.ErrorTypeConfiguration, errors.TypeOf(err))

	misaligned := pre.ZerosLike()
	misaligned.MustAdd("extra", tensor.Scalar(0))
	_, err = ScaffoldDelta(pre, pre, pre.ZerosLike(), misaligned, 1, 0.1)
	assert.Equal(t, errors.ErrorTypeAlignment, errors.TypeOf(err))
}
