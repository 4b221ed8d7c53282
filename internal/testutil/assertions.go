package testutil

import (
	"fmt"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedsim/internal/params"
)

// AssertFloatEquals asserts that two floats are equal within tolerance
func AssertFloatEquals(t *testing.T, expected, actual, tolerance float64, msgAndArgs ...interface{}) {
	t.Helper()

	if math.IsNaN(expected) && math.IsNaN(actual) {
		return
	}

	diff := math.Abs(expected - actual)
	assert.True(t, diff <= tolerance,
		"expected %f to be within %f of %f (diff: %f). %s",
		actual, tolerance, expected, diff, fmt.Sprint(msgAndArgs...))
}

// AssertFloatSliceEquals asserts that two float slices are equal within tolerance
func AssertFloatSliceEquals(t *testing.T, expected, actual []float64, tolerance float64, msgAndArgs ...interface{}) {
	t.Helper()

	require.Equal(t, len(expected), len(actual), "slice length mismatch. %s", fmt.Sprint(msgAndArgs...))

	for i := range expected {
		AssertFloatEquals(t, expected[i], actual[i], tolerance,
			fmt.Sprintf("element %d: %s", i, fmt.Sprint(msgAndArgs...)))
	}
}

// AssertParamsEqual asserts that two parameter sets are aligned and equal
// element-wise within tolerance
func AssertParamsEqual(t *testing.T, expected, actual *params.Set, tolerance float64, msgAndArgs ...interface{}) {
	t.Helper()

	require.NoError(t, expected.CheckAligned(actual), msgAndArgs...)
	for i, e := range expected.Entries() {
		AssertFloatSliceEquals(t, e.Tensor.Data(), actual.At(i).Data(), tolerance,
			fmt.Sprintf("parameter %s", e.Name))
	}
}

// AssertFileExists asserts that a file exists and contains the expected substrings
func AssertFileExists(t *testing.T, path string, expectedContent ...string) {
	t.Helper()

	_, err := os.Stat(path)
	require.NoError(t, err, "file %s does not exist", path)

	if len(expectedContent) > 0 {
		content, err := os.ReadFile(path)
		require.NoError(t, err, "failed to read file %s", path)

		for _, expected := range expectedContent {
			assert.Contains(t, string(content), expected, "file content missing expected text")
		}
	}
}
