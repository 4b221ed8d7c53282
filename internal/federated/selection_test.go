package federated

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedsim/internal/optim"
	"github.com/inferloop/fedsim/internal/schedule"
	"github.com/inferloop/fedsim/internal/testutil"
	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
)

func testLocalConfig(budget int) LocalConfig {
	return LocalConfig{
		Optimizer:  optim.Config{Kind: optim.KindSGD, LearningRate: 0.1},
		Schedule:   schedule.Config{DecayType: "constant", BaseLR: 0.1},
		StepBudget: budget,
	}
}

func partitionsOf(counts ...int) []Partition {
	out := make([]Partition, len(counts))
	for i, n := range counts {
		out[i] = Partition{Train: testutil.Dataset{Name: fmt.Sprintf("site%d", i), N: n}}
	}
	return out
}

func ids(parts []Partition) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.ID()
	}
	return out
}

func TestSelectPartitionsFullPopulation(t *testing.T) {
	parts := partitionsOf(1, 2, 3)
	rng := rand.New(rand.NewPCG(1, 1))

	for _, n := range []int{constants.AllClients, 3} {
		selected, err := SelectPartitions(rng, parts, n)
		require.NoError(t, err)
		assert.Equal(t, []string{"site0", "site1", "site2"}, ids(selected))
	}
}

func TestSelectPartitionsSubset(t *testing.T) {
	parts := partitionsOf(1, 2, 3, 4, 5, 6)

	a, err := SelectPartitions(rand.New(rand.NewPCG(7, 7)), parts, 3)
	require.NoError(t, err)
	b, err := SelectPartitions(rand.New(rand.NewPCG(7, 7)), parts, 3)
	require.NoError(t, err)

	assert.Len(t, a, 3)
	assert.Equal(t, ids(a), ids(b), "same seed must yield the same selection")

	seen := make(map[string]bool)
	for _, id := range ids(a) {
		assert.False(t, seen[id], "partition %s selected twice", id)
		seen[id] = true
	}
}

func TestSelectPartitionsInvalid(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))

	_, err := SelectPartitions(rng, nil, 1)
	assert.ErrorIs(t, err, errors.ErrNoClients)

	for _, n := range []int{0, -2, 4} {
		_, err := SelectPartitions(rng, partitionsOf(1, 2, 3), n)
		assert.Error(t, err, "n=%d", n)
	}
}

func TestRoundWeightsRenormalizeOverSelected(t *testing.T) {
	weights, err := RoundWeights([]int{10, 30})
	require.NoError(t, err)
	testutil.AssertFloatSliceEquals(t, []float64{0.25, 0.75}, weights, 1e-12)

	_, err = RoundWeights([]int{0, 0})
	assert.ErrorIs(t, err, errors.ErrZeroWeight)

	_, err = RoundWeights([]int{3, -1})
	assert.ErrorIs(t, err, errors.ErrInvalidDataset)
}

func TestAssignIgnoresUnselectedPartitions(t *testing.T) {
	parts := partitionsOf(10, 1000, 30)
	global := testutil.Scalars(0)
	clients, err := NewProxyClients(parts, 2, global, testLocalConfig(5))
	require.NoError(t, err)

	assignments, err := assign([]Partition{parts[0], parts[2]}, clients)
	require.NoError(t, err)

	require.Len(t, assignments, 2)
	assert.Equal(t, "proxy_client_0", assignments[0].Client.ID())
	assert.Equal(t, "site2", assignments[1].Partition.ID())
	testutil.AssertFloatEquals(t, 0.25, assignments[0].Weight, 1e-12)
	testutil.AssertFloatEquals(t, 0.75, assignments[1].Weight, 1e-12)
}

func TestNewProxyClients(t *testing.T) {
	parts := partitionsOf(1, 2, 3)
	global := testutil.Scalars(1, 2)

	full, err := NewProxyClients(parts, constants.AllClients, global, testLocalConfig(5))
	require.NoError(t, err)
	require.Len(t, full, 3)
	assert.Equal(t, "site1", full[1].ID())

	sub, err := NewProxyClients(parts, 2, global, testLocalConfig(5))
	require.NoError(t, err)
	require.Len(t, sub, 2)
	assert.Equal(t, "proxy_client_1", sub[1].ID())

	// replicas are independent copies of the global set
	sub[0].Model().At(0).Data()[0] = 42
	testutil.AssertFloatEquals(t, 1, global.At(0).Data()[0], 0)
	testutil.AssertFloatEquals(t, 1, sub[1].Model().At(0).Data()[0], 0)

	_, err = NewProxyClients(parts, 4, global, testLocalConfig(5))
	assert.Error(t, err)
	_, err = NewProxyClients(parts, 2, global, testLocalConfig(0))
	assert.Error(t, err)
}
