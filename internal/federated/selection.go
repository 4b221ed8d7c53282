package federated

import (
	"fmt"
	"math/rand/v2"

	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
)

// Assignment binds a selected partition to the proxy client that trains on
// it during one round.
type Assignment struct {
	Client    *Client
	Partition Partition
	// Weight is the partition's share of the round's training examples.
	Weight float64
}

// SelectPartitions returns the partitions participating in a round. The
// full population is used in order when n is -1 or the population size;
// otherwise n partitions are drawn uniformly without replacement.
func SelectPartitions(rng *rand.Rand, partitions []Partition, n int) ([]Partition, error) {
	if len(partitions) == 0 {
		return nil, errors.WrapError(errors.ErrNoClients, errors.ErrorTypeConfiguration, errors.CodeInvalidConfig, "no partitions to select from")
	}
	if n == constants.AllClients || n == len(partitions) {
		out := make([]Partition, len(partitions))
		copy(out, partitions)
		return out, nil
	}
	if n <= 0 || n > len(partitions) {
		return nil, errors.NewConfigurationError(errors.CodeOutOfRange,
			fmt.Sprintf("cannot select %d of %d partitions", n, len(partitions)))
	}

	perm := rng.Perm(len(partitions))
	out := make([]Partition, n)
	for i := 0; i < n; i++ {
		out[i] = partitions[perm[i]]
	}
	return out, nil
}

// RoundWeights normalizes example counts over the selected clients only.
func RoundWeights(counts []int) ([]float64, error) {
	total := 0
	for _, c := range counts {
		if c < 0 {
			return nil, errors.WrapError(errors.ErrInvalidDataset, errors.ErrorTypeData, errors.CodeInvalidDataset,
				fmt.Sprintf("negative example count %d", c))
		}
		total += c
	}
	if total == 0 {
		return nil, errors.WrapError(errors.ErrZeroWeight, errors.ErrorTypeData, errors.CodeInvalidDataset, "selected clients hold no examples")
	}

	weights := make([]float64, len(counts))
	for i, c := range counts {
		weights[i] = float64(c) / float64(total)
	}
	return weights, nil
}

// assign zips the selected partitions positionally onto the proxy clients.
func assign(selected []Partition, clients []*Client) ([]Assignment, error) {
	if len(selected) != len(clients) {
		return nil, errors.NewInternalError(fmt.Sprintf("%d partitions selected for %d proxy clients", len(selected), len(clients)))
	}

	counts := make([]int, len(selected))
	for i, p := range selected {
		counts[i] = p.Examples()
	}
	weights, err := RoundWeights(counts)
	if err != nil {
		return nil, err
	}

	out := make([]Assignment, len(selected))
	for i := range selected {
		out[i] = Assignment{Client: clients[i], Partition: selected[i], Weight: weights[i]}
	}
	return out, nil
}
