package federated

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedsim/internal/optim"
	"github.com/inferloop/fedsim/internal/params"
	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
)

// Strategy is a server-side aggregation scheme.
type Strategy interface {
	// Name returns the algorithm name
	Name() string

	// Init prepares the server state before the first round
	Init(state *ServerState, clients []*Client) error

	// ComputeUpdate extracts a client's contribution after local training.
	// state.Global still holds the pre-round parameters.
	ComputeUpdate(state *ServerState, client *Client) (*ClientUpdate, error)

	// Aggregate folds the round's updates into the server state
	Aggregate(state *ServerState, rc *RoundContext) error
}

// StrategyConfig carries the settings of both aggregation schemes.
type StrategyConfig struct {
	Algorithm string

	// FedOpt server optimizer
	ServerOptimizer   string
	ServerLR          float64
	ServerMomentum    float64
	ServerWeightDecay float64

	// SCAFFOLD
	GlobalLR    float64
	LocalEpochs int
	LocalLR     float64
}

// NewStrategy resolves the aggregation scheme once at startup.
func NewStrategy(cfg StrategyConfig, logger *logrus.Logger) (Strategy, error) {
	if logger == nil {
		logger = logrus.New()
	}

	switch strings.ToLower(cfg.Algorithm) {
	case constants.AlgorithmFedOpt:
		serverCfg := optim.ServerConfig(cfg.ServerOptimizer, cfg.ServerLR, cfg.ServerMomentum, cfg.ServerWeightDecay, logger)
		return NewFedOpt(serverCfg, logger)
	case constants.AlgorithmScaffold:
		return NewScaffold(cfg.GlobalLR, cfg.LocalEpochs, cfg.LocalLR, logger)
	default:
		return nil, errors.WrapError(errors.ErrUnknownStrategy, errors.ErrorTypeConfiguration, errors.CodeUnknownStrategy,
			fmt.Sprintf("algorithm %q", cfg.Algorithm))
	}
}

// WeightedMean returns sum(w_i * d_i) / sum(w_i), zipping deltas positionally.
func WeightedMean(deltas []*params.Set, weights []float64) (*params.Set, error) {
	if len(deltas) == 0 {
		return nil, errors.WrapError(errors.ErrEmptyRound, errors.ErrorTypeInternal, errors.CodeInternalError, "weighted mean")
	}
	if len(deltas) != len(weights) {
		return nil, errors.NewInternalError(fmt.Sprintf("%d deltas with %d weights", len(deltas), len(weights)))
	}
	if err := deltas[0].CheckAll(deltas[1:]); err != nil {
		return nil, fmt.Errorf("weighted mean: %w", err)
	}

	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return nil, errors.WrapError(errors.ErrZeroWeight, errors.ErrorTypeData, errors.CodeInvalidDataset, "weighted mean")
	}

	out := deltas[0].ZerosLike()
	for i, d := range deltas {
		if err := out.AddScaled(weights[i]/total, d); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Mean returns the unweighted mean of aligned sets.
func Mean(sets []*params.Set) (*params.Set, error) {
	sum, err := Sum(sets)
	if err != nil {
		return nil, err
	}
	sum.Scale(1 / float64(len(sets)))
	return sum, nil
}

// Sum returns the element-wise sum of aligned sets.
func Sum(sets []*params.Set) (*params.Set, error) {
	if len(sets) == 0 {
		return nil, errors.WrapError(errors.ErrEmptyRound, errors.ErrorTypeInternal, errors.CodeInternalError, "sum")
	}
	out := sets[0].ZerosLike()
	for i, s := range sets {
		if err := out.AddScaled(1, s); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return out, nil
}
