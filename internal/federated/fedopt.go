package federated

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedsim/internal/optim"
	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
)

// FedOpt averages pseudo-gradients weighted by example count and applies
// the mean through a persistent server optimizer.
type FedOpt struct {
	config optim.Config
	logger *logrus.Logger
}

// NewFedOpt creates the FedOpt strategy for a resolved server optimizer.
func NewFedOpt(config optim.Config, logger *logrus.Logger) (*FedOpt, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if config.LearningRate <= 0 {
		return nil, errors.NewConfigurationError(errors.CodeOutOfRange,
			fmt.Sprintf("server learning rate must be positive, got %g", config.LearningRate))
	}
	return &FedOpt{config: config, logger: logger}, nil
}

// Name implements Strategy.
func (f *FedOpt) Name() string { return constants.AlgorithmFedOpt }

// Init creates the server optimizer over the global parameters.
func (f *FedOpt) Init(state *ServerState, _ []*Client) error {
	opt, err := optim.New(f.config)
	if err != nil {
		return err
	}
	state.Optimizer = opt

	f.logger.WithFields(logrus.Fields{
		"optimizer":     opt.Kind().String(),
		"learning_rate": f.config.LearningRate,
		"momentum":      f.config.Momentum,
		"nesterov":      f.config.Nesterov,
		"weight_decay":  f.config.WeightDecay,
	}).Info("Server optimizer created")
	return nil
}

// ComputeUpdate returns the client's pseudo-gradient.
func (f *FedOpt) ComputeUpdate(state *ServerState, client *Client) (*ClientUpdate, error) {
	delta, err := PseudoGradient(state.Global, client.Model())
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", client.ID(), err)
	}
	return &ClientUpdate{ProxyID: client.ID(), Delta: delta}, nil
}

// Aggregate assigns the weighted mean pseudo-gradient as the gradient of
// the global parameters and takes one server optimizer step.
func (f *FedOpt) Aggregate(state *ServerState, rc *RoundContext) error {
	if state.Optimizer == nil {
		return errors.NewInternalError("server optimizer not initialized")
	}
	if len(rc.Updates) == 0 {
		return errors.WrapError(errors.ErrEmptyRound, errors.ErrorTypeInternal, errors.CodeInternalError,
			fmt.Sprintf("round %d", rc.Round))
	}

	grad, err := WeightedMean(rc.Deltas(), rc.Weights())
	if err != nil {
		return err
	}
	if err := state.Optimizer.Step(state.Global, grad); err != nil {
		return fmt.Errorf("server step: %w", err)
	}

	f.logger.WithFields(logrus.Fields{
		"round":     rc.Round,
		"clients":   len(rc.Updates),
		"grad_norm": grad.Norm(),
	}).Debug("FedOpt aggregation applied")
	return nil
}
