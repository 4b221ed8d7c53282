package federated

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedsim/internal/params"
	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
)

// Scaffold applies the uniform mean of client displacements scaled by a
// global learning rate and maintains the control variates. Client weights
// are recorded but do not enter the arithmetic.
type Scaffold struct {
	globalLR    float64
	localEpochs int
	localLR     float64
	logger      *logrus.Logger
}

// NewScaffold creates the SCAFFOLD strategy. localEpochs and localLR set the
// coefficient that turns a displacement into an implied gradient.
func NewScaffold(globalLR float64, localEpochs int, localLR float64, logger *logrus.Logger) (*Scaffold, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if localEpochs <= 0 || localLR <= 0 {
		return nil, errors.NewConfigurationError(errors.CodeOutOfRange,
			fmt.Sprintf("scaffold needs positive local epochs and learning rate, got %d and %g", localEpochs, localLR))
	}
	return &Scaffold{globalLR: globalLR, localEpochs: localEpochs, localLR: localLR, logger: logger}, nil
}

// Name implements Strategy.
func (s *Scaffold) Name() string { return constants.AlgorithmScaffold }

// Init zeroes the global control variate and one local control variate per
// proxy client.
func (s *Scaffold) Init(state *ServerState, clients []*Client) error {
	state.ControlGlobal = state.Global.ZerosLike()
	if state.ControlLocal == nil {
		state.ControlLocal = make(map[string]*params.Set)
	}
	for _, c := range clients {
		if err := state.Global.CheckAligned(c.Model()); err != nil {
			return fmt.Errorf("client %s: %w", c.ID(), err)
		}
		state.ControlLocal[c.ID()] = state.Global.ZerosLike()
	}
	return nil
}

// ComputeUpdate returns the client's displacement and control delta and
// replaces its local control variate.
func (s *Scaffold) ComputeUpdate(state *ServerState, client *Client) (*ClientUpdate, error) {
	cLocal, ok := state.ControlLocal[client.ID()]
	if !ok {
		return nil, errors.NewInternalError(fmt.Sprintf("no control variate for client %s", client.ID()))
	}

	cu, err := ScaffoldDelta(state.Global, client.Model(), state.ControlGlobal, cLocal, s.localEpochs, s.localLR)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", client.ID(), err)
	}
	state.ControlLocal[client.ID()] = cu.ControlPlus

	return &ClientUpdate{ProxyID: client.ID(), Delta: cu.Displacement, ControlDelta: cu.ControlDelta}, nil
}

// Aggregate updates the global parameters and the global control variate.
func (s *Scaffold) Aggregate(state *ServerState, rc *RoundContext) error {
	if len(rc.Updates) == 0 {
		return errors.WrapError(errors.ErrEmptyRound, errors.ErrorTypeInternal, errors.CodeInternalError,
			fmt.Sprintf("round %d", rc.Round))
	}

	xDelta, err := Mean(rc.Deltas())
	if err != nil {
		return err
	}
	if err := state.Global.AddScaled(s.globalLR, xDelta); err != nil {
		return err
	}

	controls := make([]*params.Set, len(rc.Updates))
	for i, u := range rc.Updates {
		if u.ControlDelta == nil {
			return errors.NewInternalError(fmt.Sprintf("update from %s carries no control delta", u.ProxyID))
		}
		controls[i] = u.ControlDelta
	}
	cSum, err := Sum(controls)
	if err != nil {
		return err
	}
	if err := state.ControlGlobal.AddScaled(1/float64(len(rc.Updates)), cSum); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"round":        rc.Round,
		"clients":      len(rc.Updates),
		"x_delta_norm": xDelta.Norm(),
		"c_global":     state.ControlGlobal.Norm(),
	}).Debug("SCAFFOLD aggregation applied")
	return nil
}
