package federated

import (
	"fmt"

	"github.com/inferloop/fedsim/internal/params"
	"github.com/inferloop/fedsim/pkg/errors"
)

// PseudoGradient returns pre - post, the signal fed to the server optimizer.
func PseudoGradient(pre, post *params.Set) (*params.Set, error) {
	delta, err := params.Sub(pre, post)
	if err != nil {
		return nil, fmt.Errorf("pseudo-gradient: %w", err)
	}
	return delta, nil
}

// ControlUpdate is the result of a SCAFFOLD client step.
type ControlUpdate struct {
	// Displacement is post - pre.
	Displacement *params.Set
	// ControlPlus replaces the client's local control variate.
	ControlPlus *params.Set
	// ControlDelta is ControlPlus - the previous local control variate.
	ControlDelta *params.Set
}

// ScaffoldDelta computes the displacement of a client together with its
// control variate update
//
//	c_plus  = c_local - c_global + (pre - post) / (epochs * lr)
//	c_delta = c_plus - c_local
func ScaffoldDelta(pre, post, cGlobal, cLocal *params.Set, epochs int, lr float64) (*ControlUpdate, error) {
	if epochs <= 0 || lr <= 0 {
		return nil, errors.NewConfigurationError(errors.CodeOutOfRange,
			fmt.Sprintf("control variate coefficient needs positive epochs and learning rate, got %d and %g", epochs, lr))
	}
	if err := pre.CheckAll([]*params.Set{post, cGlobal, cLocal}); err != nil {
		return nil, fmt.Errorf("scaffold delta: %w", err)
	}

	displacement, err := params.Sub(post, pre)
	if err != nil {
		return nil, err
	}

	cPlus, err := params.Sub(cLocal, cGlobal)
	if err != nil {
		return nil, err
	}
	coef := 1 / (float64(epochs) * lr)
	if err := cPlus.AddScaled(-coef, displacement); err != nil {
		return nil, err
	}

	cDelta, err := params.Sub(cPlus, cLocal)
	if err != nil {
		return nil, err
	}

	return &ControlUpdate{Displacement: displacement, ControlPlus: cPlus, ControlDelta: cDelta}, nil
}
