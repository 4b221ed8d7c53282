package federated

import (
	"time"

	"github.com/inferloop/fedsim/internal/optim"
	"github.com/inferloop/fedsim/internal/params"
)

// ClientUpdate is what one selected client contributes to a round.
type ClientUpdate struct {
	ProxyID   string
	Partition string
	// Delta is the pseudo-gradient (FedOpt) or displacement (SCAFFOLD).
	Delta *params.Set
	// ControlDelta is set by SCAFFOLD only.
	ControlDelta *params.Set
	// Weight is the client's local example count.
	Weight float64
	Steps  int
}

// RoundContext is the ephemeral state of one communication round. Updates
// are kept in selection order.
type RoundContext struct {
	Round       int
	Started     time.Time
	Assignments []Assignment
	Updates     []*ClientUpdate
	ValAcc      map[string]float64
	TestAcc     map[string]float64
}

func newRoundContext(round int) *RoundContext {
	return &RoundContext{
		Round:   round,
		Started: time.Now(),
		ValAcc:  make(map[string]float64),
		TestAcc: make(map[string]float64),
	}
}

// Deltas returns the round's deltas in selection order.
func (rc *RoundContext) Deltas() []*params.Set {
	out := make([]*params.Set, len(rc.Updates))
	for i, u := range rc.Updates {
		out[i] = u.Delta
	}
	return out
}

// Weights returns the round's raw client weights in selection order.
func (rc *RoundContext) Weights() []float64 {
	out := make([]float64, len(rc.Updates))
	for i, u := range rc.Updates {
		out[i] = u.Weight
	}
	return out
}

// ServerState is the long-lived server-owned state, mutated only by the
// aggregation strategy.
type ServerState struct {
	Global *params.Set

	// Optimizer is the FedOpt server optimizer.
	Optimizer optim.Optimizer

	// ControlGlobal and ControlLocal are the SCAFFOLD control variates; local
	// entries are keyed by proxy client and survive rounds the client sits out.
	ControlGlobal *params.Set
	ControlLocal  map[string]*params.Set
}

// NewServerState creates the server state around the initial global parameters.
func NewServerState(global *params.Set) *ServerState {
	return &ServerState{
		Global:       global,
		ControlLocal: make(map[string]*params.Set),
	}
}
