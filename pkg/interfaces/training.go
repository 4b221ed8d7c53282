package interfaces

import (
	"context"

	"github.com/inferloop/fedsim/internal/optim"
	"github.com/inferloop/fedsim/internal/params"
	"github.com/inferloop/fedsim/internal/schedule"
)

// Dataset is a client's private data as seen by the aggregation core
type Dataset interface {
	// ID returns the partition identifier
	ID() string

	// Len returns the number of local examples, used as the client weight
	Len() int
}

// Replica is the client-side state a trainer mutates
type Replica interface {
	// ID returns the proxy client identifier
	ID() string

	// Model returns the trainable parameters, aligned with the global set
	Model() *params.Set

	// Optimizer returns the local optimizer, whose state persists across rounds
	Optimizer() optim.Optimizer

	// Scheduler returns the local learning-rate schedule
	Scheduler() schedule.Scheduler
}

// TrainResult summarizes one local training phase
type TrainResult struct {
	// Steps is the number of optimization steps taken
	Steps int `json:"steps"`

	// LearningRates holds the learning rate recorded after every step
	LearningRates []float64 `json:"learning_rates"`

	// Loss is the mean loss over the last epoch
	Loss float64 `json:"loss"`
}

// LocalTrainer runs local epochs on a replica that already resides on the compute tier
type LocalTrainer interface {
	// Train runs epochs passes over data, updating the replica in place
	Train(ctx context.Context, replica Replica, data Dataset, epochs int) (*TrainResult, error)
}

// Evaluator scores a model against validation and test data
type Evaluator interface {
	// Evaluate returns metrics keyed by metric name (val_acc, test_acc)
	Evaluate(ctx context.Context, model *params.Set, validation, test Dataset) (map[string]float64, error)
}
