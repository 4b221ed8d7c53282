package simulation

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/inferloop/fedsim/internal/params"
	"github.com/inferloop/fedsim/internal/schedule"
	"github.com/inferloop/fedsim/pkg/errors"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

// TrainerConfig configures the reference local trainer.
type TrainerConfig struct {
	BatchSize   int
	GradClip    bool
	MaxGradNorm float64
	Seed        uint64
}

// Trainer minimizes the quadratic objective 0.5*||w - x||^2 over minibatches
// of a Dataset, where x is the dataset center perturbed by batch noise.
type Trainer struct {
	config TrainerConfig
	logger *logrus.Logger
	normal distuv.Normal
}

// NewTrainer creates a new trainer
func NewTrainer(config TrainerConfig, logger *logrus.Logger) (*Trainer, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if config.BatchSize <= 0 {
		return nil, errors.NewConfigurationError(errors.CodeOutOfRange,
			fmt.Sprintf("batch size must be positive, got %d", config.BatchSize))
	}
	if config.GradClip && config.MaxGradNorm <= 0 {
		return nil, errors.NewConfigurationError(errors.CodeOutOfRange, "gradient clipping needs a positive max norm")
	}

	return &Trainer{
		config: config,
		logger: logger,
		normal: distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(config.Seed, config.Seed+1)},
	}, nil
}

// StepsPerEpoch returns the number of minibatches in one pass over n examples.
func StepsPerEpoch(n, batchSize int) int {
	if n <= 0 || batchSize <= 0 {
		return 0
	}
	return (n + batchSize - 1) / batchSize
}

// Train implements interfaces.LocalTrainer.
func (t *Trainer) Train(ctx context.Context, replica interfaces.Replica, data interfaces.Dataset, epochs int) (*interfaces.TrainResult, error) {
	ds, ok := data.(*Dataset)
	if !ok {
		return nil, errors.WrapError(errors.ErrInvalidDataset, errors.ErrorTypeData, errors.CodeInvalidDataset,
			fmt.Sprintf("unsupported dataset %T", data))
	}
	if ds.Len() == 0 {
		return nil, errors.WrapError(errors.ErrInvalidDataset, errors.ErrorTypeData, errors.CodeInvalidDataset,
			fmt.Sprintf("dataset %s is empty", ds.ID()))
	}

	model := replica.Model()
	if err := model.CheckAligned(ds.Center()); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", ds.ID(), err)
	}

	opt := replica.Optimizer()
	sched := replica.Scheduler()
	result := &interfaces.TrainResult{}
	perEpoch := StepsPerEpoch(ds.Len(), t.config.BatchSize)

	for epoch := 0; epoch < epochs; epoch++ {
		var epochLoss float64
		for step := 0; step < perEpoch; step++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			batch := t.config.BatchSize
			if rest := ds.Len() - step*t.config.BatchSize; rest < batch {
				batch = rest
			}

			grads, loss := t.gradient(model, ds, batch)
			epochLoss += loss
			if t.config.GradClip {
				clipGradNorm(grads, t.config.MaxGradNorm)
			}

			// per-step schedules advance before the update
			if sched.Policy() == schedule.PerStep {
				sched.Step()
			}
			opt.SetLearningRate(sched.LR())
			if err := opt.Step(model, grads); err != nil {
				return nil, err
			}

			result.Steps++
			result.LearningRates = append(result.LearningRates, opt.LearningRate())
		}
		result.Loss = epochLoss / float64(perEpoch)
	}

	t.logger.WithFields(logrus.Fields{
		"proxy_client": replica.ID(),
		"partition":    ds.ID(),
		"steps":        result.Steps,
		"loss":         result.Loss,
	}).Debug("Local training finished")
	return result, nil
}

// gradient returns w - (center + noise) and the batch loss.
func (t *Trainer) gradient(model *params.Set, ds *Dataset, batch int) (*params.Set, float64) {
	grads := model.Clone()
	sigma := ds.Noise() / math.Sqrt(float64(batch))

	var loss float64
	for i, e := range grads.Entries() {
		g := e.Tensor.Data()
		c := ds.Center().At(i).Data()
		for j := range g {
			diff := g[j] - c[j]
			loss += 0.5 * diff * diff
			if sigma > 0 {
				diff -= sigma * t.normal.Rand()
			}
			g[j] = diff
		}
	}
	return grads, loss
}

// clipGradNorm rescales grads in place so their global L2 norm is at most maxNorm.
func clipGradNorm(grads *params.Set, maxNorm float64) float64 {
	norm := grads.Norm()
	coef := maxNorm / (norm + 1e-6)
	if coef < 1 {
		grads.Scale(coef)
	}
	return norm
}
