// Package optim implements the stateful update rules used on the server
// (FedOpt) and on client replicas: gradient descent with optional
// momentum/nesterov, Adam with L2 weight decay and AdamW with decoupled
// weight decay.
package optim

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedsim/internal/params"
	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
)

// Kind selects the update rule.
type Kind int

const (
	KindSGD Kind = iota
	KindAdam
	KindAdamW
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindSGD:
		return "sgd"
	case KindAdam:
		return "adam"
	case KindAdamW:
		return "adamw"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Config carries the hyperparameters of one optimizer.
type Config struct {
	Kind         Kind
	LearningRate float64
	Momentum     float64
	Nesterov     bool
	WeightDecay  float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

// Optimizer updates a parameter set in place from an aligned gradient set.
type Optimizer interface {
	// Step applies one update. grads must be aligned with p.
	Step(p *params.Set, grads *params.Set) error
	Kind() Kind
	LearningRate() float64
	SetLearningRate(lr float64)
	// StateBytes is the memory held by moment/momentum buffers.
	StateBytes() int64
	// Steps is the number of updates applied so far.
	Steps() int
}

// ParseServerKind maps a selector onto the server optimizer variants. An
// unrecognized selector resolves to Adam and reports ok=false.
func ParseServerKind(s string) (kind Kind, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sgd":
		return KindSGD, true
	case "adam":
		return KindAdam, true
	default:
		return KindAdam, false
	}
}

// ParseLocalKind maps a selector onto the client optimizer variants.
func ParseLocalKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sgd":
		return KindSGD, nil
	case "adamw":
		return KindAdamW, nil
	case "adam":
		return KindAdam, nil
	default:
		return KindSGD, errors.WrapError(errors.ErrUnknownOptimizer, errors.ErrorTypeConfiguration,
			errors.CodeUnknownOptimizer, fmt.Sprintf("local optimizer %q", s))
	}
}

// ServerConfig resolves the server optimizer settings once. Nesterov is
// enabled whenever momentum is nonzero. An unknown selector falls back to
// Adam with a warning; it is never an error.
func ServerConfig(selector string, lr, momentum, weightDecay float64, logger *logrus.Logger) Config {
	if logger == nil {
		logger = logrus.New()
	}

	kind, ok := ParseServerKind(selector)
	if !ok {
		logger.WithFields(logrus.Fields{
			"selector": selector,
			"fallback": kind.String(),
		}).Warn("Unrecognized server optimizer, using default adaptive optimizer")
	}

	cfg := Config{
		Kind:         kind,
		LearningRate: lr,
		WeightDecay:  weightDecay,
		Beta1:        constants.AdamBeta1,
		Beta2:        constants.AdamBeta2,
		Epsilon:      constants.AdamEpsilon,
	}
	if kind == KindSGD {
		cfg.Momentum = momentum
		cfg.Nesterov = momentum != 0
	}
	return cfg
}

// New constructs an optimizer for cfg.
func New(cfg Config) (Optimizer, error) {
	if cfg.LearningRate < 0 {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig,
			fmt.Sprintf("negative learning rate %g", cfg.LearningRate))
	}

	switch cfg.Kind {
	case KindSGD:
		return NewSGD(cfg), nil
	case KindAdam, KindAdamW:
		if cfg.Beta1 == 0 && cfg.Beta2 == 0 {
			cfg.Beta1, cfg.Beta2 = constants.AdamBeta1, constants.AdamBeta2
		}
		if cfg.Epsilon == 0 {
			cfg.Epsilon = constants.AdamEpsilon
		}
		return NewAdam(cfg), nil
	default:
		return nil, errors.WrapError(errors.ErrUnknownOptimizer, errors.ErrorTypeConfiguration,
			errors.CodeUnknownOptimizer, cfg.Kind.String())
	}
}
