// Package schedule provides the learning-rate schedules of client replicas.
package schedule

import (
	"fmt"
	"math"
	"strings"

	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
)

// Policy says when a schedule is advanced.
type Policy int

const (
	// PerStep schedules advance after every optimization step.
	PerStep Policy = iota
	// PerRound schedules advance once at the start of each local training phase.
	PerRound
)

// Scheduler yields the learning rate for the current position.
type Scheduler interface {
	Step()
	LR() float64
	Policy() Policy
	Position() int
}

// Config selects and parameterizes a schedule.
type Config struct {
	DecayType   string
	BaseLR      float64
	WarmupSteps int
	TotalSteps  int
	StepSize    int
	Gamma       float64
}

// New creates the schedule named by cfg.DecayType: cosine, linear, step or constant.
func New(cfg Config) (Scheduler, error) {
	switch strings.ToLower(cfg.DecayType) {
	case "cosine":
		return &lambda{base: cfg.BaseLR, fn: warmupCosine(cfg.WarmupSteps, cfg.TotalSteps, 0.5)}, nil
	case "linear":
		return &lambda{base: cfg.BaseLR, fn: warmupLinear(cfg.WarmupSteps, cfg.TotalSteps)}, nil
	case "step":
		if cfg.StepSize <= 0 {
			return nil, errors.NewConfigurationError(errors.CodeOutOfRange, "step decay needs a positive step size")
		}
		gamma := cfg.Gamma
		if gamma == 0 {
			gamma = constants.DefaultStepLRGamma
		}
		return &stepLR{base: cfg.BaseLR, size: cfg.StepSize, gamma: gamma}, nil
	case "", "constant":
		return &lambda{base: cfg.BaseLR, fn: func(int) float64 { return 1 }}, nil
	default:
		return nil, errors.NewConfigurationError(errors.CodeInvalidValue, fmt.Sprintf("unknown decay type %q", cfg.DecayType))
	}
}

type lambda struct {
	base float64
	step int
	fn   func(step int) float64
}

func (l *lambda) Step()          { l.step++ }
func (l *lambda) LR() float64    { return l.base * l.fn(l.step) }
func (l *lambda) Policy() Policy { return PerStep }
func (l *lambda) Position() int  { return l.step }

func warmupLinear(warmup, total int) func(int) float64 {
	return func(step int) float64 {
		if step < warmup {
			return float64(step) / math.Max(1, float64(warmup))
		}
		return math.Max(0, float64(total-step)/math.Max(1, float64(total-warmup)))
	}
}

func warmupCosine(warmup, total int, cycles float64) func(int) float64 {
	return func(step int) float64 {
		if step < warmup {
			return float64(step) / math.Max(1, float64(warmup))
		}
		progress := float64(step-warmup) / math.Max(1, float64(total-warmup))
		return math.Max(0, 0.5*(1+math.Cos(math.Pi*cycles*2*progress)))
	}
}

type stepLR struct {
	base  float64
	size  int
	gamma float64
	step  int
}

func (s *stepLR) Step()          { s.step++ }
func (s *stepLR) Policy() Policy { return PerRound }
func (s *stepLR) Position() int  { return s.step }
func (s *stepLR) LR() float64 {
	return s.base * math.Pow(s.gamma, float64(s.step/s.size))
}
