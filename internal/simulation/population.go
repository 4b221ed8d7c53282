// Package simulation provides a synthetic federated population and the
// reference local trainer and evaluator used by the CLI. Each partition
// holds a noisy quadratic objective centered on its own optimum, so
// heterogeneity between partitions produces client drift.
package simulation

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/inferloop/fedsim/internal/federated"
	"github.com/inferloop/fedsim/internal/params"
	"github.com/inferloop/fedsim/internal/tensor"
	"github.com/inferloop/fedsim/pkg/errors"
)

// Dataset is a synthetic partition: n examples whose per-example optimum
// is center plus gaussian noise.
type Dataset struct {
	id     string
	n      int
	center *params.Set
	noise  float64
}

// NewDataset creates a dataset around center.
func NewDataset(id string, n int, center *params.Set, noise float64) *Dataset {
	return &Dataset{id: id, n: n, center: center, noise: noise}
}

// ID implements interfaces.Dataset.
func (d *Dataset) ID() string { return d.id }

// Len implements interfaces.Dataset.
func (d *Dataset) Len() int { return d.n }

// Center returns the optimum of the dataset's objective.
func (d *Dataset) Center() *params.Set { return d.center }

// Noise returns the per-example noise scale.
func (d *Dataset) Noise() float64 { return d.noise }

// Config describes the synthetic population.
type Config struct {
	Partitions    int           `mapstructure:"partitions" yaml:"partitions"`
	MinExamples   int           `mapstructure:"min_examples" yaml:"min_examples"`
	MaxExamples   int           `mapstructure:"max_examples" yaml:"max_examples"`
	Heterogeneity float64       `mapstructure:"heterogeneity" yaml:"heterogeneity"`
	Noise         float64       `mapstructure:"noise" yaml:"noise"`
	InitScale     float64       `mapstructure:"init_scale" yaml:"init_scale"`
	OwnValidation bool          `mapstructure:"own_validation" yaml:"own_validation"`
	EvalExamples  int           `mapstructure:"eval_examples" yaml:"eval_examples"`
	Layout        []params.Spec `mapstructure:"layout" yaml:"layout"`
}

// Population is a generated federation together with its initial model.
type Population struct {
	federated.Population
	// Optimum is the objective shared by the validation and test sets.
	Optimum *params.Set
	// Initial is the starting global model.
	Initial *params.Set
}

// GeneratePopulation draws a population deterministically from seed.
func GeneratePopulation(cfg Config, seed uint64) (*Population, error) {
	if cfg.Partitions <= 0 {
		return nil, errors.NewConfigurationError(errors.CodeOutOfRange, "population needs at least one partition")
	}
	if cfg.MinExamples <= 0 || cfg.MaxExamples < cfg.MinExamples {
		return nil, errors.NewConfigurationError(errors.CodeOutOfRange,
			fmt.Sprintf("invalid example range [%d, %d]", cfg.MinExamples, cfg.MaxExamples))
	}
	if len(cfg.Layout) == 0 {
		return nil, errors.NewConfigurationError(errors.CodeMissingField, "parameter layout is empty")
	}

	src := rand.NewPCG(seed, seed)
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	sizes := distuv.Uniform{Min: float64(cfg.MinExamples), Max: float64(cfg.MaxExamples) + 1, Src: src}

	optimum, err := params.FromSpecs(cfg.Layout)
	if err != nil {
		return nil, err
	}
	fill(optimum, func(float64) float64 { return normal.Rand() })

	initial := optimum.ZerosLike()
	fill(initial, func(float64) float64 { return cfg.InitScale * normal.Rand() })

	evalN := cfg.EvalExamples
	if evalN <= 0 {
		evalN = cfg.MaxExamples
	}

	pop := &Population{Optimum: optimum, Initial: initial}
	pop.Validation = NewDataset("val", evalN, optimum, cfg.Noise)
	pop.Test = NewDataset("test", evalN, optimum, cfg.Noise)

	for i := 0; i < cfg.Partitions; i++ {
		center := optimum.Clone()
		fill(center, func(v float64) float64 { return v + cfg.Heterogeneity*normal.Rand() })

		n := int(sizes.Rand())
		if n > cfg.MaxExamples {
			n = cfg.MaxExamples
		}
		id := fmt.Sprintf("partition_%d", i)
		p := federated.Partition{Train: NewDataset(id, n, center, cfg.Noise)}
		if cfg.OwnValidation {
			p.Validation = NewDataset(id+"_val", evalN, center, cfg.Noise)
		}
		pop.Partitions = append(pop.Partitions, p)
	}

	return pop, nil
}

func fill(s *params.Set, fn func(v float64) float64) {
	for _, e := range s.Entries() {
		apply(e.Tensor, fn)
	}
}

func apply(t *tensor.Tensor, fn func(v float64) float64) {
	data := t.Data()
	for i := range data {
		data[i] = fn(data[i])
	}
}
