package optim

import (
	"math"

	"github.com/inferloop/fedsim/internal/params"
)

// Adam implements the Adam optimization algorithm. With KindAdam the weight
// decay is added to the gradient; with KindAdamW it is applied directly to
// the parameters before the moment update.
type Adam struct {
	cfg Config
	t   int         // time step
	m   *params.Set // first moment estimate
	v   *params.Set // second moment estimate
}

// NewAdam creates a new Adam optimizer
func NewAdam(cfg Config) *Adam {
	return &Adam{cfg: cfg}
}

// Step performs one optimization step
func (o *Adam) Step(p *params.Set, grads *params.Set) error {
	if err := p.CheckAligned(grads); err != nil {
		return err
	}

	// Initialize moment estimates if needed
	if o.m == nil {
		o.m = p.ZerosLike()
		o.v = p.ZerosLike()
	} else if err := p.CheckAligned(o.m); err != nil {
		return err
	}

	o.t++
	beta1, beta2 := o.cfg.Beta1, o.cfg.Beta2
	beta1Correction := 1 - math.Pow(beta1, float64(o.t))
	beta2Correction := 1 - math.Pow(beta2, float64(o.t))
	decoupled := o.cfg.Kind == KindAdamW

	for i, e := range p.Entries() {
		w := e.Tensor.Data()
		g := grads.At(i).Data()
		m := o.m.At(i).Data()
		v := o.v.At(i).Data()

		for j := range w {
			d := g[j]
			if o.cfg.WeightDecay != 0 {
				if decoupled {
					w[j] *= 1 - o.cfg.LearningRate*o.cfg.WeightDecay
				} else {
					d += o.cfg.WeightDecay * w[j]
				}
			}

			m[j] = beta1*m[j] + (1-beta1)*d
			v[j] = beta2*v[j] + (1-beta2)*d*d

			mHat := m[j] / beta1Correction
			vHat := v[j] / beta2Correction
			w[j] -= o.cfg.LearningRate * mHat / (math.Sqrt(vHat) + o.cfg.Epsilon)
		}
	}

	return nil
}

// Kind returns KindAdam or KindAdamW.
func (o *Adam) Kind() Kind { return o.cfg.Kind }

// LearningRate returns the current learning rate
func (o *Adam) LearningRate() float64 { return o.cfg.LearningRate }

// SetLearningRate sets the learning rate
func (o *Adam) SetLearningRate(lr float64) { o.cfg.LearningRate = lr }

// StateBytes returns the size of both moment estimates.
func (o *Adam) StateBytes() int64 {
	if o.m == nil {
		return 0
	}
	return o.m.Bytes() + o.v.Bytes()
}

// Steps returns the current time step
func (o *Adam) Steps() int { return o.t }
