package optim

import (
	"github.com/inferloop/fedsim/internal/params"
)

// SGD implements gradient descent with optional momentum, nesterov and L2
// weight decay:
//
//	g = grad + wd*p
//	buf = g (first step) | momentum*buf + g
//	g = g + momentum*buf (nesterov) | buf
//	p = p - lr*g
type SGD struct {
	cfg   Config
	buf   *params.Set
	steps int
}

// NewSGD creates a new SGD optimizer
func NewSGD(cfg Config) *SGD {
	return &SGD{cfg: cfg}
}

// Step performs one optimization step
func (o *SGD) Step(p *params.Set, grads *params.Set) error {
	if err := p.CheckAligned(grads); err != nil {
		return err
	}

	if o.cfg.Momentum != 0 && o.buf == nil {
		o.buf = p.ZerosLike()
	} else if o.buf != nil {
		if err := p.CheckAligned(o.buf); err != nil {
			return err
		}
	}

	for i, e := range p.Entries() {
		w := e.Tensor.Data()
		g := grads.At(i).Data()

		var b []float64
		if o.buf != nil {
			b = o.buf.At(i).Data()
		}

		for j := range w {
			d := g[j]
			if o.cfg.WeightDecay != 0 {
				d += o.cfg.WeightDecay * w[j]
			}
			if b != nil {
				if o.steps == 0 {
					b[j] = d
				} else {
					b[j] = o.cfg.Momentum*b[j] + d
				}
				if o.cfg.Nesterov {
					d += o.cfg.Momentum * b[j]
				} else {
					d = b[j]
				}
			}
			w[j] -= o.cfg.LearningRate * d
		}
	}

	o.steps++
	return nil
}

// Kind returns KindSGD.
func (o *SGD) Kind() Kind { return KindSGD }

// LearningRate returns the current learning rate
func (o *SGD) LearningRate() float64 { return o.cfg.LearningRate }

// SetLearningRate sets the learning rate
func (o *SGD) SetLearningRate(lr float64) { o.cfg.LearningRate = lr }

// StateBytes returns the size of the momentum buffer.
func (o *SGD) StateBytes() int64 {
	if o.buf == nil {
		return 0
	}
	return o.buf.Bytes()
}

// Steps returns the number of steps taken.
func (o *SGD) Steps() int { return o.steps }

// Momentum exposes the momentum buffer for inspection; nil before the first step.
func (o *SGD) Momentum() *params.Set { return o.buf }
