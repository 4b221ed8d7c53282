package simulation

import (
	"context"
	"fmt"

	"github.com/inferloop/fedsim/internal/params"
	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

// Evaluator scores a model by its distance to a dataset's optimum. The
// accuracy 1/(1+mse) is 1 at the optimum and decays with squared error.
type Evaluator struct{}

// NewEvaluator creates a new evaluator
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate implements interfaces.Evaluator.
func (e *Evaluator) Evaluate(ctx context.Context, model *params.Set, validation, test interfaces.Dataset) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	val, err := accuracy(model, validation)
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	tst, err := accuracy(model, test)
	if err != nil {
		return nil, fmt.Errorf("test: %w", err)
	}

	return map[string]float64{
		constants.MetricValAccuracy:  val,
		constants.MetricTestAccuracy: tst,
	}, nil
}

func accuracy(model *params.Set, data interfaces.Dataset) (float64, error) {
	ds, ok := data.(*Dataset)
	if !ok || ds == nil {
		return 0, errors.WrapError(errors.ErrInvalidDataset, errors.ErrorTypeData, errors.CodeInvalidDataset,
			fmt.Sprintf("unsupported dataset %T", data))
	}

	diff, err := params.Sub(model, ds.Center())
	if err != nil {
		return 0, err
	}
	n := diff.NumElements()
	if n == 0 {
		return 0, errors.NewDataError(errors.CodeInvalidDataset, "model has no parameters")
	}
	norm := diff.Norm()
	mse := norm * norm / float64(n)
	return 1 / (1 + mse), nil
}
