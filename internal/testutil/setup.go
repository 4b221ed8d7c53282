// Package testutil holds shared helpers for package tests.
package testutil

import (
	"context"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedsim/internal/params"
	"github.com/inferloop/fedsim/internal/tensor"
)

// TestEnvironment provides a logger and a bounded context for a test
type TestEnvironment struct {
	Logger  *logrus.Logger
	Context context.Context
	Cancel  context.CancelFunc
	TempDir string
}

// NewTestEnvironment creates a new test environment. The context is
// cancelled when the test ends.
func NewTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	return &TestEnvironment{
		Logger:  NewLogger(),
		Context: ctx,
		Cancel:  cancel,
		TempDir: t.TempDir(),
	}
}

// NewLogger returns a logger that discards output
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

// Scalars builds a set of scalar parameters named w0, w1, ...
func Scalars(values ...float64) *params.Set {
	s := params.NewSet()
	for i, v := range values {
		s.MustAdd(ParamName(i), tensor.Scalar(v))
	}
	return s
}

// ParamName returns the name Scalars gives to position i
func ParamName(i int) string {
	return "w" + strconv.Itoa(i)
}

// Layout returns a two-parameter layout with a matrix and a bias vector
func Layout() []params.Spec {
	return []params.Spec{
		{Name: "layer.weight", Shape: []int{2, 3}},
		{Name: "layer.bias", Shape: []int{3}},
	}
}

// FilledSet builds a set of layout where every element equals v
func FilledSet(layout []params.Spec, v float64) *params.Set {
	s := params.NewSet()
	for _, sp := range layout {
		s.MustAdd(sp.Name, tensor.Full(v, sp.Shape...))
	}
	return s
}
