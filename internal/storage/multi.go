package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedsim/pkg/errors"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

// MultiSink fans every write out to its sinks in order and stops at the
// first failure.
type MultiSink struct {
	sinks  []interfaces.ArtifactSink
	logger *logrus.Logger
}

// NewMultiSink wraps sinks; an empty MultiSink accepts and drops every write
func NewMultiSink(logger *logrus.Logger, sinks ...interfaces.ArtifactSink) *MultiSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &MultiSink{sinks: sinks, logger: logger}
}

// Name lists the wrapped sink types
func (m *MultiSink) Name() string {
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.Name()
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

// Len returns the number of wrapped sinks
func (m *MultiSink) Len() int {
	return len(m.sinks)
}

// Connect connects every sink. On failure the sinks already connected are
// closed again.
func (m *MultiSink) Connect(ctx context.Context) error {
	for i, s := range m.sinks {
		if err := s.Connect(ctx); err != nil {
			for _, connected := range m.sinks[:i] {
				if cerr := connected.Close(); cerr != nil {
					m.logger.WithError(cerr).WithField("sink", connected.Name()).Warn("Failed to close sink")
				}
			}
			return errors.Classify(err, errors.ErrorTypeStorage, "CONNECTION_FAILED",
				fmt.Sprintf("Failed to connect %s sink", s.Name()))
		}
	}

	if len(m.sinks) > 0 {
		m.logger.WithField("sinks", m.Name()).Info("Artifact sinks connected")
	}
	return nil
}

// WriteRound writes the record to every sink
func (m *MultiSink) WriteRound(ctx context.Context, record *interfaces.RoundRecord) error {
	for _, s := range m.sinks {
		if err := s.WriteRound(ctx, record); err != nil {
			return fmt.Errorf("%s sink: %w", s.Name(), err)
		}
	}
	return nil
}

// WriteLearningRates writes the history to every sink
func (m *MultiSink) WriteLearningRates(ctx context.Context, history map[string][]float64) error {
	for _, s := range m.sinks {
		if err := s.WriteLearningRates(ctx, history); err != nil {
			return fmt.Errorf("%s sink: %w", s.Name(), err)
		}
	}
	return nil
}

// Close closes every sink and returns the first error
func (m *MultiSink) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			m.logger.WithError(err).WithField("sink", s.Name()).Warn("Failed to close sink")
			if first == nil {
				first = err
			}
		}
	}
	return first
}
