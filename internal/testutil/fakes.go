package testutil

import (
	"context"
	"sync"

	"github.com/inferloop/fedsim/internal/params"
	"github.com/inferloop/fedsim/internal/schedule"
	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

// Dataset is a fixed-size dataset without samples
type Dataset struct {
	Name string
	N    int
}

// ID implements interfaces.Dataset
func (d Dataset) ID() string { return d.Name }

// Len implements interfaces.Dataset
func (d Dataset) Len() int { return d.N }

// ShiftTrainer is a scripted trainer that adds a fixed amount to every
// parameter element of the replica per call. Shift and StepsPer are keyed
// by dataset ID; StepsPerEpoch applies to datasets missing from StepsPer.
type ShiftTrainer struct {
	Shift         map[string]float64
	Default       float64
	StepsPer      map[string]int
	StepsPerEpoch int
	Err           error
	// OnTrain is called before the replica is modified
	OnTrain func(replica interfaces.Replica, data interfaces.Dataset)

	mu    sync.Mutex
	calls []string
}

// Train implements interfaces.LocalTrainer
func (s *ShiftTrainer) Train(ctx context.Context, replica interfaces.Replica, data interfaces.Dataset, epochs int) (*interfaces.TrainResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.calls = append(s.calls, replica.ID()+"/"+data.ID())
	s.mu.Unlock()

	if s.OnTrain != nil {
		s.OnTrain(replica, data)
	}
	if s.Err != nil {
		return nil, s.Err
	}

	shift, ok := s.Shift[data.ID()]
	if !ok {
		shift = s.Default
	}
	for _, e := range replica.Model().Entries() {
		values := e.Tensor.Data()
		for i := range values {
			values[i] += shift
		}
	}

	perEpoch, ok := s.StepsPer[data.ID()]
	if !ok {
		perEpoch = s.StepsPerEpoch
	}
	if perEpoch <= 0 {
		perEpoch = 1
	}
	steps := perEpoch * epochs
	lrs := make([]float64, 0, steps)
	sched := replica.Scheduler()
	for i := 0; i < steps; i++ {
		if sched.Policy() == schedule.PerStep {
			sched.Step()
		}
		lrs = append(lrs, sched.LR())
	}

	return &interfaces.TrainResult{Steps: steps, LearningRates: lrs}, nil
}

// Calls returns "proxy/partition" for every Train call in order
func (s *ShiftTrainer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// StaticEvaluator returns the same metrics for every model unless Fn is set
type StaticEvaluator struct {
	ValAcc  float64
	TestAcc float64
	Fn      func(model *params.Set) (valAcc, testAcc float64)
	Err     error

	mu    sync.Mutex
	calls int
}

// Evaluate implements interfaces.Evaluator
func (e *StaticEvaluator) Evaluate(ctx context.Context, model *params.Set, validation, test interfaces.Dataset) (map[string]float64, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	if e.Err != nil {
		return nil, e.Err
	}
	val, tst := e.ValAcc, e.TestAcc
	if e.Fn != nil {
		val, tst = e.Fn(model)
	}
	return map[string]float64{
		constants.MetricValAccuracy:  val,
		constants.MetricTestAccuracy: tst,
	}, nil
}

// Calls returns the number of Evaluate calls
func (e *StaticEvaluator) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// MemorySink keeps everything written to it
type MemorySink struct {
	SinkName   string
	ConnectErr error
	WriteErr   error

	mu            sync.Mutex
	connected     bool
	closed        bool
	rounds        []*interfaces.RoundRecord
	learningRates map[string][]float64
}

// Name implements interfaces.ArtifactSink
func (m *MemorySink) Name() string {
	if m.SinkName != "" {
		return m.SinkName
	}
	return "memory"
}

// Connect implements interfaces.ArtifactSink
func (m *MemorySink) Connect(ctx context.Context) error {
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// WriteRound implements interfaces.ArtifactSink
func (m *MemorySink) WriteRound(ctx context.Context, record *interfaces.RoundRecord) error {
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds = append(m.rounds, record)
	return nil
}

// WriteLearningRates implements interfaces.ArtifactSink
func (m *MemorySink) WriteLearningRates(ctx context.Context, history map[string][]float64) error {
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.learningRates = history
	return nil
}

// Close implements interfaces.ArtifactSink
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Rounds returns the records written so far
func (m *MemorySink) Rounds() []*interfaces.RoundRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*interfaces.RoundRecord(nil), m.rounds...)
}

// LearningRates returns the last learning-rate history written
func (m *MemorySink) LearningRates() map[string][]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.learningRates
}

// Connected reports whether Connect was called
func (m *MemorySink) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Closed reports whether Close was called
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
