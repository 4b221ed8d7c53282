package federated

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedsim/internal/params"
	"github.com/inferloop/fedsim/internal/residency"
	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

// RoundObserver receives per-client and per-round measurements.
type RoundObserver interface {
	ObserveClient(proxyID string, duration time.Duration, steps int, updateNorm float64)
	ObserveRound(record *interfaces.RoundRecord)
}

// Config configures the round loop.
type Config struct {
	RunID           string
	ClientsPerRound int
	LocalEpochs     int
	// MaxRounds caps the number of rounds; 0 leaves only the stop policy.
	MaxRounds  int
	StopPolicy StopPolicy
	Seed       uint64
	Local      LocalConfig
}

// Population is the data the simulation runs over.
type Population struct {
	Partitions []Partition
	// Validation is the shared validation set for partitions without their own.
	Validation interfaces.Dataset
	Test       interfaces.Dataset
}

// Dependencies are the collaborators of the orchestrator. Sink and Observer
// are optional.
type Dependencies struct {
	Strategy  Strategy
	Trainer   interfaces.LocalTrainer
	Evaluator interfaces.Evaluator
	Residency *residency.Manager
	Sink      interfaces.ArtifactSink
	Observer  RoundObserver
}

// Summary describes a finished run.
type Summary struct {
	RunID            string        `json:"run_id"`
	Algorithm        string        `json:"algorithm"`
	Rounds           int           `json:"rounds"`
	StopReason       string        `json:"stop_reason"`
	FinalAvgValAcc   float64       `json:"final_avg_val_acc"`
	FinalAvgTestAcc  float64       `json:"final_avg_test_acc"`
	PeakComputeBytes int64         `json:"peak_compute_bytes"`
	Duration         time.Duration `json:"duration"`
}

// ClientStatus is the externally visible state of one proxy client.
type ClientStatus struct {
	ID     string `json:"id"`
	Steps  int    `json:"steps"`
	Budget int    `json:"budget"`
}

// Status is a point-in-time view of the run.
type Status struct {
	RunID     string                  `json:"run_id"`
	Algorithm string                  `json:"algorithm"`
	Round     int                     `json:"round"`
	Running   bool                    `json:"running"`
	Clients   []ClientStatus          `json:"clients"`
	Last      *interfaces.RoundRecord `json:"last_round,omitempty"`
}

// Orchestrator drives communication rounds. Clients are trained one at a
// time in selection order and all server state is mutated on the calling
// goroutine.
type Orchestrator struct {
	config     Config
	logger     *logrus.Logger
	deps       Dependencies
	population Population
	clients    []*Client
	state      *ServerState
	recorder   *Recorder
	rng        *rand.Rand
	round      int

	statusMu sync.RWMutex
	status   Status
}

// NewOrchestrator builds the proxy clients around the initial global
// parameters and initializes the strategy.
func NewOrchestrator(config Config, global *params.Set, population Population, deps Dependencies, logger *logrus.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if deps.Strategy == nil || deps.Trainer == nil || deps.Evaluator == nil {
		return nil, errors.NewConfigurationError(errors.CodeMissingField, "strategy, trainer and evaluator are required")
	}
	if config.LocalEpochs <= 0 {
		return nil, errors.NewConfigurationError(errors.CodeOutOfRange,
			fmt.Sprintf("local epochs must be positive, got %d", config.LocalEpochs))
	}
	if population.Test == nil {
		return nil, errors.NewConfigurationError(errors.CodeMissingField, "test dataset is required")
	}
	for _, p := range population.Partitions {
		if p.Validation == nil && population.Validation == nil {
			return nil, errors.NewConfigurationError(errors.CodeMissingField,
				fmt.Sprintf("partition %s has no validation data and no shared set is configured", p.ID()))
		}
	}
	if deps.Residency == nil {
		deps.Residency = residency.NewManager(residency.Config{}, logger)
	}

	clients, err := NewProxyClients(population.Partitions, config.ClientsPerRound, global, config.Local)
	if err != nil {
		return nil, err
	}

	state := NewServerState(global)
	if err := deps.Strategy.Init(state, clients); err != nil {
		return nil, fmt.Errorf("init %s: %w", deps.Strategy.Name(), err)
	}

	o := &Orchestrator{
		config:     config,
		logger:     logger,
		deps:       deps,
		population: population,
		clients:    clients,
		state:      state,
		recorder:   NewRecorder(config.RunID, deps.Strategy.Name()),
		rng:        rand.New(rand.NewPCG(config.Seed, config.Seed)),
	}
	o.status = Status{RunID: config.RunID, Algorithm: deps.Strategy.Name()}
	o.refreshStatus(false)
	return o, nil
}

// Clients returns the proxy clients in canonical order.
func (o *Orchestrator) Clients() []*Client { return o.clients }

// State returns the server state.
func (o *Orchestrator) State() *ServerState { return o.state }

// Recorder returns the run's metric recorder.
func (o *Orchestrator) Recorder() *Recorder { return o.recorder }

// Status returns a snapshot safe to read from other goroutines.
func (o *Orchestrator) Status() Status {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	s := o.status
	s.Clients = append([]ClientStatus(nil), o.status.Clients...)
	return s
}

// Run executes rounds until the stop policy or the round cap ends training.
// The first error aborts the run.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	o.logger.WithFields(logrus.Fields{
		"run_id":            o.config.RunID,
		"algorithm":         o.deps.Strategy.Name(),
		"partitions":        len(o.population.Partitions),
		"proxy_clients":     len(o.clients),
		"clients_per_round": o.config.ClientsPerRound,
		"stop_policy":       o.config.StopPolicy.String(),
	}).Info("Starting federated training")

	o.refreshStatus(true)
	defer o.refreshStatus(false)

	reason := ""
	for reason == "" {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		processed, err := o.runRound(ctx)
		if err != nil {
			o.logger.WithError(err).WithField("round", o.round).Error("Round failed")
			return nil, err
		}

		switch {
		case o.config.StopPolicy.Done(processed, o.clients):
			reason = "step_budget"
		case o.config.MaxRounds > 0 && o.round >= o.config.MaxRounds:
			reason = "max_rounds"
		}
	}

	summary := &Summary{
		RunID:            o.config.RunID,
		Algorithm:        o.deps.Strategy.Name(),
		Rounds:           o.round,
		StopReason:       reason,
		PeakComputeBytes: o.deps.Residency.Peak(),
		Duration:         time.Since(start),
	}
	if last := o.recorder.Last(); last != nil {
		summary.FinalAvgValAcc = last.AvgValAcc
		summary.FinalAvgTestAcc = last.AvgTestAcc
	}

	o.logger.WithFields(logrus.Fields{
		"rounds":       summary.Rounds,
		"stop_reason":  summary.StopReason,
		"avg_test_acc": summary.FinalAvgTestAcc,
		"peak_bytes":   summary.PeakComputeBytes,
		"duration":     summary.Duration,
	}).Info("Federated training finished")
	return summary, nil
}

// RunRound executes one communication round and returns its record.
func (o *Orchestrator) RunRound(ctx context.Context) (*interfaces.RoundRecord, error) {
	if _, err := o.runRound(ctx); err != nil {
		return nil, err
	}
	return o.recorder.Last(), nil
}

func (o *Orchestrator) runRound(ctx context.Context) ([]*Client, error) {
	rc := newRoundContext(o.round)
	log := o.logger.WithFields(logrus.Fields{
		"round":     rc.Round,
		"algorithm": o.deps.Strategy.Name(),
	})

	selected, err := SelectPartitions(o.rng, o.population.Partitions, o.config.ClientsPerRound)
	if err != nil {
		return nil, err
	}
	rc.Assignments, err = assign(selected, o.clients)
	if err != nil {
		return nil, fmt.Errorf("round %d: %w", rc.Round, err)
	}
	log.WithField("clients", len(rc.Assignments)).Info("Communication round started")

	for _, a := range rc.Assignments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		update, err := o.trainClient(ctx, a, log)
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", rc.Round, err)
		}
		rc.Updates = append(rc.Updates, update)
	}

	if err := o.deps.Strategy.Aggregate(o.state, rc); err != nil {
		return nil, fmt.Errorf("round %d: aggregate: %w", rc.Round, err)
	}
	if err := Broadcast(o.state.Global, o.clients); err != nil {
		return nil, fmt.Errorf("round %d: %w", rc.Round, err)
	}

	for _, a := range rc.Assignments {
		if err := o.evaluateClient(ctx, rc, a); err != nil {
			return nil, fmt.Errorf("round %d: %w", rc.Round, err)
		}
	}

	record := o.recorder.Record(rc)
	if err := o.persist(ctx, record); err != nil {
		return nil, fmt.Errorf("round %d: %w", rc.Round, err)
	}
	if o.deps.Observer != nil {
		o.deps.Observer.ObserveRound(record)
	}

	log.WithFields(logrus.Fields{
		"avg_val_acc":  record.AvgValAcc,
		"avg_test_acc": record.AvgTestAcc,
		"duration":     record.Duration,
	}).Info("Communication round completed")

	o.round++
	o.refreshStatus(true)

	processed := make([]*Client, len(rc.Assignments))
	for i, a := range rc.Assignments {
		processed[i] = a.Client
	}
	return processed, nil
}

func (o *Orchestrator) trainClient(ctx context.Context, a Assignment, log *logrus.Entry) (*ClientUpdate, error) {
	client := a.Client
	start := time.Now()

	var update *ClientUpdate
	err := o.deps.Residency.WithComputeSlot(ctx, client, func(ctx context.Context) error {
		client.beginRound()

		res, err := o.deps.Trainer.Train(ctx, client, a.Partition.Train, o.config.LocalEpochs)
		if err != nil {
			return errors.Classify(err, errors.ErrorTypeData, errors.CodeTrainingFailed,
				fmt.Sprintf("train %s on %s", client.ID(), a.Partition.ID()))
		}
		client.record(res)

		update, err = o.deps.Strategy.ComputeUpdate(o.state, client)
		if err != nil {
			return err
		}
		update.Partition = a.Partition.ID()
		update.Weight = float64(a.Partition.Examples())
		update.Steps = res.Steps
		return nil
	})
	if err != nil {
		return nil, err
	}

	duration := time.Since(start)
	norm := update.Delta.Norm()
	if o.deps.Observer != nil {
		o.deps.Observer.ObserveClient(client.ID(), duration, update.Steps, norm)
	}

	log.WithFields(logrus.Fields{
		"proxy_client": client.ID(),
		"partition":    a.Partition.ID(),
		"steps":        client.Steps(),
		"budget":       client.Budget(),
		"weight":       a.Weight,
		"delta_norm":   norm,
		"duration":     duration,
	}).Debug("Client trained")
	return update, nil
}

func (o *Orchestrator) evaluateClient(ctx context.Context, rc *RoundContext, a Assignment) error {
	validation := a.Partition.Validation
	if validation == nil {
		validation = o.population.Validation
	}

	return o.deps.Residency.WithComputeSlot(ctx, a.Client, func(ctx context.Context) error {
		metrics, err := o.deps.Evaluator.Evaluate(ctx, a.Client.Model(), validation, o.population.Test)
		if err != nil {
			return errors.Classify(err, errors.ErrorTypeData, errors.CodeEvalFailed,
				fmt.Sprintf("evaluate %s", a.Client.ID()))
		}
		if v, ok := metrics[constants.MetricValAccuracy]; ok {
			rc.ValAcc[a.Client.ID()] = v
		}
		if v, ok := metrics[constants.MetricTestAccuracy]; ok {
			rc.TestAcc[a.Client.ID()] = v
		}
		return nil
	})
}

func (o *Orchestrator) persist(ctx context.Context, record *interfaces.RoundRecord) error {
	if o.deps.Sink == nil {
		return nil
	}
	if err := o.deps.Sink.WriteRound(ctx, record); err != nil {
		return errors.Classify(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "write round")
	}
	if err := o.deps.Sink.WriteLearningRates(ctx, LearningRates(o.clients)); err != nil {
		return errors.Classify(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "write learning rates")
	}
	return nil
}

func (o *Orchestrator) refreshStatus(running bool) {
	clients := make([]ClientStatus, len(o.clients))
	for i, c := range o.clients {
		clients[i] = ClientStatus{ID: c.ID(), Steps: c.Steps(), Budget: c.Budget()}
	}

	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	o.status.Round = o.round
	o.status.Running = running
	o.status.Clients = clients
	o.status.Last = o.recorder.Last()
}
