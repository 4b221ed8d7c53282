package federated

import (
	"fmt"

	"github.com/inferloop/fedsim/internal/optim"
	"github.com/inferloop/fedsim/internal/params"
	"github.com/inferloop/fedsim/internal/residency"
	"github.com/inferloop/fedsim/internal/schedule"
	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

// Partition is one data owner of the population.
type Partition struct {
	Train interfaces.Dataset
	// Validation is the partition's own validation data; nil means the shared set is used.
	Validation interfaces.Dataset
}

// ID returns the partition identifier.
func (p Partition) ID() string {
	return p.Train.ID()
}

// Examples returns the number of local training examples.
func (p Partition) Examples() int {
	return p.Train.Len()
}

// LocalConfig describes the local training state every proxy client gets.
type LocalConfig struct {
	Optimizer  optim.Config
	Schedule   schedule.Config
	StepBudget int
}

// Client is a proxy client: a stable identity owning a model replica, its
// local optimizer and scheduler, and its step accounting, while the data
// partition it trains on may change every round.
type Client struct {
	id        string
	model     *params.Set
	optimizer optim.Optimizer
	scheduler schedule.Scheduler

	tier      residency.Tier
	steps     int
	budget    int
	lrHistory []float64
}

// NewClient creates a proxy client whose replica starts as a copy of global.
func NewClient(id string, global *params.Set, cfg LocalConfig) (*Client, error) {
	if cfg.StepBudget <= 0 {
		return nil, errors.NewConfigurationError(errors.CodeOutOfRange,
			fmt.Sprintf("client %s: step budget must be positive, got %d", id, cfg.StepBudget))
	}

	opt, err := optim.New(cfg.Optimizer)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", id, err)
	}

	sched, err := schedule.New(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", id, err)
	}
	opt.SetLearningRate(sched.LR())

	return &Client{
		id:        id,
		model:     global.Clone(),
		optimizer: opt,
		scheduler: sched,
		tier:      residency.TierHost,
		budget:    cfg.StepBudget,
	}, nil
}

// NewProxyClients builds the proxy population. When every partition trains
// each round the proxies are the partitions themselves; otherwise
// clientsPerRound replicas named proxy_client_<i> are created.
func NewProxyClients(partitions []Partition, clientsPerRound int, global *params.Set, cfg LocalConfig) ([]*Client, error) {
	if len(partitions) == 0 {
		return nil, errors.WrapError(errors.ErrNoClients, errors.ErrorTypeConfiguration, errors.CodeInvalidConfig, "empty population")
	}
	if clientsPerRound == 0 || clientsPerRound < constants.AllClients || clientsPerRound > len(partitions) {
		return nil, errors.NewConfigurationError(errors.CodeOutOfRange,
			fmt.Sprintf("clients per round %d outside [1, %d]", clientsPerRound, len(partitions)))
	}

	ids := make([]string, 0, len(partitions))
	if clientsPerRound == constants.AllClients || clientsPerRound == len(partitions) {
		for _, p := range partitions {
			ids = append(ids, p.ID())
		}
	} else {
		for i := 0; i < clientsPerRound; i++ {
			ids = append(ids, fmt.Sprintf("%s%d", constants.ProxyClientPrefix, i))
		}
	}

	clients := make([]*Client, 0, len(ids))
	for _, id := range ids {
		c, err := NewClient(id, global, cfg)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

// ID implements interfaces.Replica.
func (c *Client) ID() string { return c.id }

// Model implements interfaces.Replica.
func (c *Client) Model() *params.Set { return c.model }

// Optimizer implements interfaces.Replica.
func (c *Client) Optimizer() optim.Optimizer { return c.optimizer }

// Scheduler implements interfaces.Replica.
func (c *Client) Scheduler() schedule.Scheduler { return c.scheduler }

// ResidentID implements residency.Resident.
func (c *Client) ResidentID() string { return c.id }

// Footprint is the replica plus its optimizer state.
func (c *Client) Footprint() int64 {
	return c.model.Bytes() + c.optimizer.StateBytes()
}

// MoveTo implements residency.Resident.
func (c *Client) MoveTo(tier residency.Tier) error {
	c.tier = tier
	return nil
}

// Tier returns where the replica currently resides.
func (c *Client) Tier() residency.Tier { return c.tier }

// Steps returns the cumulative number of local optimization steps.
func (c *Client) Steps() int { return c.steps }

// Budget returns the configured step budget.
func (c *Client) Budget() int { return c.budget }

// Exhausted reports whether the client has used up its step budget.
func (c *Client) Exhausted() bool { return c.steps >= c.budget }

// LearningRates returns the learning rate recorded after every local step.
func (c *Client) LearningRates() []float64 { return c.lrHistory }

// beginRound advances per-round schedules before local training.
func (c *Client) beginRound() {
	if c.scheduler.Policy() == schedule.PerRound {
		c.scheduler.Step()
	}
	c.optimizer.SetLearningRate(c.scheduler.LR())
}

func (c *Client) record(res *interfaces.TrainResult) {
	c.steps += res.Steps
	c.lrHistory = append(c.lrHistory, res.LearningRates...)
}
