// Package residency moves client state between host memory and the
// constrained compute tier. At most one resident holds the compute slot at
// any time; the slot is handed out as a Lease that must be released, and
// WithComputeSlot guarantees the release on every exit path.
package residency

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/inferloop/fedsim/pkg/errors"
)

// Tier identifies a memory tier.
type Tier int

const (
	// TierHost is unconstrained host memory, where idle clients live.
	TierHost Tier = iota
	// TierCompute is the constrained accelerator memory used for local training and evaluation.
	TierCompute
)

// String implements fmt.Stringer.
func (t Tier) String() string {
	switch t {
	case TierHost:
		return "host"
	case TierCompute:
		return "compute"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Resident is anything that can be moved between tiers, typically a client
// model replica together with its optimizer state.
type Resident interface {
	ResidentID() string
	// Footprint is the number of bytes the resident occupies on the compute tier.
	Footprint() int64
	MoveTo(tier Tier) error
}

// Config configures the compute tier.
type Config struct {
	// CapacityBytes bounds the footprint of a single resident; 0 means unbounded.
	CapacityBytes int64 `mapstructure:"compute_capacity_bytes" yaml:"compute_capacity_bytes"`
}

// Observer is notified whenever compute tier occupancy changes.
type Observer func(occupiedBytes int64)

// Manager hands out the single compute slot.
type Manager struct {
	config   Config
	logger   *logrus.Logger
	slot     *semaphore.Weighted
	observer Observer

	mu        sync.Mutex
	active    string
	occupied  int64
	peak      int64
	transfers int
}

// NewManager creates a new residency manager
func NewManager(config Config, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		config: config,
		logger: logger,
		slot:   semaphore.NewWeighted(1),
	}
}

// SetObserver registers an occupancy observer.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

// Lease is the right to keep one resident on the compute tier.
type Lease struct {
	manager  *Manager
	resident Resident
	bytes    int64
	once     sync.Once
	released atomic.Bool
}

// Acquire moves r onto the compute tier. It fails with a resource error if r
// does not fit or if another resident still holds the slot.
func (m *Manager) Acquire(ctx context.Context, r Resident) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	footprint := r.Footprint()
	if m.config.CapacityBytes > 0 && footprint > m.config.CapacityBytes {
		return nil, errors.WrapError(errors.ErrInsufficientMemory, errors.ErrorTypeResource, errors.CodeInsufficientMemory,
			fmt.Sprintf("resident %s needs %d bytes, compute tier holds %d", r.ResidentID(), footprint, m.config.CapacityBytes))
	}

	if !m.slot.TryAcquire(1) {
		m.mu.Lock()
		holder := m.active
		m.mu.Unlock()
		return nil, errors.NewResourceError(errors.CodeSlotUnavailable,
			fmt.Sprintf("compute slot held by %s", holder)).WithContext("requested_by", r.ResidentID())
	}

	if err := r.MoveTo(TierCompute); err != nil {
		m.slot.Release(1)
		return nil, errors.WrapError(err, errors.ErrorTypeResource, errors.CodeTransferFailed,
			fmt.Sprintf("move %s to compute tier", r.ResidentID()))
	}

	m.mu.Lock()
	m.active = r.ResidentID()
	m.occupied = footprint
	if footprint > m.peak {
		m.peak = footprint
	}
	m.transfers++
	m.mu.Unlock()
	m.notify(footprint)

	m.logger.WithFields(logrus.Fields{
		"resident": r.ResidentID(),
		"bytes":    footprint,
	}).Debug("Resident moved to compute tier")

	return &Lease{manager: m, resident: r, bytes: footprint}, nil
}

// Release moves the resident back to host memory and frees the slot. The
// slot is freed even when the transfer fails. A second call returns
// ErrSlotReleased.
func (l *Lease) Release() error {
	err := errors.WrapError(errors.ErrSlotReleased, errors.ErrorTypeResource, errors.CodeSlotUnavailable,
		fmt.Sprintf("lease for %s", l.resident.ResidentID()))

	l.once.Do(func() {
		err = nil
		m := l.manager
		if moveErr := l.resident.MoveTo(TierHost); moveErr != nil {
			err = errors.WrapError(moveErr, errors.ErrorTypeResource, errors.CodeTransferFailed,
				fmt.Sprintf("move %s to host tier", l.resident.ResidentID()))
		}

		m.mu.Lock()
		m.active = ""
		m.occupied = 0
		m.transfers++
		m.mu.Unlock()
		m.slot.Release(1)
		m.notify(0)
		l.released.Store(true)

		m.logger.WithField("resident", l.resident.ResidentID()).Debug("Resident returned to host tier")
	})

	return err
}

// Released reports whether Release has run.
func (l *Lease) Released() bool {
	return l.released.Load()
}

// WithComputeSlot runs fn while r resides on the compute tier and always
// returns r to host memory afterwards.
func (m *Manager) WithComputeSlot(ctx context.Context, r Resident, fn func(ctx context.Context) error) (err error) {
	lease, err := m.Acquire(ctx, r)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lease.Release(); relErr != nil {
			err = stderrors.Join(err, relErr)
		}
	}()

	return fn(ctx)
}

// Occupancy returns the bytes currently on the compute tier and the holder.
func (m *Manager) Occupancy() (int64, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.occupied, m.active
}

// Peak returns the largest footprint seen on the compute tier.
func (m *Manager) Peak() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// Transfers returns the number of tier moves performed.
func (m *Manager) Transfers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfers
}

func (m *Manager) notify(occupied int64) {
	if m.observer != nil {
		m.observer(occupied)
	}
}
