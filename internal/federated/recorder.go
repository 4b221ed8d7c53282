package federated

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/fedsim/pkg/interfaces"
)

// Recorder accumulates the per-round metric rows of a run.
type Recorder struct {
	runID     string
	algorithm string

	mu      sync.RWMutex
	records []*interfaces.RoundRecord
}

// NewRecorder creates a recorder for one run.
func NewRecorder(runID, algorithm string) *Recorder {
	return &Recorder{runID: runID, algorithm: algorithm}
}

// Record turns a finished round context into a round record and keeps it.
func (r *Recorder) Record(rc *RoundContext) *interfaces.RoundRecord {
	rec := &interfaces.RoundRecord{
		RunID:      r.runID,
		Algorithm:  r.algorithm,
		Round:      rc.Round,
		Timestamp:  rc.Started,
		Duration:   time.Since(rc.Started),
		ValAcc:     copyMetrics(rc.ValAcc),
		TestAcc:    copyMetrics(rc.TestAcc),
		Partitions: make(map[string]string, len(rc.Assignments)),
		Weights:    make(map[string]float64, len(rc.Assignments)),
		Steps:      make(map[string]int, len(rc.Assignments)),
		AvgValAcc:  meanOf(rc.ValAcc),
		AvgTestAcc: meanOf(rc.TestAcc),
	}
	for _, a := range rc.Assignments {
		rec.Partitions[a.Client.ID()] = a.Partition.ID()
		rec.Weights[a.Client.ID()] = a.Weight
		rec.Steps[a.Client.ID()] = a.Client.Steps()
	}

	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return rec
}

// Snapshot returns the records written so far.
func (r *Recorder) Snapshot() []*interfaces.RoundRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*interfaces.RoundRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Last returns the most recent record, or nil before the first round.
func (r *Recorder) Last() *interfaces.RoundRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.records) == 0 {
		return nil
	}
	return r.records[len(r.records)-1]
}

// LearningRates collects the learning-rate history of every client.
func LearningRates(clients []*Client) map[string][]float64 {
	out := make(map[string][]float64, len(clients))
	for _, c := range clients {
		h := make([]float64, len(c.LearningRates()))
		copy(h, c.LearningRates())
		out[c.ID()] = h
	}
	return out
}

func copyMetrics(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func meanOf(m map[string]float64) float64 {
	if len(m) == 0 {
		return 0
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]float64, len(keys))
	for i, k := range keys {
		values[i] = m[k]
	}
	return stat.Mean(values, nil)
}
