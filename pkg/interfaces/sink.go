package interfaces

import (
	"context"
	"time"
)

// RoundRecord is the observable outcome of one communication round. All maps
// are keyed by proxy client; Partitions names the data partition each proxy
// trained on.
type RoundRecord struct {
	RunID      string             `json:"run_id"`
	Algorithm  string             `json:"algorithm"`
	Round      int                `json:"round"`
	Timestamp  time.Time          `json:"timestamp"`
	Duration   time.Duration      `json:"duration"`
	ValAcc     map[string]float64 `json:"val_acc"`
	TestAcc    map[string]float64 `json:"test_acc"`
	Partitions map[string]string  `json:"partitions"`
	Weights    map[string]float64 `json:"weights"`
	Steps      map[string]int     `json:"steps"`
	AvgValAcc  float64            `json:"avg_val_acc"`
	AvgTestAcc float64            `json:"avg_test_acc"`
}

// ArtifactSink persists round records. Sinks are write-only.
type ArtifactSink interface {
	// Name returns the sink type
	Name() string

	// Connect establishes connection to the backend
	Connect(ctx context.Context) error

	// WriteRound persists the metric rows of one round
	WriteRound(ctx context.Context, record *RoundRecord) error

	// WriteLearningRates persists the learning-rate history keyed by proxy client
	WriteLearningRates(ctx context.Context, history map[string][]float64) error

	// Close closes the connection and cleans up resources
	Close() error
}
