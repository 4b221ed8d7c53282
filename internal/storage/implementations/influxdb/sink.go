package influxdb

import (
	"context"
	"sort"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

// Measurement names
const (
	MeasurementClient       = "fl_client_round"
	MeasurementRound        = "fl_round"
	MeasurementLearningRate = "fl_learning_rate"
)

// InfluxDBConfig contains configuration for the InfluxDB sink
type InfluxDBConfig struct {
	URL          string        `json:"url" yaml:"url" mapstructure:"url"`
	Token        string        `json:"token" yaml:"token" mapstructure:"token"`
	Organization string        `json:"organization" yaml:"organization" mapstructure:"organization"`
	Bucket       string        `json:"bucket" yaml:"bucket" mapstructure:"bucket"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	BatchSize    int           `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`
	UseGZip      bool          `json:"use_gzip" yaml:"use_gzip" mapstructure:"use_gzip"`
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxDBSink writes one point per proxy client per round, one summary
// point per round, and one point per recorded local step learning rate.
type InfluxDBSink struct {
	config    *InfluxDBConfig
	client    influxdb2.Client
	writer    pointWriter
	logger    *logrus.Logger
	mu        sync.Mutex
	runID     string
	algorithm string
	lrOffsets map[string]int
	connected bool
}

// NewInfluxDBSink creates a new InfluxDB sink instance
func NewInfluxDBSink(config *InfluxDBConfig, logger *logrus.Logger) (*InfluxDBSink, error) {
	if config == nil {
		return nil, errors.NewStorageError("INVALID_CONFIG", "InfluxDB config cannot be nil")
	}

	if config.URL == "" {
		return nil, errors.NewStorageError("INVALID_CONFIG", "InfluxDB URL is required")
	}

	if config.Bucket == "" {
		return nil, errors.NewStorageError("INVALID_CONFIG", "InfluxDB bucket is required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 1000
	}

	return &InfluxDBSink{
		config:    config,
		logger:    logger,
		lrOffsets: make(map[string]int),
	}, nil
}

// Name returns the sink type
func (s *InfluxDBSink) Name() string {
	return constants.SinkInfluxDB
}

// Connect establishes connection to InfluxDB
func (s *InfluxDBSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	options := influxdb2.DefaultOptions()
	options.SetBatchSize(uint(s.config.BatchSize))
	options.SetUseGZip(s.config.UseGZip)
	options.SetPrecision(time.Nanosecond)
	options.SetHTTPRequestTimeout(uint(s.config.Timeout / time.Second))

	client := influxdb2.NewClientWithOptions(s.config.URL, s.config.Token, options)

	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, "CONNECTION_FAILED", "Failed to connect to InfluxDB")
	}
	if !ok {
		client.Close()
		return errors.NewStorageError("CONNECTION_FAILED", "InfluxDB ping failed")
	}

	s.client = client
	s.writer = client.WriteAPIBlocking(s.config.Organization, s.config.Bucket)
	s.connected = true

	s.logger.WithFields(logrus.Fields{
		"url":          s.config.URL,
		"organization": s.config.Organization,
		"bucket":       s.config.Bucket,
	}).Info("Connected to InfluxDB")

	return nil
}

// WriteRound writes the per-client and summary points of one round
func (s *InfluxDBSink) WriteRound(ctx context.Context, record *interfaces.RoundRecord) error {
	if record == nil {
		return errors.NewValidationError("INVALID_RECORD", "Round record cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return errors.NewStorageError("NOT_CONNECTED", "Not connected to InfluxDB")
	}

	s.runID = record.RunID
	s.algorithm = record.Algorithm

	points := RoundPoints(record)
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "WRITE_FAILED", "Failed to write to InfluxDB")
	}

	s.logger.WithFields(logrus.Fields{
		"round":  record.Round,
		"points": len(points),
	}).Debug("Wrote round to InfluxDB")

	return nil
}

// WriteLearningRates writes the steps recorded since the previous call
func (s *InfluxDBSink) WriteLearningRates(ctx context.Context, history map[string][]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return errors.NewStorageError("NOT_CONNECTED", "Not connected to InfluxDB")
	}

	proxies := make([]string, 0, len(history))
	for proxy := range history {
		proxies = append(proxies, proxy)
	}
	sort.Strings(proxies)

	now := time.Now()
	var points []*write.Point
	for _, proxy := range proxies {
		lrs := history[proxy]
		for step := s.lrOffsets[proxy]; step < len(lrs); step++ {
			points = append(points, influxdb2.NewPointWithMeasurement(MeasurementLearningRate).
				AddTag("run_id", s.runID).
				AddTag("proxy_client", proxy).
				AddField("step", step).
				AddField("lr", lrs[step]).
				SetTime(now.Add(time.Duration(step))))
		}
	}

	if len(points) == 0 {
		return nil
	}

	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "WRITE_FAILED", "Failed to write learning rates to InfluxDB")
	}

	for _, proxy := range proxies {
		s.lrOffsets[proxy] = len(history[proxy])
	}
	return nil
}

// Close closes the connection to InfluxDB
func (s *InfluxDBSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}

	if s.client != nil {
		s.client.Close()
	}

	s.connected = false
	s.logger.Info("Disconnected from InfluxDB")

	return nil
}

// RoundPoints converts a round record into points, one per proxy client in
// sorted order followed by the round summary.
func RoundPoints(record *interfaces.RoundRecord) []*write.Point {
	proxies := make([]string, 0, len(record.ValAcc))
	for proxy := range record.ValAcc {
		proxies = append(proxies, proxy)
	}
	sort.Strings(proxies)

	points := make([]*write.Point, 0, len(proxies)+1)
	for _, proxy := range proxies {
		p := influxdb2.NewPointWithMeasurement(MeasurementClient).
			AddTag("run_id", record.RunID).
			AddTag("algorithm", record.Algorithm).
			AddTag("proxy_client", proxy).
			AddField("round", record.Round).
			AddField(constants.MetricValAccuracy, record.ValAcc[proxy]).
			SetTime(record.Timestamp)

		if partition, ok := record.Partitions[proxy]; ok {
			p.AddTag("partition", partition)
		}
		if v, ok := record.TestAcc[proxy]; ok {
			p.AddField(constants.MetricTestAccuracy, v)
		}
		if w, ok := record.Weights[proxy]; ok {
			p.AddField("weight", w)
		}
		if steps, ok := record.Steps[proxy]; ok {
			p.AddField("steps", steps)
		}
		points = append(points, p)
	}

	points = append(points, influxdb2.NewPointWithMeasurement(MeasurementRound).
		AddTag("run_id", record.RunID).
		AddTag("algorithm", record.Algorithm).
		AddField("round", record.Round).
		AddField("clients", len(proxies)).
		AddField("avg_val_acc", record.AvgValAcc).
		AddField("avg_test_acc", record.AvgTestAcc).
		AddField("duration_ms", record.Duration.Milliseconds()).
		SetTime(record.Timestamp))

	return points
}
