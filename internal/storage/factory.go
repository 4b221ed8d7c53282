package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedsim/internal/storage/implementations/file"
	"github.com/inferloop/fedsim/internal/storage/implementations/influxdb"
	"github.com/inferloop/fedsim/internal/storage/implementations/redis"
	"github.com/inferloop/fedsim/internal/storage/implementations/s3"
	"github.com/inferloop/fedsim/internal/storage/implementations/timescaledb"
	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

// Config enables a sink by giving it a non-nil section
type Config struct {
	File        *file.FileSinkConfig           `json:"file,omitempty" yaml:"file,omitempty" mapstructure:"file"`
	S3          *s3.S3Config                   `json:"s3,omitempty" yaml:"s3,omitempty" mapstructure:"s3"`
	Redis       *redis.RedisConfig             `json:"redis,omitempty" yaml:"redis,omitempty" mapstructure:"redis"`
	InfluxDB    *influxdb.InfluxDBConfig       `json:"influxdb,omitempty" yaml:"influxdb,omitempty" mapstructure:"influxdb"`
	TimescaleDB *timescaledb.TimescaleDBConfig `json:"timescaledb,omitempty" yaml:"timescaledb,omitempty" mapstructure:"timescaledb"`
}

// Enabled returns the sink types configured, in creation order
func (c *Config) Enabled() []string {
	if c == nil {
		return nil
	}

	var types []string
	if c.File != nil {
		types = append(types, constants.SinkFile)
	}
	if c.S3 != nil {
		types = append(types, constants.SinkS3)
	}
	if c.Redis != nil {
		types = append(types, constants.SinkRedis)
	}
	if c.InfluxDB != nil {
		types = append(types, constants.SinkInfluxDB)
	}
	if c.TimescaleDB != nil {
		types = append(types, constants.SinkTimescaleDB)
	}
	return types
}

// CreateFunc builds a sink from its section of the config
type CreateFunc func(config *Config, logger *logrus.Logger) (interfaces.ArtifactSink, error)

// Factory creates artifact sinks by type
type Factory struct {
	creators map[string]CreateFunc
	mu       sync.RWMutex
	logger   *logrus.Logger
}

// NewFactory creates a new sink factory with the built-in sink types
func NewFactory(logger *logrus.Logger) *Factory {
	if logger == nil {
		logger = logrus.New()
	}

	factory := &Factory{
		creators: make(map[string]CreateFunc),
		logger:   logger,
	}

	factory.registerDefaults()

	return factory
}

// CreateSink creates a new sink instance
func (f *Factory) CreateSink(sinkType string, config *Config) (interfaces.ArtifactSink, error) {
	f.mu.RLock()
	createFunc, exists := f.creators[sinkType]
	f.mu.RUnlock()

	if !exists {
		return nil, errors.NewStorageError("UNSUPPORTED_TYPE", fmt.Sprintf("Sink type '%s' is not supported", sinkType))
	}

	sink, err := createFunc(config, f.logger)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, "CREATION_FAILED", fmt.Sprintf("Failed to create %s sink", sinkType))
	}

	f.logger.WithFields(logrus.Fields{
		"sink_type": sinkType,
	}).Debug("Created sink instance")

	return sink, nil
}

// GetSupportedTypes returns all supported sink types, sorted
func (f *Factory) GetSupportedTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.creators))
	for sinkType := range f.creators {
		types = append(types, sinkType)
	}
	sort.Strings(types)

	return types
}

// RegisterSink registers a new sink type
func (f *Factory) RegisterSink(sinkType string, createFunc CreateFunc) error {
	if sinkType == "" {
		return errors.NewValidationError("INVALID_TYPE", "Sink type cannot be empty")
	}

	if createFunc == nil {
		return errors.NewValidationError("INVALID_CREATOR", "Sink create function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.creators[sinkType] = createFunc

	return nil
}

// IsSupported checks if a sink type is supported
func (f *Factory) IsSupported(sinkType string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, exists := f.creators[sinkType]
	return exists
}

// NewSinks creates every enabled sink and wraps them in a MultiSink
func (f *Factory) NewSinks(config *Config) (*MultiSink, error) {
	var sinks []interfaces.ArtifactSink
	for _, sinkType := range config.Enabled() {
		sink, err := f.CreateSink(sinkType, config)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return NewMultiSink(f.logger, sinks...), nil
}

func (f *Factory) registerDefaults() {
	f.RegisterSink(constants.SinkFile, func(config *Config, logger *logrus.Logger) (interfaces.ArtifactSink, error) {
		return file.NewFileSink(config.File, logger)
	})

	f.RegisterSink(constants.SinkS3, func(config *Config, logger *logrus.Logger) (interfaces.ArtifactSink, error) {
		return s3.NewS3Sink(config.S3, logger)
	})

	f.RegisterSink(constants.SinkRedis, func(config *Config, logger *logrus.Logger) (interfaces.ArtifactSink, error) {
		return redis.NewRedisSink(config.Redis, logger)
	})

	f.RegisterSink(constants.SinkInfluxDB, func(config *Config, logger *logrus.Logger) (interfaces.ArtifactSink, error) {
		return influxdb.NewInfluxDBSink(config.InfluxDB, logger)
	})

	f.RegisterSink(constants.SinkTimescaleDB, func(config *Config, logger *logrus.Logger) (interfaces.ArtifactSink, error) {
		return timescaledb.NewTimescaleDBSink(config.TimescaleDB, logger)
	})
}
