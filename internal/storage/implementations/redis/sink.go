package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

// RedisConfig holds configuration for the Redis sink
type RedisConfig struct {
	Addr          string        `json:"addr" mapstructure:"addr"`
	Password      string        `json:"password" mapstructure:"password"`
	DB            int           `json:"db" mapstructure:"db"`
	DialTimeout   time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout   time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	PoolSize      int           `json:"pool_size" mapstructure:"pool_size"`
	MaxRetries    int           `json:"max_retries" mapstructure:"max_retries"`
	TTL           time.Duration `json:"ttl" mapstructure:"ttl"`
	KeyPrefix     string        `json:"key_prefix" mapstructure:"key_prefix"`
	Channel       string        `json:"channel" mapstructure:"channel"`
	UseStreams    bool          `json:"use_streams" mapstructure:"use_streams"`
	StreamMaxLen  int64         `json:"stream_max_len" mapstructure:"stream_max_len"`
	UseClustering bool          `json:"use_clustering" mapstructure:"use_clustering"`
	ClusterAddrs  []string      `json:"cluster_addrs" mapstructure:"cluster_addrs"`
}

// RedisSink keeps the latest round of every run in a hash, appends every
// round record to a list (or stream), and publishes a notification per round.
type RedisSink struct {
	config *RedisConfig
	client redis.UniversalClient
	logger *logrus.Logger
	mu     sync.RWMutex
	closed bool
}

// NewRedisSink creates a new Redis sink instance
func NewRedisSink(config *RedisConfig, logger *logrus.Logger) (*RedisSink, error) {
	if config == nil {
		return nil, errors.NewStorageError("INVALID_CONFIG", "Redis config cannot be nil")
	}

	if config.Addr == "" && len(config.ClusterAddrs) == 0 {
		return nil, errors.NewStorageError("INVALID_CONFIG", "Redis address or cluster addresses are required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	return &RedisSink{
		config: config,
		logger: logger,
	}, nil
}

// Name returns the sink type
func (r *RedisSink) Name() string {
	return constants.SinkRedis
}

// Connect establishes connection to Redis
func (r *RedisSink) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return nil
	}

	var client redis.UniversalClient
	if r.config.UseClustering && len(r.config.ClusterAddrs) > 0 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        r.config.ClusterAddrs,
			Password:     r.config.Password,
			DialTimeout:  r.config.DialTimeout,
			ReadTimeout:  r.config.ReadTimeout,
			WriteTimeout: r.config.WriteTimeout,
			PoolSize:     r.config.PoolSize,
			MaxRetries:   r.config.MaxRetries,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         r.config.Addr,
			Password:     r.config.Password,
			DB:           r.config.DB,
			DialTimeout:  r.config.DialTimeout,
			ReadTimeout:  r.config.ReadTimeout,
			WriteTimeout: r.config.WriteTimeout,
			PoolSize:     r.config.PoolSize,
			MaxRetries:   r.config.MaxRetries,
		})
	}

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, "CONNECTION_FAILED", "Failed to connect to Redis")
	}

	r.client = client
	r.closed = false

	r.logger.WithFields(logrus.Fields{
		"addr":       r.config.Addr,
		"db":         r.config.DB,
		"clustering": r.config.UseClustering,
	}).Info("Connected to Redis")

	return nil
}

// WriteRound stores the round in a single pipeline
func (r *RedisSink) WriteRound(ctx context.Context, record *interfaces.RoundRecord) error {
	if record == nil {
		return errors.NewValidationError("INVALID_RECORD", "Round record cannot be nil")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed || r.client == nil {
		return errors.NewStorageError("NOT_CONNECTED", "Redis not connected")
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "SERIALIZATION_FAILED", "Failed to serialize round record")
	}

	pipe := r.client.Pipeline()

	latestKey := r.generateLatestKey(record.RunID)
	pipe.Del(ctx, latestKey)
	pipe.HSet(ctx, latestKey, latestFields(record))

	if r.config.UseStreams {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.generateStreamKey(record.RunID),
			MaxLen: r.config.StreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"round":  record.Round,
				"record": string(payload),
			},
		})
	} else {
		pipe.RPush(ctx, r.generateRoundsKey(record.RunID), payload)
	}

	if r.config.TTL > 0 {
		pipe.Expire(ctx, latestKey, r.config.TTL)
		pipe.Expire(ctx, r.generateRoundsKey(record.RunID), r.config.TTL)
	}

	pipe.Publish(ctx, r.channel(), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "WRITE_FAILED", "Failed to write round to Redis")
	}

	r.logger.WithFields(logrus.Fields{
		"run_id": record.RunID,
		"round":  record.Round,
	}).Debug("Round written to Redis")

	return nil
}

// WriteLearningRates stores the learning-rate history of the current run
func (r *RedisSink) WriteLearningRates(ctx context.Context, history map[string][]float64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed || r.client == nil {
		return errors.NewStorageError("NOT_CONNECTED", "Redis not connected")
	}

	fields := make(map[string]interface{}, len(history))
	for proxy, lrs := range history {
		encoded, err := json.Marshal(lrs)
		if err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, "SERIALIZATION_FAILED", "Failed to serialize learning rates")
		}
		fields[proxy] = string(encoded)
	}
	if len(fields) == 0 {
		return nil
	}

	key := r.generateKey("learning_rates")
	if err := r.client.HSet(ctx, key, fields).Err(); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "WRITE_FAILED", "Failed to write learning rates to Redis")
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	if r.client != nil {
		err := r.client.Close()
		r.client = nil
		r.closed = true

		if err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, "CLOSE_FAILED", "Failed to close Redis connection")
		}
	}

	r.logger.Info("Redis connection closed")
	return nil
}

// latestFields flattens a round record into hash fields:
// round, avg_val_acc, avg_test_acc, val_acc:<proxy>, test_acc:<proxy>.
func latestFields(record *interfaces.RoundRecord) map[string]interface{} {
	fields := map[string]interface{}{
		"round":        strconv.Itoa(record.Round),
		"algorithm":    record.Algorithm,
		"avg_val_acc":  formatFloat(record.AvgValAcc),
		"avg_test_acc": formatFloat(record.AvgTestAcc),
		"timestamp":    record.Timestamp.Format(time.RFC3339Nano),
	}
	for proxy, v := range record.ValAcc {
		fields[constants.MetricValAccuracy+":"+proxy] = formatFloat(v)
	}
	for proxy, v := range record.TestAcc {
		fields[constants.MetricTestAccuracy+":"+proxy] = formatFloat(v)
	}
	return fields
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (r *RedisSink) channel() string {
	if r.config.Channel != "" {
		return r.config.Channel
	}
	return r.generateKey("rounds")
}

func (r *RedisSink) generateKey(parts ...string) string {
	if r.config.KeyPrefix != "" {
		parts = append([]string{r.config.KeyPrefix}, parts...)
	}
	return strings.Join(parts, ":")
}

func (r *RedisSink) generateLatestKey(runID string) string {
	return r.generateKey("run", runID, "latest")
}

func (r *RedisSink) generateRoundsKey(runID string) string {
	return r.generateKey("run", runID, "rounds")
}

func (r *RedisSink) generateStreamKey(runID string) string {
	return r.generateKey("run", runID, "stream")
}
