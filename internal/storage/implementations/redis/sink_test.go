package redis

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

func TestNewRedisSink(t *testing.T) {
	config := &RedisConfig{
		Addr: "localhost:6379",
		DB:   0,
	}

	logger := logrus.New()
	sink, err := NewRedisSink(config, logger)

	require.NoError(t, err)
	require.NotNil(t, sink)
	assert.Equal(t, config, sink.config)
	assert.Equal(t, logger, sink.logger)
	assert.Equal(t, constants.SinkRedis, sink.Name())
}

func TestNewRedisSinkInvalidConfig(t *testing.T) {
	_, err := NewRedisSink(nil, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config cannot be nil")

	_, err = NewRedisSink(&RedisConfig{}, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address or cluster addresses are required")

	_, err = NewRedisSink(&RedisConfig{ClusterAddrs: []string{"a:1", "b:2"}, UseClustering: true}, nil)
	require.NoError(t, err)
}

func TestRedisSinkGenerateKeys(t *testing.T) {
	sink, err := NewRedisSink(&RedisConfig{Addr: "localhost:6379", KeyPrefix: "fedsim"}, logrus.New())
	require.NoError(t, err)

	assert.Equal(t, "fedsim:run:r1:latest", sink.generateLatestKey("r1"))
	assert.Equal(t, "fedsim:run:r1:rounds", sink.generateRoundsKey("r1"))
	assert.Equal(t, "fedsim:run:r1:stream", sink.generateStreamKey("r1"))
	assert.Equal(t, "fedsim:rounds", sink.channel())

	sink.config.Channel = "notifications"
	assert.Equal(t, "notifications", sink.channel())
}

func TestRedisSinkGenerateKeysNoPrefix(t *testing.T) {
	sink, err := NewRedisSink(&RedisConfig{Addr: "localhost:6379"}, logrus.New())
	require.NoError(t, err)

	assert.Equal(t, "run:r1:latest", sink.generateLatestKey("r1"))
	assert.Equal(t, "learning_rates", sink.generateKey("learning_rates"))
}

func TestLatestFields(t *testing.T) {
	fields := latestFields(&interfaces.RoundRecord{
		Round:      3,
		Algorithm:  constants.AlgorithmScaffold,
		Timestamp:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		ValAcc:     map[string]float64{"proxy_client_0": 0.5},
		TestAcc:    map[string]float64{"proxy_client_0": 0.25},
		AvgValAcc:  0.5,
		AvgTestAcc: 0.25,
	})

	assert.Equal(t, "3", fields["round"])
	assert.Equal(t, "scaffold", fields["algorithm"])
	assert.Equal(t, "0.5", fields["val_acc:proxy_client_0"])
	assert.Equal(t, "0.25", fields["test_acc:proxy_client_0"])
	assert.Equal(t, "2024-01-02T03:04:05Z", fields["timestamp"])
}

func TestRedisSinkNotConnected(t *testing.T) {
	sink, err := NewRedisSink(&RedisConfig{Addr: "localhost:6379"}, logrus.New())
	require.NoError(t, err)

	err = sink.WriteRound(context.Background(), &interfaces.RoundRecord{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	err = sink.WriteLearningRates(context.Background(), map[string][]float64{"a": {1}})
	require.Error(t, err)

	require.NoError(t, sink.Close())
}

func TestRedisSinkConnectionFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping connection test in short mode")
	}

	sink, err := NewRedisSink(&RedisConfig{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	}, logrus.New())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = sink.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONNECTION_FAILED")
}
