package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedsim/internal/storage/implementations/file"
	"github.com/inferloop/fedsim/internal/storage/implementations/redis"
	"github.com/inferloop/fedsim/internal/storage/implementations/s3"
	"github.com/inferloop/fedsim/internal/testutil"
	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

func TestFactorySupportedTypes(t *testing.T) {
	f := NewFactory(testutil.NewLogger())

	assert.Equal(t, []string{"file", "influxdb", "redis", "s3", "timescaledb"}, f.GetSupportedTypes())
	assert.True(t, f.IsSupported(constants.SinkS3))
	assert.False(t, f.IsSupported("weaviate"))
}

func TestFactoryRegisterSinkValidation(t *testing.T) {
	f := NewFactory(testutil.NewLogger())

	err := f.RegisterSink("", func(*Config, *logrus.Logger) (interfaces.ArtifactSink, error) { return nil, nil })
	require.Error(t, err)

	err = f.RegisterSink("memory", nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeValidation, errors.TypeOf(err))
}

func TestFactoryCreateSinkUnsupported(t *testing.T) {
	f := NewFactory(testutil.NewLogger())

	_, err := f.CreateSink("clickhouse", &Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNSUPPORTED_TYPE")
}

func TestFactoryCreateSinkInvalidSection(t *testing.T) {
	f := NewFactory(testutil.NewLogger())

	_, err := f.CreateSink(constants.SinkS3, &Config{S3: &s3.S3Config{}})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeStorage, errors.TypeOf(err))
	assert.Contains(t, err.Error(), "bucket is required")
}

func TestConfigEnabled(t *testing.T) {
	var nilConfig *Config
	assert.Empty(t, nilConfig.Enabled())

	cfg := &Config{
		Redis: &redis.RedisConfig{Addr: "localhost:6379"},
		File:  &file.FileSinkConfig{BasePath: "out"},
	}
	assert.Equal(t, []string{"file", "redis"}, cfg.Enabled())
}

func TestNewSinksFileEndToEnd(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	f := NewFactory(testutil.NewLogger())

	multi, err := f.NewSinks(&Config{File: &file.FileSinkConfig{BasePath: dir, CreateDirs: true}})
	require.NoError(t, err)
	assert.Equal(t, 1, multi.Len())
	assert.Equal(t, "multi(file)", multi.Name())

	ctx := context.Background()
	require.NoError(t, multi.Connect(ctx))
	require.NoError(t, multi.WriteRound(ctx, &interfaces.RoundRecord{
		Round:   0,
		ValAcc:  map[string]float64{"partition_0": 0.5},
		TestAcc: map[string]float64{"partition_0": 0.5},
	}))
	require.NoError(t, multi.WriteLearningRates(ctx, map[string][]float64{"partition_0": {0.1}}))
	require.NoError(t, multi.Close())

	testutil.AssertFileExists(t, filepath.Join(dir, "val_acc.csv"), "round,partition_0", "0,0.5")
	testutil.AssertFileExists(t, filepath.Join(dir, "test_acc.csv"))
	_, err = os.Stat(filepath.Join(dir, constants.LearningRateFile))
	require.NoError(t, err)
}

func TestMultiSinkFanOut(t *testing.T) {
	a := &testutil.MemorySink{SinkName: "a"}
	b := &testutil.MemorySink{SinkName: "b"}
	multi := NewMultiSink(testutil.NewLogger(), a, b)
	ctx := context.Background()

	require.NoError(t, multi.Connect(ctx))
	require.NoError(t, multi.WriteRound(ctx, &interfaces.RoundRecord{Round: 4}))
	require.NoError(t, multi.WriteLearningRates(ctx, map[string][]float64{"x": {1}}))
	require.NoError(t, multi.Close())

	for _, s := range []*testutil.MemorySink{a, b} {
		assert.True(t, s.Connected())
		assert.True(t, s.Closed())
		require.Len(t, s.Rounds(), 1)
		assert.Equal(t, 4, s.Rounds()[0].Round)
		assert.Equal(t, []float64{1}, s.LearningRates()["x"])
	}
}

func TestMultiSinkConnectFailureClosesConnected(t *testing.T) {
	a := &testutil.MemorySink{SinkName: "a"}
	b := &testutil.MemorySink{SinkName: "b", ConnectErr: fmt.Errorf("refused")}
	multi := NewMultiSink(testutil.NewLogger(), a, b)

	err := multi.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeStorage, errors.TypeOf(err))
	assert.Contains(t, err.Error(), "b sink")
	assert.True(t, a.Closed())
}

func TestMultiSinkStopsAtFirstWriteFailure(t *testing.T) {
	a := &testutil.MemorySink{SinkName: "a", WriteErr: errors.NewStorageError("WRITE_FAILED", "disk full")}
	b := &testutil.MemorySink{SinkName: "b"}
	multi := NewMultiSink(testutil.NewLogger(), a, b)

	err := multi.WriteRound(context.Background(), &interfaces.RoundRecord{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a sink")
	assert.Equal(t, errors.ErrorTypeStorage, errors.TypeOf(err))
	assert.Empty(t, b.Rounds())
}

func TestEmptyMultiSink(t *testing.T) {
	multi := NewMultiSink(nil)
	ctx := context.Background()

	require.NoError(t, multi.Connect(ctx))
	require.NoError(t, multi.WriteRound(ctx, &interfaces.RoundRecord{}))
	require.NoError(t, multi.Close())
	assert.Equal(t, "multi()", multi.Name())
}
