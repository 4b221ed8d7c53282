package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedsim/internal/testutil"
	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

func record(round int, val, test map[string]float64) *interfaces.RoundRecord {
	return &interfaces.RoundRecord{
		RunID:     "run-1",
		Algorithm: constants.AlgorithmFedOpt,
		Round:     round,
		ValAcc:    val,
		TestAcc:   test,
	}
}

func newConnectedSink(t *testing.T, cfg *FileSinkConfig) *FileSink {
	t.Helper()
	sink, err := NewFileSink(cfg, testutil.NewLogger())
	require.NoError(t, err)
	require.NoError(t, sink.Connect(context.Background()))
	t.Cleanup(func() { sink.Close() })
	return sink
}

func TestNewFileSinkInvalidConfig(t *testing.T) {
	_, err := NewFileSink(nil, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeValidation, errors.TypeOf(err))

	_, err = NewFileSink(&FileSinkConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BasePath is required")
}

func TestFileSinkConnectCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")
	sink := newConnectedSink(t, &FileSinkConfig{BasePath: dir, CreateDirs: true})

	assert.Equal(t, constants.SinkFile, sink.Name())
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = os.Stat(filepath.Join(dir, ".write_test"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileSinkConnectMissingDirectory(t *testing.T) {
	sink, err := NewFileSink(&FileSinkConfig{BasePath: filepath.Join(t.TempDir(), "missing")}, testutil.NewLogger())
	require.NoError(t, err)

	err = sink.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeStorage, errors.TypeOf(err))
}

func TestFileSinkWriteRoundRewritesTables(t *testing.T) {
	dir := t.TempDir()
	sink := newConnectedSink(t, &FileSinkConfig{BasePath: dir, SyncWrites: true})
	ctx := context.Background()

	require.NoError(t, sink.WriteRound(ctx, record(0,
		map[string]float64{"proxy_client_0": 0.5, "proxy_client_1": 0.25},
		map[string]float64{"proxy_client_0": 0.4, "proxy_client_1": 0.2},
	)))
	require.NoError(t, sink.WriteRound(ctx, record(1,
		map[string]float64{"proxy_client_0": 0.75, "proxy_client_1": 0.5},
		map[string]float64{"proxy_client_0": 0.6, "proxy_client_1": 0.3},
	)))

	val, err := os.ReadFile(sink.Path("val_acc.csv"))
	require.NoError(t, err)
	assert.Equal(t, "round,proxy_client_0,proxy_client_1\n0,0.5,0.25\n1,0.75,0.5\n", string(val))

	testutil.AssertFileExists(t, sink.Path("test_acc.csv"), "0,0.4,0.2", "1,0.6,0.3")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "temporary file %s left behind", e.Name())
	}
}

func TestFileSinkRoundLog(t *testing.T) {
	sink := newConnectedSink(t, &FileSinkConfig{BasePath: t.TempDir(), RoundLog: true})
	ctx := context.Background()

	require.NoError(t, sink.WriteRound(ctx, record(0, map[string]float64{"a": 1}, map[string]float64{"a": 1})))
	require.NoError(t, sink.WriteRound(ctx, record(1, map[string]float64{"a": 1}, map[string]float64{"a": 1})))

	data, err := os.ReadFile(sink.Path(constants.RoundLogFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var decoded interfaces.RoundRecord
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &decoded))
	assert.Equal(t, 1, decoded.Round)
	assert.Equal(t, "run-1", decoded.RunID)
}

func TestFileSinkWriteLearningRates(t *testing.T) {
	sink := newConnectedSink(t, &FileSinkConfig{BasePath: t.TempDir()})

	history := map[string][]float64{"proxy_client_0": {0, 0.01, 0.02}}
	require.NoError(t, sink.WriteLearningRates(context.Background(), history))

	data, err := os.ReadFile(sink.Path(constants.LearningRateFile))
	require.NoError(t, err)

	var decoded map[string][]float64
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, history, decoded)
}

func TestFileSinkRequiresConnection(t *testing.T) {
	sink, err := NewFileSink(&FileSinkConfig{BasePath: t.TempDir()}, testutil.NewLogger())
	require.NoError(t, err)

	err = sink.WriteRound(context.Background(), record(0, nil, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	err = sink.WriteLearningRates(context.Background(), nil)
	require.Error(t, err)

	require.NoError(t, sink.Close())
}

func TestFileSinkNilRecord(t *testing.T) {
	sink := newConnectedSink(t, &FileSinkConfig{BasePath: t.TempDir()})
	err := sink.WriteRound(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeValidation, errors.TypeOf(err))
}
