package timescaledb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedsim/internal/testutil"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

func TestNewTimescaleDBSinkDefaults(t *testing.T) {
	sink, err := NewTimescaleDBSink(&TimescaleDBConfig{Database: "fl"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "localhost", sink.config.Host)
	assert.Equal(t, 5432, sink.config.Port)
	assert.Equal(t, "prefer", sink.config.SSLMode)
	assert.Equal(t, "1 day", sink.config.ChunkTimeInterval)
	assert.Equal(t, "timescaledb", sink.Name())
}

func TestNewTimescaleDBSinkInvalidConfig(t *testing.T) {
	_, err := NewTimescaleDBSink(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config cannot be nil")

	_, err = NewTimescaleDBSink(&TimescaleDBConfig{Host: "db"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is required")
}

func TestConnectionString(t *testing.T) {
	sink, err := NewTimescaleDBSink(&TimescaleDBConfig{
		Host:           "db.internal",
		Port:           6543,
		Database:       "fl",
		Username:       "fedsim",
		Password:       "secret",
		SSLMode:        "disable",
		ConnectTimeout: 5 * time.Second,
	}, testutil.NewLogger())
	require.NoError(t, err)

	assert.Equal(t,
		"host=db.internal port=6543 dbname=fl sslmode=disable user=fedsim password=secret connect_timeout=5",
		sink.ConnectionString())
}

func TestRoundRows(t *testing.T) {
	ts := time.Unix(10, 0)
	rows := RoundRows(&interfaces.RoundRecord{
		RunID:      "r",
		Algorithm:  "fedopt",
		Round:      1,
		Timestamp:  ts,
		ValAcc:     map[string]float64{"b": 0.5, "a": 0.25},
		TestAcc:    map[string]float64{"a": 0.2},
		Partitions: map[string]string{"a": "partition_1", "b": "partition_0"},
		Weights:    map[string]float64{"a": 1, "b": 3},
		Steps:      map[string]int{"a": 2, "b": 2},
	})

	require.Len(t, rows, 2)
	assert.Equal(t, []interface{}{ts, "r", "fedopt", 1, "a", "partition_1", 0.25, 0.2, 1.0, 2}, rows[0])
	assert.Equal(t, "b", rows[1][4])
	assert.Nil(t, rows[1][7])
	assert.Len(t, rows[0], len(roundColumns))
}

func TestLearningRateRowsFromOffsets(t *testing.T) {
	rows := learningRateRows("r", map[string][]float64{"a": {0.1, 0.2, 0.3}, "b": {1}}, map[string]int{"a": 2})
	assert.Equal(t, [][]interface{}{
		{"r", "a", 2, 0.3},
		{"r", "b", 0, 1.0},
	}, rows)
}

func TestSchemaStatements(t *testing.T) {
	sink, err := NewTimescaleDBSink(&TimescaleDBConfig{Database: "fl"}, nil)
	require.NoError(t, err)

	statements := sink.SchemaStatements()
	require.Len(t, statements, 3)
	assert.Contains(t, statements[0], "fl_round_metrics")
	assert.Contains(t, statements[1], "PRIMARY KEY (run_id, proxy_client, step)")
}

func TestTimescaleDBSinkNotConnected(t *testing.T) {
	sink, err := NewTimescaleDBSink(&TimescaleDBConfig{Database: "fl"}, nil)
	require.NoError(t, err)

	err = sink.WriteRound(context.Background(), &interfaces.RoundRecord{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	err = sink.WriteLearningRates(context.Background(), map[string][]float64{"a": {1}})
	require.Error(t, err)
	require.NoError(t, sink.Close())
}
