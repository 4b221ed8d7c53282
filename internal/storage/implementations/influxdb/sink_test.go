package influxdb

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedsim/internal/testutil"
	"github.com/inferloop/fedsim/pkg/errors"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

type recordingWriter struct {
	points []*write.Point
	err    error
}

func (w *recordingWriter) WritePoint(ctx context.Context, point ...*write.Point) error {
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, point...)
	return nil
}

func (w *recordingWriter) lines() []string {
	out := make([]string, len(w.points))
	for i, p := range w.points {
		out[i] = write.PointToLineProtocol(p, time.Nanosecond)
	}
	return out
}

func connectedSink(t *testing.T) (*InfluxDBSink, *recordingWriter) {
	t.Helper()
	sink, err := NewInfluxDBSink(&InfluxDBConfig{URL: "http://localhost:8086", Bucket: "fl"}, testutil.NewLogger())
	require.NoError(t, err)
	w := &recordingWriter{}
	sink.writer = w
	sink.connected = true
	return sink, w
}

func sampleRecord() *interfaces.RoundRecord {
	return &interfaces.RoundRecord{
		RunID:      "run-1",
		Algorithm:  "fedopt",
		Round:      2,
		Timestamp:  time.Unix(100, 0),
		Duration:   1500 * time.Millisecond,
		ValAcc:     map[string]float64{"proxy_client_1": 0.5, "proxy_client_0": 0.75},
		TestAcc:    map[string]float64{"proxy_client_1": 0.25, "proxy_client_0": 0.5},
		Partitions: map[string]string{"proxy_client_0": "partition_3", "proxy_client_1": "partition_0"},
		Weights:    map[string]float64{"proxy_client_0": 10, "proxy_client_1": 30},
		Steps:      map[string]int{"proxy_client_0": 4, "proxy_client_1": 4},
		AvgValAcc:  0.625,
		AvgTestAcc: 0.375,
	}
}

func TestNewInfluxDBSinkDefaults(t *testing.T) {
	sink, err := NewInfluxDBSink(&InfluxDBConfig{URL: "http://localhost:8086", Bucket: "fl"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, sink.config.Timeout)
	assert.Equal(t, 1000, sink.config.BatchSize)
	assert.Equal(t, "influxdb", sink.Name())
}

func TestNewInfluxDBSinkInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config *InfluxDBConfig
		want   string
	}{
		{"nil", nil, "config cannot be nil"},
		{"no url", &InfluxDBConfig{Bucket: "fl"}, "URL is required"},
		{"no bucket", &InfluxDBConfig{URL: "http://localhost:8086"}, "bucket is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewInfluxDBSink(tt.config, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRoundPoints(t *testing.T) {
	points := RoundPoints(sampleRecord())
	require.Len(t, points, 3)

	first := write.PointToLineProtocol(points[0], time.Nanosecond)
	assert.True(t, strings.HasPrefix(first, MeasurementClient+","))
	assert.Contains(t, first, "proxy_client=proxy_client_0")
	assert.Contains(t, first, "partition=partition_3")
	assert.Contains(t, first, "val_acc=0.75")
	assert.Contains(t, first, "weight=10")

	summary := write.PointToLineProtocol(points[2], time.Nanosecond)
	assert.True(t, strings.HasPrefix(summary, MeasurementRound+","))
	assert.Contains(t, summary, "avg_val_acc=0.625")
	assert.Contains(t, summary, "duration_ms=1500i")
	assert.Contains(t, summary, "clients=2i")
}

func TestInfluxDBSinkWriteRound(t *testing.T) {
	sink, w := connectedSink(t)
	require.NoError(t, sink.WriteRound(context.Background(), sampleRecord()))
	assert.Len(t, w.points, 3)
	assert.Equal(t, "run-1", sink.runID)
}

func TestInfluxDBSinkWriteLearningRatesIncremental(t *testing.T) {
	sink, w := connectedSink(t)
	ctx := context.Background()

	require.NoError(t, sink.WriteLearningRates(ctx, map[string][]float64{"a": {0.1, 0.2}}))
	require.Len(t, w.points, 2)

	require.NoError(t, sink.WriteLearningRates(ctx, map[string][]float64{"a": {0.1, 0.2, 0.3}, "b": {1}}))
	require.Len(t, w.points, 4)

	lines := w.lines()
	assert.Contains(t, lines[2], "proxy_client=a")
	assert.Contains(t, lines[2], "step=2i")
	assert.Contains(t, lines[3], "proxy_client=b")

	// nothing new
	require.NoError(t, sink.WriteLearningRates(ctx, map[string][]float64{"a": {0.1, 0.2, 0.3}, "b": {1}}))
	assert.Len(t, w.points, 4)
}

func TestInfluxDBSinkWriteError(t *testing.T) {
	sink, w := connectedSink(t)
	w.err = fmt.Errorf("bucket not found")

	err := sink.WriteRound(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeStorage, errors.TypeOf(err))

	err = sink.WriteLearningRates(context.Background(), map[string][]float64{"a": {1}})
	require.Error(t, err)
	assert.Empty(t, sink.lrOffsets)
}

func TestInfluxDBSinkNotConnected(t *testing.T) {
	sink, err := NewInfluxDBSink(&InfluxDBConfig{URL: "http://localhost:8086", Bucket: "fl"}, nil)
	require.NoError(t, err)

	err = sink.WriteRound(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_CONNECTED")
	require.NoError(t, sink.Close())
}
