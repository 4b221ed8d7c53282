package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fedtest "github.com/inferloop/fedsim/internal/testutil"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

func newCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(nil, fedtest.NewLogger())
	require.NoError(t, err)
	return c
}

func TestObserveRound(t *testing.T) {
	c := newCollector(t)

	c.ObserveRound(&interfaces.RoundRecord{
		Algorithm:  "fedopt",
		Round:      3,
		Duration:   2 * time.Second,
		ValAcc:     map[string]float64{"proxy_client_0": 0.5, "proxy_client_1": 0.7},
		TestAcc:    map[string]float64{"proxy_client_0": 0.4},
		AvgValAcc:  0.6,
		AvgTestAcc: 0.4,
	})
	c.ObserveRound(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.roundsTotal.WithLabelValues("fedopt")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.currentRound))
	assert.InDelta(t, 0.6, testutil.ToFloat64(c.avgValAccuracy), 1e-12)
	assert.InDelta(t, 0.7, testutil.ToFloat64(c.clientValAccuracy.WithLabelValues("proxy_client_1")), 1e-12)
	assert.InDelta(t, 0.4, testutil.ToFloat64(c.clientTestAccuracy.WithLabelValues("proxy_client_0")), 1e-12)
	assert.Equal(t, 1, testutil.CollectAndCount(c.roundDuration))
}

func TestObserveClient(t *testing.T) {
	c := newCollector(t)

	c.ObserveClient("site0", 150*time.Millisecond, 12, 2.5)
	c.ObserveClient("site0", 50*time.Millisecond, 24, 1.5)

	assert.Equal(t, 24.0, testutil.ToFloat64(c.clientSteps.WithLabelValues("site0")))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.clientUpdateNorm.WithLabelValues("site0")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.clientTrainDuration))
}

func TestSetOccupancyAndErrors(t *testing.T) {
	c := newCollector(t)

	c.SetOccupancy(4096)
	c.RecordError("orchestrator", "alignment")
	c.RecordError("orchestrator", "alignment")

	assert.Equal(t, 4096.0, testutil.ToFloat64(c.computeTierBytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.errorsTotal.WithLabelValues("orchestrator", "alignment")))
}

func TestHandlerExposition(t *testing.T) {
	c, err := NewCollector(&CollectorConfig{
		Namespace:      "fedsim",
		Subsystem:      "round",
		ConstLabels:    map[string]string{"run_id": "r1"},
		ProcessMetrics: true,
	}, nil)
	require.NoError(t, err)
	c.SetOccupancy(10)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `fedsim_device_compute_tier_bytes{run_id="r1"} 10`)
	assert.True(t, strings.Contains(text, "go_goroutines"))
}

func TestCollectorsUseSeparateRegistries(t *testing.T) {
	a := newCollector(t)
	b := newCollector(t)
	assert.NotSame(t, a.Registry(), b.Registry())
}
