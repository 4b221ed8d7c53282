package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedsim/internal/federated"
	"github.com/inferloop/fedsim/internal/testutil"
	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

type staticStatus federated.Status

func (s staticStatus) Status() federated.Status { return federated.Status(s) }

func sampleStatus() staticStatus {
	return staticStatus{
		RunID:     "run-1",
		Algorithm: constants.AlgorithmScaffold,
		Round:     4,
		Running:   true,
		Clients: []federated.ClientStatus{
			{ID: "proxy_client_0", Steps: 40, Budget: 100},
			{ID: "proxy_client_1", Steps: 40, Budget: 100},
		},
		Last: &interfaces.RoundRecord{Round: 3, AvgTestAcc: 0.5},
	}
}

func serve(t *testing.T, s *StatusServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := NewStatusServer(nil, sampleStatus(), nil, testutil.NewLogger())

	rec := serve(t, s, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, constants.ContentTypeJSON, rec.Header().Get(constants.HeaderContentType))
	assert.NotEmpty(t, rec.Header().Get(constants.HeaderRequestID))

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.True(t, body.Running)
	assert.Equal(t, 4, body.Round)
}

func TestStatus(t *testing.T) {
	s := NewStatusServer(nil, sampleStatus(), nil, testutil.NewLogger())

	rec := serve(t, s, "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body federated.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.RunID)
	assert.Equal(t, "scaffold", body.Algorithm)
	require.Len(t, body.Clients, 2)
	assert.Equal(t, 40, body.Clients[1].Steps)
	require.NotNil(t, body.Last)
	assert.Equal(t, 0.5, body.Last.AvgTestAcc)
}

func TestClientStatus(t *testing.T) {
	s := NewStatusServer(nil, sampleStatus(), nil, testutil.NewLogger())

	rec := serve(t, s, "/api/v1/status/clients/proxy_client_1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body federated.ClientStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 100, body.Budget)

	rec = serve(t, s, "/api/v1/status/clients/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "CLIENT_NOT_FOUND")
}

func TestStatusWithoutRun(t *testing.T) {
	s := NewStatusServer(nil, nil, nil, testutil.NewLogger())

	rec := serve(t, s, "/api/v1/status")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(t, s, "/api/v1/health")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "fedsim_round_current 3\n")
	})
	s := NewStatusServer(nil, sampleStatus(), metrics, testutil.NewLogger())

	rec := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fedsim_round_current 3")

	without := NewStatusServer(nil, sampleStatus(), nil, testutil.NewLogger())
	assert.Equal(t, http.StatusNotFound, serve(t, without, "/metrics").Code)
}

func TestVersionAndNotFound(t *testing.T) {
	s := NewStatusServer(nil, nil, nil, testutil.NewLogger())

	rec := serve(t, s, "/api/v1/version")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), constants.AppVersion)

	rec = serve(t, s, "/does-not-exist")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestRequestIDPropagated(t *testing.T) {
	s := NewStatusServer(nil, nil, nil, testutil.NewLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set(constants.HeaderRequestID, "abc")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, "abc", rec.Header().Get(constants.HeaderRequestID))
}

func TestRecoveryMiddleware(t *testing.T) {
	s := NewStatusServer(nil, nil, nil, testutil.NewLogger())
	s.Router().HandleFunc("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rec := serve(t, s, "/panic")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	s := NewStatusServer(cfg, sampleStatus(), nil, testutil.NewLogger())

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	resp, err := http.Get("http://" + s.Addr() + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(ctx))

	_, err = http.Get("http://" + s.Addr() + "/api/v1/health")
	assert.Error(t, err)
}
