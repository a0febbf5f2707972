package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallgreen-machine/aplus-trainer/internal/api"
	"github.com/tallgreen-machine/aplus-trainer/internal/lifecycle"
	"github.com/tallgreen-machine/aplus-trainer/internal/queue"
	"github.com/tallgreen-machine/aplus-trainer/internal/strategy"
	"github.com/tallgreen-machine/aplus-trainer/internal/telemetry"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func newTestServer(t *testing.T) (*api.Server, *queue.Service) {
	t.Helper()

	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	mirror, err := queue.NewMirror(logger, db)
	require.NoError(t, err)
	writer, err := lifecycle.NewWriter(logger, db)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	service := queue.NewService(logger, queue.NewBroker(16), mirror, strategy.NewRegistry(), telemetry.New(registry))
	server := api.NewServer(logger, api.ServerConfig{Host: "localhost", Port: 0}, service, writer, registry)
	return server, service
}

func do(t *testing.T, server *api.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)
	rec := do(t, server, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitRejectsInvalidSpec(t *testing.T) {
	server, _ := newTestServer(t)

	spec := types.TrainingSpec{
		Strategy:        "liquidity_sweep",
		Exchange:        "binanceus",
		Pair:            "BTC/USDT",
		Timeframe:       "13m", // invalid
		Regime:          types.RegimeSideways,
		Optimizer:       types.OptimizerRandom,
		IterationBudget: 20,
		LookbackDays:    90,
	}
	rec := do(t, server, http.MethodPost, "/api/v1/training/jobs", spec)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
}

func TestSubmitAndStatusRoundTrip(t *testing.T) {
	server, _ := newTestServer(t)

	spec := types.TrainingSpec{
		Strategy:        "liquidity_sweep",
		Exchange:        "binanceus",
		Pair:            "BTC/USDT",
		Timeframe:       types.Timeframe5m,
		Regime:          types.RegimeSideways,
		Optimizer:       types.OptimizerRandom,
		IterationBudget: 20,
		LookbackDays:    90,
	}
	rec := do(t, server, http.MethodPost, "/api/v1/training/jobs", spec)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id := resp["job_id"]
	require.NotEmpty(t, id)

	rec = do(t, server, http.MethodGet, "/api/v1/training/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var job types.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, types.JobPending, job.Status)
	assert.Equal(t, "liquidity_sweep", job.Strategy)

	rec = do(t, server, http.MethodGet, "/api/v1/training/jobs/"+id+"/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var progress types.JobProgress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &progress))
	assert.False(t, progress.IsComplete)

	rec = do(t, server, http.MethodPost, "/api/v1/training/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.JobCancelled))
}

func TestStatusUnknownJobIs404(t *testing.T) {
	server, _ := newTestServer(t)
	rec := do(t, server, http.MethodGet, "/api/v1/training/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfigurationsEmpty(t *testing.T) {
	server, _ := newTestServer(t)
	rec := do(t, server, http.MethodGet, "/api/v1/configurations", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var configs []types.TrainedConfiguration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &configs))
	assert.Empty(t, configs)
}
