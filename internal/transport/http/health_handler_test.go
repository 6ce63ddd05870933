package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mwbcli/internal/services"
)

type staticClientCount int

func (c staticClientCount) ClientCount() int { return int(c) }

func newHealthFixture(t *testing.T) *HealthHandler {
	t.Helper()
	svc := services.NewHealthService("2.4.1-test", "2026-08-24T00:00:00Z", nil, staticClientCount(2), slog.Default())
	return NewHealthHandler(svc, slog.Default())
}

func TestHealthCheckReportsSubsystems(t *testing.T) {
	handler := newHealthFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	handler.HealthCheck(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status   string                       `json:"status"`
		Version  string                       `json:"version"`
		Services map[string]map[string]string `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	// No license manager wired, so overall health is degraded.
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "2.4.1-test", body.Version)
	assert.Contains(t, body.Services, "license")
	assert.Contains(t, body.Services, "websocket")
	assert.Contains(t, body.Services["websocket"]["message"], "2 clients")
}

func TestLivenessCheckAlwaysOK(t *testing.T) {
	handler := newHealthFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health/live", nil)
	rec := httptest.NewRecorder()
	handler.LivenessCheck(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alive", body["status"])
}

func TestVersionEndpoint(t *testing.T) {
	handler := newHealthFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	rec := httptest.NewRecorder()
	handler.Version(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "2.4.1-test", body["version"])
	assert.Equal(t, "2026-08-24T00:00:00Z", body["build_time"])
	assert.NotEmpty(t, body["go_version"])
}

func TestMetricsDisabledWithoutExporter(t *testing.T) {
	handler := NewMetricsHandler(nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.Metrics(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestMetricsDelegatesToExporter(t *testing.T) {
	exporter := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# HELP mwb_up 1\n"))
	})
	handler := NewMetricsHandler(exporter)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.Metrics(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mwb_up")
}
