package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mwbcli/internal/infrastructure"
)

// newTestApplication builds a full application rooted in a temp directory.
// No goroutines are started and nothing touches the network; construction
// plus the router is exactly what these tests cover.
func newTestApplication(t *testing.T) *Application {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("MWB_PATHS_EXECUTABLE_DIR", dir)
	t.Setenv("MWB_LOGGING_OUTPUT", "console")

	application, err := NewApplication("test", "test-build")
	require.NoError(t, err)

	t.Cleanup(func() {
		application.store.Close()
		infrastructure.ResetLoggerForTesting()
	})
	return application
}

func TestNewApplication(t *testing.T) {
	application := newTestApplication(t)

	// === Wiring ===
	require.NotNil(t, application.store)
	require.NotNil(t, application.manager)
	require.NotNil(t, application.scheduler)
	require.NotNil(t, application.hub)
	require.NotNil(t, application.gate)
	require.NotNil(t, application.Router())
	assert.Equal(t, "127.0.0.1:8398", application.server.Addr)

	router := application.Router()

	t.Run("health endpoint is reachable", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("version endpoint reports build info", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "test", body["version"])
	})

	t.Run("license status works before activation", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/license/status", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, false, body["activated"])
	})

	t.Run("gate denies app routes without a license", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/anything", nil))
		assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
		assert.Contains(t, rec.Body.String(), "not-activated")
	})

	t.Run("metrics endpoint bypasses the gate", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("responses carry a request id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})
}
