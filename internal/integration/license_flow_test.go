package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mwbcli/internal/app"
	"mwbcli/internal/infrastructure"
	"mwbcli/internal/license"
)

const testKey = "MWB-1111-2222-3333"

// fakeRegistry stands in for the hosted registry: a Sheets-shaped read
// endpoint plus a webhook that records the updates it receives.
type fakeRegistry struct {
	sheets  *httptest.Server
	webhook *httptest.Server

	posts atomic.Int32
	last  atomic.Value // license.RegistryUpdate
}

func newFakeRegistry(t *testing.T, rows [][]interface{}) *fakeRegistry {
	t.Helper()
	f := &fakeRegistry{}

	f.sheets = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/values/") {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"values": rows})
	}))
	t.Cleanup(f.sheets.Close)

	f.webhook = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var update license.RegistryUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err == nil {
			f.last.Store(update)
		}
		f.posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(f.webhook.Close)

	return f
}

func activeRow(key string) [][]interface{} {
	return [][]interface{}{
		{"LicenseKey", "Status", "Tier", "ExpiryDate",
			"HardwareHash1", "HardwareHash2", "HardwareHash3",
			"LicenseeName", "LicenseeEmail", "TransferCount", "Notes"},
		{key, "Active", "Standard", "2030-01-01",
			"", "", "",
			"Integration Licensee", "owner@example.com", "0", ""},
	}
}

// newEngine builds the full application against the fake registry, rooted
// in a temp directory.
func newEngine(t *testing.T, registry *fakeRegistry) http.Handler {
	t.Helper()

	t.Setenv("MWB_PATHS_EXECUTABLE_DIR", t.TempDir())
	t.Setenv("MWB_LOGGING_OUTPUT", "console")
	t.Setenv("MWB_REGISTRY_SPREADSHEET_ID", "integration-sheet")
	t.Setenv("MWB_REGISTRY_ENDPOINT", registry.sheets.URL)
	t.Setenv("MWB_REGISTRY_WEBHOOK_URL", registry.webhook.URL)

	application, err := app.NewApplication("integration", "")
	require.NoError(t, err)
	t.Cleanup(infrastructure.ResetLoggerForTesting)

	return application.Router()
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestActivationFlow(t *testing.T) {
	registry := newFakeRegistry(t, activeRow(testKey))
	router := newEngine(t, registry)

	// === Before activation, the gate blocks application routes ===
	rec := doJSON(t, router, http.MethodGet, "/api/reports", "")
	require.Equal(t, http.StatusPreconditionRequired, rec.Code)

	// === Activation binds the license to this machine ===
	rec = doJSON(t, router, http.MethodPost, "/api/license/activate",
		`{"license_key":"`+testKey+`","licensee_name":"Integration Licensee","email":"owner@example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var activated map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &activated))
	assert.Equal(t, true, activated["activated"])
	assert.Equal(t, license.StatusActive, activated["license_status"])

	// === Status reflects the sealed local record ===
	rec = doJSON(t, router, http.MethodGet, "/api/license/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, true, status["activated"])
	assert.Equal(t, "MWB-1111-****-****", status["license_key"])

	// === The gate opens once a usable license exists ===
	rec = doJSON(t, router, http.MethodGet, "/api/reports", "")
	assert.Equal(t, http.StatusNotFound, rec.Code,
		"gated route should fall through to routing, not be denied")

	// === The hardware binding reaches the registry webhook ===
	require.Eventually(t, func() bool {
		return registry.posts.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond, "activation should post the binding")

	update, ok := registry.last.Load().(license.RegistryUpdate)
	require.True(t, ok)
	assert.Equal(t, testKey, update.LicenseKey)
	assert.NotEmpty(t, update.HW1)
	assert.False(t, update.IsTransfer)

	// === The audit trail recorded the activation ===
	rec = doJSON(t, router, http.MethodGet, "/api/license/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var audit map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	events, _ := audit["events"].([]interface{})
	require.NotEmpty(t, events)

	var sawActivate bool
	for _, raw := range events {
		if event, ok := raw.(map[string]interface{}); ok && event["event_type"] == license.EventActivate {
			sawActivate = true
		}
	}
	assert.True(t, sawActivate, "expected an activation audit event")
}

func TestActivationRejectedForUnknownKey(t *testing.T) {
	registry := newFakeRegistry(t, activeRow("MWB-9999-8888-7777"))
	router := newEngine(t, registry)

	rec := doJSON(t, router, http.MethodPost, "/api/license/activate",
		`{"license_key":"`+testKey+`"}`)
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "key-not-found")

	// Still locked.
	rec = doJSON(t, router, http.MethodGet, "/api/reports", "")
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
}
