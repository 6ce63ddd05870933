package http

import (
	"net/http"

	"github.com/go-chi/render"
)

// MetricsHandler serves the Prometheus scrape endpoint. The handler comes
// from the OTel prometheus exporter set up in infrastructure.
type MetricsHandler struct {
	prometheus http.Handler
}

// NewMetricsHandler creates the metrics handler. A nil prometheus handler
// is allowed when the metric exporter is disabled.
func NewMetricsHandler(prometheus http.Handler) *MetricsHandler {
	return &MetricsHandler{prometheus: prometheus}
}

// Metrics handles GET /metrics.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.prometheus == nil {
		render.Status(r, http.StatusNotImplemented)
		render.JSON(w, r, map[string]string{"status": "metrics exporter disabled"})
		return
	}
	h.prometheus.ServeHTTP(w, r)
}
