package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apperrors "mwbcli/internal/errors"
	"mwbcli/internal/infrastructure"
	"mwbcli/internal/license"
)

// StatusReader is the slice of the license manager the gate needs: the
// network-free local status read. The gate never triggers online
// validation itself; the startup check and the scheduler own that.
type StatusReader interface {
	Status(ctx context.Context) (*license.StatusSnapshot, error)
}

// Gate verdicts cached between evaluations.
const (
	// deniedTTL re-checks denied verdicts sooner, so an activation done
	// through the exempt license endpoints unlocks the shell quickly.
	deniedTTL = 30 * time.Second

	statusReadTimeout = 5 * time.Second
)

// LicenseGate blocks shell routes while no usable license is present.
// License management, health and the status push channel stay reachable so
// the user can fix the situation. Verdicts are cached briefly so shell
// navigation does not hit the store on every request.
type LicenseGate struct {
	manager StatusReader
	logger  *slog.Logger
	metrics *GateMetrics

	excludePaths    []string
	excludePrefixes []string

	mu        sync.Mutex
	verdict   gateVerdict
	checkedAt time.Time
	ttl       time.Duration
}

// gateVerdict is one cached gate decision.
type gateVerdict struct {
	allowed bool
	status  int
	problem string // problem type slug when denied
	title   string
	detail  string
}

// GateMetrics holds the gate's OpenTelemetry counters.
type GateMetrics struct {
	RequestsTotal metric.Int64Counter
	CacheHits     metric.Int64Counter
	Evaluations   metric.Int64Counter
	Denials       metric.Int64Counter
}

// NewGateMetrics registers the gate counters on the meter.
func NewGateMetrics(meter metric.Meter) (*GateMetrics, error) {
	var (
		gm  GateMetrics
		err error
	)

	if gm.RequestsTotal, err = meter.Int64Counter("license_gate_requests_total",
		metric.WithDescription("Requests inspected by the license gate")); err != nil {
		return nil, err
	}
	if gm.CacheHits, err = meter.Int64Counter("license_gate_cache_hits_total",
		metric.WithDescription("Gate verdicts served from cache")); err != nil {
		return nil, err
	}
	if gm.Evaluations, err = meter.Int64Counter("license_gate_evaluations_total",
		metric.WithDescription("Fresh gate evaluations against the local store")); err != nil {
		return nil, err
	}
	if gm.Denials, err = meter.Int64Counter("license_gate_denials_total",
		metric.WithDescription("Requests denied by the license gate")); err != nil {
		return nil, err
	}

	return &gm, nil
}

// NewLicenseGate creates the gate middleware. ttl bounds how long a
// verdict is reused; zero falls back to five minutes.
func NewLicenseGate(manager StatusReader, ttl time.Duration, logger *slog.Logger) *LicenseGate {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &LicenseGate{
		manager: manager,
		logger:  logger.With(slog.String("component", "license_gate")),
		ttl:     ttl,
		excludePaths: []string{
			"/",
			"/api/health",
			"/api/health/live",
			"/api/version",
			"/ws",
			"/metrics",
			"/favicon.ico",
		},
		excludePrefixes: []string{
			"/api/license",
		},
	}
}

// SetMetrics attaches OpenTelemetry metrics to the gate.
func (g *LicenseGate) SetMetrics(metrics *GateMetrics) {
	g.metrics = metrics
}

// AddExcludePath exempts an exact path from the gate.
func (g *LicenseGate) AddExcludePath(path string) {
	g.excludePaths = append(g.excludePaths, path)
}

// Invalidate drops the cached verdict. The license handlers call this
// after activation and transfer so the next request re-evaluates.
func (g *LicenseGate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkedAt = time.Time{}
}

// Handler returns the gate middleware.
func (g *LicenseGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if g.metrics != nil {
			g.metrics.RequestsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("method", r.Method)))
		}

		if g.shouldExclude(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		verdict, cached := g.currentVerdict(ctx)
		if g.metrics != nil {
			if cached {
				g.metrics.CacheHits.Add(ctx, 1)
			} else {
				g.metrics.Evaluations.Add(ctx, 1)
			}
		}

		if verdict.allowed {
			next.ServeHTTP(w, r)
			return
		}

		if g.metrics != nil {
			g.metrics.Denials.Add(ctx, 1, metric.WithAttributes(
				attribute.String("reason", verdict.problem)))
		}

		traceID := infrastructure.GetTraceID(ctx)
		if traceID == "" {
			traceID = GetReqID(ctx)
		}

		g.logger.InfoContext(ctx, "request denied by license gate",
			slog.String("path", r.URL.Path),
			slog.String("reason", verdict.problem),
			slog.String("trace_id", traceID))

		problem := apperrors.NewProblemDetails(
			verdict.status,
			verdict.problem,
			verdict.title,
			verdict.detail,
			fmt.Sprintf("%s#%s", r.URL.Path, traceID),
		).WithExtension("trace_id", traceID)
		render.Render(w, r, problem)
	})
}

// shouldExclude reports whether path bypasses the gate.
func (g *LicenseGate) shouldExclude(path string) bool {
	for _, excluded := range g.excludePaths {
		if path == excluded {
			return true
		}
	}
	for _, prefix := range g.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// currentVerdict returns the cached verdict or evaluates a fresh one.
// The second return reports whether the cache was used.
func (g *LicenseGate) currentVerdict(ctx context.Context) (gateVerdict, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ttl := g.ttl
	if !g.verdict.allowed {
		ttl = deniedTTL
	}
	if !g.checkedAt.IsZero() && time.Since(g.checkedAt) < ttl {
		return g.verdict, true
	}

	g.verdict = g.evaluate(ctx)
	g.checkedAt = time.Now()
	return g.verdict, false
}

// evaluate reads the local license state and decides. The read never goes
// to the network, so an unreachable registry can never lock the shell out
// here; the grace window logic in the manager owns that decision.
func (g *LicenseGate) evaluate(ctx context.Context) gateVerdict {
	ctx, cancel := context.WithTimeout(ctx, statusReadTimeout)
	defer cancel()

	snapshot, err := g.manager.Status(ctx)
	if err != nil {
		g.logger.ErrorContext(ctx, "license status read failed in gate",
			slog.String("error", err.Error()))
		return gateVerdict{
			status:  http.StatusServiceUnavailable,
			problem: apperrors.TypeInternal,
			title:   "License State Unavailable",
			detail:  "The local license state could not be read. Restart the application or contact support.",
		}
	}

	if !snapshot.Activated {
		return gateVerdict{
			status:  http.StatusPreconditionRequired,
			problem: apperrors.TypeLicenseNotActivated,
			title:   "License Not Activated",
			detail:  "No license is activated on this machine. Activate a license to continue.",
		}
	}

	switch snapshot.Status {
	case license.StatusRevoked:
		return gateVerdict{
			status:  http.StatusForbidden,
			problem: apperrors.TypeLicenseRevoked,
			title:   "License Revoked",
			detail:  "This license has been revoked. Contact support.",
		}
	case license.StatusExpired:
		return gateVerdict{
			status:  http.StatusForbidden,
			problem: apperrors.TypeLicenseExpired,
			title:   "License Expired",
			detail:  "This license has expired. Renew to continue.",
		}
	}

	return gateVerdict{allowed: true}
}
