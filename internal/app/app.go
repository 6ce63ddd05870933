// Package app wires the license engine together: configuration, logging,
// telemetry, the engine core, the websocket status channel, and the
// loopback HTTP server the desktop shell talks to.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	gorillaws "github.com/gorilla/websocket"

	"mwbcli/internal/config"
	apperrors "mwbcli/internal/errors"
	"mwbcli/internal/infrastructure"
	"mwbcli/internal/license"
	"mwbcli/internal/middleware"
	"mwbcli/internal/security"
	"mwbcli/internal/services"
	transport "mwbcli/internal/transport/http"
	"mwbcli/internal/websocket"
)

// Hardware probes are cheap but not free; one cached read per hour is
// plenty for a machine identity that effectively never changes.
const fingerprintCacheTTL = time.Hour

const systemMetricsInterval = 30 * time.Second

// Application is the composed engine. NewApplication builds it; Run owns
// its lifecycle.
type Application struct {
	config *config.Config
	logger *slog.Logger
	otel   *infrastructure.OTelProviders

	store     *license.Store
	registry  *license.SheetRegistry
	manager   *license.Manager
	transfers *license.TransferManager
	scheduler *license.Scheduler
	hub       *websocket.Hub
	gate      *middleware.LicenseGate

	licenseService services.LicenseService
	healthService  *services.HealthService

	sysMetrics *infrastructure.SystemMetricsCollector

	router   chi.Router
	server   *http.Server
	upgrader gorillaws.Upgrader
}

// NewApplication loads configuration and constructs every component. No
// goroutines are started; that happens in Start.
func NewApplication(version, buildTime string) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	if err := os.MkdirAll(cfg.GetDataDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.GetLogsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	app := &Application{
		config: cfg,
		logger: logger,
		otel:   otelProviders,
	}

	if err := app.initializeEngine(); err != nil {
		return nil, err
	}
	app.initializeServices(version, buildTime)
	app.setupRouter()
	app.createServer()

	logger.Info("application initialized",
		slog.String("version", version),
		slog.String("addr", app.server.Addr))

	return app, nil
}

// initializeEngine builds the license core: sealed store, registry
// client, fingerprinting, the validator, and its satellites.
func (a *Application) initializeEngine() error {
	sealer := security.NewSealer()

	store, err := license.OpenStore(a.config.GetLicenseDBPath(), sealer, a.logger)
	if err != nil {
		return fmt.Errorf("open license store: %w", err)
	}
	a.store = store

	pinner, err := security.NewRegistryPinner(a.config.Registry.PinnedSPKI)
	if err != nil {
		return fmt.Errorf("configure certificate pinning: %w", err)
	}

	registry, err := license.NewSheetRegistry(context.Background(), a.config.Registry, pinner, a.logger)
	if err != nil {
		return fmt.Errorf("create registry client: %w", err)
	}
	a.registry = registry

	notifier := license.NewSMTPNotifier(a.config.SMTP, a.logger)
	fingerprints := security.NewFingerprinter(fingerprintCacheTTL, a.logger)

	a.manager = license.NewManager(store, registry, fingerprints, notifier, a.config.License, a.logger)
	a.transfers = license.NewTransferManager(a.manager)

	if metrics, err := license.InitializeLicenseMetrics(a.otel.Meter); err != nil {
		a.logger.Warn("license metrics unavailable", slog.String("error", err.Error()))
	} else {
		a.manager.SetMetrics(metrics)
		a.registry.SetMetrics(metrics)
	}

	a.hub = websocket.NewHub(a.logger)
	a.scheduler = license.NewScheduler(a.manager, a.hub, a.logger)

	a.gate = middleware.NewLicenseGate(a.manager, a.config.License.GateCacheTTL, a.logger)
	if gateMetrics, err := middleware.NewGateMetrics(a.otel.Meter); err != nil {
		a.logger.Warn("gate metrics unavailable", slog.String("error", err.Error()))
	} else {
		a.gate.SetMetrics(gateMetrics)
	}

	if collector, err := infrastructure.NewSystemMetricsCollector(a.otel.Meter, systemMetricsInterval); err != nil {
		a.logger.Warn("system metrics unavailable", slog.String("error", err.Error()))
	} else {
		a.sysMetrics = collector
	}

	return nil
}

func (a *Application) initializeServices(version, buildTime string) {
	a.licenseService = services.NewLicenseService(a.manager, a.transfers, a.store, a.logger)
	a.healthService = services.NewHealthService(version, buildTime, a.manager, a.hub, a.logger)
}

// setupRouter assembles the middleware chain and mounts the handlers.
// Order matters: request identity first, then logging and recovery, then
// the protections, and the license gate last so everything before it
// applies to denied requests too.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StructuredLogger(a.logger))
	r.Use(middleware.Recoverer(a.logger))
	r.Use(middleware.SecurityHeaders)

	if a.config.Security.EnableCORS {
		r.Use(middleware.CORS(middleware.CORSConfig{
			AllowedOrigins: a.config.Security.AllowedOrigins,
			Logger:         a.logger,
		}))
	}

	if a.config.Security.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(
			a.config.Security.RateLimit.RPS,
			a.config.Security.RateLimit.Burst,
			a.logger)
		r.Use(limiter.Handler)
	}

	r.Use(a.gate.Handler)

	errorHandler := apperrors.NewErrorHandler(a.logger)
	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	licenseHandler := transport.NewLicenseHandler(a.licenseService, a.logger)
	licenseHandler.SetOnLicenseChange(a.gate.Invalidate)
	r.Mount("/api/license", licenseHandler.Routes())

	healthHandler := transport.NewHealthHandler(a.healthService, a.logger)
	r.Get("/api/health", healthHandler.HealthCheck)
	r.Get("/api/health/live", healthHandler.LivenessCheck)
	r.Get("/api/version", healthHandler.Version)

	r.Get("/ws", a.handleWebSocket)

	if a.otel.PrometheusHTTP != nil {
		metricsHandler := transport.NewMetricsHandler(a.otel.PrometheusHTTP)
		r.Get("/metrics", metricsHandler.Metrics)
	}

	a.router = r
}

func (a *Application) createServer() {
	a.server = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", a.config.Server.Host, a.config.Server.Port),
		Handler:        a.router,
		ReadTimeout:    a.config.Server.ReadTimeout,
		WriteTimeout:   a.config.Server.WriteTimeout,
		IdleTimeout:    a.config.Server.IdleTimeout,
		MaxHeaderBytes: a.config.Server.MaxHeaderBytes,
	}

	a.upgrader = gorillaws.Upgrader{
		ReadBufferSize:  a.config.WebSocket.ReadBufferSize,
		WriteBufferSize: a.config.WebSocket.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range a.config.Security.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// handleWebSocket upgrades the shell's status connection and hands it to
// the hub.
func (a *Application) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.ErrorContext(r.Context(), "websocket upgrade failed",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr))
		return
	}

	traceID := infrastructure.GetTraceID(r.Context())
	websocket.ServeWS(a.hub, conn, traceID, a.logger)
}

// Start runs the startup validation, launches the background workers, and
// begins serving. It returns once the listener is up; errors from the
// listener arrive on the returned channel.
func (a *Application) Start(ctx context.Context) <-chan error {
	a.hub.Start()

	// Startup validation. Failure is informational here: an unactivated or
	// denied install still serves the activation endpoints.
	outcome, err := a.manager.ValidateStartup(ctx)
	switch {
	case errors.Is(err, license.ErrNotActivated):
		a.logger.Info("no license activated yet")
	case err != nil:
		a.logger.Warn("startup validation failed", slog.String("error", err.Error()))
	default:
		a.logger.Info("startup validation complete",
			slog.String("result", outcome.Result),
			slog.Bool("offline", outcome.Offline))
		a.hub.PublishLicenseStatus(outcome)
	}

	a.scheduler.Start()
	if a.sysMetrics != nil {
		go a.sysMetrics.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", slog.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh
}

// Stop shuts everything down in reverse order of startup.
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("server shutdown: %w", err)
	}

	a.scheduler.Stop()
	a.hub.Stop()
	if a.sysMetrics != nil {
		a.sysMetrics.Stop()
	}

	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close store: %w", err)
	}

	if err := a.otel.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
	}

	a.logger.Info("shutdown complete")
	return firstErr
}

// Run starts the application and blocks until SIGINT/SIGTERM or a server
// error, then shuts down cleanly.
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := a.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		a.logger.Info("signal received", slog.String("signal", sig.String()))
	case err, ok := <-errCh:
		if ok && err != nil {
			a.logger.Error("server failed", slog.String("error", err.Error()))
			stopErr := a.Stop(context.Background())
			if stopErr != nil {
				a.logger.Warn("shutdown after failure", slog.String("error", stopErr.Error()))
			}
			return err
		}
	}

	return a.Stop(context.Background())
}

// Router exposes the composed handler, used by the end-to-end tests.
func (a *Application) Router() http.Handler {
	return a.router
}
