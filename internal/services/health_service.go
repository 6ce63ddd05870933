package services

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"mwbcli/internal/license"
)

// ClientCounter reports connected websocket clients. The hub implements
// it; health checks only need the count.
type ClientCounter interface {
	ClientCount() int
}

// HealthService answers liveness and readiness probes for the shell. The
// shell polls health during startup to know when the engine is up.
type HealthService struct {
	version   string
	buildTime string
	manager   *license.Manager
	clients   ClientCounter
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus is the health check response body.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// ServiceHealth is one subsystem's health entry.
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewHealthService wires the health service. A nil clients counter is
// allowed; the websocket entry then reports the hub as not configured.
func NewHealthService(version, buildTime string, manager *license.Manager, clients ClientCounter, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		buildTime: buildTime,
		manager:   manager,
		clients:   clients,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// HealthCheck returns the overall health status with per-service detail.
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   hs.version,
		Runtime: map[string]interface{}{
			"uptime_seconds": time.Since(hs.startTime).Seconds(),
			"go_version":     runtime.Version(),
			"goroutines":     runtime.NumGoroutine(),
			"os":             runtime.GOOS,
			"arch":           runtime.GOARCH,
		},
		Services: map[string]interface{}{
			"license":   hs.checkLicenseHealth(ctx),
			"websocket": hs.checkWebSocketHealth(),
		},
	}

	for _, service := range status.Services {
		if sh, ok := service.(ServiceHealth); ok && sh.Status == "error" {
			status.Status = "degraded"
			break
		}
	}

	return status
}

// LivenessCheck reports that the process is running. It never inspects
// subsystems; a hung registry must not fail liveness.
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now(),
		Version:   hs.version,
	}
}

// Version returns build and runtime information.
func (hs *HealthService) Version() map[string]interface{} {
	result := map[string]interface{}{
		"version":      hs.version,
		"go_version":   runtime.Version(),
		"os":           runtime.GOOS,
		"arch":         runtime.GOARCH,
		"uptime":       time.Since(hs.startTime).Seconds(),
		"start_time":   hs.startTime.Format(time.RFC3339),
		"current_time": time.Now().Format(time.RFC3339),
	}
	if hs.buildTime != "" {
		result["build_time"] = hs.buildTime
	}
	return result
}

// checkLicenseHealth reads the engine state without touching the network.
// An unactivated license is healthy from the process's point of view; only
// a store failure degrades health.
func (hs *HealthService) checkLicenseHealth(ctx context.Context) ServiceHealth {
	if hs.manager == nil {
		return ServiceHealth{Status: "error", Message: "license manager not configured"}
	}

	snapshot, err := hs.manager.Status(ctx)
	if err != nil {
		return ServiceHealth{Status: "error", Message: err.Error()}
	}
	if !snapshot.Activated {
		return ServiceHealth{Status: "ok", Message: "not activated"}
	}
	return ServiceHealth{Status: "ok", Message: snapshot.Status}
}

func (hs *HealthService) checkWebSocketHealth() ServiceHealth {
	if hs.clients == nil {
		return ServiceHealth{Status: "ok", Message: "hub not configured"}
	}
	return ServiceHealth{
		Status:  "ok",
		Message: fmt.Sprintf("%d clients connected", hs.clients.ClientCount()),
	}
}
