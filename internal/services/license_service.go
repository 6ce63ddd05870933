package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"mwbcli/internal/infrastructure"
	"mwbcli/internal/license"
)

// LicenseService fronts the license engine for the HTTP layer. Handlers
// talk to this interface only; the engine types never leak raw errors
// without a trace ID attached to the response.
type LicenseService interface {
	GetStatus(ctx context.Context) (*StatusResponse, error)
	Activate(ctx context.Context, req ActivationRequest) (*StatusResponse, error)
	ValidateManual(ctx context.Context) (*ValidationResponse, error)
	Transfer(ctx context.Context, req TransferRequest) (*StatusResponse, error)
	AuditTrail(ctx context.Context, filter license.AuditFilter) (*AuditResponse, error)
	ExportAudit(ctx context.Context, w io.Writer, filter license.AuditFilter) error
}

// ActivationRequest carries the fields the shell collects on first run.
type ActivationRequest struct {
	LicenseKey   string
	LicenseeName string
	Email        string
}

// TransferRequest carries a transfer attempt. SourceIP comes from the
// HTTP layer and lands in the audit trail and the owner notice.
type TransferRequest struct {
	LicenseKey string
	Email      string
	SourceIP   string
}

// StatusResponse is the status payload for the shell. The snapshot fields
// are flattened into the JSON object.
type StatusResponse struct {
	*license.StatusSnapshot
	Message   string    `json:"message"`
	TraceID   string    `json:"trace_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ValidationResponse wraps a manual validation outcome.
type ValidationResponse struct {
	*license.ValidationOutcome
	Message   string    `json:"message"`
	TraceID   string    `json:"trace_id"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditResponse lists audit events for the shell's license history view.
type AuditResponse struct {
	Events  []license.AuditEvent `json:"events"`
	Count   int                  `json:"count"`
	TraceID string               `json:"trace_id"`
}

type licenseService struct {
	manager   *license.Manager
	transfers *license.TransferManager
	store     *license.Store
	logger    *slog.Logger
}

// NewLicenseService wires the service over the engine components.
func NewLicenseService(manager *license.Manager, transfers *license.TransferManager, store *license.Store, logger *slog.Logger) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		manager:   manager,
		transfers: transfers,
		store:     store,
		logger:    logger.With(slog.String("service", "license")),
	}
}

// traceFromContext prefers the chi request ID, falling back to the OTel
// trace ID for calls that did not come through the router.
func traceFromContext(ctx context.Context) string {
	if id := middleware.GetReqID(ctx); id != "" {
		return id
	}
	return infrastructure.TraceIDFromContext(ctx)
}

func (s *licenseService) GetStatus(ctx context.Context) (*StatusResponse, error) {
	traceID := traceFromContext(ctx)

	snapshot, err := s.manager.Status(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "status read failed",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()))
		return nil, err
	}

	return &StatusResponse{
		StatusSnapshot: snapshot,
		Message:        statusMessage(snapshot),
		TraceID:        traceID,
		Timestamp:      time.Now(),
	}, nil
}

func (s *licenseService) Activate(ctx context.Context, req ActivationRequest) (*StatusResponse, error) {
	traceID := traceFromContext(ctx)

	if strings.TrimSpace(req.LicenseKey) == "" {
		return nil, fmt.Errorf("%w: license key is required", ErrInvalidInput)
	}

	s.logger.InfoContext(ctx, "activation requested",
		slog.String("trace_id", traceID),
		slog.String("license_key_masked", license.MaskKey(license.NormalizeKey(req.LicenseKey))))

	if err := s.manager.Activate(ctx, req.LicenseKey, req.LicenseeName, req.Email); err != nil {
		return nil, err
	}

	snapshot, err := s.manager.Status(ctx)
	if err != nil {
		return nil, err
	}

	return &StatusResponse{
		StatusSnapshot: snapshot,
		Message:        "License activated on this machine.",
		TraceID:        traceID,
		Timestamp:      time.Now(),
	}, nil
}

func (s *licenseService) ValidateManual(ctx context.Context) (*ValidationResponse, error) {
	traceID := traceFromContext(ctx)

	outcome, err := s.manager.ValidateManual(ctx)
	if err != nil {
		return nil, err
	}

	message := "License verified with the registry."
	if outcome.Warning != "" {
		message = outcome.Warning
	}

	return &ValidationResponse{
		ValidationOutcome: outcome,
		Message:           message,
		TraceID:           traceID,
		Timestamp:         time.Now(),
	}, nil
}

func (s *licenseService) Transfer(ctx context.Context, req TransferRequest) (*StatusResponse, error) {
	traceID := traceFromContext(ctx)

	if strings.TrimSpace(req.LicenseKey) == "" || strings.TrimSpace(req.Email) == "" {
		return nil, fmt.Errorf("%w: license key and licensee email are required", ErrInvalidInput)
	}

	if err := s.transfers.RequestTransfer(ctx, req.LicenseKey, req.Email, req.SourceIP); err != nil {
		return nil, err
	}

	snapshot, err := s.manager.Status(ctx)
	if err != nil {
		return nil, err
	}

	return &StatusResponse{
		StatusSnapshot: snapshot,
		Message:        "License transferred to this machine.",
		TraceID:        traceID,
		Timestamp:      time.Now(),
	}, nil
}

func (s *licenseService) AuditTrail(ctx context.Context, filter license.AuditFilter) (*AuditResponse, error) {
	traceID := traceFromContext(ctx)

	events, err := s.store.QueryAudit(filter)
	if err != nil {
		s.logger.ErrorContext(ctx, "audit query failed",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()))
		return nil, err
	}

	return &AuditResponse{
		Events:  events,
		Count:   len(events),
		TraceID: traceID,
	}, nil
}

func (s *licenseService) ExportAudit(ctx context.Context, w io.Writer, filter license.AuditFilter) error {
	traceID := traceFromContext(ctx)

	if err := s.store.WriteAuditWorkbook(w, filter); err != nil {
		s.logger.ErrorContext(ctx, "audit export failed",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()))
		return err
	}

	s.logger.InfoContext(ctx, "audit log exported",
		slog.String("trace_id", traceID))
	return nil
}

// statusMessage turns a snapshot into the one-line summary the shell shows
// in its title bar.
func statusMessage(snapshot *license.StatusSnapshot) string {
	if !snapshot.Activated {
		return "No license activated. Activate a license to unlock MWB Suite."
	}

	switch snapshot.Status {
	case license.StatusRevoked:
		return "This license has been revoked. Contact support."
	case license.StatusExpired:
		return fmt.Sprintf("License expired on %s. Renew to continue.", snapshot.ExpiryDate.Format("2006-01-02"))
	}

	switch {
	case snapshot.DaysToExpiry < 0:
		return fmt.Sprintf("License expired on %s. Renew to continue.", snapshot.ExpiryDate.Format("2006-01-02"))
	case snapshot.DaysToExpiry <= 14:
		return fmt.Sprintf("License active, expires in %d days.", snapshot.DaysToExpiry)
	default:
		return fmt.Sprintf("License active (%s tier), %d days remaining.", snapshot.Tier, snapshot.DaysToExpiry)
	}
}
