package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "mwbcli/internal/errors"
	"mwbcli/internal/infrastructure"
	"mwbcli/internal/license"
	"mwbcli/internal/services"
)

// LicenseHandler exposes the license engine to the GUI shell over the
// loopback API.
type LicenseHandler struct {
	service  services.LicenseService
	validate *validator.Validate
	logger   *slog.Logger

	// onChange fires after any operation that can change the local license
	// state, so the shell gate can drop its cached verdict.
	onChange func()
}

// NewLicenseHandler creates the handler with request validation wired up.
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New()
	v.RegisterValidation("license_key", isLicenseKey)
	v.RegisterTagNameFunc(jsonFieldName)

	return &LicenseHandler{
		service:  service,
		validate: v,
		logger:   logger.With(slog.String("handler", "license")),
	}
}

// SetOnLicenseChange registers a callback invoked after successful
// activation, manual validation, or transfer.
func (h *LicenseHandler) SetOnLicenseChange(fn func()) {
	h.onChange = fn
}

func (h *LicenseHandler) notifyChange() {
	if h.onChange != nil {
		h.onChange()
	}
}

// ActivateRequest is the activation payload from the shell's first-run
// dialog.
type ActivateRequest struct {
	LicenseKey   string `json:"license_key" validate:"required,license_key"`
	LicenseeName string `json:"licensee_name" validate:"omitempty,max=120"`
	Email        string `json:"email" validate:"omitempty,email"`
}

// Bind implements render.Binder.
func (req *ActivateRequest) Bind(r *http.Request) error { return nil }

// TransferRequest is the transfer payload. Email must match the
// registered licensee; the engine does the comparing.
type TransferRequest struct {
	LicenseKey string `json:"license_key" validate:"required,license_key"`
	Email      string `json:"email" validate:"required,email"`
}

// Bind implements render.Binder.
func (req *TransferRequest) Bind(r *http.Request) error { return nil }

// Routes returns the chi router mounted at /api/license.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Post("/activate", h.Activate)
	r.Post("/validate", h.Validate)
	r.Post("/transfer", h.Transfer)
	r.Get("/audit", h.GetAudit)
	r.Get("/audit/export", h.ExportAudit)

	return r
}

// GetStatus handles GET /api/license/status.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "get_status", "/api/license/status")
	defer span.End()

	statusCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	response, err := h.service.GetStatus(statusCtx)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(
		attribute.String("license.status", response.Status),
		attribute.Bool("license.activated", response.Activated),
	)
	render.JSON(w, r, response)
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "activate", "/api/license/activate")
	defer span.End()

	data := &ActivateRequest{}
	if !h.decodeAndValidate(w, r.WithContext(ctx), data, span) {
		return
	}

	h.logger.InfoContext(ctx, "activation request received",
		slog.String("request_id", middleware.GetReqID(ctx)),
		slog.String("license_key_masked", license.MaskKey(license.NormalizeKey(data.LicenseKey))),
		slog.String("remote_addr", r.RemoteAddr))

	response, err := h.service.Activate(ctx, services.ActivationRequest{
		LicenseKey:   data.LicenseKey,
		LicenseeName: data.LicenseeName,
		Email:        data.Email,
	})
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	infrastructure.AddSpanEvent(ctx, "license.activated", map[string]interface{}{
		"component": "license_handler",
	})
	h.notifyChange()
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, response)
}

// Validate handles POST /api/license/validate, the shell's "check now"
// button. The engine rate-limits these per local day.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "validate", "/api/license/validate")
	defer span.End()

	response, err := h.service.ValidateManual(ctx)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(
		attribute.String("license.result", response.Result),
		attribute.Bool("license.offline", response.Offline),
	)
	h.notifyChange()
	render.JSON(w, r, response)
}

// Transfer handles POST /api/license/transfer.
func (h *LicenseHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "transfer", "/api/license/transfer")
	defer span.End()

	data := &TransferRequest{}
	if !h.decodeAndValidate(w, r.WithContext(ctx), data, span) {
		return
	}

	sourceIP := clientIP(r)
	h.logger.InfoContext(ctx, "transfer request received",
		slog.String("request_id", middleware.GetReqID(ctx)),
		slog.String("license_key_masked", license.MaskKey(license.NormalizeKey(data.LicenseKey))),
		slog.String("source_ip", sourceIP))

	response, err := h.service.Transfer(ctx, services.TransferRequest{
		LicenseKey: data.LicenseKey,
		Email:      data.Email,
		SourceIP:   sourceIP,
	})
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	h.notifyChange()
	render.JSON(w, r, response)
}

// GetAudit handles GET /api/license/audit?type=&limit=.
func (h *LicenseHandler) GetAudit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "audit", "/api/license/audit")
	defer span.End()

	filter, ok := h.auditFilter(w, r.WithContext(ctx))
	if !ok {
		return
	}

	response, err := h.service.AuditTrail(ctx, filter)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(attribute.Int("audit.count", response.Count))
	render.JSON(w, r, response)
}

// ExportAudit handles GET /api/license/audit/export, streaming the audit
// log as an XLSX workbook.
func (h *LicenseHandler) ExportAudit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "audit_export", "/api/license/audit/export")
	defer span.End()

	filter, ok := h.auditFilter(w, r.WithContext(ctx))
	if !ok {
		return
	}

	filename := fmt.Sprintf("mwb-license-audit-%s.xlsx", time.Now().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if err := h.service.ExportAudit(ctx, w, filter); err != nil {
		// Headers are out; all we can do is log.
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "audit export failed mid-stream",
			slog.String("request_id", middleware.GetReqID(ctx)),
			slog.String("error", err.Error()))
	}
}

// auditFilter parses and bounds the audit query parameters.
func (h *LicenseHandler) auditFilter(w http.ResponseWriter, r *http.Request) (license.AuditFilter, bool) {
	filter := license.AuditFilter{Limit: 200}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			h.badRequest(w, r, "limit must be an integer between 1 and 1000")
			return filter, false
		}
		filter.Limit = limit
	}

	if eventType := r.URL.Query().Get("type"); eventType != "" {
		if !license.ValidEventType(eventType) {
			h.badRequest(w, r, fmt.Sprintf("unknown audit event type %q", eventType))
			return filter, false
		}
		filter.EventType = eventType
	}

	return filter, true
}

// decodeAndValidate decodes the JSON body into data and runs struct
// validation, writing a problem response on failure.
func (h *LicenseHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, data render.Binder, span trace.Span) bool {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	if err := render.Bind(r, data); err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "request decode failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()))
		h.badRequest(w, r, "request body is not valid JSON")
		return false
	}

	if err := h.validate.Struct(data); err != nil {
		span.RecordError(err)

		var fieldErrors validator.ValidationErrors
		detail := "request validation failed"
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			parts := make([]string, len(fieldErrors))
			for i, fe := range fieldErrors {
				parts[i] = formatFieldError(fe)
			}
			detail = strings.Join(parts, "; ")
		}

		h.logger.WarnContext(ctx, "request validation failed",
			slog.String("request_id", reqID),
			slog.String("detail", detail))
		h.badRequest(w, r, detail)
		return false
	}

	return true
}

func (h *LicenseHandler) badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	reqID := middleware.GetReqID(r.Context())
	problem := apierrors.NewProblemDetails(
		http.StatusBadRequest,
		apierrors.TypeValidation,
		"Invalid Request",
		detail,
		r.URL.Path+"#"+reqID,
	).WithExtension("trace_id", reqID)
	render.Render(w, r, problem)
}

// handleError maps engine errors onto RFC 7807 responses.
func (h *LicenseHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	traceID := infrastructure.GetTraceID(ctx)
	if traceID == "" {
		traceID = reqID
	}

	h.logger.ErrorContext(ctx, "request failed",
		slog.String("error", err.Error()),
		slog.String("request_id", reqID),
		slog.String("trace_id", traceID),
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method))

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		render.Render(w, r, apierrors.NewProblemDetails(
			http.StatusGatewayTimeout,
			apierrors.TypeTimeout,
			"Request Timeout",
			"The request timed out while processing. Please try again.",
			r.URL.Path+"#"+reqID,
		).WithExtension("trace_id", traceID))

	case errors.Is(err, services.ErrInvalidInput):
		h.badRequest(w, r, err.Error())

	default:
		render.Render(w, r, apierrors.MapLicenseError(err, traceID))
	}
}

// startSpan opens the handler span with the common request attributes.
func (h *LicenseHandler) startSpan(r *http.Request, operation, route string) (context.Context, trace.Span) {
	tracer := otel.Tracer("license-handler")
	return tracer.Start(r.Context(), "license_handler."+operation,
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("request_id", middleware.GetReqID(r.Context())),
			attribute.String("component", "license_handler"),
		),
	)
}

// isLicenseKey validates the MWB-XXXX-XXXX-XXXX format, dashes optional.
func isLicenseKey(fl validator.FieldLevel) bool {
	return license.ValidateKeyFormat(license.NormalizeKey(fl.Field().String())) == nil
}

// jsonFieldName makes validation messages use json tag names.
func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "license_key":
		return fmt.Sprintf("%s must be in format MWB-XXXX-XXXX-XXXX", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// clientIP extracts the requester address for the transfer audit trail.
// Forwarded headers win over the socket address so a proxied shell still
// reports the real origin.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
