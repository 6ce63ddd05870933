package license

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mwbcli/internal/infrastructure"
)

// logAction logs a manager action with structured data and trace
// correlation.
func (m *Manager) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	logger := infrastructure.LoggerWithContext(ctx)
	traceID := infrastructure.TraceIDFromContext(ctx)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		infrastructure.AddSpanEvent(ctx, "license."+action, map[string]interface{}{
			"action":    action,
			"result":    result,
			"component": "license_manager",
		})
	}

	allAttrs := []slog.Attr{
		slog.String("component", "license_manager"),
		slog.String("action", action),
		slog.String("trace_id", traceID),
	}
	allAttrs = append(allAttrs, attrs...)

	logger.LogAttrs(ctx, level, result, allAttrs...)
}

// logLicenseAction logs actions that concern a specific license. The key
// and email are masked; the key hash is kept for audit correlation.
func (m *Manager) logLicenseAction(ctx context.Context, level slog.Level, action, result string, licenseKey, email string, attrs ...slog.Attr) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.String("license.action", action),
			attribute.String("license.key_prefix", MaskKey(licenseKey)),
			attribute.Bool("license.has_email", email != ""),
		)
	}

	licenseAttrs := []slog.Attr{
		slog.String("license_key_masked", MaskKey(licenseKey)),
		slog.String("license_key_hash", HashKey(licenseKey)),
		slog.String("email_masked", maskEmail(email)),
		slog.String("audit_category", "license_security"),
	}
	licenseAttrs = append(licenseAttrs, attrs...)

	m.logAction(ctx, level, action, result, licenseAttrs...)
}

func (m *Manager) logInfo(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelInfo, action, result, attrs...)
}

func (m *Manager) logWarn(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelWarn, action, result, attrs...)
}

// maskEmail hides the local part of an address while keeping the domain
// readable for support.
func maskEmail(email string) string {
	if email == "" {
		return ""
	}
	at := strings.Index(email, "@")
	if at == -1 {
		return "****"
	}
	user, domain := email[:at], email[at:]
	if len(user) <= 2 {
		return "**" + domain
	}
	return user[:1] + "****" + user[len(user)-1:] + domain
}
