package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"mwbcli/internal/infrastructure"
)

const (
	TracerName = "license-engine"
	MeterName  = "license-engine"
)

// LicenseMetrics holds all license-specific OpenTelemetry metrics.
type LicenseMetrics struct {
	// Activation metrics
	ActivationAttempts metric.Int64Counter
	ActivationSuccess  metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram

	// Validation metrics
	ValidationAttempts metric.Int64Counter
	ValidationSuccess  metric.Int64Counter
	ValidationFailures metric.Int64Counter
	ValidationDuration metric.Float64Histogram

	// Transfer metrics
	TransferAttempts metric.Int64Counter
	TransferSuccess  metric.Int64Counter
	TransferFailures metric.Int64Counter
	TransferDuration metric.Float64Histogram

	// Registry connectivity metrics
	RegistryRequests     metric.Int64Counter
	RegistrySuccess      metric.Int64Counter
	RegistryFailures     metric.Int64Counter
	RegistryDuration     metric.Float64Histogram
	RegistryConnectivity metric.Int64UpDownCounter

	// Security metrics
	HardwareMismatches metric.Int64Counter
	RateLimitHits      metric.Int64Counter
	InvalidKeyAttempts metric.Int64Counter
	SealFailures       metric.Int64Counter

	// Grace and revocation tracking
	GraceValidations   metric.Int64Counter
	RevocationsFound   metric.Int64Counter
	FingerprintLatency metric.Float64Histogram
}

// InitializeLicenseMetrics creates all license-specific metrics.
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	metrics := &LicenseMetrics{}

	var err error

	// Activation metrics
	metrics.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Total number of license activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	metrics.ActivationSuccess, err = meter.Int64Counter(
		"license_activation_success_total",
		metric.WithDescription("Total number of successful license activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation success counter: %w", err)
	}

	metrics.ActivationFailures, err = meter.Int64Counter(
		"license_activation_failures_total",
		metric.WithDescription("Total number of failed license activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation failures counter: %w", err)
	}

	metrics.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("License activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	// Validation metrics
	metrics.ValidationAttempts, err = meter.Int64Counter(
		"license_validation_attempts_total",
		metric.WithDescription("Total number of license validation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation attempts counter: %w", err)
	}

	metrics.ValidationSuccess, err = meter.Int64Counter(
		"license_validation_success_total",
		metric.WithDescription("Total number of successful license validations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation success counter: %w", err)
	}

	metrics.ValidationFailures, err = meter.Int64Counter(
		"license_validation_failures_total",
		metric.WithDescription("Total number of failed license validations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation failures counter: %w", err)
	}

	metrics.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	// Transfer metrics
	metrics.TransferAttempts, err = meter.Int64Counter(
		"license_transfer_attempts_total",
		metric.WithDescription("Total number of license transfer attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer attempts counter: %w", err)
	}

	metrics.TransferSuccess, err = meter.Int64Counter(
		"license_transfer_success_total",
		metric.WithDescription("Total number of successful license transfers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer success counter: %w", err)
	}

	metrics.TransferFailures, err = meter.Int64Counter(
		"license_transfer_failures_total",
		metric.WithDescription("Total number of denied or failed license transfers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer failures counter: %w", err)
	}

	metrics.TransferDuration, err = meter.Float64Histogram(
		"license_transfer_duration_seconds",
		metric.WithDescription("License transfer duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer duration histogram: %w", err)
	}

	// Registry connectivity metrics
	metrics.RegistryRequests, err = meter.Int64Counter(
		"license_registry_requests_total",
		metric.WithDescription("Total number of license registry requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry requests counter: %w", err)
	}

	metrics.RegistrySuccess, err = meter.Int64Counter(
		"license_registry_success_total",
		metric.WithDescription("Total number of successful license registry requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry success counter: %w", err)
	}

	metrics.RegistryFailures, err = meter.Int64Counter(
		"license_registry_failures_total",
		metric.WithDescription("Total number of failed license registry requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry failures counter: %w", err)
	}

	metrics.RegistryDuration, err = meter.Float64Histogram(
		"license_registry_duration_seconds",
		metric.WithDescription("License registry request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry duration histogram: %w", err)
	}

	metrics.RegistryConnectivity, err = meter.Int64UpDownCounter(
		"license_registry_connectivity",
		metric.WithDescription("License registry connectivity status (positive=connected)"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry connectivity gauge: %w", err)
	}

	// Security metrics
	metrics.HardwareMismatches, err = meter.Int64Counter(
		"license_hardware_mismatches_total",
		metric.WithDescription("Total number of hardware fingerprint mismatches"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create hardware mismatches counter: %w", err)
	}

	metrics.RateLimitHits, err = meter.Int64Counter(
		"license_rate_limit_hits_total",
		metric.WithDescription("Total number of manual validation rate limit hits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit hits counter: %w", err)
	}

	metrics.InvalidKeyAttempts, err = meter.Int64Counter(
		"license_invalid_key_attempts_total",
		metric.WithDescription("Total number of malformed license key attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create invalid key attempts counter: %w", err)
	}

	metrics.SealFailures, err = meter.Int64Counter(
		"license_seal_failures_total",
		metric.WithDescription("Total number of local record seal verification failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create seal failures counter: %w", err)
	}

	// Grace and revocation tracking
	metrics.GraceValidations, err = meter.Int64Counter(
		"license_grace_validations_total",
		metric.WithDescription("Total number of validations accepted under offline grace"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grace validations counter: %w", err)
	}

	metrics.RevocationsFound, err = meter.Int64Counter(
		"license_revocations_detected_total",
		metric.WithDescription("Total number of remote revocations detected"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create revocations detected counter: %w", err)
	}

	metrics.FingerprintLatency, err = meter.Float64Histogram(
		"license_fingerprint_duration_seconds",
		metric.WithDescription("Hardware fingerprint collection duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fingerprint duration histogram: %w", err)
	}

	return metrics, nil
}

// TraceActivation wraps license activation with OpenTelemetry tracing.
func (m *Manager) TraceActivation(ctx context.Context, licenseKey string, fn func() error) error {
	tracer := otel.Tracer(TracerName)

	ctx, span := tracer.Start(ctx, "license.activation",
		trace.WithAttributes(
			attribute.String("license.operation", "activation"),
			attribute.String("license.key_prefix", MaskKey(licenseKey)),
			attribute.String("component", "license_manager"),
		),
	)
	defer span.End()

	start := time.Now()
	err := fn()
	duration := time.Since(start)

	m.recordActivationMetrics(ctx, duration, err == nil)
	m.recordSecurityMetric(ctx, err)

	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
		attribute.Bool("license.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("license.error_type", classifyLicenseError(err)))
	} else {
		span.SetStatus(codes.Ok, "license activated")

		infrastructure.AddSpanEvent(ctx, "license.activation.success", map[string]interface{}{
			"license_key_hash": HashKey(licenseKey),
			"audit_category":   "license_security",
		})
	}

	return err
}

// TraceValidation wraps license validation with OpenTelemetry tracing.
// Mode is one of "startup", "background" or "manual".
func (m *Manager) TraceValidation(ctx context.Context, mode string, fn func() error) error {
	tracer := otel.Tracer(TracerName)

	ctx, span := tracer.Start(ctx, "license.validation",
		trace.WithAttributes(
			attribute.String("license.operation", "validation"),
			attribute.String("license.validation_mode", mode),
			attribute.String("component", "license_manager"),
		),
	)
	defer span.End()

	start := time.Now()
	err := fn()
	duration := time.Since(start)

	m.recordValidationMetrics(ctx, mode, duration, err == nil)
	m.recordSecurityMetric(ctx, err)

	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
		attribute.Bool("license.valid", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("license.error_type", classifyLicenseError(err)))
	} else {
		span.SetStatus(codes.Ok, "license validation successful")
	}

	return err
}

// TraceTransfer wraps license transfer with OpenTelemetry tracing.
func (m *Manager) TraceTransfer(ctx context.Context, licenseKey string, fn func() error) error {
	tracer := otel.Tracer(TracerName)

	ctx, span := tracer.Start(ctx, "license.transfer",
		trace.WithAttributes(
			attribute.String("license.operation", "transfer"),
			attribute.String("license.key_prefix", MaskKey(licenseKey)),
			attribute.String("component", "license_manager"),
		),
	)
	defer span.End()

	start := time.Now()
	err := fn()
	duration := time.Since(start)

	m.recordTransferMetrics(ctx, duration, err == nil)
	m.recordSecurityMetric(ctx, err)

	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
		attribute.Bool("license.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("license.error_type", classifyLicenseError(err)))
	} else {
		span.SetStatus(codes.Ok, "license transferred")

		infrastructure.AddSpanEvent(ctx, "license.transfer.success", map[string]interface{}{
			"license_key_hash": HashKey(licenseKey),
			"audit_category":   "license_security",
		})
	}

	return err
}

// TraceFingerprint wraps hardware fingerprint collection with tracing.
func (m *Manager) TraceFingerprint(ctx context.Context, fn func() error) error {
	tracer := otel.Tracer(TracerName)

	ctx, span := tracer.Start(ctx, "license.fingerprint",
		trace.WithAttributes(
			attribute.String("license.operation", "fingerprint"),
			attribute.String("component", "fingerprint_collector"),
		),
	)
	defer span.End()

	start := time.Now()
	err := fn()
	duration := time.Since(start)

	if m.metrics != nil {
		m.metrics.FingerprintLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("component", "fingerprint")))
	}

	span.SetAttributes(
		attribute.Float64("fingerprint.duration_ms", float64(duration.Milliseconds())),
		attribute.Bool("fingerprint.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "fingerprint collected")
	}

	return err
}

// recordActivationMetrics records activation-specific metrics.
func (m *Manager) recordActivationMetrics(ctx context.Context, duration time.Duration, success bool) {
	if m.metrics == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("operation", "activation"),
		attribute.String("component", "license_manager"),
	)

	m.metrics.ActivationAttempts.Add(ctx, 1, labels)
	m.metrics.ActivationDuration.Record(ctx, duration.Seconds(), labels)

	if success {
		m.metrics.ActivationSuccess.Add(ctx, 1, labels)
	} else {
		m.metrics.ActivationFailures.Add(ctx, 1, labels)
	}
}

// recordValidationMetrics records validation-specific metrics.
func (m *Manager) recordValidationMetrics(ctx context.Context, mode string, duration time.Duration, success bool) {
	if m.metrics == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("operation", "validation"),
		attribute.String("mode", mode),
		attribute.String("component", "license_manager"),
	)

	m.metrics.ValidationAttempts.Add(ctx, 1, labels)
	m.metrics.ValidationDuration.Record(ctx, duration.Seconds(), labels)

	if success {
		m.metrics.ValidationSuccess.Add(ctx, 1, labels)
	} else {
		m.metrics.ValidationFailures.Add(ctx, 1, labels)
	}
}

// recordTransferMetrics records transfer-specific metrics.
func (m *Manager) recordTransferMetrics(ctx context.Context, duration time.Duration, success bool) {
	if m.metrics == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("operation", "transfer"),
		attribute.String("component", "license_manager"),
	)

	m.metrics.TransferAttempts.Add(ctx, 1, labels)
	m.metrics.TransferDuration.Record(ctx, duration.Seconds(), labels)

	if success {
		m.metrics.TransferSuccess.Add(ctx, 1, labels)
	} else {
		m.metrics.TransferFailures.Add(ctx, 1, labels)
	}
}

// recordSecurityMetric bumps the counter matching a security-relevant
// failure. Unclassified errors record nothing here; the validation
// failure counters already carry them.
func (m *Manager) recordSecurityMetric(ctx context.Context, err error) {
	if m.metrics == nil || err == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("component", "license_manager"),
	)

	switch {
	case errors.Is(err, ErrHardwareMismatch):
		m.metrics.HardwareMismatches.Add(ctx, 1, labels)
	case errors.Is(err, ErrRateLimited):
		m.metrics.RateLimitHits.Add(ctx, 1, labels)
	case errors.Is(err, ErrInvalidKeyFormat):
		m.metrics.InvalidKeyAttempts.Add(ctx, 1, labels)
	case errors.Is(err, ErrRecordTampered):
		m.metrics.SealFailures.Add(ctx, 1, labels)
	}
}

// recordRegistryMetrics records registry round-trip metrics. Operation is
// one of "fetch", "scan" or "post".
func (r *SheetRegistry) recordRegistryMetrics(ctx context.Context, operation string, duration time.Duration, success bool) {
	if r.metrics == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("component", "registry_client"),
	)

	r.metrics.RegistryRequests.Add(ctx, 1, labels)
	r.metrics.RegistryDuration.Record(ctx, duration.Seconds(), labels)

	if success {
		r.metrics.RegistrySuccess.Add(ctx, 1, labels)
		r.metrics.RegistryConnectivity.Add(ctx, 1, labels)
	} else {
		r.metrics.RegistryFailures.Add(ctx, 1, labels)
		r.metrics.RegistryConnectivity.Add(ctx, -1, labels)
	}
}

// classifyLicenseError categorizes license errors for span attributes.
func classifyLicenseError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLicenseExpired):
		return "license_expired"
	case errors.Is(err, ErrLicenseRevoked):
		return "license_revoked"
	case errors.Is(err, ErrHardwareMismatch):
		return "hardware_mismatch"
	case errors.Is(err, ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, ErrKeyNotActive):
		return "key_not_active"
	case errors.Is(err, ErrInvalidKeyFormat):
		return "invalid_key_format"
	case errors.Is(err, ErrRegistryUnavailable):
		return "registry_unavailable"
	case errors.Is(err, ErrOfflineGraceExpired):
		return "grace_expired"
	case errors.Is(err, ErrTransferLimitExceeded):
		return "transfer_limit"
	case errors.Is(err, ErrEmailVerificationFailed):
		return "email_mismatch"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotActivated):
		return "not_activated"
	case errors.Is(err, ErrRecordTampered):
		return "record_tampered"
	default:
		return "unknown_error"
	}
}
