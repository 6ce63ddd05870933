package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// Problem type URIs exposed on the wire.
const (
	TypeValidation          = "/errors/validation"
	TypeInternal            = "/errors/internal"
	TypeNotFound            = "/errors/not-found"
	TypeTimeout             = "/errors/timeout"
	TypeRateLimit           = "/errors/rate-limit"
	TypeRegistryUnreachable = "/errors/registry-unreachable"

	TypeLicenseNotActivated  = "/errors/license/not-activated"
	TypeLicenseKeyNotFound   = "/errors/license/key-not-found"
	TypeLicenseKeyNotActive  = "/errors/license/key-not-active"
	TypeLicenseRevoked       = "/errors/license/revoked"
	TypeLicenseExpired       = "/errors/license/expired"
	TypeHardwareMismatch     = "/errors/license/hardware-mismatch"
	TypeTransferLimit        = "/errors/license/transfer-limit-exceeded"
	TypeEmailVerification    = "/errors/license/email-verification-failed"
	TypeOfflineGraceExpired  = "/errors/license/offline-grace-expired"
	TypeInvalidKeyFormat     = "/errors/license/invalid-key-format"
)

// SupportEmail is surfaced in problem responses that suggest contacting support.
const SupportEmail = "support@mwbsuite.com"

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface.
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extension members next to the standard fields.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error.
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension member to the problem details.
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// TransferDenialDetails carries context for transfer rejection responses.
type TransferDenialDetails struct {
	TransferCount int        `json:"transfer_count,omitempty"`
	MaxTransfers  int        `json:"max_transfers,omitempty"`
	RegisteredAt  *time.Time `json:"registered_at,omitempty"`
}

// NewHardwareMismatchError builds the problem returned when validation finds
// the machine no longer matches the registered bindings. It points the user
// at the transfer flow instead of a dead end.
func NewHardwareMismatchError(traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusConflict,
		TypeHardwareMismatch,
		"Hardware Mismatch",
		"This machine does not match the hardware registered to the license. If you replaced or upgraded this machine, request a license transfer.",
		fmt.Sprintf("/api/license/validate#%s", traceID),
	).WithExtension("trace_id", traceID).
		WithExtension("error_code", "HARDWARE_MISMATCH").
		WithExtension("transfer_endpoint", "/api/license/transfer").
		WithExtension("support_email", SupportEmail)
}

// NewTransferLimitExceededError builds the problem for an exhausted transfer
// allowance.
func NewTransferLimitExceededError(details *TransferDenialDetails, traceID string) *ProblemDetails {
	problem := NewProblemDetails(
		http.StatusConflict,
		TypeTransferLimit,
		"Transfer Limit Exceeded",
		"This license has used all of its hardware transfers. Contact support to request an additional transfer.",
		fmt.Sprintf("/api/license/transfer#%s", traceID),
	).WithExtension("trace_id", traceID).
		WithExtension("error_code", "TRANSFER_LIMIT_EXCEEDED").
		WithExtension("support_email", SupportEmail)

	if details != nil {
		problem.WithExtension("transfer_count", details.TransferCount)
		problem.WithExtension("max_transfers", details.MaxTransfers)
	}

	return problem
}

// MapLicenseError maps domain errors to RFC 7807 problem responses.
// ErrRegistryUnavailable is deliberately mapped to 503 with "unknown"
// wording: an unreachable registry never reads as an invalid license.
func MapLicenseError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/license#trace-%s", traceID)

	switch {
	case errors.Is(err, ErrRegistryUnavailable):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			TypeRegistryUnreachable,
			"License Registry Unreachable",
			"Verification status is unknown because the license registry could not be reached. Check your connection and try again.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "REGISTRY_UNREACHABLE").
			WithExtension("verification", "unknown")

	case errors.Is(err, ErrKeyNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			TypeLicenseKeyNotFound,
			"License Key Not Found",
			"The license key is not present in the registry. Check the key for typos.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "KEY_NOT_FOUND")

	case errors.Is(err, ErrKeyNotActive):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseKeyNotActive,
			"License Key Not Active",
			"The license key exists but has not been enabled yet. Contact your vendor.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "KEY_NOT_ACTIVE").
			WithExtension("support_email", SupportEmail)

	case errors.Is(err, ErrLicenseRevoked):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseRevoked,
			"License Revoked",
			"This license has been revoked and can no longer be used.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_REVOKED").
			WithExtension("support_email", SupportEmail)

	case errors.Is(err, ErrLicenseExpired):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseExpired,
			"License Expired",
			"Your license has expired. Please renew to continue.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_EXPIRED")

	case errors.Is(err, ErrOfflineGraceExpired):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeOfflineGraceExpired,
			"Offline Grace Period Expired",
			"The application has been offline longer than the license allows. Connect to the internet and validate again.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "OFFLINE_GRACE_EXPIRED")

	case errors.Is(err, ErrHardwareMismatch):
		return NewHardwareMismatchError(traceID)

	case errors.Is(err, ErrTransferLimitExceeded):
		return NewTransferLimitExceededError(nil, traceID)

	case errors.Is(err, ErrEmailVerificationFailed):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeEmailVerification,
			"Email Verification Failed",
			"The email address does not match the one registered to this license.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "EMAIL_VERIFICATION_FAILED")

	case errors.Is(err, ErrRateLimited):
		return NewProblemDetails(
			http.StatusTooManyRequests,
			TypeRateLimit,
			"Too Many Validation Requests",
			"The daily limit for manual license checks has been reached. The counter resets at local midnight.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "RATE_LIMITED")

	case errors.Is(err, ErrNotActivated), errors.Is(err, ErrRecordTampered):
		return NewProblemDetails(
			http.StatusPreconditionRequired,
			TypeLicenseNotActivated,
			"License Not Activated",
			"No license has been activated on this machine. Please activate a license to continue.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_NOT_ACTIVATED")

	case errors.Is(err, ErrInvalidKeyFormat):
		return NewProblemDetails(
			http.StatusBadRequest,
			TypeInvalidKeyFormat,
			"Invalid License Key Format",
			"License key must be in format: MWB-XXXX-XXXX-XXXX",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_KEY_FORMAT").
			WithExtension("expected_format", "MWB-XXXX-XXXX-XXXX")

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}
