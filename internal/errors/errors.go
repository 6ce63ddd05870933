package errors

import (
	"errors"
	"fmt"
)

// Domain sentinel errors for the license engine. Callers classify outcomes
// with errors.Is; none of these are ever delivered by panic.
var (
	// ErrRegistryUnavailable means the remote registry could not be reached
	// or did not answer in time. It signals "verification status unknown",
	// never "license invalid", and routes callers into the offline grace
	// logic.
	ErrRegistryUnavailable = errors.New("license registry unavailable")

	// ErrKeyNotFound means the registry answered and the key does not exist.
	ErrKeyNotFound = errors.New("license key not found")

	// ErrKeyNotActive means the key exists but has not been enabled for
	// activation yet (registry status "pending").
	ErrKeyNotActive = errors.New("license key not active")

	ErrLicenseRevoked = errors.New("license revoked")
	ErrLicenseExpired = errors.New("license expired")

	// ErrHardwareMismatch means fewer than the required number of hardware
	// components matched the registered bindings. Recoverable via transfer.
	ErrHardwareMismatch = errors.New("hardware fingerprint mismatch")

	ErrTransferLimitExceeded   = errors.New("license transfer limit exceeded")
	ErrEmailVerificationFailed = errors.New("licensee email verification failed")

	// ErrRateLimited means the manual validation quota for the current local
	// calendar day is exhausted. No network traffic was generated.
	ErrRateLimited = errors.New("manual validation rate limited")

	// ErrOfflineGraceExpired means the registry is unreachable and the
	// offline grace window has elapsed. The stored record is not regressed;
	// a later successful online check clears the condition.
	ErrOfflineGraceExpired = errors.New("offline grace period expired")

	// ErrNotActivated means no usable local license record exists.
	ErrNotActivated = errors.New("license not activated")

	// ErrRecordTampered means the local record failed its integrity seal
	// check. Treated as not activated, but audited distinctly.
	ErrRecordTampered = errors.New("local license record failed integrity check")

	ErrInvalidKeyFormat = errors.New("invalid license key format")
)

// IsTerminal reports whether err blocks application startup outright, as
// opposed to conditions the user can fix in place (network, rate limit).
func IsTerminal(err error) bool {
	return errors.Is(err, ErrLicenseRevoked) ||
		errors.Is(err, ErrLicenseExpired) ||
		errors.Is(err, ErrOfflineGraceExpired)
}

// IsVerificationUnknown reports whether err represents an unknown
// verification outcome rather than a definitive rejection.
func IsVerificationUnknown(err error) bool {
	return errors.Is(err, ErrRegistryUnavailable)
}

// Wrap annotates err with operation context, preserving the sentinel chain.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
