package license

import (
	apperrors "mwbcli/internal/errors"
)

// Domain sentinels, re-exported from the shared errors package so license
// code and the HTTP error mapper classify outcomes with the same values.
// These are the only errors the validation paths return for license-state
// conditions; anything else is an infrastructure failure.
var (
	ErrRegistryUnavailable     = apperrors.ErrRegistryUnavailable
	ErrKeyNotFound             = apperrors.ErrKeyNotFound
	ErrKeyNotActive            = apperrors.ErrKeyNotActive
	ErrLicenseRevoked          = apperrors.ErrLicenseRevoked
	ErrLicenseExpired          = apperrors.ErrLicenseExpired
	ErrHardwareMismatch        = apperrors.ErrHardwareMismatch
	ErrTransferLimitExceeded   = apperrors.ErrTransferLimitExceeded
	ErrEmailVerificationFailed = apperrors.ErrEmailVerificationFailed
	ErrRateLimited             = apperrors.ErrRateLimited
	ErrOfflineGraceExpired     = apperrors.ErrOfflineGraceExpired
	ErrNotActivated            = apperrors.ErrNotActivated
	ErrRecordTampered          = apperrors.ErrRecordTampered
	ErrInvalidKeyFormat        = apperrors.ErrInvalidKeyFormat
)
