package license

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"mwbcli/internal/config"
	"mwbcli/internal/security"
)

// License status values mirrored from the registry.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusRevoked = "revoked"
	StatusExpired = "expired"
)

// License tiers. The tier decides how often background validation runs.
const (
	TierTrial    = "trial"
	TierStandard = "standard"
	TierPremium  = "premium"
)

// Background validation intervals per tier.
const (
	TrialInterval    = 1 * time.Hour
	StandardInterval = 24 * time.Hour
	PremiumInterval  = 168 * time.Hour
)

var keyPattern = regexp.MustCompile(config.LicenseKeyPattern)

// ValidationInterval returns the background validation interval for a tier.
// Unknown tiers fall back to the standard interval.
func ValidationInterval(tier string) time.Duration {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case TierTrial:
		return TrialInterval
	case TierPremium:
		return PremiumInterval
	default:
		return StandardInterval
	}
}

// LicenseRecord is the locally persisted license state. One row per license
// key; rows for keys that were later replaced or revoked are kept for
// support history. The Seal column carries an HMAC over the other fields so
// offline edits to the database are detected on load.
type LicenseRecord struct {
	gorm.Model
	LicenseKey        string    `gorm:"uniqueIndex;size:18" json:"license_key"`
	Status            string    `gorm:"size:16;index" json:"status"`
	Tier              string    `gorm:"size:16" json:"license_tier"`
	LicenseeName      string    `gorm:"size:128" json:"licensee_name"`
	LicenseeEmail     string    `gorm:"size:128" json:"licensee_email"`
	ExpiryDate        time.Time `json:"expiry_date"`
	HardwareHash1     string    `gorm:"size:64" json:"hw1"`
	HardwareHash2     string    `gorm:"size:64" json:"hw2"`
	HardwareHash3     string    `gorm:"size:64" json:"hw3"`
	TransferCount     int       `json:"transfer_count"`
	LastVerifiedAt    time.Time `json:"last_verified_at"`
	OfflineGraceUntil time.Time `json:"offline_grace_until"`
	Seal              string    `gorm:"size:64" json:"-"`
}

// Binding returns the stored hardware hashes as a fingerprint in canonical
// component order (network, cpu, board).
func (r *LicenseRecord) Binding() security.Fingerprint {
	return security.Fingerprint{
		Network: r.HardwareHash1,
		CPU:     r.HardwareHash2,
		Board:   r.HardwareHash3,
	}
}

// SetBinding overwrites the stored hardware hashes with fp's components.
func (r *LicenseRecord) SetBinding(fp security.Fingerprint) {
	r.HardwareHash1 = fp.Network
	r.HardwareHash2 = fp.CPU
	r.HardwareHash3 = fp.Board
}

// IsExpired reports whether the expiry date has passed. Records without an
// expiry date never expire locally; the registry remains authoritative.
func (r *LicenseRecord) IsExpired(now time.Time) bool {
	return !r.ExpiryDate.IsZero() && now.After(r.ExpiryDate)
}

// DaysToExpiry returns whole days until expiry, negative once past.
func (r *LicenseRecord) DaysToExpiry(now time.Time) int {
	if r.ExpiryDate.IsZero() {
		return 0
	}
	return int(r.ExpiryDate.Sub(now).Hours() / 24)
}

// InGrace reports whether now is still inside the offline grace window.
func (r *LicenseRecord) InGrace(now time.Time) bool {
	return !r.OfflineGraceUntil.IsZero() && !now.After(r.OfflineGraceUntil)
}

// sealCanonical builds the byte string the integrity seal covers. Every
// field an attacker would want to edit is included, the grace window and
// verification timestamp in particular.
func (r *LicenseRecord) sealCanonical() []byte {
	parts := []string{
		r.LicenseKey,
		r.Status,
		r.Tier,
		r.HardwareHash1,
		r.HardwareHash2,
		r.HardwareHash3,
		r.LicenseeName,
		r.LicenseeEmail,
		r.ExpiryDate.UTC().Format(time.RFC3339),
		strconv.Itoa(r.TransferCount),
		r.LastVerifiedAt.UTC().Format(time.RFC3339),
		r.OfflineGraceUntil.UTC().Format(time.RFC3339),
	}
	return []byte(strings.Join(parts, "|"))
}

// NormalizeKey normalizes a license key to the canonical dashed form
// MWB-XXXX-XXXX-XXXX. Dashes and spaces are stripped and letters upcased, so
// keys survive being read over the phone. Input that does not have the
// expected compact length is returned cleaned but unformatted; validation
// rejects it downstream.
func NormalizeKey(raw string) string {
	clean := strings.ToUpper(strings.TrimSpace(raw))
	clean = strings.ReplaceAll(clean, "-", "")
	clean = strings.ReplaceAll(clean, " ", "")

	if len(clean) != 15 || !strings.HasPrefix(clean, "MWB") {
		return clean
	}

	return fmt.Sprintf("%s-%s-%s-%s", clean[:3], clean[3:7], clean[7:11], clean[11:15])
}

// ValidateKeyFormat checks that key (after normalization) matches the
// MWB-XXXX-XXXX-XXXX format.
func ValidateKeyFormat(key string) error {
	if !keyPattern.MatchString(NormalizeKey(key)) {
		return fmt.Errorf("%w: expected %s", ErrInvalidKeyFormat, "MWB-XXXX-XXXX-XXXX")
	}
	return nil
}

// MaskKey masks a license key for logs and audit rows, keeping the prefix
// group for recognition: MWB-1A2B-****-****.
func MaskKey(key string) string {
	if len(key) < 8 {
		return "****"
	}
	return key[:8] + "-****-****"
}

// HashKey returns a short stable hash of the key for audit correlation.
// Sixteen hex chars is enough to match against the registry side without
// disclosing the key itself.
func HashKey(key string) string {
	if key == "" {
		return ""
	}
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h)[:16]
}
