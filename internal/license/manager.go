package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mwbcli/internal/config"
	"mwbcli/internal/security"
)

// Validation modes. The mode decides rate limiting and auto-recovery
// behavior and labels the validation metrics.
const (
	modeStartup    = "startup"
	modeBackground = "background"
	modeManual     = "manual"
)

// ValidationOutcome results.
const (
	ResultValid        = "valid"
	ResultGrace        = "grace"
	ResultRevoked      = "revoked"
	ResultExpired      = "expired"
	ResultMismatch     = "hardware_mismatch"
	ResultGraceExpired = "grace_expired"
	ResultNotActivated = "not_activated"
	ResultRateLimited  = "rate_limited"
	ResultError        = "error"
)

// registryPostTimeout bounds the fire-and-forget report-back goroutine.
const registryPostTimeout = 15 * time.Second

// ValidationOutcome reports the result of one validation pass. Outcomes are
// pushed to the websocket hub as license:status events, so the field names
// are part of the shell contract.
type ValidationOutcome struct {
	Result     string    `json:"result"`
	Status     string    `json:"license_status"`
	Offline    bool      `json:"offline"`
	Warning    string    `json:"warning,omitempty"`
	DaysLeft   int       `json:"days_to_expiry"`
	GraceUntil time.Time `json:"grace_until,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// StatusSnapshot is the network-free view of the local license state served
// by the status endpoint. License key and email are masked.
type StatusSnapshot struct {
	Activated        bool      `json:"activated"`
	LicenseKey       string    `json:"license_key,omitempty"`
	Status           string    `json:"license_status"`
	Tier             string    `json:"license_tier,omitempty"`
	LicenseeName     string    `json:"licensee_name,omitempty"`
	LicenseeEmail    string    `json:"licensee_email,omitempty"`
	ExpiryDate       time.Time `json:"expiry_date,omitempty"`
	DaysToExpiry     int       `json:"days_to_expiry"`
	TransferCount    int       `json:"transfer_count"`
	TransfersLeft    int       `json:"transfers_left"`
	LastVerifiedAt   time.Time `json:"last_verified_at,omitempty"`
	GraceUntil       time.Time `json:"grace_until,omitempty"`
	InGrace          bool      `json:"in_grace"`
	ManualChecksLeft int       `json:"manual_checks_left"`
}

// Manager drives the license state machine: activation, the three
// validation modes, and status reads. One mutex serializes every mutation
// so the single-writer invariant on the local store holds even with the
// background scheduler, manual checks and transfers running concurrently.
type Manager struct {
	store        *Store
	registry     Registry
	fingerprints *security.Fingerprinter
	notifier     Notifier
	cfg          config.LicenseConfig
	logger       *slog.Logger
	metrics      *LicenseMetrics

	mu sync.Mutex

	// Manual validation rate limit state, keyed by local calendar day.
	manualDay   string
	manualCount int
}

// NewManager wires the license manager. Notifier may be nil when transfer
// notices are not needed (the TransferManager checks).
func NewManager(store *Store, registry Registry, fingerprints *security.Fingerprinter, notifier Notifier, cfg config.LicenseConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:        store,
		registry:     registry,
		fingerprints: fingerprints,
		notifier:     notifier,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "license_manager")),
	}
}

// SetMetrics attaches OpenTelemetry metrics to the manager.
func (m *Manager) SetMetrics(metrics *LicenseMetrics) {
	m.metrics = metrics
}

// Activate validates the key against the registry and binds it to this
// machine. The current fingerprint is bound unconditionally; whether this
// hardware may hold the license is the transfer flow's question, not
// activation's. Re-activating the same key on the same machine succeeds and
// only refreshes timestamps.
func (m *Manager) Activate(ctx context.Context, licenseKey, licenseeName, email string) error {
	return m.TraceActivation(ctx, licenseKey, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.performActivation(ctx, licenseKey, licenseeName, email)
	})
}

func (m *Manager) performActivation(ctx context.Context, licenseKey, licenseeName, email string) error {
	key := NormalizeKey(licenseKey)
	if err := ValidateKeyFormat(key); err != nil {
		m.logWarn(ctx, "activation", "license key rejected before registry lookup",
			slog.String("license_key_masked", MaskKey(licenseKey)))
		return err
	}

	fp := m.currentFingerprint(ctx)

	remote, err := m.registry.Fetch(ctx, key)
	if err != nil {
		m.logLicenseAction(ctx, slog.LevelWarn, "activation", "registry lookup failed", key, email,
			slog.String("error", err.Error()))
		return err
	}

	now := time.Now()
	if err := remoteUsable(remote, now); err != nil {
		m.logLicenseAction(ctx, slog.LevelWarn, "activation", "registry rejected key", key, email,
			slog.String("remote_status", remote.Status))
		return err
	}

	rec, err := m.store.LoadByKey(key)
	if err != nil {
		rec = &LicenseRecord{LicenseKey: key}
	}

	reconcileRecord(rec, remote)
	if rec.LicenseeName == "" {
		rec.LicenseeName = licenseeName
	}
	if rec.LicenseeEmail == "" {
		rec.LicenseeEmail = email
	}
	rec.Status = StatusActive
	rec.SetBinding(fp)
	rec.LastVerifiedAt = now
	rec.OfflineGraceUntil = now.Add(m.cfg.OfflineGrace)

	if err := m.store.Save(rec); err != nil {
		return fmt.Errorf("persist activated license: %w", err)
	}

	if err := m.store.AppendAudit(EventActivate, key, fmt.Sprintf("tier=%s expiry=%s", rec.Tier, rec.ExpiryDate.Format("2006-01-02"))); err != nil {
		m.logWarn(ctx, "activation", "audit append failed", slog.String("error", err.Error()))
	}

	m.postRegistryAsync(rec, false, "")

	m.logLicenseAction(ctx, slog.LevelInfo, "activation", "license activated", key, rec.LicenseeEmail,
		slog.String("license_tier", rec.Tier),
		slog.Int("transfer_count", rec.TransferCount),
		slog.Time("expiry_date", rec.ExpiryDate))
	return nil
}

// ValidateStartup runs the blocking startup check. A nil error means the
// session may begin; the outcome still carries warnings (offline grace in
// particular) for the shell banner.
func (m *Manager) ValidateStartup(ctx context.Context) (*ValidationOutcome, error) {
	var outcome *ValidationOutcome
	err := m.TraceValidation(ctx, modeStartup, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		var err error
		outcome, err = m.validateLocked(ctx, modeStartup)
		return err
	})
	return outcome, err
}

// ValidateBackground runs one scheduler pass. It never fails the session:
// errors are folded into the outcome as warnings and the persisted status
// does the enforcing at the next startup.
func (m *Manager) ValidateBackground(ctx context.Context) *ValidationOutcome {
	var outcome *ValidationOutcome
	_ = m.TraceValidation(ctx, modeBackground, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		var err error
		outcome, err = m.validateLocked(ctx, modeBackground)
		return err
	})
	if outcome == nil {
		outcome = &ValidationOutcome{Result: ResultError, CheckedAt: time.Now()}
	}
	return outcome
}

// ValidateManual is the user-triggered check, limited to a few runs per
// local calendar day. Over the limit it returns ErrRateLimited without
// touching the registry. Attempts count against the limit even when the
// validation itself fails.
func (m *Manager) ValidateManual(ctx context.Context) (*ValidationOutcome, error) {
	var outcome *ValidationOutcome
	err := m.TraceValidation(ctx, modeManual, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		now := time.Now()
		if left := m.manualRemainingLocked(now); left <= 0 {
			outcome = &ValidationOutcome{Result: ResultRateLimited, CheckedAt: now,
				Warning: fmt.Sprintf("manual validation limit of %d per day reached", m.cfg.ManualChecksPerDay)}
			if err := m.store.AppendAudit(EventValidateFail, "", "manual validation rate limited"); err != nil {
				m.logWarn(ctx, "validation", "audit append failed", slog.String("error", err.Error()))
			}
			return fmt.Errorf("%w: %d manual checks per day", ErrRateLimited, m.cfg.ManualChecksPerDay)
		}
		m.countManualLocked(now)

		var err error
		outcome, err = m.validateLocked(ctx, modeManual)
		return err
	})
	return outcome, err
}

// Status returns the local view of the license without any network access.
// A record whose seal fails verification counts as no trusted record.
func (m *Manager) Status(ctx context.Context) (*StatusSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snapshot := &StatusSnapshot{
		Status:           ResultNotActivated,
		TransfersLeft:    m.cfg.MaxTransfers,
		ManualChecksLeft: m.manualRemainingLocked(now),
	}

	rec, err := m.store.Load()
	if err != nil {
		if errors.Is(err, ErrRecordTampered) {
			m.recordSecurityMetric(ctx, err)
			m.logWarn(ctx, "status", "local record failed seal verification, treating as not activated")
			return snapshot, nil
		}
		if errors.Is(err, ErrNotActivated) {
			return snapshot, nil
		}
		return nil, err
	}

	snapshot.Activated = true
	snapshot.LicenseKey = MaskKey(rec.LicenseKey)
	snapshot.Status = rec.Status
	snapshot.Tier = rec.Tier
	snapshot.LicenseeName = rec.LicenseeName
	snapshot.LicenseeEmail = maskEmail(rec.LicenseeEmail)
	snapshot.ExpiryDate = rec.ExpiryDate
	snapshot.DaysToExpiry = rec.DaysToExpiry(now)
	snapshot.TransferCount = rec.TransferCount
	snapshot.TransfersLeft = m.cfg.MaxTransfers - rec.TransferCount
	if snapshot.TransfersLeft < 0 {
		snapshot.TransfersLeft = 0
	}
	snapshot.LastVerifiedAt = rec.LastVerifiedAt
	snapshot.GraceUntil = rec.OfflineGraceUntil
	snapshot.InGrace = rec.InGrace(now)
	return snapshot, nil
}

// validateLocked is the shared validation core. Callers hold m.mu.
func (m *Manager) validateLocked(ctx context.Context, mode string) (*ValidationOutcome, error) {
	now := time.Now()

	rec, err := m.store.Load()
	if err != nil {
		if errors.Is(err, ErrRecordTampered) {
			m.logWarn(ctx, "validation", "local record failed seal verification",
				slog.String("mode", mode))
		} else if !errors.Is(err, ErrNotActivated) {
			return &ValidationOutcome{Result: ResultError, CheckedAt: now}, err
		}
		if mode == modeStartup {
			return m.autoRecoverLocked(ctx, now)
		}
		return &ValidationOutcome{Result: ResultNotActivated, CheckedAt: now}, ErrNotActivated
	}

	fp := m.currentFingerprint(ctx)

	remote, err := m.registry.Fetch(ctx, rec.LicenseKey)
	if err != nil {
		if errors.Is(err, ErrRegistryUnavailable) {
			return m.offlineOutcomeLocked(ctx, rec, now, err)
		}
		// A definite registry answer, not a connectivity failure.
		m.auditValidateFail(ctx, rec.LicenseKey, "key missing from registry")
		return &ValidationOutcome{Result: ResultError, Status: rec.Status, CheckedAt: now}, err
	}

	switch {
	case remote.Status == StatusRevoked:
		rec.Status = StatusRevoked
		if err := m.store.Save(rec); err != nil {
			m.logWarn(ctx, "validation", "persisting revoked status failed", slog.String("error", err.Error()))
		}
		if err := m.store.AppendAudit(EventRevokedDetected, rec.LicenseKey, "registry reports revoked"); err != nil {
			m.logWarn(ctx, "validation", "audit append failed", slog.String("error", err.Error()))
		}
		if m.metrics != nil {
			m.metrics.RevocationsFound.Add(ctx, 1)
		}
		m.logLicenseAction(ctx, slog.LevelWarn, "validation", "license revoked by registry", rec.LicenseKey, rec.LicenseeEmail)
		outcome := &ValidationOutcome{Result: ResultRevoked, Status: StatusRevoked, CheckedAt: now,
			Warning: "license revoked; contact support"}
		return outcome, ErrLicenseRevoked

	case remote.Status == StatusExpired || remoteExpired(remote, now):
		rec.Status = StatusExpired
		rec.ExpiryDate = remote.ExpiryDate
		if err := m.store.Save(rec); err != nil {
			m.logWarn(ctx, "validation", "persisting expired status failed", slog.String("error", err.Error()))
		}
		m.auditValidateFail(ctx, rec.LicenseKey, "license expired")
		outcome := &ValidationOutcome{Result: ResultExpired, Status: StatusExpired, CheckedAt: now,
			DaysLeft: rec.DaysToExpiry(now), Warning: "license expired; renew to continue"}
		return outcome, ErrLicenseExpired

	case remote.Status != StatusActive:
		m.auditValidateFail(ctx, rec.LicenseKey, fmt.Sprintf("registry status %q", remote.Status))
		outcome := &ValidationOutcome{Result: ResultError, Status: rec.Status, CheckedAt: now}
		return outcome, fmt.Errorf("%w: registry status %q", ErrKeyNotActive, remote.Status)
	}

	// Hardware check. Registered bindings may lag one webhook post behind,
	// in which case the local binding stands in.
	registered := remote.Binding()
	if !remote.HasBindings() {
		registered = rec.Binding()
	}
	if !registered.IsZero() && !fp.Matches(registered) {
		m.auditValidateFail(ctx, rec.LicenseKey,
			fmt.Sprintf("hardware mismatch, %d of 3 components", fp.MatchCount(registered)))
		m.logLicenseAction(ctx, slog.LevelWarn, "validation", "hardware fingerprint mismatch", rec.LicenseKey, rec.LicenseeEmail,
			slog.Int("matched_components", fp.MatchCount(registered)))
		outcome := &ValidationOutcome{Result: ResultMismatch, Status: rec.Status, CheckedAt: now,
			Warning: "hardware changed beyond tolerance; transfer the license to this machine"}
		return outcome, ErrHardwareMismatch
	}

	// Valid. Reconcile local fields from the registry row and advance the
	// grace window; LastVerifiedAt only moves on a fully successful fetch.
	reconcileRecord(rec, remote)
	rec.Status = StatusActive
	rec.LastVerifiedAt = now
	rec.OfflineGraceUntil = now.Add(m.cfg.OfflineGrace)
	if err := m.store.Save(rec); err != nil {
		return &ValidationOutcome{Result: ResultError, Status: rec.Status, CheckedAt: now},
			fmt.Errorf("persist validated license: %w", err)
	}
	if err := m.store.AppendAudit(EventValidateOK, rec.LicenseKey, "online validation"); err != nil {
		m.logWarn(ctx, "validation", "audit append failed", slog.String("error", err.Error()))
	}

	m.logLicenseAction(ctx, slog.LevelInfo, "validation", "license validated online", rec.LicenseKey, rec.LicenseeEmail,
		slog.String("mode", mode),
		slog.Int("days_to_expiry", rec.DaysToExpiry(now)))
	return &ValidationOutcome{Result: ResultValid, Status: StatusActive, CheckedAt: now,
		DaysLeft: rec.DaysToExpiry(now), GraceUntil: rec.OfflineGraceUntil}, nil
}

// offlineOutcomeLocked decides what an unreachable registry means. Inside
// the grace window the session continues with a warning; past it the typed
// grace error surfaces. The record is never regressed here: connectivity
// says nothing about validity.
func (m *Manager) offlineOutcomeLocked(ctx context.Context, rec *LicenseRecord, now time.Time, cause error) (*ValidationOutcome, error) {
	if rec.InGrace(now) {
		if err := m.store.AppendAudit(EventValidateOK, rec.LicenseKey,
			fmt.Sprintf("registry unreachable, offline grace until %s", rec.OfflineGraceUntil.Format(time.RFC3339))); err != nil {
			m.logWarn(ctx, "validation", "audit append failed", slog.String("error", err.Error()))
		}
		if m.metrics != nil {
			m.metrics.GraceValidations.Add(ctx, 1)
		}
		m.logWarn(ctx, "validation", "registry unreachable, continuing on offline grace",
			slog.Time("grace_until", rec.OfflineGraceUntil),
			slog.String("cause", cause.Error()))
		outcome := &ValidationOutcome{Result: ResultGrace, Status: rec.Status, Offline: true, CheckedAt: now,
			DaysLeft:   rec.DaysToExpiry(now),
			GraceUntil: rec.OfflineGraceUntil,
			Warning:    fmt.Sprintf("license registry unreachable; offline grace until %s", rec.OfflineGraceUntil.Format("2006-01-02 15:04"))}
		return outcome, nil
	}

	m.auditValidateFail(ctx, rec.LicenseKey, "registry unreachable and offline grace expired")
	m.logLicenseAction(ctx, slog.LevelWarn, "validation", "offline grace expired", rec.LicenseKey, rec.LicenseeEmail,
		slog.Time("grace_until", rec.OfflineGraceUntil))
	outcome := &ValidationOutcome{Result: ResultGraceExpired, Status: rec.Status, Offline: true, CheckedAt: now,
		GraceUntil: rec.OfflineGraceUntil,
		Warning:    "offline grace period expired; reconnect to validate the license"}
	return outcome, fmt.Errorf("%w: last online validation %s", ErrOfflineGraceExpired, rec.LastVerifiedAt.Format(time.RFC3339))
}

// autoRecoverLocked rebuilds the local record from the registry after a
// wiped or untrusted cache. A registry row with status active whose
// bindings fuzzy-match the current probe is rebound without key re-entry.
func (m *Manager) autoRecoverLocked(ctx context.Context, now time.Time) (*ValidationOutcome, error) {
	notActivated := &ValidationOutcome{Result: ResultNotActivated, CheckedAt: now}

	fp := m.currentFingerprint(ctx)

	rows, err := m.registry.Scan(ctx)
	if err != nil {
		m.logWarn(ctx, "auto_recovery", "registry scan failed",
			slog.String("error", err.Error()))
		return notActivated, ErrNotActivated
	}

	var best *RemoteRecord
	bestCount := 0
	for i := range rows {
		row := &rows[i]
		if row.Status != StatusActive || !row.HasBindings() {
			continue
		}
		if count := fp.MatchCount(row.Binding()); fp.Matches(row.Binding()) && count > bestCount {
			best, bestCount = row, count
		}
	}
	if best == nil {
		m.logInfo(ctx, "auto_recovery", "no registry row matches this hardware")
		return notActivated, ErrNotActivated
	}

	rec := &LicenseRecord{LicenseKey: best.LicenseKey, Status: StatusActive}
	reconcileRecord(rec, best)
	rec.SetBinding(fp)
	rec.LastVerifiedAt = now
	rec.OfflineGraceUntil = now.Add(m.cfg.OfflineGrace)

	if err := m.store.Save(rec); err != nil {
		return notActivated, fmt.Errorf("persist recovered license: %w", err)
	}
	if err := m.store.AppendAudit(EventActivate, rec.LicenseKey,
		fmt.Sprintf("auto-recovery, %d of 3 components matched", bestCount)); err != nil {
		m.logWarn(ctx, "auto_recovery", "audit append failed", slog.String("error", err.Error()))
	}
	m.postRegistryAsync(rec, false, "")

	m.logLicenseAction(ctx, slog.LevelInfo, "auto_recovery", "license recovered from registry", rec.LicenseKey, rec.LicenseeEmail,
		slog.Int("matched_components", bestCount))
	return &ValidationOutcome{Result: ResultValid, Status: StatusActive, CheckedAt: now,
		DaysLeft: rec.DaysToExpiry(now), GraceUntil: rec.OfflineGraceUntil,
		Warning: "license restored from the registry for this machine"}, nil
}

// currentFingerprint collects the hardware probe under a span. The probe
// itself never fails outright; exhausted sources degrade to fallback
// components.
func (m *Manager) currentFingerprint(ctx context.Context) security.Fingerprint {
	var fp security.Fingerprint
	_ = m.TraceFingerprint(ctx, func() error {
		fp = m.fingerprints.Current()
		if fp.IsZero() {
			return fmt.Errorf("fingerprint probe produced no components")
		}
		return nil
	})
	return fp
}

// postRegistryAsync reports the record state to the registry webhook
// without blocking the caller. Failures are logged and dropped; the webhook
// is advisory.
func (m *Manager) postRegistryAsync(rec *LicenseRecord, isTransfer bool, sourceIP string) {
	update := updateFromRecord(rec, isTransfer, sourceIP)
	logger := m.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), registryPostTimeout)
		defer cancel()
		if err := m.registry.Post(ctx, update); err != nil {
			logger.Warn("registry report-back failed",
				slog.String("license_key_masked", MaskKey(update.LicenseKey)),
				slog.Bool("is_transfer", isTransfer),
				slog.String("error", err.Error()))
		}
	}()
}

func (m *Manager) auditValidateFail(ctx context.Context, licenseKey, detail string) {
	if err := m.store.AppendAudit(EventValidateFail, licenseKey, detail); err != nil {
		m.logWarn(ctx, "validation", "audit append failed", slog.String("error", err.Error()))
	}
}

// manualRemainingLocked returns how many manual checks are left today.
// Callers hold m.mu.
func (m *Manager) manualRemainingLocked(now time.Time) int {
	if m.manualDay != now.Format("2006-01-02") {
		return m.cfg.ManualChecksPerDay
	}
	left := m.cfg.ManualChecksPerDay - m.manualCount
	if left < 0 {
		left = 0
	}
	return left
}

// countManualLocked records one manual check against today's allowance,
// resetting the counter at the local-midnight day rollover.
func (m *Manager) countManualLocked(now time.Time) {
	day := now.Format("2006-01-02")
	if m.manualDay != day {
		m.manualDay = day
		m.manualCount = 0
	}
	m.manualCount++
}

// reconcileRecord copies the authoritative registry fields onto the local
// record. Hardware bindings and the grace window are the caller's business.
func reconcileRecord(rec *LicenseRecord, remote *RemoteRecord) {
	rec.Tier = remote.Tier
	rec.ExpiryDate = remote.ExpiryDate
	rec.TransferCount = remote.TransferCount
	if remote.LicenseeName != "" {
		rec.LicenseeName = remote.LicenseeName
	}
	if remote.LicenseeEmail != "" {
		rec.LicenseeEmail = remote.LicenseeEmail
	}
}

// remoteUsable rejects registry rows that cannot be activated.
func remoteUsable(remote *RemoteRecord, now time.Time) error {
	switch remote.Status {
	case StatusRevoked:
		return fmt.Errorf("%w: key revoked in registry", ErrLicenseRevoked)
	case StatusExpired:
		return fmt.Errorf("%w: key marked expired in registry", ErrLicenseExpired)
	case StatusActive:
	default:
		return fmt.Errorf("%w: registry status %q", ErrKeyNotActive, remote.Status)
	}
	if remoteExpired(remote, now) {
		return fmt.Errorf("%w: expired %s", ErrLicenseExpired, remote.ExpiryDate.Format("2006-01-02"))
	}
	return nil
}

func remoteExpired(remote *RemoteRecord, now time.Time) bool {
	return !remote.ExpiryDate.IsZero() && now.After(remote.ExpiryDate)
}
