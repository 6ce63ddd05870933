package license

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// TransferManager moves a license binding to the current machine. Checks
// run in a fixed order and short-circuit on the first failure; bindings are
// only touched once every check has passed.
type TransferManager struct {
	m *Manager
}

// NewTransferManager wires the transfer flow over the manager's store,
// registry and notifier.
func NewTransferManager(m *Manager) *TransferManager {
	return &TransferManager{m: m}
}

// RequestTransfer rebinds the license to this machine's fingerprint.
// Transfers require the registry online: an unreachable registry aborts
// rather than being treated as approval. The registered owner gets a
// best-effort email notice before the rebind.
func (t *TransferManager) RequestTransfer(ctx context.Context, licenseKey, email, sourceIP string) error {
	return t.m.TraceTransfer(ctx, licenseKey, func() error {
		t.m.mu.Lock()
		defer t.m.mu.Unlock()
		return t.performTransfer(ctx, licenseKey, email, sourceIP)
	})
}

func (t *TransferManager) performTransfer(ctx context.Context, licenseKey, email, sourceIP string) error {
	m := t.m

	key := NormalizeKey(licenseKey)
	if err := ValidateKeyFormat(key); err != nil {
		return err
	}

	if err := m.store.AppendAudit(EventTransferRequested, key, "source_ip="+sourceIP); err != nil {
		m.logWarn(ctx, "transfer", "audit append failed", slog.String("error", err.Error()))
	}

	remote, err := m.registry.Fetch(ctx, key)
	if err != nil {
		m.logLicenseAction(ctx, slog.LevelWarn, "transfer", "registry lookup failed", key, email,
			slog.String("error", err.Error()))
		return err
	}

	now := time.Now()
	if err := remoteUsable(remote, now); err != nil {
		t.deny(ctx, key, email, fmt.Sprintf("registry status %q", remote.Status))
		return err
	}

	if remote.TransferCount >= m.cfg.MaxTransfers {
		t.deny(ctx, key, email, fmt.Sprintf("transfer limit reached, %d of %d used", remote.TransferCount, m.cfg.MaxTransfers))
		return fmt.Errorf("%w: %d of %d transfers used", ErrTransferLimitExceeded, remote.TransferCount, m.cfg.MaxTransfers)
	}

	if !strings.EqualFold(strings.TrimSpace(email), strings.TrimSpace(remote.LicenseeEmail)) {
		t.deny(ctx, key, email, "licensee email mismatch")
		return fmt.Errorf("%w: email does not match the registered licensee", ErrEmailVerificationFailed)
	}

	fp := m.currentFingerprint(ctx)

	// Owner notice is best-effort; a mail outage never blocks a legitimate
	// transfer.
	if m.notifier != nil {
		notice := TransferNotice{
			LicenseKey:    key,
			LicenseeName:  remote.LicenseeName,
			LicenseeEmail: remote.LicenseeEmail,
			NewComponents: fp.Components(),
			RequestedAt:   now,
			SourceIP:      sourceIP,
		}
		if err := m.notifier.NotifyTransfer(ctx, notice); err != nil {
			m.logWarn(ctx, "transfer", "owner notification failed",
				slog.String("license_key_masked", MaskKey(key)),
				slog.String("error", err.Error()))
		}
	}

	rec, err := m.store.LoadByKey(key)
	if err != nil {
		// Fresh machine with no local record is the normal transfer case.
		rec = &LicenseRecord{LicenseKey: key}
	}

	reconcileRecord(rec, remote)
	rec.Status = StatusActive
	rec.SetBinding(fp)
	rec.TransferCount = remote.TransferCount + 1
	rec.LastVerifiedAt = now
	rec.OfflineGraceUntil = now.Add(m.cfg.OfflineGrace)

	if err := m.store.Save(rec); err != nil {
		return fmt.Errorf("persist transferred license: %w", err)
	}

	if err := m.store.AppendAudit(EventTransferApproved, key,
		fmt.Sprintf("transfer %d of %d, source_ip=%s", rec.TransferCount, m.cfg.MaxTransfers, sourceIP)); err != nil {
		m.logWarn(ctx, "transfer", "audit append failed", slog.String("error", err.Error()))
	}

	m.postRegistryAsync(rec, true, sourceIP)

	m.logLicenseAction(ctx, slog.LevelInfo, "transfer", "license transferred to this machine", key, remote.LicenseeEmail,
		slog.Int("transfer_count", rec.TransferCount),
		slog.String("source_ip", sourceIP))
	return nil
}

// deny audits a transfer denial. The caller returns the matching sentinel.
func (t *TransferManager) deny(ctx context.Context, key, email, detail string) {
	if err := t.m.store.AppendAudit(EventTransferDenied, key, detail); err != nil {
		t.m.logWarn(ctx, "transfer", "audit append failed", slog.String("error", err.Error()))
	}
	t.m.logLicenseAction(ctx, slog.LevelWarn, "transfer", "transfer denied", key, email,
		slog.String("reason", detail))
}
