package license

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"mwbcli/internal/config"
	"mwbcli/internal/security"
)

const testKey = "MWB-1111-2222-3333"

// =============================================================================
// Registry Fake
// =============================================================================

// fakeRegistry implements Registry in memory. Call counters let tests
// assert the zero-network guarantees.
type fakeRegistry struct {
	mu         sync.Mutex
	rows       map[string]RemoteRecord
	fetchErr   error
	scanErr    error
	postErr    error
	fetchCalls int
	scanCalls  int
	posts      []RegistryUpdate
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{rows: make(map[string]RemoteRecord)}
}

func (f *fakeRegistry) Fetch(ctx context.Context, key string) (*RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	row, ok := f.rows[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, MaskKey(key))
	}
	out := row
	return &out, nil
}

func (f *fakeRegistry) Scan(ctx context.Context) ([]RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanCalls++
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	rows := make([]RemoteRecord, 0, len(f.rows))
	for _, row := range f.rows {
		rows = append(rows, row)
	}
	return rows, nil
}

func (f *fakeRegistry) Post(ctx context.Context, update RegistryUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return f.postErr
	}
	f.posts = append(f.posts, update)
	return nil
}

func (f *fakeRegistry) setRow(row RemoteRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[row.LicenseKey] = row
}

func (f *fakeRegistry) setFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

func (f *fakeRegistry) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func (f *fakeRegistry) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func (f *fakeRegistry) lastPost() RegistryUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.posts) == 0 {
		return RegistryUpdate{}
	}
	return f.posts[len(f.posts)-1]
}

// errRegistryDown mimics the wrapped sentinel the sheet client returns on
// transport failure.
func errRegistryDown() error {
	return fmt.Errorf("%w: dial tcp: no route to host", ErrRegistryUnavailable)
}

// =============================================================================
// Manager Fixtures
// =============================================================================

func testLicenseConfig() config.LicenseConfig {
	return config.LicenseConfig{
		MaxTransfers:       3,
		OfflineGrace:       336 * time.Hour,
		ManualChecksPerDay: 3,
		GateCacheTTL:       5 * time.Minute,
	}
}

func newTestManager(t *testing.T, reg Registry) *Manager {
	t.Helper()

	store := newTestStore(t)
	fingerprints := security.NewFingerprinter(time.Hour, slog.Default())
	return NewManager(store, reg, fingerprints, nil, testLicenseConfig(), slog.Default())
}

// activeRow builds a registry row bound to fp. A zero fp leaves the row
// unbound, as rows look before first activation.
func activeRow(key string, fp security.Fingerprint) RemoteRecord {
	return RemoteRecord{
		LicenseKey:    key,
		Status:        StatusActive,
		Tier:          TierStandard,
		ExpiryDate:    time.Now().AddDate(1, 0, 0),
		HardwareHash1: fp.Network,
		HardwareHash2: fp.CPU,
		HardwareHash3: fp.Board,
		LicenseeName:  "Site Hydrologist",
		LicenseeEmail: "owner@minesite.example",
		TransferCount: 0,
	}
}

func auditTypes(t *testing.T, store *Store) []string {
	t.Helper()
	events, err := store.QueryAudit(AuditFilter{})
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	return types
}

// rewriteGrace re-saves the record with a shifted grace window through the
// sealing path, standing in for elapsed wall-clock time.
func rewriteGrace(t *testing.T, m *Manager, until time.Time) {
	t.Helper()
	rec, err := m.store.Load()
	require.NoError(t, err)
	rec.OfflineGraceUntil = until
	require.NoError(t, m.store.Save(rec))
}

// =============================================================================
// Activation
// =============================================================================

func TestActivateBindsCurrentHardware(t *testing.T) {
	reg := newFakeRegistry()
	reg.setRow(activeRow(testKey, security.Fingerprint{}))
	m := newTestManager(t, reg)

	require.NoError(t, m.Activate(context.Background(), testKey, "Site Hydrologist", "owner@minesite.example"))

	rec, err := m.store.Load()
	require.NoError(t, err)
	fp := m.fingerprints.Current()

	assert.Equal(t, StatusActive, rec.Status)
	assert.Equal(t, fp, rec.Binding(), "activation binds the current probe unconditionally")
	assert.Equal(t, 0, rec.TransferCount, "transfer count comes from the registry row")
	assert.WithinDuration(t, time.Now(), rec.LastVerifiedAt, time.Minute)
	assert.WithinDuration(t, time.Now().Add(336*time.Hour), rec.OfflineGraceUntil, time.Minute)

	assert.Contains(t, auditTypes(t, m.store), EventActivate)

	require.Eventually(t, func() bool { return reg.postCount() >= 1 }, 2*time.Second, 10*time.Millisecond,
		"activation reports the binding back to the registry")
	post := reg.lastPost()
	assert.False(t, post.IsTransfer)
	assert.Equal(t, fp.Network, post.HW1)
	assert.Equal(t, testKey, post.LicenseKey)
}

func TestActivateAcceptsMessyKeyInput(t *testing.T) {
	reg := newFakeRegistry()
	reg.setRow(activeRow(testKey, security.Fingerprint{}))
	m := newTestManager(t, reg)

	// Lowercase, stray spacing and missing dashes all normalize away.
	require.NoError(t, m.Activate(context.Background(), " mwb 1111 2222 3333 ", "", "owner@minesite.example"))

	rec, err := m.store.Load()
	require.NoError(t, err)
	assert.Equal(t, testKey, rec.LicenseKey)
}

func TestActivateIdempotentOnSameHardware(t *testing.T) {
	reg := newFakeRegistry()
	reg.setRow(activeRow(testKey, security.Fingerprint{}))
	m := newTestManager(t, reg)
	ctx := context.Background()

	require.NoError(t, m.Activate(ctx, testKey, "Site Hydrologist", "owner@minesite.example"))
	first, err := m.store.Load()
	require.NoError(t, err)

	require.NoError(t, m.Activate(ctx, testKey, "Site Hydrologist", "owner@minesite.example"))
	second, err := m.store.Load()
	require.NoError(t, err)

	assert.Equal(t, first.TransferCount, second.TransferCount, "re-activation must not count as a transfer")
	assert.Equal(t, first.Binding(), second.Binding())

	var rows int64
	require.NoError(t, m.store.db.Model(&LicenseRecord{}).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
}

func TestActivateRejections(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(reg *fakeRegistry) string
		wantErr error
	}{
		{
			name: "malformed key",
			prepare: func(reg *fakeRegistry) string {
				return "WRONG-FORMAT"
			},
			wantErr: ErrInvalidKeyFormat,
		},
		{
			name: "key not in registry",
			prepare: func(reg *fakeRegistry) string {
				return testKey
			},
			wantErr: ErrKeyNotFound,
		},
		{
			name: "pending key",
			prepare: func(reg *fakeRegistry) string {
				row := activeRow(testKey, security.Fingerprint{})
				row.Status = StatusPending
				reg.setRow(row)
				return testKey
			},
			wantErr: ErrKeyNotActive,
		},
		{
			name: "revoked key",
			prepare: func(reg *fakeRegistry) string {
				row := activeRow(testKey, security.Fingerprint{})
				row.Status = StatusRevoked
				reg.setRow(row)
				return testKey
			},
			wantErr: ErrLicenseRevoked,
		},
		{
			name: "expired by status",
			prepare: func(reg *fakeRegistry) string {
				row := activeRow(testKey, security.Fingerprint{})
				row.Status = StatusExpired
				reg.setRow(row)
				return testKey
			},
			wantErr: ErrLicenseExpired,
		},
		{
			name: "expired by date",
			prepare: func(reg *fakeRegistry) string {
				row := activeRow(testKey, security.Fingerprint{})
				row.ExpiryDate = time.Now().AddDate(0, 0, -1)
				reg.setRow(row)
				return testKey
			},
			wantErr: ErrLicenseExpired,
		},
		{
			name: "registry unreachable",
			prepare: func(reg *fakeRegistry) string {
				reg.setFetchErr(errRegistryDown())
				return testKey
			},
			wantErr: ErrRegistryUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newFakeRegistry()
			key := tt.prepare(reg)
			m := newTestManager(t, reg)

			err := m.Activate(context.Background(), key, "", "")
			assert.ErrorIs(t, err, tt.wantErr)

			_, err = m.store.Load()
			assert.ErrorIs(t, err, ErrNotActivated, "failed activation must not persist a record")
		})
	}
}

func TestActivateMalformedKeySkipsRegistry(t *testing.T) {
	reg := newFakeRegistry()
	m := newTestManager(t, reg)

	err := m.Activate(context.Background(), "TOTALLY-BOGUS", "", "")
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
	assert.Zero(t, reg.fetchCount(), "format rejection happens before any network call")
}

// =============================================================================
// Startup Validation
// =============================================================================

func activatedManager(t *testing.T) (*Manager, *fakeRegistry) {
	t.Helper()
	reg := newFakeRegistry()
	reg.setRow(activeRow(testKey, security.Fingerprint{}))
	m := newTestManager(t, reg)
	require.NoError(t, m.Activate(context.Background(), testKey, "Site Hydrologist", "owner@minesite.example"))
	// Registered bindings now reflect the activation, as they would after
	// the webhook lands.
	reg.setRow(activeRow(testKey, m.fingerprints.Current()))
	return m, reg
}

func TestValidateStartupOnline(t *testing.T) {
	m, _ := activatedManager(t)

	before, err := m.store.Load()
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	outcome, err := m.ValidateStartup(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ResultValid, outcome.Result)
	assert.False(t, outcome.Offline)
	assert.Empty(t, outcome.Warning)

	after, err := m.store.Load()
	require.NoError(t, err)
	assert.True(t, after.LastVerifiedAt.After(before.LastVerifiedAt),
		"successful online validation advances LastVerifiedAt")
	assert.Contains(t, auditTypes(t, m.store), EventValidateOK)
}

func TestValidateStartupFuzzyMatch(t *testing.T) {
	tests := []struct {
		name    string
		drift   int
		wantErr error
	}{
		{name: "all three components match", drift: 0, wantErr: nil},
		{name: "one component drifted", drift: 1, wantErr: nil},
		{name: "two components drifted", drift: 2, wantErr: ErrHardwareMismatch},
		{name: "all components drifted", drift: 3, wantErr: ErrHardwareMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, reg := activatedManager(t)

			row := activeRow(testKey, m.fingerprints.Current())
			drifted := []*string{&row.HardwareHash1, &row.HardwareHash2, &row.HardwareHash3}
			for i := 0; i < tt.drift; i++ {
				*drifted[i] = fmt.Sprintf("drifted-component-%d", i)
			}
			reg.setRow(row)

			before, err := m.store.Load()
			require.NoError(t, err)

			outcome, err := m.ValidateStartup(context.Background())
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, ResultValid, outcome.Result)
				return
			}

			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, ResultMismatch, outcome.Result)

			after, loadErr := m.store.Load()
			require.NoError(t, loadErr)
			assert.Equal(t, before.Binding(), after.Binding(), "mismatch leaves the record untouched")
			assert.Equal(t, before.LastVerifiedAt.Unix(), after.LastVerifiedAt.Unix())
		})
	}
}

func TestValidateStartupRevokedBeatsGrace(t *testing.T) {
	m, reg := activatedManager(t)

	row := activeRow(testKey, m.fingerprints.Current())
	row.Status = StatusRevoked
	reg.setRow(row)

	// Grace is still weeks away; revocation must win anyway.
	outcome, err := m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err, ErrLicenseRevoked)
	assert.Equal(t, ResultRevoked, outcome.Result)

	rec, err := m.store.Load()
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, rec.Status, "revocation is persisted for the next startup")
	assert.Contains(t, auditTypes(t, m.store), EventRevokedDetected)
}

func TestValidateStartupRemoteExpired(t *testing.T) {
	m, reg := activatedManager(t)

	row := activeRow(testKey, m.fingerprints.Current())
	row.ExpiryDate = time.Now().AddDate(0, 0, -2)
	reg.setRow(row)

	outcome, err := m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err, ErrLicenseExpired)
	assert.Equal(t, ResultExpired, outcome.Result)

	rec, err := m.store.Load()
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, rec.Status)
}

func TestValidateStartupOfflineGrace(t *testing.T) {
	m, reg := activatedManager(t)
	reg.setFetchErr(errRegistryDown())

	before, err := m.store.Load()
	require.NoError(t, err)

	// Inside the grace window the session proceeds with a warning.
	outcome, err := m.ValidateStartup(context.Background())
	require.NoError(t, err, "grace keeps the session alive")
	assert.Equal(t, ResultGrace, outcome.Result)
	assert.True(t, outcome.Offline)
	assert.NotEmpty(t, outcome.Warning)
	assert.Equal(t, before.OfflineGraceUntil.Unix(), outcome.GraceUntil.Unix())

	after, err := m.store.Load()
	require.NoError(t, err)
	assert.Equal(t, before.LastVerifiedAt.Unix(), after.LastVerifiedAt.Unix(),
		"offline validation must not advance LastVerifiedAt")

	// Once grace has elapsed the typed error surfaces, but the status is
	// not regressed: connectivity says nothing about validity.
	rewriteGrace(t, m, time.Now().Add(-time.Hour))

	outcome, err = m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err, ErrOfflineGraceExpired)
	assert.Equal(t, ResultGraceExpired, outcome.Result)

	final, err := m.store.Load()
	require.NoError(t, err)
	assert.Equal(t, StatusActive, final.Status, "grace expiry never rewrites the status")
}

func TestValidateStartupKeyVanishedFromRegistry(t *testing.T) {
	m, reg := activatedManager(t)
	reg.mu.Lock()
	delete(reg.rows, testKey)
	reg.mu.Unlock()

	_, err := m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err, ErrKeyNotFound)

	rec, loadErr := m.store.Load()
	require.NoError(t, loadErr)
	assert.Equal(t, StatusActive, rec.Status, "a missing row is not a revocation")
}

// =============================================================================
// Auto-recovery
// =============================================================================

func TestAutoRecoveryRebindsWithoutKeyEntry(t *testing.T) {
	reg := newFakeRegistry()
	m := newTestManager(t, reg)
	fp := m.fingerprints.Current()

	row := activeRow(testKey, fp)
	row.TransferCount = 1
	reg.setRow(row)

	outcome, err := m.ValidateStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultValid, outcome.Result)
	assert.NotEmpty(t, outcome.Warning, "recovery is surfaced to the shell")

	rec, err := m.store.Load()
	require.NoError(t, err)
	assert.Equal(t, testKey, rec.LicenseKey)
	assert.Equal(t, fp, rec.Binding())
	assert.Equal(t, 1, rec.TransferCount)

	events, err := m.store.QueryAudit(AuditFilter{EventType: EventActivate})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Detail, "auto-recovery")
}

func TestAutoRecoveryNoMatchingRow(t *testing.T) {
	reg := newFakeRegistry()
	m := newTestManager(t, reg)

	// An active row bound to entirely different hardware must not recover.
	reg.setRow(activeRow(testKey, security.Fingerprint{
		Network: "other-net", CPU: "other-cpu", Board: "other-board",
	}))

	outcome, err := m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err, ErrNotActivated)
	assert.Equal(t, ResultNotActivated, outcome.Result)

	_, err = m.store.Load()
	assert.ErrorIs(t, err, ErrNotActivated)
}

func TestAutoRecoveryScanFailure(t *testing.T) {
	reg := newFakeRegistry()
	reg.scanErr = errRegistryDown()
	m := newTestManager(t, reg)

	_, err := m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err, ErrNotActivated)
}

func TestAutoRecoverySkipsRevokedRows(t *testing.T) {
	reg := newFakeRegistry()
	m := newTestManager(t, reg)

	row := activeRow(testKey, m.fingerprints.Current())
	row.Status = StatusRevoked
	reg.setRow(row)

	_, err := m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err, ErrNotActivated)
}

// =============================================================================
// Manual Validation Rate Limit
// =============================================================================

func TestValidateManualRateLimit(t *testing.T) {
	m, reg := activatedManager(t)
	ctx := context.Background()
	baseline := reg.fetchCount()

	for i := 0; i < 3; i++ {
		outcome, err := m.ValidateManual(ctx)
		require.NoError(t, err, "check %d within the daily allowance", i+1)
		assert.Equal(t, ResultValid, outcome.Result)
	}
	require.Equal(t, baseline+3, reg.fetchCount())

	outcome, err := m.ValidateManual(ctx)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, ResultRateLimited, outcome.Result)
	assert.Equal(t, baseline+3, reg.fetchCount(), "over-limit checks make zero registry calls")
}

func TestValidateManualCountsFailedChecks(t *testing.T) {
	m, reg := activatedManager(t)
	ctx := context.Background()

	// Remote bindings now belong to a different machine entirely, so every
	// manual check fails with a mismatch. Failures still burn allowance.
	reg.setRow(activeRow(testKey, security.Fingerprint{
		Network: "other-net", CPU: "other-cpu", Board: "other-board",
	}))

	for i := 0; i < 3; i++ {
		_, err := m.ValidateManual(ctx)
		assert.ErrorIs(t, err, ErrHardwareMismatch)
	}

	baseline := reg.fetchCount()
	_, err := m.ValidateManual(ctx)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, baseline, reg.fetchCount())
}

func TestValidateManualDayRollover(t *testing.T) {
	m, _ := activatedManager(t)

	// Exhausted allowance stamped with yesterday's date resets on the next
	// check.
	m.mu.Lock()
	m.manualDay = time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	m.manualCount = 3
	m.mu.Unlock()

	_, err := m.ValidateManual(context.Background())
	require.NoError(t, err, "the counter resets at local midnight")
}

// =============================================================================
// Background Validation
// =============================================================================

func TestValidateBackgroundNeverFatal(t *testing.T) {
	m, reg := activatedManager(t)
	ctx := context.Background()

	row := activeRow(testKey, m.fingerprints.Current())
	row.Status = StatusRevoked
	reg.setRow(row)

	outcome := m.ValidateBackground(ctx)
	require.NotNil(t, outcome)
	assert.Equal(t, ResultRevoked, outcome.Result)
	assert.NotEmpty(t, outcome.Warning, "revocation surfaces as a warning, not a crash")

	// The persisted status does the enforcing at next startup.
	rec, err := m.store.Load()
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, rec.Status)
}

func TestValidateBackgroundOfflineGrace(t *testing.T) {
	m, reg := activatedManager(t)
	reg.setFetchErr(errRegistryDown())

	outcome := m.ValidateBackground(context.Background())
	require.NotNil(t, outcome)
	assert.Equal(t, ResultGrace, outcome.Result)
	assert.True(t, outcome.Offline)
}

// =============================================================================
// Status
// =============================================================================

func TestStatusNotActivated(t *testing.T) {
	m := newTestManager(t, newFakeRegistry())

	snapshot, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, snapshot.Activated)
	assert.Equal(t, ResultNotActivated, snapshot.Status)
	assert.Equal(t, 3, snapshot.ManualChecksLeft)
}

func TestStatusMasksSensitiveFields(t *testing.T) {
	m, reg := activatedManager(t)
	baseline := reg.fetchCount()

	snapshot, err := m.Status(context.Background())
	require.NoError(t, err)

	assert.True(t, snapshot.Activated)
	assert.Equal(t, StatusActive, snapshot.Status)
	assert.Equal(t, "MWB-1111-****-****", snapshot.LicenseKey)
	assert.NotContains(t, snapshot.LicenseeEmail, "owner@", "email local part is masked")
	assert.Contains(t, snapshot.LicenseeEmail, "@minesite.example")
	assert.Equal(t, 3, snapshot.TransfersLeft)
	assert.True(t, snapshot.InGrace)
	assert.Equal(t, baseline, reg.fetchCount(), "status reads never touch the network")
}

func TestStatusTamperedRecordReadsNotActivated(t *testing.T) {
	m, _ := activatedManager(t)

	err := m.store.db.Model(&LicenseRecord{}).
		Where("license_key = ?", testKey).
		Update("expiry_date", time.Now().AddDate(10, 0, 0)).Error
	require.NoError(t, err)

	snapshot, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, snapshot.Activated, "a record that fails its seal is not trusted")
}

// =============================================================================
// Concurrency
// =============================================================================

func TestManagerConcurrentAccess(t *testing.T) {
	m, _ := activatedManager(t)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			if outcome := m.ValidateBackground(ctx); outcome == nil {
				return fmt.Errorf("nil background outcome")
			}
			return nil
		})
		g.Go(func() error {
			_, err := m.Status(ctx)
			return err
		})
	}
	require.NoError(t, g.Wait())

	rec, err := m.store.Load()
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)
}
