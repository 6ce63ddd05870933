package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"mwbcli/internal/config"
	"mwbcli/internal/security"
)

// Registry reads license rows from the hosted registry and reports state
// changes back through the webhook. Fetch and Scan never mutate anything;
// Post is best-effort and the callers ignore its result.
type Registry interface {
	Fetch(ctx context.Context, key string) (*RemoteRecord, error)
	Scan(ctx context.Context) ([]RemoteRecord, error)
	Post(ctx context.Context, update RegistryUpdate) error
}

// RemoteRecord is one parsed row of the registry sheet.
type RemoteRecord struct {
	LicenseKey    string
	Status        string
	Tier          string
	ExpiryDate    time.Time
	HardwareHash1 string
	HardwareHash2 string
	HardwareHash3 string
	LicenseeName  string
	LicenseeEmail string
	TransferCount int
	Notes         string
}

// Binding returns the registered hardware hashes as a fingerprint in
// canonical component order.
func (r *RemoteRecord) Binding() security.Fingerprint {
	return security.Fingerprint{
		Network: r.HardwareHash1,
		CPU:     r.HardwareHash2,
		Board:   r.HardwareHash3,
	}
}

// HasBindings reports whether any hardware hash is registered. Rows issued
// before first activation have all three empty.
func (r *RemoteRecord) HasBindings() bool {
	return r.HardwareHash1 != "" || r.HardwareHash2 != "" || r.HardwareHash3 != ""
}

// RegistryUpdate is the webhook report-back payload. The field names are
// part of the registry contract; hw1..hw3 carry the positional hardware
// hashes (network, cpu, board).
type RegistryUpdate struct {
	LicenseKey    string `json:"license_key"`
	Status        string `json:"status"`
	HW1           string `json:"hw1"`
	HW2           string `json:"hw2"`
	HW3           string `json:"hw3"`
	LicenseeName  string `json:"licensee_name"`
	LicenseeEmail string `json:"licensee_email"`
	LicenseTier   string `json:"license_tier"`
	IsTransfer    bool   `json:"is_transfer"`
	SourceIP      string `json:"source_ip,omitempty"`
}

// updateFromRecord builds the webhook payload for a local record.
func updateFromRecord(rec *LicenseRecord, isTransfer bool, sourceIP string) RegistryUpdate {
	return RegistryUpdate{
		LicenseKey:    rec.LicenseKey,
		Status:        rec.Status,
		HW1:           rec.HardwareHash1,
		HW2:           rec.HardwareHash2,
		HW3:           rec.HardwareHash3,
		LicenseeName:  rec.LicenseeName,
		LicenseeEmail: rec.LicenseeEmail,
		LicenseTier:   rec.Tier,
		IsTransfer:    isTransfer,
		SourceIP:      sourceIP,
	}
}

// SheetRegistry reads the registry from a Google Sheets spreadsheet and
// posts updates to the registry webhook.
type SheetRegistry struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	webhookURL    string
	client        *http.Client
	timeout       time.Duration
	retryDelay    time.Duration
	logger        *slog.Logger
	metrics       *LicenseMetrics
}

// NewSheetRegistry builds the registry client. The spreadsheet is read
// anonymously or with an API key; the webhook client carries the SPKI
// pinning configuration when one is set.
func NewSheetRegistry(ctx context.Context, cfg config.RegistryConfig, pinner *security.RegistryPinner, logger *slog.Logger) (*SheetRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.RegistryTimeout
	}

	opts := []option.ClientOption{}
	switch {
	case cfg.Endpoint != "":
		// Test path: point the generated client at a local server.
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	default:
		opts = append(opts, option.WithoutAuthentication())
	}

	service, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	if pinner == nil {
		pinner, err = security.NewRegistryPinner(cfg.PinnedSPKI)
		if err != nil {
			return nil, fmt.Errorf("invalid registry pin configuration: %w", err)
		}
	}

	return &SheetRegistry{
		service:       service,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     cfg.SheetName,
		webhookURL:    cfg.WebhookURL,
		client:        pinner.HTTPClient(timeout),
		timeout:       timeout,
		retryDelay:    2 * time.Second,
		logger:        logger.With(slog.String("component", "registry_client")),
	}, nil
}

// SetMetrics attaches OpenTelemetry metrics to the registry client.
func (r *SheetRegistry) SetMetrics(metrics *LicenseMetrics) {
	r.metrics = metrics
}

// Fetch returns the registry row for key. A registry that cannot be
// reached returns ErrRegistryUnavailable so callers route into the grace
// logic; a registry that answers without the key returns ErrKeyNotFound.
func (r *SheetRegistry) Fetch(ctx context.Context, key string) (*RemoteRecord, error) {
	normalized := NormalizeKey(key)

	rows, err := r.fetchRows(ctx, "fetch")
	if err != nil {
		return nil, err
	}

	for i, row := range rows {
		if i == 0 {
			continue // skip header row
		}
		rec, ok := parseRegistryRow(row)
		if !ok {
			continue
		}
		if rec.LicenseKey == normalized {
			return rec, nil
		}
	}

	return nil, ErrKeyNotFound
}

// Scan returns every parseable registry row. Activation recovery uses it
// to look for a license already bound to this machine.
func (r *SheetRegistry) Scan(ctx context.Context) ([]RemoteRecord, error) {
	rows, err := r.fetchRows(ctx, "scan")
	if err != nil {
		return nil, err
	}

	var records []RemoteRecord
	for i, row := range rows {
		if i == 0 {
			continue
		}
		if rec, ok := parseRegistryRow(row); ok {
			records = append(records, *rec)
		}
	}

	return records, nil
}

func (r *SheetRegistry) fetchRows(ctx context.Context, operation string) ([][]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	resp, err := r.service.Spreadsheets.Values.Get(r.spreadsheetID, r.sheetName).Context(ctx).Do()
	r.recordRegistryMetrics(ctx, operation, time.Since(start), err == nil)

	if err != nil {
		r.logger.Warn("registry read failed",
			slog.String("operation", operation),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	return resp.Values, nil
}

// parseRegistryRow converts one sheet row into a RemoteRecord. Rows are
// hand-edited by licensing staff, so parsing is tolerant: short rows,
// stray whitespace, and junk numerics degrade to zero values instead of
// failing the whole read. Column order: key, status, tier, expiry, hw1,
// hw2, hw3, name, email, transfer count, notes.
func parseRegistryRow(row []interface{}) (*RemoteRecord, bool) {
	key := NormalizeKey(cellString(row, 0))
	if key == "" {
		return nil, false
	}

	rec := &RemoteRecord{
		LicenseKey:    key,
		Status:        strings.ToLower(cellString(row, 1)),
		Tier:          strings.ToLower(cellString(row, 2)),
		HardwareHash1: cellString(row, 4),
		HardwareHash2: cellString(row, 5),
		HardwareHash3: cellString(row, 6),
		LicenseeName:  cellString(row, 7),
		LicenseeEmail: cellString(row, 8),
		Notes:         cellString(row, 10),
	}

	if raw := cellString(row, 3); raw != "" {
		if expiry, err := time.Parse("2006-01-02", raw); err == nil {
			rec.ExpiryDate = expiry
		} else if expiry, err := time.Parse(time.RFC3339, raw); err == nil {
			rec.ExpiryDate = expiry
		}
	}

	if raw := cellString(row, 9); raw != "" {
		if count, err := strconv.Atoi(raw); err == nil && count >= 0 {
			rec.TransferCount = count
		}
	}

	return rec, true
}

// cellString safely reads cell idx of a row as a trimmed string.
func cellString(row []interface{}, idx int) string {
	if idx >= len(row) || row[idx] == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(row[idx]))
}

// Post sends an update to the registry webhook with at most one retry.
// Callers run it asynchronously and only log failures; a missed update is
// reconciled by the next successful validation.
func (r *SheetRegistry) Post(ctx context.Context, update RegistryUpdate) error {
	if r.webhookURL == "" {
		r.logger.Debug("registry webhook not configured, skipping report-back",
			slog.String("license_key_masked", MaskKey(update.LicenseKey)))
		return nil
	}

	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode registry update: %w", err)
	}

	start := time.Now()
	err = r.post(ctx, body)
	if err == nil {
		r.recordRegistryMetrics(ctx, "post", time.Since(start), true)
		return nil
	}

	select {
	case <-time.After(r.retryDelay):
	case <-ctx.Done():
		r.recordRegistryMetrics(ctx, "post", time.Since(start), false)
		return ctx.Err()
	}

	retryErr := r.post(ctx, body)
	r.recordRegistryMetrics(ctx, "post", time.Since(start), retryErr == nil)
	if retryErr != nil {
		return fmt.Errorf("registry update failed after retry: %w", retryErr)
	}
	return nil
}

func (r *SheetRegistry) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mwb-suite/"+config.AppVersion)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("registry webhook returned status %d", resp.StatusCode)
	}
	return nil
}
