package license

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"
)

// Audit event types. These names also appear in support tooling on the
// registry side; do not rename them.
const (
	EventActivate          = "ACTIVATE"
	EventValidateOK        = "VALIDATE_OK"
	EventValidateFail      = "VALIDATE_FAIL"
	EventTransferRequested = "TRANSFER_REQUESTED"
	EventTransferApproved  = "TRANSFER_APPROVED"
	EventTransferDenied    = "TRANSFER_DENIED"
	EventRevokedDetected   = "REVOKED_DETECTED"
)

// maxAuditRows caps query and export sizes.
const maxAuditRows = 1000

// ValidEventType reports whether eventType names a known audit event.
func ValidEventType(eventType string) bool {
	switch eventType {
	case EventActivate, EventValidateOK, EventValidateFail,
		EventTransferRequested, EventTransferApproved, EventTransferDenied,
		EventRevokedDetected:
		return true
	}
	return false
}

// AuditEvent is one row of the append-only audit trail. Rows are only ever
// inserted; there is no update or delete path. The key is stored masked,
// with a short hash for correlation against registry-side records.
type AuditEvent struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
	EventType  string    `gorm:"size:32;index" json:"event_type"`
	LicenseKey string    `gorm:"size:32" json:"license_key"`
	KeyHash    string    `gorm:"size:16" json:"key_hash"`
	Detail     string    `gorm:"size:512" json:"detail"`
}

// AuditFilter narrows audit queries. Zero values mean "no constraint".
type AuditFilter struct {
	EventType string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// AppendAudit inserts an audit event. The license key is masked before it
// is written. Failures are returned to the caller for logging but must not
// change the outcome of the operation being audited.
func (s *Store) AppendAudit(eventType, licenseKey, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := AuditEvent{
		CreatedAt:  time.Now(),
		EventType:  eventType,
		LicenseKey: MaskKey(licenseKey),
		KeyHash:    HashKey(licenseKey),
		Detail:     detail,
	}

	if err := s.db.Create(&ev).Error; err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}

	s.logger.Debug("audit event recorded",
		slog.String("event_type", eventType),
		slog.String("license_key_masked", ev.LicenseKey))

	return nil
}

// QueryAudit returns audit events matching the filter in insertion order,
// capped at maxAuditRows.
func (s *Store) QueryAudit(filter AuditFilter) ([]AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 || limit > maxAuditRows {
		limit = maxAuditRows
	}

	q := s.db.Model(&AuditEvent{})
	if filter.EventType != "" {
		q = q.Where("event_type = ?", filter.EventType)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("created_at <= ?", filter.Until)
	}

	var events []AuditEvent
	if err := q.Order("id ASC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	return events, nil
}

// CountAudit returns the total number of audit events.
func (s *Store) CountAudit() (int64, error) {
	var count int64
	if err := s.db.Model(&AuditEvent{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return count, nil
}

// ExportAudit writes matching audit events to an XLSX workbook at path,
// for licensing reviews and support cases.
func (s *Store) ExportAudit(path string, filter AuditFilter) error {
	f, err := s.auditWorkbook(filter)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save audit export: %w", err)
	}
	return nil
}

// WriteAuditWorkbook streams the XLSX export to w. Used by the HTTP
// download endpoint.
func (s *Store) WriteAuditWorkbook(w io.Writer, filter AuditFilter) error {
	f, err := s.auditWorkbook(filter)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write audit export: %w", err)
	}
	return nil
}

func (s *Store) auditWorkbook(filter AuditFilter) (*excelize.File, error) {
	events, err := s.QueryAudit(filter)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()

	const sheet = "Audit"
	if _, err := f.NewSheet(sheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create audit sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")

	headers := []string{"Time", "Event", "License Key", "Key Hash", "Detail"}
	for i, h := range headers {
		cell := fmt.Sprintf("%c1", rune('A'+i))
		f.SetCellValue(sheet, cell, h)
	}

	for i, ev := range events {
		row := i + 2
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), ev.CreatedAt.Format(time.RFC3339))
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), ev.EventType)
		f.SetCellValue(sheet, fmt.Sprintf("C%d", row), ev.LicenseKey)
		f.SetCellValue(sheet, fmt.Sprintf("D%d", row), ev.KeyHash)
		f.SetCellValue(sheet, fmt.Sprintf("E%d", row), ev.Detail)
	}

	return f, nil
}
