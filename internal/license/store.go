package license

import (
	"errors"
	"fmt"
	stdlog "log"
	"log/slog"
	"os"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mwbcli/internal/security"
)

// Store persists license records and audit events in a local SQLite
// database. All writes go through a single mutex; the engine is the only
// writer and SQLite is happiest that way.
type Store struct {
	db     *gorm.DB
	sealer *security.Sealer
	logger *slog.Logger
	mu     sync.Mutex
}

// OpenStore opens (creating if needed) the license database at path and
// runs migrations.
func OpenStore(path string, sealer *security.Sealer, logger *slog.Logger) (*Store, error) {
	if sealer == nil {
		return nil, fmt.Errorf("license store requires a sealer")
	}
	if logger == nil {
		logger = slog.Default()
	}

	gormLog := gormlogger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	cnx := path + "?cache=shared&mode=rwc"
	db, err := gorm.Open(sqlite.Open(cnx), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("failed to open license database: %w", err)
	}

	db.Exec("PRAGMA journal_mode = WAL")
	db.Exec("PRAGMA foreign_keys = ON")

	if err := db.AutoMigrate(&LicenseRecord{}, &AuditEvent{}); err != nil {
		return nil, fmt.Errorf("failed to migrate license database: %w", err)
	}

	logger.Info("license store opened",
		slog.String("component", "license_store"),
		slog.String("path", path))

	return &Store{db: db, sealer: sealer, logger: logger.With(slog.String("component", "license_store"))}, nil
}

// Save computes the integrity seal and upserts the record by license key.
// Records for other keys are left in place as history.
func (s *Store) Save(rec *LicenseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seal, err := s.sealer.Seal(rec.LicenseKey, rec.sealCanonical())
	if err != nil {
		return fmt.Errorf("failed to seal license record: %w", err)
	}
	rec.Seal = seal

	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing LicenseRecord
		err := tx.Select("id", "created_at").Where("license_key = ?", rec.LicenseKey).First(&existing).Error
		switch {
		case err == nil:
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
		case errors.Is(err, gorm.ErrRecordNotFound):
			// first save for this key
		default:
			return err
		}
		return tx.Save(rec).Error
	})
}

// Load returns the most recently updated license record. It returns
// ErrNotActivated when the table is empty and ErrRecordTampered when the
// record fails its seal check.
func (s *Store) Load() (*LicenseRecord, error) {
	var rec LicenseRecord
	err := s.db.Order("updated_at DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotActivated
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load license record: %w", err)
	}

	if !s.sealer.Verify(rec.LicenseKey, rec.sealCanonical(), rec.Seal) {
		s.logger.Warn("license record failed integrity check",
			slog.String("license_key_masked", MaskKey(rec.LicenseKey)))
		return nil, ErrRecordTampered
	}

	return &rec, nil
}

// LoadByKey returns the record for a specific key, ErrNotActivated when the
// key has never been saved locally.
func (s *Store) LoadByKey(key string) (*LicenseRecord, error) {
	var rec LicenseRecord
	err := s.db.Where("license_key = ?", NormalizeKey(key)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotActivated
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load license record: %w", err)
	}

	if !s.sealer.Verify(rec.LicenseKey, rec.sealCanonical(), rec.Seal) {
		return nil, ErrRecordTampered
	}

	return &rec, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
