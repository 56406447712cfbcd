// Package storage is the durable store: a single embedded SQLite database
// behind gorm, WAL-journaled, with a small connection pool. It exclusively
// owns the persisted rows; the orchestrator is the only writer of task rows.
package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"fetcharr/internal/media"
)

const maxOpenConns = 5

// DB wraps the gorm handle.
type DB struct {
	gorm   *gorm.DB
	logger *slog.Logger
}

// Open initializes the SQLite database at dbPath, applies the idempotent
// schema, runs ANALYZE and one-shot backfills.
func Open(dbPath string, logger *slog.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxOpenConns)

	// WAL for concurrent readers alongside the writer.
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	// AutoMigrate is add-if-absent: older installs gain new columns and
	// indexes in place, nothing is dropped.
	if err := db.AutoMigrate(
		&Task{},
		&Session{},
		&Setting{},
		&MediaItem{},
		&MediaEpisode{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	db.Exec("ANALYZE;")

	s := &DB{gorm: db, logger: logger}
	if err := s.backfillQuality(); err != nil {
		logger.Warn("quality backfill failed", "error", err)
	}
	return s, nil
}

// Close closes the underlying pool.
func (s *DB) Close() error {
	sqlDB, err := s.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint for durability on shutdown.
func (s *DB) Checkpoint() error {
	return s.gorm.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// backfillQuality fills quality/resolution from the filename for rows
// created before those columns existed.
func (s *DB) backfillQuality() error {
	var rows []Task
	err := s.gorm.
		Where("(quality IS NULL OR quality = '') AND (resolution IS NULL OR resolution = '') AND filename <> ''").
		Find(&rows).Error
	if err != nil {
		return err
	}

	filled := 0
	for _, t := range rows {
		quality, resolution := media.ParseQuality(t.Filename)
		if quality == "" && resolution == "" {
			continue
		}
		err := s.gorm.Model(&Task{}).Where("id = ?", t.ID).Updates(map[string]interface{}{
			"quality":    quality,
			"resolution": resolution,
		}).Error
		if err != nil {
			return err
		}
		filled++
	}
	if filled > 0 {
		s.logger.Info("backfilled quality metadata", "rows", filled)
	}
	return nil
}

// ============= Settings =============

// GetSetting retrieves a string setting; missing keys return "".
func (s *DB) GetSetting(key string) (string, error) {
	var setting Setting
	err := s.gorm.First(&setting, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	return setting.Value, err
}

// SetSetting stores a string setting.
func (s *DB) SetSetting(key, value string) error {
	return s.gorm.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&Setting{Key: key, Value: value}).Error
}
