package database

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/lognaturel/central-updater/internal/checkpoint"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationImportLegacyCache = "2026-08-31_import_legacy_cache"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger, legacyCachePath string) error {
	migrations := []migrationDefinition{
		{name: migrationImportLegacyCache, apply: importLegacyCache(legacyCachePath, logger)},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// legacyCache mirrors the flat cache.json kept by the Python updater this
// tool replaces: a session token plus the last_open watermark.
type legacyCache struct {
	Token    string `json:"token"`
	LastOpen string `json:"last_open"`
}

func importLegacyCache(path string, logger *zap.Logger) func(*gorm.DB) error {
	return func(db *gorm.DB) error {
		if path == "" {
			return nil
		}
		raw, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}

		var cache legacyCache
		if err := json.Unmarshal(raw, &cache); err != nil {
			// A corrupt legacy cache is not worth failing the first run
			// over; the updater re-authenticates and re-fetches from epoch.
			if logger != nil {
				logger.Warn("legacy cache unreadable, skipping import", zap.String("path", path), zap.Error(err))
			}
			return nil
		}

		var existing checkpoint.Checkpoint
		err = db.Where("id = ?", 1).Take(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		watermarkMs := int64(0)
		if cache.LastOpen != "" {
			parsed, parseErr := time.Parse(time.RFC3339, cache.LastOpen)
			if parseErr != nil {
				if logger != nil {
					logger.Warn("legacy watermark unreadable, seeding epoch", zap.String("last_open", cache.LastOpen))
				}
			} else {
				watermarkMs = parsed.UTC().UnixMilli()
			}
		}

		imported := checkpoint.Checkpoint{
			ID:                1,
			LastProcessedAtMs: watermarkMs,
			Token:             cache.Token,
			UpdatedAtMs:       time.Now().UTC().UnixMilli(),
		}
		if err := db.Create(&imported).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("legacy cache imported", zap.String("path", path))
		}
		return nil
	}
}
