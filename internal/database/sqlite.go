package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/lognaturel/central-updater/internal/checkpoint"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// legacyCachePath names the cache.json file the previous generation of this
// tool kept next to the binary; when present, its token and watermark are
// imported once.
func OpenSQLite(path, legacyCachePath string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&checkpoint.Checkpoint{}, &checkpoint.RunRecord{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger, legacyCachePath); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
