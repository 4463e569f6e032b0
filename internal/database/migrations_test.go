package database

import (
	"os"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/lognaturel/central-updater/internal/checkpoint"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&checkpoint.Checkpoint{}, &checkpoint.RunRecord{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsImportsLegacyCache(testContext *testing.T) {
	database := openTestDatabase(testContext)

	cachePath := filepath.Join(testContext.TempDir(), "cache.json")
	cacheBody := `{"token":"legacy-token","last_open":"2024-03-01T10:00:00.001Z"}`
	if err := os.WriteFile(cachePath, []byte(cacheBody), 0o600); err != nil {
		testContext.Fatalf("failed to write legacy cache: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop(), cachePath); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var imported checkpoint.Checkpoint
	if err := database.Where("id = ?", 1).Take(&imported).Error; err != nil {
		testContext.Fatalf("expected imported checkpoint: %v", err)
	}
	if imported.Token != "legacy-token" {
		testContext.Fatalf("unexpected imported token: %q", imported.Token)
	}
	if imported.LastProcessedAtMs != 1709287200001 {
		testContext.Fatalf("unexpected imported watermark: %d", imported.LastProcessedAtMs)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationImportLegacyCache).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsSkipsAbsentLegacyCache(testContext *testing.T) {
	database := openTestDatabase(testContext)

	missingPath := filepath.Join(testContext.TempDir(), "cache.json")
	if err := applyMigrations(database, zap.NewNop(), missingPath); err != nil {
		testContext.Fatalf("absent cache file should not fail migration: %v", err)
	}

	var count int64
	if err := database.Model(&checkpoint.Checkpoint{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count checkpoints: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected no checkpoint row, got %d", count)
	}
}

func TestApplyMigrationsToleratesCorruptLegacyCache(testContext *testing.T) {
	database := openTestDatabase(testContext)

	cachePath := filepath.Join(testContext.TempDir(), "cache.json")
	if err := os.WriteFile(cachePath, []byte("not json"), 0o600); err != nil {
		testContext.Fatalf("failed to write legacy cache: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop(), cachePath); err != nil {
		testContext.Fatalf("corrupt cache file should not fail migration: %v", err)
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openTestDatabase(testContext)

	cachePath := filepath.Join(testContext.TempDir(), "cache.json")
	if err := os.WriteFile(cachePath, []byte(`{"token":"first","last_open":"2024-03-01T10:00:00Z"}`), 0o600); err != nil {
		testContext.Fatalf("failed to write legacy cache: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop(), cachePath); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	if err := os.WriteFile(cachePath, []byte(`{"token":"second","last_open":"2025-01-01T00:00:00Z"}`), 0o600); err != nil {
		testContext.Fatalf("failed to rewrite legacy cache: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop(), cachePath); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}

	var stored checkpoint.Checkpoint
	if err := database.Where("id = ?", 1).Take(&stored).Error; err != nil {
		testContext.Fatalf("expected checkpoint row: %v", err)
	}
	if stored.Token != "first" {
		testContext.Fatalf("import must run once, got token %q", stored.Token)
	}
}
