package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/tetherlabs/relay/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsDeviceNames(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&identity.Device{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	unnamed := identity.Device{
		DeviceID: "device-1",
		ThreadID: "thread-1",
		Token:    "token-1",
		PairCode: "111111",
		Name:     "",
	}
	if err := database.Create(&unnamed).Error; err != nil {
		testContext.Fatalf("failed to insert device: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored identity.Device
	if err := database.Where("device_id = ?", unnamed.DeviceID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload device: %v", err)
	}
	if stored.Name != identity.DefaultDeviceName {
		testContext.Fatalf("expected placeholder name, got %q", stored.Name)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillDeviceNames).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected empty database path to be rejected")
	}
}
