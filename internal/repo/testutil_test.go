package repo

import (
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-watchbot/internal/domain"
)

// newRepoDB opens a migrated temp-file database.
func newRepoDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "repo_test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	db.Logger = logger.Default.LogMode(logger.Silent)
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, platformID int64) *domain.User {
	t.Helper()
	u := &domain.User{PlatformID: platformID, Username: "u", CreatedAt: time.Now().UTC()}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func seedBatch(t *testing.T, db *gorm.DB, userID int64, state domain.BatchState) *domain.Batch {
	t.Helper()
	b := &domain.Batch{UserID: userID, State: state, CreatedAt: time.Now().UTC()}
	if err := db.Omit("User").Create(b).Error; err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	return b
}
