// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains database bootstrapping helpers for
// SQLite (pure Go driver) and schema migrations.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-watchbot/internal/domain"
)

// legacySyncStateTable is the watermark table used by older schemas before
// the cursor was consolidated into outbox_cursor.
const legacySyncStateTable = "sync_state"

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(withPragmas(path)), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, fmt.Errorf("gorm tracing: %w", err)
	}

	// PRAGMAs
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	// Pool
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}

// withPragmas appends per-connection PRAGMAs to the DSN so that every pooled
// connection enforces foreign keys and waits on busy locks.
func withPragmas(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Migrate creates or updates the schema and repairs invariants that older
// databases may violate:
//   - the outbox_cursor table holds exactly one row (id = 1);
//   - a legacy sync_state watermark is folded into the cursor and dropped;
//   - every open batch has a current_batch pointer and every pointer
//     refers to an open batch.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&domain.User{},
		&domain.Batch{},
		&domain.Resource{},
		&domain.CurrentBatch{},
		&domain.OutboxTask{},
		&domain.OutboxCursor{},
		&domain.DeliveryFailure{},
	); err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := ensureCursorRow(tx); err != nil {
			return err
		}
		if err := foldLegacySyncState(tx); err != nil {
			return err
		}
		if err := clampCursor(tx); err != nil {
			return err
		}
		return repairOpenBatches(tx, time.Now().UTC())
	})
}

func ensureCursorRow(tx *gorm.DB) error {
	row := domain.OutboxCursor{ID: domain.CursorRowID, UpdatedAt: time.Now().UTC()}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func foldLegacySyncState(tx *gorm.DB) error {
	m := tx.Migrator()
	if !m.HasTable(legacySyncStateTable) {
		return nil
	}
	if m.HasColumn(legacySyncStateTable, "last_outbox_id") {
		var legacy int64
		if err := tx.Table(legacySyncStateTable).
			Select("COALESCE(MAX(last_outbox_id), 0)").
			Row().Scan(&legacy); err != nil {
			return fmt.Errorf("read %s: %w", legacySyncStateTable, err)
		}
		if err := tx.Model(&domain.OutboxCursor{}).
			Where("id = ? AND last_processed_id < ?", domain.CursorRowID, legacy).
			Updates(map[string]any{"last_processed_id": legacy, "updated_at": time.Now().UTC()}).Error; err != nil {
			return err
		}
	}
	return m.DropTable(legacySyncStateTable)
}

// clampCursor pulls the cursor back below the oldest pending task. Only an
// imported legacy watermark can be ahead of it.
func clampCursor(tx *gorm.DB) error {
	minPending, ok, err := minPendingID(tx)
	if err != nil || !ok {
		return err
	}
	return tx.Model(&domain.OutboxCursor{}).
		Where("id = ? AND last_processed_id >= ?", domain.CursorRowID, minPending).
		Updates(map[string]any{"last_processed_id": minPending - 1, "updated_at": time.Now().UTC()}).Error
}

func repairOpenBatches(tx *gorm.DB, now time.Time) error {
	// Pointers must reference an open batch owned by the same user.
	if err := tx.Exec(`DELETE FROM current_batch WHERE NOT EXISTS (
		SELECT 1 FROM batches b
		WHERE b.id = current_batch.batch_id AND b.user_id = current_batch.user_id AND b.state = ?)`,
		domain.BatchOpen).Error; err != nil {
		return err
	}

	// Open batches nobody points at can no longer be committed; roll them back.
	var orphans []int64
	if err := tx.Model(&domain.Batch{}).
		Where("state = ? AND id NOT IN (SELECT batch_id FROM current_batch)", domain.BatchOpen).
		Pluck("id", &orphans).Error; err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}
	if err := tx.Model(&domain.Batch{}).
		Where("id IN ?", orphans).
		Updates(map[string]any{"state": domain.BatchRolledBack, "rolled_back_at": now}).Error; err != nil {
		return err
	}
	return tx.Model(&domain.Resource{}).
		Where("batch_id IN ?", orphans).
		Update("batch_id", nil).Error
}
