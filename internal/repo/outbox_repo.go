// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the durable outbox queue, the progress
// cursor, and the delivery failure log.
//
// Queue semantics:
//   - Tasks are served in (due_at, id) order; ids are AUTOINCREMENT so they
//     also reflect creation order and are never reused.
//   - ClaimNextDue hands a task to exactly one worker by writing a lease
//     (locked_by, locked_until) with a compare-and-set update. An expired
//     lease makes the task claimable again, which is how work abandoned by a
//     crashed worker is recovered.
//   - RescheduleTask and CompleteTask only succeed for the lease holder;
//     otherwise ErrLeaseLost is returned.
//   - CompleteTask deletes the task and recomputes the cursor in the same
//     transaction.
//
// All times are stored in UTC so that SQLite's textual comparison matches
// chronological order.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-watchbot/internal/domain"
)

// claimAttempts bounds how often ClaimNextDue retries after losing a race.
const claimAttempts = 5

// EnqueueTask inserts a task with attempt = 0 due at dueAt. CreatedAt is never
// after dueAt.
func EnqueueTask(ctx context.Context, db *gorm.DB, userID int64, kind domain.TaskKind, refID int64, dueAt time.Time) (*domain.OutboxTask, error) {
	dueAt = dueAt.UTC()
	created := time.Now().UTC()
	if created.After(dueAt) {
		created = dueAt
	}
	t := &domain.OutboxTask{
		UserID:    userID,
		Kind:      kind,
		RefID:     refID,
		DueAt:     dueAt,
		CreatedAt: created,
	}
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

// ClaimNextDue leases the earliest due task to workerID for the lease
// duration. It returns (nil, nil) when nothing is due.
func ClaimNextDue(ctx context.Context, db *gorm.DB, now time.Time, workerID string, lease time.Duration) (*domain.OutboxTask, error) {
	now = now.UTC()
	until := now.Add(lease)

	for i := 0; i < claimAttempts; i++ {
		var t domain.OutboxTask
		err := db.WithContext(ctx).
			Where("due_at <= ?", now).
			Where("(locked_until IS NULL OR locked_until <= ?)", now).
			Order("due_at asc, id asc").
			Take(&t).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res := db.WithContext(ctx).
			Model(&domain.OutboxTask{}).
			Where("id = ? AND (locked_until IS NULL OR locked_until <= ?)", t.ID, now).
			Updates(map[string]any{"locked_by": workerID, "locked_until": until})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			t.LockedBy = &workerID
			t.LockedUntil = &until
			return &t, nil
		}
		// Another worker won the row; look again.
	}
	return nil, nil
}

// RescheduleTask records a failed attempt: attempt+1, due_at = dueAt, the
// lease is released. dueAt is forced past the previous due time so due_at
// strictly increases per failure. It returns the updated task.
func RescheduleTask(ctx context.Context, db *gorm.DB, task *domain.OutboxTask, workerID string, dueAt time.Time, reason string) (*domain.OutboxTask, error) {
	dueAt = dueAt.UTC()
	if !dueAt.After(task.DueAt) {
		dueAt = task.DueAt.Add(time.Millisecond)
	}
	attempt := task.Attempt + 1

	res := db.WithContext(ctx).
		Model(&domain.OutboxTask{}).
		Where("id = ? AND locked_by = ?", task.ID, workerID).
		Updates(map[string]any{
			"attempt":      attempt,
			"due_at":       dueAt,
			"last_error":   reason,
			"locked_by":    nil,
			"locked_until": nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrLeaseLost
	}

	out := *task
	out.Attempt = attempt
	out.DueAt = dueAt
	out.LastError = &reason
	out.LockedBy, out.LockedUntil = nil, nil
	return &out, nil
}

// ReleaseTask gives a leased task back without counting an attempt.
func ReleaseTask(ctx context.Context, db *gorm.DB, id int64, workerID string) error {
	return db.WithContext(ctx).
		Model(&domain.OutboxTask{}).
		Where("id = ? AND locked_by = ?", id, workerID).
		Updates(map[string]any{"locked_by": nil, "locked_until": nil}).Error
}

// CompleteTask deletes a leased task and recomputes the cursor atomically.
// db may already be a transaction; GORM nests it as a savepoint.
func CompleteTask(ctx context.Context, db *gorm.DB, id int64, workerID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND locked_by = ?", id, workerID).Delete(&domain.OutboxTask{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseLost
		}
		return advanceCursor(tx, id)
	})
}

// advanceCursor sets the cursor to max(cursor, min(pending) - 1), or to
// max(cursor, completedID) when nothing is pending. It never regresses.
func advanceCursor(tx *gorm.DB, completedID int64) error {
	next := completedID
	minPending, ok, err := minPendingID(tx)
	if err != nil {
		return err
	}
	if ok {
		next = minPending - 1
	}
	return tx.Model(&domain.OutboxCursor{}).
		Where("id = ? AND last_processed_id < ?", domain.CursorRowID, next).
		Updates(map[string]any{"last_processed_id": next, "updated_at": time.Now().UTC()}).Error
}

func minPendingID(tx *gorm.DB) (int64, bool, error) {
	var v sql.NullInt64
	if err := tx.Model(&domain.OutboxTask{}).Select("MIN(id)").Row().Scan(&v); err != nil {
		return 0, false, err
	}
	return v.Int64, v.Valid, nil
}

// GetCursor returns the progress cursor row.
func GetCursor(ctx context.Context, db *gorm.DB) (*domain.OutboxCursor, error) {
	var c domain.OutboxCursor
	if err := db.WithContext(ctx).First(&c, domain.CursorRowID).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetTask fetches a task by id or ErrNotFound.
func GetTask(ctx context.Context, db *gorm.DB, id int64) (*domain.OutboxTask, error) {
	var t domain.OutboxTask
	if err := db.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// HasPendingTask reports whether a task of kind for refID is still queued,
// leased or not.
func HasPendingTask(ctx context.Context, db *gorm.DB, kind domain.TaskKind, refID int64) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.OutboxTask{}).
		Where("kind = ? AND ref_id = ?", kind, refID).
		Count(&n).Error
	return n > 0, err
}

// ListTasks returns pending tasks in delivery order.
func ListTasks(ctx context.Context, db *gorm.DB) ([]domain.OutboxTask, error) {
	var out []domain.OutboxTask
	err := db.WithContext(ctx).Order("due_at asc, id asc").Find(&out).Error
	return out, err
}

// OutboxStats summarizes the queue for operators and drain mode.
type OutboxStats struct {
	Pending    int64      `json:"pending"`
	Due        int64      `json:"due"`
	Leased     int64      `json:"leased"`
	MaxAttempt int        `json:"max_attempt"`
	NextDueAt  *time.Time `json:"next_due_at,omitempty"`
	Cursor     int64      `json:"cursor"`
	Failures   int64      `json:"failures"`
}

// GetOutboxStats computes OutboxStats as of now.
func GetOutboxStats(ctx context.Context, db *gorm.DB, now time.Time) (*OutboxStats, error) {
	now = now.UTC()
	var s OutboxStats
	q := db.WithContext(ctx).Model(&domain.OutboxTask{})

	if err := q.Count(&s.Pending).Error; err != nil {
		return nil, err
	}
	if s.Pending > 0 {
		if err := db.WithContext(ctx).Model(&domain.OutboxTask{}).
			Where("due_at <= ?", now).Count(&s.Due).Error; err != nil {
			return nil, err
		}
		if err := db.WithContext(ctx).Model(&domain.OutboxTask{}).
			Where("locked_until > ?", now).Count(&s.Leased).Error; err != nil {
			return nil, err
		}
		if err := db.WithContext(ctx).Model(&domain.OutboxTask{}).
			Select("COALESCE(MAX(attempt), 0)").Row().Scan(&s.MaxAttempt); err != nil {
			return nil, err
		}
		// Earliest due_at (avoid MIN() -> TEXT in SQLite)
		var row struct {
			DueAt time.Time
		}
		if err := db.WithContext(ctx).Model(&domain.OutboxTask{}).
			Select("due_at").Order("due_at asc").Limit(1).Scan(&row).Error; err != nil {
			return nil, err
		}
		s.NextDueAt = &row.DueAt
	}

	cur, err := GetCursor(ctx, db)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if cur != nil {
		s.Cursor = cur.LastProcessedID
	}
	if err := db.WithContext(ctx).Model(&domain.DeliveryFailure{}).Count(&s.Failures).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// RecordFailure stores a terminal delivery failure for task.
func RecordFailure(ctx context.Context, db *gorm.DB, task *domain.OutboxTask, attempt int, reason string, at time.Time) (*domain.DeliveryFailure, error) {
	f := &domain.DeliveryFailure{
		TaskID:   task.ID,
		UserID:   task.UserID,
		Kind:     task.Kind,
		RefID:    task.RefID,
		Attempt:  attempt,
		Reason:   reason,
		FailedAt: at.UTC(),
	}
	if err := db.WithContext(ctx).Create(f).Error; err != nil {
		return nil, err
	}
	return f, nil
}

// CountFailures returns the number of recorded delivery failures.
func CountFailures(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.DeliveryFailure{}).Count(&n).Error
	return n, err
}

// ListFailuresPage returns recorded failures, newest first.
func ListFailuresPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.DeliveryFailure, error) {
	var out []domain.DeliveryFailure
	err := db.WithContext(ctx).
		Order("failed_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
