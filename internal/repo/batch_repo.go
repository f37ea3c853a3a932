// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for batches and
// the per-user current batch pointer.
//
// State transitions are conditional updates (WHERE state = 'open') so two
// racing callers cannot both commit, or commit and roll back, the same
// batch; the loser receives ErrStateMismatch.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-watchbot/internal/domain"
)

// CreateBatch inserts a new open batch owned by userID.
func CreateBatch(ctx context.Context, db *gorm.DB, userID int64, now time.Time) (*domain.Batch, error) {
	b := &domain.Batch{
		UserID:    userID,
		State:     domain.BatchOpen,
		CreatedAt: now,
	}
	if err := db.WithContext(ctx).Omit("User").Create(b).Error; err != nil {
		return nil, err
	}
	return b, nil
}

// GetBatch fetches a batch by id or ErrNotFound.
func GetBatch(ctx context.Context, db *gorm.DB, id int64) (*domain.Batch, error) {
	var b domain.Batch
	if err := db.WithContext(ctx).First(&b, id).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// GetCurrentBatch resolves the user's pointer to its batch. It returns
// ErrNotFound if the user has no pointer. The returned batch may not be open
// if the pointer is stale; callers decide what that means.
func GetCurrentBatch(ctx context.Context, db *gorm.DB, userID int64) (*domain.Batch, error) {
	var b domain.Batch
	err := db.WithContext(ctx).
		Joins("JOIN current_batch cb ON cb.batch_id = batches.id").
		Where("cb.user_id = ?", userID).
		First(&b).Error
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// SetCurrentBatch points userID at batchID. A second pointer for the same
// user violates the primary key and yields ErrDuplicate.
func SetCurrentBatch(ctx context.Context, db *gorm.DB, userID, batchID int64) error {
	ptr := &domain.CurrentBatch{UserID: userID, BatchID: batchID}
	if err := db.WithContext(ctx).Omit("User", "Batch").Create(ptr).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// ClearCurrentBatch removes the user's pointer if present.
func ClearCurrentBatch(ctx context.Context, db *gorm.DB, userID int64) error {
	return db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&domain.CurrentBatch{}).Error
}

// CommitBatch moves an open batch to committed. A non-nil title replaces the
// stored one. ErrStateMismatch means the batch was not open.
func CommitBatch(ctx context.Context, db *gorm.DB, id int64, title *string, now time.Time) error {
	updates := map[string]any{
		"state":          domain.BatchCommitted,
		"committed_at":   now,
		"awaiting_title": false,
	}
	if title != nil {
		updates["title"] = *title
	}
	return transition(ctx, db, id, updates)
}

// RollbackBatch moves an open batch to rolled_back.
func RollbackBatch(ctx context.Context, db *gorm.DB, id int64, now time.Time) error {
	return transition(ctx, db, id, map[string]any{
		"state":          domain.BatchRolledBack,
		"rolled_back_at": now,
		"awaiting_title": false,
	})
}

// SetBatchTitle updates the title of an open batch.
func SetBatchTitle(ctx context.Context, db *gorm.DB, id int64, title string) error {
	return transition(ctx, db, id, map[string]any{"title": title})
}

// SetBatchAwaitingTitle flags an open batch as waiting for its title.
func SetBatchAwaitingTitle(ctx context.Context, db *gorm.DB, id int64) error {
	return transition(ctx, db, id, map[string]any{"awaiting_title": true})
}

func transition(ctx context.Context, db *gorm.DB, id int64, updates map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.Batch{}).
		Where("id = ? AND state = ?", id, domain.BatchOpen).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStateMismatch
	}
	return nil
}

// SetBatchExternalID records the external document id of a batch. This is
// the only write allowed on a terminal batch.
func SetBatchExternalID(ctx context.Context, db *gorm.DB, id int64, externalID string) error {
	res := db.WithContext(ctx).
		Model(&domain.Batch{}).
		Where("id = ?", id).
		Update("external_id", externalID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBatchResources returns the resources attached to a batch in sequence
// order.
func ListBatchResources(ctx context.Context, db *gorm.DB, batchID int64) ([]domain.Resource, error) {
	var out []domain.Resource
	err := db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("sequence asc, id asc").
		Find(&out).Error
	return out, err
}

// DetachBatchResources clears the batch reference of every resource in the
// batch and returns how many were detached.
func DetachBatchResources(ctx context.Context, db *gorm.DB, batchID int64) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Resource{}).
		Where("batch_id = ?", batchID).
		Update("batch_id", nil)
	return res.RowsAffected, res.Error
}

// CountOpenBatches returns how many open batches userID owns.
func CountOpenBatches(ctx context.Context, db *gorm.DB, userID int64) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Batch{}).
		Where("user_id = ? AND state = ?", userID, domain.BatchOpen).
		Count(&n).Error
	return n, err
}
