package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-watchbot/internal/domain"
)

// NextSequence returns the sequence number the next resource of batchID
// should get (1..N).
func NextSequence(ctx context.Context, db *gorm.DB, batchID int64) (int, error) {
	var seq int
	err := db.WithContext(ctx).
		Model(&domain.Resource{}).
		Select("COALESCE(MAX(sequence), 0)").
		Where("batch_id = ?", batchID).
		Row().Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq + 1, nil
}

// CreateResource inserts r. A resource already recorded for the same source
// tuple yields ErrDuplicate.
func CreateResource(ctx context.Context, db *gorm.DB, r *domain.Resource) error {
	if err := db.WithContext(ctx).Omit("User", "Batch").Create(r).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetResource fetches a resource by id or ErrNotFound.
func GetResource(ctx context.Context, db *gorm.DB, id int64) (*domain.Resource, error) {
	var r domain.Resource
	if err := db.WithContext(ctx).First(&r, id).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// SetResourceExternalID records the external document id of a resource.
func SetResourceExternalID(ctx context.Context, db *gorm.DB, id int64, externalID string) error {
	res := db.WithContext(ctx).
		Model(&domain.Resource{}).
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
