package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-watchbot/internal/domain"
)

// GetOrCreateUser returns the user for a chat-platform identity, creating it
// on first sight. Presentation fields are refreshed when they change.
func GetOrCreateUser(ctx context.Context, db *gorm.DB, platformID int64, username, displayName string) (*domain.User, error) {
	u, err := GetUserByPlatformID(ctx, db, platformID)
	switch {
	case err == nil:
		if u.Username != username || u.DisplayName != displayName {
			if err := db.WithContext(ctx).Model(u).
				Updates(map[string]any{"username": username, "display_name": displayName}).Error; err != nil {
				return nil, err
			}
			u.Username, u.DisplayName = username, displayName
		}
		return u, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	u = &domain.User{
		PlatformID:  platformID,
		Username:    username,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(u).Error; err != nil {
		if isUniqueViolation(err) {
			// Lost a race with a concurrent first message.
			return GetUserByPlatformID(ctx, db, platformID)
		}
		return nil, err
	}
	return u, nil
}

// GetUserByPlatformID fetches a user by platform identity or ErrNotFound.
func GetUserByPlatformID(ctx context.Context, db *gorm.DB, platformID int64) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("platform_id = ?", platformID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser fetches a user by internal id or ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, id int64) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}
