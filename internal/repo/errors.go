package repo

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

var (
	// ErrDuplicate indicates a unique constraint rejected the insert.
	ErrDuplicate = errors.New("duplicate")

	// ErrStateMismatch is returned by conditional updates when the row is
	// not in the expected state anymore.
	ErrStateMismatch = errors.New("state mismatch")

	// ErrLeaseLost is returned when a task is no longer leased by the caller.
	ErrLeaseLost = errors.New("outbox lease lost")
)

// isUniqueViolation detects unique-constraint failures; glebarez/sqlite
// often returns plain-text errors for them.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key")
}
