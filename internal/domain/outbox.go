package domain

import "time"

// TaskKind is the closed set of delivery task variants. Adding a kind means
// extending the worker's dispatch switch.
type TaskKind string

const (
	// TaskBatchDocument creates the parent document for a committed batch.
	TaskBatchDocument TaskKind = "batch_document"
	// TaskResourceDocument creates the document for one resource.
	TaskResourceDocument TaskKind = "resource_document"
)

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskBatchDocument, TaskResourceDocument:
		return true
	}
	return false
}

// OutboxTask is a pending unit of delivery work. ID is AUTOINCREMENT so ids
// are never reused after deletion and define creation order.
//
// DueAt only moves forward: each failed attempt pushes it to now + backoff.
// LockedBy/LockedUntil form a claim lease so a task is processed by at most
// one worker at a time; an expired lease is free to claim again.
type OutboxTask struct {
	ID          int64      `json:"id"                     gorm:"primaryKey;autoIncrement"`
	UserID      int64      `json:"user_id"                gorm:"not null;index"`
	Kind        TaskKind   `json:"kind"                   gorm:"type:varchar(32);not null"`
	RefID       int64      `json:"ref_id"                 gorm:"not null"`
	Attempt     int        `json:"attempt"                gorm:"not null;default:0"`
	DueAt       time.Time  `json:"due_at"                 gorm:"not null;index:idx_outbox_due,priority:1"`
	CreatedAt   time.Time  `json:"created_at"`
	LastError   *string    `json:"last_error,omitempty"   gorm:"type:text"`
	LockedBy    *string    `json:"locked_by,omitempty"    gorm:"type:varchar(64)"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// TableName returns the database table name for OutboxTask.
func (OutboxTask) TableName() string { return "outbox" }

// OutboxCursor is the single-row progress watermark. The CHECK constraint
// keeps the table at exactly one logical row (ID = 1).
type OutboxCursor struct {
	ID              int64     `gorm:"primaryKey;autoIncrement:false;check:chk_outbox_cursor_singleton,id = 1"`
	LastProcessedID int64     `gorm:"not null;default:0"`
	UpdatedAt       time.Time `gorm:"not null"`
}

// TableName returns the database table name for OutboxCursor.
func (OutboxCursor) TableName() string { return "outbox_cursor" }

// CursorRowID is the primary key of the only OutboxCursor row.
const CursorRowID int64 = 1

// DeliveryFailure records a task that was completed as a terminal failure,
// kept for operator inspection.
type DeliveryFailure struct {
	ID       int64     `json:"id"       gorm:"primaryKey;autoIncrement"`
	TaskID   int64     `json:"task_id"  gorm:"not null;index"`
	UserID   int64     `json:"user_id"  gorm:"not null"`
	Kind     TaskKind  `json:"kind"     gorm:"type:varchar(32);not null"`
	RefID    int64     `json:"ref_id"   gorm:"not null"`
	Attempt  int       `json:"attempt"  gorm:"not null"`
	Reason   string    `json:"reason"   gorm:"type:text;not null"`
	FailedAt time.Time `json:"failed_at" gorm:"not null;index"`
}

// TableName returns the database table name for DeliveryFailure.
func (DeliveryFailure) TableName() string { return "delivery_failures" }
