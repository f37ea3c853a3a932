// Package domain defines the persistence models for users, batches,
// resources, and the delivery outbox. These types are mapped with GORM and
// form the core data layer of the watchbot.
package domain

import (
	"time"
)

// BatchState is the lifecycle state of a Batch. Committed and rolled back
// are terminal.
type BatchState string

const (
	BatchOpen       BatchState = "open"
	BatchCommitted  BatchState = "committed"
	BatchRolledBack BatchState = "rolled_back"
)

// Terminal reports whether no transition can leave s.
func (s BatchState) Terminal() bool {
	return s == BatchCommitted || s == BatchRolledBack
}

// ResourceKind discriminates the payload carried by a Resource.
type ResourceKind string

const (
	ResourceText     ResourceKind = "text"
	ResourcePhoto    ResourceKind = "photo"
	ResourceVideo    ResourceKind = "video"
	ResourceDocument ResourceKind = "document"
)

// IsMedia reports whether the kind carries a media attachment.
func (k ResourceKind) IsMedia() bool {
	return k == ResourcePhoto || k == ResourceVideo || k == ResourceDocument
}

// Valid reports whether k is one of the known kinds.
func (k ResourceKind) Valid() bool {
	return k == ResourceText || k.IsMedia()
}

// User represents one chat-platform identity. It is created on the first
// observed message from that identity.
//
// Fields:
//   - ID: internal autoincrement primary key.
//   - PlatformID: identity on the chat platform (unique).
//   - Username / DisplayName: presentation only.
type User struct {
	ID          int64     `json:"id"           gorm:"primaryKey;autoIncrement"`
	PlatformID  int64     `json:"platform_id"  gorm:"not null;uniqueIndex:ux_users_platform"`
	Username    string    `json:"username"     gorm:"type:varchar(64)"`
	DisplayName string    `json:"display_name" gorm:"type:varchar(255)"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Batch groups resources into one unit of work mirrored as a parent
// document. A user has at most one open batch, tracked by CurrentBatch.
//
// ExternalID is the only column that may change once the batch is terminal.
// AwaitingTitle marks an open batch whose owner was asked for a title on
// commit; the next text message from that user becomes the title.
type Batch struct {
	ID            int64      `json:"id"                     gorm:"primaryKey;autoIncrement"`
	UserID        int64      `json:"user_id"                gorm:"not null;index:idx_batches_user"`
	State         BatchState `json:"state"                  gorm:"type:varchar(16);not null;default:'open';check:state IN ('open','committed','rolled_back')"`
	Title         *string    `json:"title,omitempty"        gorm:"type:varchar(255)"`
	ExternalID    *string    `json:"external_id,omitempty"  gorm:"type:varchar(64)"`
	AwaitingTitle bool       `json:"awaiting_title"         gorm:"not null;default:false"`
	CreatedAt     time.Time  `json:"created_at"`
	CommittedAt   *time.Time `json:"committed_at,omitempty"`
	RolledBackAt  *time.Time `json:"rolled_back_at,omitempty"`

	User User `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Batch.
func (Batch) TableName() string { return "batches" }

// HasTitle reports whether the batch carries a non-blank title.
func (b *Batch) HasTitle() bool {
	return b.Title != nil && *b.Title != ""
}

// Mirrored reports whether the batch already has an external document.
func (b *Batch) Mirrored() bool {
	return b.ExternalID != nil && *b.ExternalID != ""
}

// Resource is one text or media item. BatchID is nil for standalone items
// and for items detached by a rollback.
//
// The tuple (UserID, MessageID, Kind, Content) is unique: one source message
// may yield several resources (caption + media) but never the same one twice.
// MediaPath and ThumbPath point at local copies of the media and stay out of
// API responses.
type Resource struct {
	ID         int64        `json:"id"                    gorm:"primaryKey;autoIncrement"`
	UserID     int64        `json:"user_id"               gorm:"not null;uniqueIndex:ux_resources_source,priority:1"`
	BatchID    *int64       `json:"batch_id,omitempty"    gorm:"index:idx_resources_batch,priority:1"`
	Kind       ResourceKind `json:"kind"                  gorm:"type:varchar(16);not null;uniqueIndex:ux_resources_source,priority:3"`
	Content    string       `json:"content"               gorm:"type:text;not null;uniqueIndex:ux_resources_source,priority:4"`
	MessageID  int64        `json:"message_id"            gorm:"not null;uniqueIndex:ux_resources_source,priority:2"`
	ExternalID *string      `json:"external_id,omitempty" gorm:"type:varchar(64)"`
	Sequence   int          `json:"sequence"              gorm:"not null;default:1;index:idx_resources_batch,priority:2"`
	Text       *string      `json:"text,omitempty"        gorm:"type:text"`
	MediaName  *string      `json:"media_name,omitempty"  gorm:"type:varchar(255)"`
	MediaURL   *string      `json:"media_url,omitempty"   gorm:"type:text"`
	MediaPath  *string      `json:"-"                     gorm:"type:text"`
	ThumbPath  *string      `json:"-"                     gorm:"type:text"`
	CreatedAt  time.Time    `json:"created_at"`

	User  User   `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Batch *Batch `json:"-" gorm:"foreignKey:BatchID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

// TableName returns the database table name for Resource.
func (Resource) TableName() string { return "resources" }

// Mirrored reports whether the resource already has an external document.
func (r *Resource) Mirrored() bool {
	return r.ExternalID != nil && *r.ExternalID != ""
}

// CurrentBatch is the per-user pointer to the open batch. The primary key
// on UserID makes a second pointer for the same user impossible.
type CurrentBatch struct {
	UserID  int64 `gorm:"primaryKey;autoIncrement:false"`
	BatchID int64 `gorm:"not null;uniqueIndex:ux_current_batch_batch"`

	User  User  `gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Batch Batch `gorm:"foreignKey:BatchID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for CurrentBatch.
func (CurrentBatch) TableName() string { return "current_batch" }
