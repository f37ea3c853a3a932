// Package services – BatchService
//
// This file implements the batch lifecycle: open → committed | rolled_back.
// Every transition and its side effects (pointer update, outbox enqueue,
// resource detach) run in one database transaction, so a crash can never
// leave a committed batch without its delivery tasks.
//
// The current batch pointer is only ever written here; ingestion reads it
// to know where new resources go.
//
// Observability: public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-watchbot/internal/domain"
	"github.com/tbourn/go-watchbot/internal/repo"
)

// ResourceInput is the normalized payload of one ingested item.
type ResourceInput struct {
	Kind      domain.ResourceKind
	Content   string // text body or platform file id
	MessageID int64
	Text      string // optional text; defaults to Content for text items
	MediaName string
	MediaURL  string
	MediaPath string // local copy of the media, if downloaded
	ThumbPath string // local copy of a video thumbnail
}

// BatchService manages batch transitions.
type BatchService struct {
	DB *gorm.DB

	// Now returns the current time; defaults to time.Now in UTC.
	Now func() time.Time

	// TitleMaxLen caps stored titles by rune length.
	TitleMaxLen int
}

// NewBatchService constructs a BatchService with default title handling.
func NewBatchService(db *gorm.DB) *BatchService {
	return &BatchService{
		DB:          db,
		Now:         func() time.Time { return time.Now().UTC() },
		TitleMaxLen: defaultTitleMaxLen,
	}
}

func (s *BatchService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("services/BatchService").Start(ctx, name, trace.WithAttributes(attrs...))
}

// OpenBatch creates a new open batch for userID and points the user at it.
// It fails with ErrConflict if the user already has an open batch. A stale
// pointer to a terminal batch is cleared first.
func (s *BatchService) OpenBatch(ctx context.Context, userID int64) (*domain.Batch, error) {
	ctx, span := startSpan(ctx, "OpenBatch", attribute.Int64("user.id", userID))
	defer span.End()

	var out *domain.Batch
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.GetUser(ctx, tx, userID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		cur, err := repo.GetCurrentBatch(ctx, tx, userID)
		switch {
		case err == nil && cur.State == domain.BatchOpen:
			return ErrConflict
		case err == nil:
			if err := repo.ClearCurrentBatch(ctx, tx, userID); err != nil {
				return err
			}
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}

		b, err := repo.CreateBatch(ctx, tx, userID, s.now())
		if err != nil {
			return err
		}
		if err := repo.SetCurrentBatch(ctx, tx, userID, b.ID); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return ErrConflict
			}
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("batch.id", out.ID))
	return out, nil
}

// GetBatch returns a batch by id or ErrBatchNotFound.
func (s *BatchService) GetBatch(ctx context.Context, batchID int64) (*domain.Batch, error) {
	b, err := repo.GetBatch(ctx, s.DB, batchID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrBatchNotFound
	}
	return b, err
}

// Resources lists the resources attached to a batch in sequence order.
func (s *BatchService) Resources(ctx context.Context, batchID int64) ([]domain.Resource, error) {
	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return repo.ListBatchResources(ctx, s.DB, batchID)
}

// CurrentBatch returns the user's open batch or ErrNoOpenBatch.
func (s *BatchService) CurrentBatch(ctx context.Context, userID int64) (*domain.Batch, error) {
	return currentOpenBatch(ctx, s.DB, userID)
}

func currentOpenBatch(ctx context.Context, db *gorm.DB, userID int64) (*domain.Batch, error) {
	b, err := repo.GetCurrentBatch(ctx, db, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNoOpenBatch
	}
	if err != nil {
		return nil, err
	}
	if b.State != domain.BatchOpen {
		return nil, ErrNoOpenBatch
	}
	return b, nil
}

// AttachResource records a resource in an open batch. The resource gets the
// next sequence number of the batch.
func (s *BatchService) AttachResource(ctx context.Context, batchID int64, in ResourceInput) (*domain.Resource, error) {
	ctx, span := startSpan(ctx, "AttachResource",
		attribute.Int64("batch.id", batchID),
		attribute.String("resource.kind", string(in.Kind)),
	)
	defer span.End()

	if err := validateInput(&in); err != nil {
		return nil, err
	}

	var out *domain.Resource
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := loadOpenBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		out, err = attachTx(ctx, tx, b, in, s.now())
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// Commit moves an open batch to committed, stamps the commit time, applies
// title if non-blank, clears the pointer, and enqueues delivery: one
// batch_document task when the batch is titled, then one resource_document
// task per attached resource in sequence order, all due now.
func (s *BatchService) Commit(ctx context.Context, batchID int64, title string) (*domain.Batch, error) {
	ctx, span := startSpan(ctx, "Commit", attribute.Int64("batch.id", batchID))
	defer span.End()

	var out *domain.Batch
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := loadOpenBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		now := s.now()

		var titlePtr *string
		if t := normalizeTitle(title, s.TitleMaxLen); t != "" {
			titlePtr = &t
		}
		if err := repo.CommitBatch(ctx, tx, b.ID, titlePtr, now); err != nil {
			if errors.Is(err, repo.ErrStateMismatch) {
				return ErrInvalidState
			}
			return err
		}
		if err := repo.ClearCurrentBatch(ctx, tx, b.UserID); err != nil {
			return err
		}

		if b, err = repo.GetBatch(ctx, tx, b.ID); err != nil {
			return err
		}
		if b.HasTitle() {
			if _, err := repo.EnqueueTask(ctx, tx, b.UserID, domain.TaskBatchDocument, b.ID, now); err != nil {
				return err
			}
		}
		resources, err := repo.ListBatchResources(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		for _, r := range resources {
			if _, err := repo.EnqueueTask(ctx, tx, b.UserID, domain.TaskResourceDocument, r.ID, now); err != nil {
				return err
			}
		}
		span.SetAttributes(attribute.Int("batch.resources", len(resources)))
		out = b
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// Rollback moves an open batch to rolled_back, clears the pointer, and
// detaches its resources. Nothing is enqueued.
func (s *BatchService) Rollback(ctx context.Context, batchID int64) (*domain.Batch, error) {
	ctx, span := startSpan(ctx, "Rollback", attribute.Int64("batch.id", batchID))
	defer span.End()

	var out *domain.Batch
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := loadOpenBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if err := repo.RollbackBatch(ctx, tx, b.ID, s.now()); err != nil {
			if errors.Is(err, repo.ErrStateMismatch) {
				return ErrInvalidState
			}
			return err
		}
		if err := repo.ClearCurrentBatch(ctx, tx, b.UserID); err != nil {
			return err
		}
		n, err := repo.DetachBatchResources(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int64("batch.detached", n))
		out, err = repo.GetBatch(ctx, tx, b.ID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// SetTitle sets the title of an open batch. A blank title clears nothing
// and is rejected with ErrEmptyContent.
func (s *BatchService) SetTitle(ctx context.Context, batchID int64, title string) (*domain.Batch, error) {
	ctx, span := startSpan(ctx, "SetTitle", attribute.Int64("batch.id", batchID))
	defer span.End()

	title = normalizeTitle(title, s.TitleMaxLen)
	if title == "" {
		return nil, ErrEmptyContent
	}
	var out *domain.Batch
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadOpenBatch(ctx, tx, batchID); err != nil {
			return err
		}
		if err := repo.SetBatchTitle(ctx, tx, batchID, title); err != nil {
			if errors.Is(err, repo.ErrStateMismatch) {
				return ErrInvalidState
			}
			return err
		}
		var err error
		out, err = repo.GetBatch(ctx, tx, batchID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// RequestTitle marks an open batch as waiting for its title. Committing
// clears the flag together with the open state.
func (s *BatchService) RequestTitle(ctx context.Context, batchID int64) (*domain.Batch, error) {
	ctx, span := startSpan(ctx, "RequestTitle", attribute.Int64("batch.id", batchID))
	defer span.End()

	var out *domain.Batch
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadOpenBatch(ctx, tx, batchID); err != nil {
			return err
		}
		if err := repo.SetBatchAwaitingTitle(ctx, tx, batchID); err != nil {
			if errors.Is(err, repo.ErrStateMismatch) {
				return ErrInvalidState
			}
			return err
		}
		var err error
		out, err = repo.GetBatch(ctx, tx, batchID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

func loadOpenBatch(ctx context.Context, tx *gorm.DB, batchID int64) (*domain.Batch, error) {
	b, err := repo.GetBatch(ctx, tx, batchID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	if b.State != domain.BatchOpen {
		return nil, ErrInvalidState
	}
	return b, nil
}

// attachTx inserts a resource into the open batch b inside tx.
func attachTx(ctx context.Context, tx *gorm.DB, b *domain.Batch, in ResourceInput, now time.Time) (*domain.Resource, error) {
	seq, err := repo.NextSequence(ctx, tx, b.ID)
	if err != nil {
		return nil, err
	}
	r := newResource(b.UserID, &b.ID, seq, in, now)
	if err := repo.CreateResource(ctx, tx, r); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrDuplicateResource
		}
		return nil, err
	}
	return r, nil
}

func newResource(userID int64, batchID *int64, seq int, in ResourceInput, now time.Time) *domain.Resource {
	r := &domain.Resource{
		UserID:    userID,
		BatchID:   batchID,
		Kind:      in.Kind,
		Content:   in.Content,
		MessageID: in.MessageID,
		Sequence:  seq,
		CreatedAt: now,
	}
	if in.Text != "" {
		r.Text = &in.Text
	}
	if in.MediaName != "" {
		r.MediaName = &in.MediaName
	}
	if in.MediaURL != "" {
		r.MediaURL = &in.MediaURL
	}
	if in.MediaPath != "" {
		r.MediaPath = &in.MediaPath
	}
	if in.ThumbPath != "" {
		r.ThumbPath = &in.ThumbPath
	}
	return r
}

// validateInput checks and normalizes in.
func validateInput(in *ResourceInput) error {
	if !in.Kind.Valid() {
		return ErrInvalidKind
	}
	if strings.TrimSpace(in.Content) == "" {
		return ErrEmptyContent
	}
	if in.Kind == domain.ResourceText && in.Text == "" {
		in.Text = in.Content
	}
	return nil
}
