// Package services – IngestService
//
// IngestService is the entry point used by chat adapters. It maps platform
// identities to users and routes each incoming item either into the user's
// open batch or, when none is open, into a standalone resource that is
// enqueued for delivery right away.
package services

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/tbourn/go-watchbot/internal/domain"
	"github.com/tbourn/go-watchbot/internal/repo"
)

// IngestService coordinates ingestion on top of BatchService.
type IngestService struct {
	DB      *gorm.DB
	Batches *BatchService
}

// NewIngestService constructs an IngestService sharing the batch service's
// handle.
func NewIngestService(batches *BatchService) *IngestService {
	return &IngestService{DB: batches.DB, Batches: batches}
}

// Status describes a user's ingestion state.
type Status struct {
	User      *domain.User
	Open      *domain.Batch // nil when no batch is open
	Resources int           // resources in the open batch
}

// EnsureUser returns the user for a platform identity, creating it on first
// contact.
func (s *IngestService) EnsureUser(ctx context.Context, platformID int64, username, displayName string) (*domain.User, error) {
	return repo.GetOrCreateUser(ctx, s.DB, platformID, username, displayName)
}

// Record stores one item for userID. Items go to the open batch if there is
// one; otherwise the resource is standalone and its delivery task is
// enqueued in the same transaction.
func (s *IngestService) Record(ctx context.Context, userID int64, in ResourceInput) (*domain.Resource, error) {
	ctx, span := startSpan(ctx, "Record",
		attribute.Int64("user.id", userID),
		attribute.String("resource.kind", string(in.Kind)),
	)
	defer span.End()

	if err := validateInput(&in); err != nil {
		return nil, err
	}

	var out *domain.Resource
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.Batches.now()
		b, err := currentOpenBatch(ctx, tx, userID)
		switch {
		case err == nil:
			out, err = attachTx(ctx, tx, b, in, now)
			return err
		case !errors.Is(err, ErrNoOpenBatch):
			return err
		}

		r := newResource(userID, nil, 1, in, now)
		if err := repo.CreateResource(ctx, tx, r); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return ErrDuplicateResource
			}
			return err
		}
		if _, err := repo.EnqueueTask(ctx, tx, userID, domain.TaskResourceDocument, r.ID, now); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Bool("resource.standalone", out.BatchID == nil))
	return out, nil
}

// Begin opens a batch for userID.
func (s *IngestService) Begin(ctx context.Context, userID int64) (*domain.Batch, error) {
	return s.Batches.OpenBatch(ctx, userID)
}

// CommitCurrent commits the user's open batch, optionally titling it.
func (s *IngestService) CommitCurrent(ctx context.Context, userID int64, title string) (*domain.Batch, error) {
	b, err := s.Batches.CurrentBatch(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.Batches.Commit(ctx, b.ID, title)
}

// CurrentBatch returns the user's open batch or ErrNoOpenBatch.
func (s *IngestService) CurrentBatch(ctx context.Context, userID int64) (*domain.Batch, error) {
	return s.Batches.CurrentBatch(ctx, userID)
}

// RequestTitleCurrent flags the user's open batch as waiting for a title.
func (s *IngestService) RequestTitleCurrent(ctx context.Context, userID int64) (*domain.Batch, error) {
	b, err := s.Batches.CurrentBatch(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.Batches.RequestTitle(ctx, b.ID)
}

// RollbackCurrent rolls back the user's open batch.
func (s *IngestService) RollbackCurrent(ctx context.Context, userID int64) (*domain.Batch, error) {
	b, err := s.Batches.CurrentBatch(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.Batches.Rollback(ctx, b.ID)
}

// TitleCurrent sets the title of the user's open batch.
func (s *IngestService) TitleCurrent(ctx context.Context, userID int64, title string) (*domain.Batch, error) {
	b, err := s.Batches.CurrentBatch(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.Batches.SetTitle(ctx, b.ID, title)
}

// Status reports the user's open batch, if any.
func (s *IngestService) Status(ctx context.Context, userID int64) (*Status, error) {
	u, err := repo.GetUser(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	st := &Status{User: u}
	b, err := s.Batches.CurrentBatch(ctx, userID)
	if errors.Is(err, ErrNoOpenBatch) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	items, err := repo.ListBatchResources(ctx, s.DB, b.ID)
	if err != nil {
		return nil, err
	}
	st.Open, st.Resources = b, len(items)
	return st, nil
}
