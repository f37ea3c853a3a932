package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/go-watchbot/internal/domain"
)

func TestNextSequence(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	u := seedUser(t, db, 1)
	b := seedBatch(t, db, u.ID, domain.BatchOpen)

	seq, err := NextSequence(ctx, db, b.ID)
	if err != nil || seq != 1 {
		t.Fatalf("NextSequence on empty batch = %d, %v", seq, err)
	}
	r := &domain.Resource{UserID: u.ID, BatchID: &b.ID, Kind: domain.ResourceText, Content: "a", MessageID: 1, Sequence: 5}
	if err := CreateResource(ctx, db, r); err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	if seq, _ := NextSequence(ctx, db, b.ID); seq != 6 {
		t.Fatalf("NextSequence = %d; want 6", seq)
	}
}

func TestCreateResource_DuplicateAndExternalID(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	u := seedUser(t, db, 1)

	r := &domain.Resource{UserID: u.ID, Kind: domain.ResourceText, Content: "hello", MessageID: 10, Sequence: 1}
	if err := CreateResource(ctx, db, r); err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	dup := &domain.Resource{UserID: u.ID, Kind: domain.ResourceText, Content: "hello", MessageID: 10, Sequence: 1}
	if err := CreateResource(ctx, db, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	if err := SetResourceExternalID(ctx, db, r.ID, "page_1"); err != nil {
		t.Fatalf("SetResourceExternalID: %v", err)
	}
	got, err := GetResource(ctx, db, r.ID)
	if err != nil || !got.Mirrored() || *got.ExternalID != "page_1" {
		t.Fatalf("GetResource = %+v, %v", got, err)
	}
	if err := SetResourceExternalID(ctx, db, 12345, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
