package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-watchbot/internal/domain"
)

func enqueueN(t *testing.T, db *gorm.DB, userID int64, n int, due time.Time) []*domain.OutboxTask {
	t.Helper()
	out := make([]*domain.OutboxTask, 0, n)
	for i := 0; i < n; i++ {
		task, err := EnqueueTask(context.Background(), db, userID, domain.TaskResourceDocument, int64(100+i), due)
		if err != nil {
			t.Fatalf("EnqueueTask: %v", err)
		}
		out = append(out, task)
	}
	return out
}

func TestEnqueueTask_Defaults(t *testing.T) {
	db := newRepoDB(t)
	u := seedUser(t, db, 1)

	past := time.Now().UTC().Add(-time.Hour)
	task, err := EnqueueTask(context.Background(), db, u.ID, domain.TaskBatchDocument, 9, past)
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	if task.ID == 0 || task.Attempt != 0 || task.Kind != domain.TaskBatchDocument || task.RefID != 9 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.DueAt.Before(task.CreatedAt) {
		t.Fatalf("due_at %v must not precede created_at %v", task.DueAt, task.CreatedAt)
	}
}

func TestEnqueueTask_IDsNeverReused(t *testing.T) {
	db := newRepoDB(t)
	u := seedUser(t, db, 1)
	now := time.Now().UTC()
	first := enqueueN(t, db, u.ID, 1, now)[0]

	claimed, err := ClaimNextDue(context.Background(), db, now.Add(time.Second), "w", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextDue: task=%v err=%v", claimed, err)
	}
	if err := CompleteTask(context.Background(), db, claimed.ID, "w"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	second := enqueueN(t, db, u.ID, 1, now)[0]
	if second.ID <= first.ID {
		t.Fatalf("expected a fresh id after deletion, got %d then %d", first.ID, second.ID)
	}
}

func TestClaimNextDue_OrderAndNone(t *testing.T) {
	db := newRepoDB(t)
	u := seedUser(t, db, 1)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	late, _ := EnqueueTask(ctx, db, u.ID, domain.TaskResourceDocument, 1, base.Add(2*time.Second))
	a, _ := EnqueueTask(ctx, db, u.ID, domain.TaskResourceDocument, 2, base)
	b, _ := EnqueueTask(ctx, db, u.ID, domain.TaskResourceDocument, 3, base)

	// Nothing due yet.
	if got, err := ClaimNextDue(ctx, db, base.Add(-time.Second), "w", time.Minute); err != nil || got != nil {
		t.Fatalf("expected nothing due, got %v err=%v", got, err)
	}

	now := base.Add(time.Minute)
	var order []int64
	for i := 0; i < 3; i++ {
		got, err := ClaimNextDue(ctx, db, now, "w", time.Minute)
		if err != nil || got == nil {
			t.Fatalf("claim %d: %v %v", i, got, err)
		}
		order = append(order, got.ID)
	}
	want := []int64{a.ID, b.ID, late.ID}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("claim order = %v; want %v", order, want)
		}
	}
	// All leased now.
	if got, _ := ClaimNextDue(ctx, db, now, "w2", time.Minute); got != nil {
		t.Fatalf("leased tasks must not be handed out again: %+v", got)
	}
}

func TestClaimNextDue_LeaseExclusiveUntilExpiry(t *testing.T) {
	db := newRepoDB(t)
	u := seedUser(t, db, 1)
	ctx := context.Background()
	now := time.Now().UTC()
	task := enqueueN(t, db, u.ID, 1, now)[0]

	got, err := ClaimNextDue(ctx, db, now, "w1", 30*time.Second)
	if err != nil || got == nil || got.ID != task.ID || got.LockedBy == nil || *got.LockedBy != "w1" {
		t.Fatalf("w1 claim: %+v err=%v", got, err)
	}
	if other, _ := ClaimNextDue(ctx, db, now.Add(10*time.Second), "w2", 30*time.Second); other != nil {
		t.Fatalf("w2 must not claim a live lease")
	}
	// After expiry the task is recoverable.
	again, err := ClaimNextDue(ctx, db, now.Add(31*time.Second), "w2", 30*time.Second)
	if err != nil || again == nil || again.ID != task.ID {
		t.Fatalf("w2 should reclaim expired lease: %+v err=%v", again, err)
	}
	// w1 lost its lease.
	if err := CompleteTask(ctx, db, task.ID, "w1"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for stale holder, got %v", err)
	}
}

func TestRescheduleTask_IncrementsAndReleases(t *testing.T) {
	db := newRepoDB(t)
	u := seedUser(t, db, 1)
	ctx := context.Background()
	now := time.Now().UTC()
	enqueueN(t, db, u.ID, 1, now)

	task, _ := ClaimNextDue(ctx, db, now, "w", time.Minute)
	next, err := RescheduleTask(ctx, db, task, "w", now.Add(5*time.Second), "boom")
	if err != nil {
		t.Fatalf("RescheduleTask: %v", err)
	}
	if next.Attempt != 1 || !next.DueAt.Equal(now.Add(5*time.Second)) || next.LockedBy != nil {
		t.Fatalf("unexpected rescheduled task: %+v", next)
	}

	stored, _ := GetTask(ctx, db, task.ID)
	if stored.Attempt != 1 || stored.LockedBy != nil || stored.LockedUntil != nil ||
		stored.LastError == nil || *stored.LastError != "boom" {
		t.Fatalf("unexpected stored task: %+v", stored)
	}
	if !stored.DueAt.Equal(next.DueAt) {
		t.Fatalf("stored due_at %v != %v", stored.DueAt, next.DueAt)
	}

	// Not leased anymore: rescheduling again must fail.
	if _, err := RescheduleTask(ctx, db, stored, "w", now.Add(time.Minute), "x"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestRescheduleTask_DueAtStrictlyIncreases(t *testing.T) {
	db := newRepoDB(t)
	u := seedUser(t, db, 1)
	ctx := context.Background()
	now := time.Now().UTC()
	enqueueN(t, db, u.ID, 1, now)

	task, _ := ClaimNextDue(ctx, db, now, "w", time.Minute)
	// A due time in the past is pushed beyond the previous one.
	next, err := RescheduleTask(ctx, db, task, "w", now.Add(-time.Hour), "x")
	if err != nil {
		t.Fatalf("RescheduleTask: %v", err)
	}
	if !next.DueAt.After(task.DueAt) {
		t.Fatalf("due_at must strictly increase: %v -> %v", task.DueAt, next.DueAt)
	}
}

func TestCompleteTask_CursorTracksOldestPending(t *testing.T) {
	db := newRepoDB(t)
	u := seedUser(t, db, 1)
	ctx := context.Background()
	now := time.Now().UTC()
	tasks := enqueueN(t, db, u.ID, 3, now)

	lease := func(id int64) {
		t.Helper()
		if err := db.Model(&domain.OutboxTask{}).Where("id = ?", id).
			Update("locked_by", "w").Error; err != nil {
			t.Fatalf("lease: %v", err)
		}
	}
	cursor := func() int64 {
		t.Helper()
		c, err := GetCursor(ctx, db)
		if err != nil {
			t.Fatalf("GetCursor: %v", err)
		}
		return c.LastProcessedID
	}
	start := cursor()

	// Out of order: the middle one first. Oldest pending is still tasks[0].
	lease(tasks[1].ID)
	if err := CompleteTask(ctx, db, tasks[1].ID, "w"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if got := cursor(); got != start {
		t.Fatalf("cursor advanced past pending task: %d", got)
	}

	lease(tasks[0].ID)
	if err := CompleteTask(ctx, db, tasks[0].ID, "w"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if got := cursor(); got != tasks[2].ID-1 {
		t.Fatalf("cursor = %d; want %d", got, tasks[2].ID-1)
	}

	lease(tasks[2].ID)
	if err := CompleteTask(ctx, db, tasks[2].ID, "w"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if got := cursor(); got != tasks[2].ID {
		t.Fatalf("cursor = %d; want %d", got, tasks[2].ID)
	}
	if _, err := GetTask(ctx, db, tasks[2].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("completed task should be deleted, err=%v", err)
	}

	// Never regresses: a new task and an earlier completion leave it alone.
	more := enqueueN(t, db, u.ID, 1, now)[0]
	before := cursor()
	if more.ID <= before {
		t.Fatalf("new id %d should exceed cursor %d", more.ID, before)
	}
	if got := cursor(); got < before {
		t.Fatalf("cursor regressed %d -> %d", before, got)
	}
}

func TestCompleteTask_RollsBackWithOuterTransaction(t *testing.T) {
	db := newRepoDB(t)
	u := seedUser(t, db, 1)
	ctx := context.Background()
	now := time.Now().UTC()
	enqueueN(t, db, u.ID, 1, now)
	task, _ := ClaimNextDue(ctx, db, now, "w", time.Minute)

	sentinel := errors.New("abort")
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := CompleteTask(ctx, tx, task.ID, "w"); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if _, err := GetTask(ctx, db, task.ID); err != nil {
		t.Fatalf("task should survive the aborted transaction: %v", err)
	}
}

func TestFailures_RecordListCount(t *testing.T) {
	db := newRepoDB(t)
	u := seedUser(t, db, 1)
	ctx := context.Background()
	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		task := &domain.OutboxTask{ID: int64(i + 1), UserID: u.ID, Kind: domain.TaskResourceDocument, RefID: int64(10 + i)}
		if _, err := RecordFailure(ctx, db, task, i, "rejected", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	n, err := CountFailures(ctx, db)
	if err != nil || n != 3 {
		t.Fatalf("CountFailures = %d, %v", n, err)
	}
	page, err := ListFailuresPage(ctx, db, 0, 2)
	if err != nil {
		t.Fatalf("ListFailuresPage: %v", err)
	}
	if len(page) != 2 || page[0].RefID != 12 || page[1].RefID != 11 {
		t.Fatalf("unexpected page (newest first): %+v", page)
	}
}

func TestGetOutboxStats(t *testing.T) {
	db := newRepoDB(t)
	u := seedUser(t, db, 1)
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	empty, err := GetOutboxStats(ctx, db, now)
	if err != nil {
		t.Fatalf("GetOutboxStats: %v", err)
	}
	if empty.Pending != 0 || empty.NextDueAt != nil {
		t.Fatalf("unexpected empty stats: %+v", empty)
	}

	EnqueueTask(ctx, db, u.ID, domain.TaskResourceDocument, 1, now.Add(-time.Minute))
	EnqueueTask(ctx, db, u.ID, domain.TaskResourceDocument, 2, now.Add(-time.Second))
	EnqueueTask(ctx, db, u.ID, domain.TaskResourceDocument, 3, now.Add(time.Hour))
	claimed, _ := ClaimNextDue(ctx, db, now, "w", time.Minute)
	if _, err := RescheduleTask(ctx, db, claimed, "w", now.Add(2*time.Hour), "x"); err != nil {
		t.Fatalf("RescheduleTask: %v", err)
	}
	ClaimNextDue(ctx, db, now, "w", time.Minute)

	s, err := GetOutboxStats(ctx, db, now)
	if err != nil {
		t.Fatalf("GetOutboxStats: %v", err)
	}
	if s.Pending != 3 || s.Due != 1 || s.Leased != 1 || s.MaxAttempt != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.NextDueAt == nil || !s.NextDueAt.Equal(now.Add(-time.Second)) {
		t.Fatalf("unexpected next due: %v", s.NextDueAt)
	}
}

func TestHasPendingTask(t *testing.T) {
	db := newRepoDB(t)
	u := seedUser(t, db, 1)
	ctx := context.Background()

	task, err := EnqueueTask(ctx, db, u.ID, domain.TaskBatchDocument, 9, time.Now().UTC())
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	if ok, err := HasPendingTask(ctx, db, domain.TaskBatchDocument, 9); err != nil || !ok {
		t.Fatalf("queued task not found: %v %v", ok, err)
	}
	if ok, _ := HasPendingTask(ctx, db, domain.TaskResourceDocument, 9); ok {
		t.Fatalf("kind must be part of the match")
	}

	if _, err := ClaimNextDue(ctx, db, time.Now().UTC().Add(time.Second), "w", time.Minute); err != nil {
		t.Fatalf("ClaimNextDue: %v", err)
	}
	if ok, _ := HasPendingTask(ctx, db, domain.TaskBatchDocument, 9); !ok {
		t.Fatalf("leased task still counts as pending")
	}
	if err := CompleteTask(ctx, db, task.ID, "w"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if ok, _ := HasPendingTask(ctx, db, domain.TaskBatchDocument, 9); ok {
		t.Fatalf("completed task must not be pending")
	}
}
