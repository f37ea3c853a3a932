// Package outbox delivers committed work to the external document store.
//
// The Worker claims one due task at a time from the durable queue, resolves
// the entity it points at, calls the DocumentClient under a per-call timeout
// and records the outcome:
//
//   - entity gone or already mirrored: the task is completed without a call;
//   - success: the external id is stored and the task completed in one
//     transaction;
//   - retryable failure: the task is rescheduled with exponential backoff;
//   - fatal failure: a delivery_failures row is written and the task
//     completed, again in one transaction.
//
// Because an entity that already carries an external id is never sent
// again, abandoning an in-flight call (crash, shutdown, lease expiry) can at
// worst repeat a call whose result was never stored.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-watchbot/internal/domain"
	"github.com/tbourn/go-watchbot/internal/repo"
)

// Defaults applied by NewWorker.
const (
	DefaultPollInterval    = 1500 * time.Millisecond
	DefaultBaseBackoff     = 5 * time.Second
	DefaultMaxBackoff      = 5 * time.Minute
	DefaultDeliveryTimeout = 30 * time.Second
	DefaultLeaseTTL        = 2 * time.Minute
)

// Worker processes outbox tasks. It is a single logical loop; running
// several Workers against one store is safe thanks to the claim lease but
// gives no ordering guarantee across them.
type Worker struct {
	DB     *gorm.DB
	Client DocumentClient
	Clock  Clock
	Logger zerolog.Logger

	// ID identifies this worker in task leases.
	ID string

	PollInterval    time.Duration
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	DeliveryTimeout time.Duration
	LeaseTTL        time.Duration

	// MaxAttempts turns a retryable failure into a terminal one once the
	// task has failed this many times. Zero means unlimited.
	MaxAttempts int
}

// NewWorker returns a Worker with default timings and a random ID.
func NewWorker(db *gorm.DB, client DocumentClient) *Worker {
	return &Worker{
		DB:              db,
		Client:          client,
		Clock:           SystemClock{},
		Logger:          log.Logger.With().Str("component", "outbox").Logger(),
		ID:              "worker-" + uuid.NewString(),
		PollInterval:    DefaultPollInterval,
		BaseBackoff:     DefaultBaseBackoff,
		MaxBackoff:      DefaultMaxBackoff,
		DeliveryTimeout: DefaultDeliveryTimeout,
		LeaseTTL:        DefaultLeaseTTL,
	}
}

func (w *Worker) now() time.Time {
	if w.Clock == nil {
		return time.Now().UTC()
	}
	return w.Clock.Now().UTC()
}

var tracer = otel.Tracer("outbox/Worker")

// Run polls for due tasks until ctx is cancelled. Delivery failures are
// handled inside Step; only store errors end the loop early. Cancellation
// returns nil.
func (w *Worker) Run(ctx context.Context) error {
	w.Logger.Info().
		Str("worker", w.ID).
		Dur("poll_interval", w.PollInterval).
		Dur("max_backoff", w.MaxBackoff).
		Msg("outbox worker started")
	defer w.Logger.Info().Str("worker", w.ID).Msg("outbox worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		processed, err := w.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Logger.Error().Err(err).Str("worker", w.ID).Msg("outbox step failed")
			return err
		}
		if processed {
			continue
		}
		w.refreshGauges(ctx)
		if err := sleep(ctx, w.PollInterval); err != nil {
			return nil
		}
	}
}

// Step claims and processes at most one due task. It reports whether a
// task was claimed. The returned error is non-nil only for store failures
// or cancellation of ctx.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	task, err := repo.ClaimNextDue(ctx, w.DB, w.now(), w.ID, w.leaseTTL())
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if task == nil {
		return false, nil
	}

	ctx, span := tracer.Start(ctx, "Step", trace.WithAttributes(
		attribute.Int64("outbox.task_id", task.ID),
		attribute.String("outbox.kind", string(task.Kind)),
		attribute.Int64("outbox.ref_id", task.RefID),
		attribute.Int("outbox.attempt", task.Attempt),
	))
	defer span.End()

	outcome, err := w.dispatch(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// The task stays claimable once the lease is gone; give it back now.
		if rerr := repo.ReleaseTask(context.WithoutCancel(ctx), w.DB, task.ID, w.ID); rerr != nil {
			w.Logger.Warn().Err(rerr).Int64("task_id", task.ID).Msg("release lease failed")
		}
		return true, err
	}
	span.SetAttributes(attribute.String("outbox.outcome", outcome))
	tasksTotal.WithLabelValues(string(task.Kind), outcome).Inc()
	return true, nil
}

// dispatch routes task by kind. The switch is exhaustive over TaskKind.
func (w *Worker) dispatch(ctx context.Context, task *domain.OutboxTask) (string, error) {
	switch task.Kind {
	case domain.TaskBatchDocument:
		return w.deliverBatch(ctx, task)
	case domain.TaskResourceDocument:
		return w.deliverResource(ctx, task)
	default:
		return w.handleFailure(ctx, task, Fatal(fmt.Errorf("%w: %q", ErrUnknownKind, task.Kind)))
	}
}

func (w *Worker) deliverBatch(ctx context.Context, task *domain.OutboxTask) (string, error) {
	b, err := repo.GetBatch(ctx, w.DB, task.RefID)
	if errors.Is(err, repo.ErrNotFound) {
		return w.skip(ctx, task, "batch no longer exists")
	}
	if err != nil {
		return "", err
	}
	if b.Mirrored() {
		return w.skip(ctx, task, "batch already mirrored")
	}
	if b.State != domain.BatchCommitted {
		return w.handleFailure(ctx, task, Fatal(fmt.Errorf("batch %d is %s, not committed", b.ID, b.State)))
	}

	doc := Document{Kind: domain.TaskBatchDocument}
	if b.Title != nil {
		doc.Title = *b.Title
	}
	id, err := w.call(ctx, task, doc)
	if err != nil {
		return w.handleFailure(ctx, task, err)
	}
	return w.succeed(ctx, task, func(tx *gorm.DB) error {
		return repo.SetBatchExternalID(ctx, tx, b.ID, id)
	})
}

func (w *Worker) deliverResource(ctx context.Context, task *domain.OutboxTask) (string, error) {
	r, err := repo.GetResource(ctx, w.DB, task.RefID)
	if errors.Is(err, repo.ErrNotFound) {
		return w.skip(ctx, task, "resource no longer exists")
	}
	if err != nil {
		return "", err
	}
	if r.Mirrored() {
		return w.skip(ctx, task, "resource already mirrored")
	}

	doc := Document{
		Kind:         domain.TaskResourceDocument,
		Order:        r.Sequence,
		ResourceKind: r.Kind,
	}
	if r.Text != nil {
		doc.Text = *r.Text
	}
	if r.MediaName != nil {
		doc.MediaName = *r.MediaName
	}
	if r.MediaURL != nil {
		doc.MediaURL = *r.MediaURL
	}
	doc.Files = attachments(r)

	if r.BatchID != nil {
		parent, err := repo.GetBatch(ctx, w.DB, *r.BatchID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			// Parent vanished; deliver without a relation.
		case err != nil:
			return "", err
		case parent.State != domain.BatchCommitted:
			return w.handleFailure(ctx, task, Retryable(fmt.Errorf("batch %d is %s: %w", parent.ID, parent.State, ErrParentNotReady)))
		case parent.HasTitle() && !parent.Mirrored():
			queued, err := repo.HasPendingTask(ctx, w.DB, domain.TaskBatchDocument, parent.ID)
			if err != nil {
				return "", err
			}
			if !queued {
				return w.handleFailure(ctx, task, Fatal(fmt.Errorf("batch %d: %w", parent.ID, ErrParentFailed)))
			}
			return w.handleFailure(ctx, task, Retryable(fmt.Errorf("batch %d: %w", parent.ID, ErrParentNotReady)))
		case parent.Mirrored():
			doc.ParentExternalID = *parent.ExternalID
		}
	}

	id, err := w.call(ctx, task, doc)
	if err != nil {
		return w.handleFailure(ctx, task, err)
	}
	return w.succeed(ctx, task, func(tx *gorm.DB) error {
		return repo.SetResourceExternalID(ctx, tx, r.ID, id)
	})
}

// call invokes the client under the delivery timeout. Cancellation of the
// parent ctx is returned unwrapped so Step treats it as an abort.
func (w *Worker) call(ctx context.Context, task *domain.OutboxTask, doc Document) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, w.deliveryTimeout())
	defer cancel()

	start := time.Now()
	id, err := w.Client.CreateDocument(cctx, doc)
	deliveryLat.WithLabelValues(string(task.Kind)).Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		return "", abortError{ctx.Err()}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", Retryable(fmt.Errorf("delivery timed out after %s: %w", w.deliveryTimeout(), err))
		}
		return "", err
	}
	if id == "" {
		return "", Retryable(ErrEmptyExternalID)
	}
	return id, nil
}

// abortError carries parent-context cancellation out of handleFailure.
type abortError struct{ err error }

func (e abortError) Error() string { return e.err.Error() }
func (e abortError) Unwrap() error { return e.err }

func (w *Worker) succeed(ctx context.Context, task *domain.OutboxTask, persist func(tx *gorm.DB) error) (string, error) {
	err := w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := persist(tx); err != nil {
			return err
		}
		return repo.CompleteTask(ctx, tx, task.ID, w.ID)
	})
	switch {
	case errors.Is(err, repo.ErrNotFound):
		// Entity deleted while the call was in flight.
		return w.skip(ctx, task, "entity deleted during delivery")
	case errors.Is(err, repo.ErrLeaseLost):
		w.logTask(w.Logger.Warn(), task).Msg("lease lost before completion; result discarded")
		return outcomeLeaseLost, nil
	case err != nil:
		return "", err
	}
	w.logTask(w.Logger.Info(), task).Msg("outbox task delivered")
	w.refreshCursor(ctx)
	return outcomeDelivered, nil
}

func (w *Worker) skip(ctx context.Context, task *domain.OutboxTask, reason string) (string, error) {
	err := repo.CompleteTask(ctx, w.DB, task.ID, w.ID)
	if errors.Is(err, repo.ErrLeaseLost) {
		return outcomeLeaseLost, nil
	}
	if err != nil {
		return "", err
	}
	w.logTask(w.Logger.Debug(), task).Str("reason", reason).Msg("outbox task skipped")
	w.refreshCursor(ctx)
	return outcomeSkipped, nil
}

// handleFailure reschedules or terminates task after a failed delivery.
func (w *Worker) handleFailure(ctx context.Context, task *domain.OutboxTask, cause error) (string, error) {
	var abort abortError
	if errors.As(cause, &abort) {
		return "", abort.err
	}

	attempt := task.Attempt + 1
	retryable := IsRetryable(cause)
	if retryable && w.MaxAttempts > 0 && attempt >= w.MaxAttempts {
		cause = fmt.Errorf("giving up after %d attempts: %w", attempt, cause)
		retryable = false
	}
	if !retryable {
		return w.fail(ctx, task, attempt, cause)
	}

	delay := Backoff(attempt, w.BaseBackoff, w.MaxBackoff)
	next, err := repo.RescheduleTask(ctx, w.DB, task, w.ID, w.now().Add(delay), cause.Error())
	if errors.Is(err, repo.ErrLeaseLost) {
		return outcomeLeaseLost, nil
	}
	if err != nil {
		return "", err
	}
	w.logTask(w.Logger.Warn(), task).
		Err(cause).
		Int("next_attempt", next.Attempt).
		Time("due_at", next.DueAt).
		Msg("outbox task failed; backoff")
	return outcomeRetried, nil
}

func (w *Worker) fail(ctx context.Context, task *domain.OutboxTask, attempt int, cause error) (string, error) {
	now := w.now()
	err := w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.RecordFailure(ctx, tx, task, attempt, cause.Error(), now); err != nil {
			return err
		}
		return repo.CompleteTask(ctx, tx, task.ID, w.ID)
	})
	if errors.Is(err, repo.ErrLeaseLost) {
		return outcomeLeaseLost, nil
	}
	if err != nil {
		return "", err
	}
	w.logTask(w.Logger.Error(), task).Err(cause).Int("attempt", attempt).Msg("outbox task failed permanently")
	w.refreshCursor(ctx)
	return outcomeFailed, nil
}

func (w *Worker) logTask(ev *zerolog.Event, task *domain.OutboxTask) *zerolog.Event {
	return ev.
		Str("worker", w.ID).
		Int64("task_id", task.ID).
		Str("kind", string(task.Kind)).
		Int64("ref_id", task.RefID).
		Int64("user_id", task.UserID)
}

func (w *Worker) refreshCursor(ctx context.Context) {
	if c, err := repo.GetCursor(ctx, w.DB); err == nil {
		cursorGauge.Set(float64(c.LastProcessedID))
	}
}

func (w *Worker) refreshGauges(ctx context.Context) {
	st, err := repo.GetOutboxStats(ctx, w.DB, w.now())
	if err != nil {
		return
	}
	pendingGauge.Set(float64(st.Pending))
	cursorGauge.Set(float64(st.Cursor))
}

func (w *Worker) leaseTTL() time.Duration {
	if w.LeaseTTL > 0 {
		return w.LeaseTTL
	}
	return DefaultLeaseTTL
}

func (w *Worker) deliveryTimeout() time.Duration {
	if w.DeliveryTimeout > 0 {
		return w.DeliveryTimeout
	}
	return DefaultDeliveryTimeout
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// attachments lists the local files of r, thumbnail first.
func attachments(r *domain.Resource) []Attachment {
	var out []Attachment
	if r.ThumbPath != nil && *r.ThumbPath != "" {
		out = append(out, Attachment{Path: *r.ThumbPath, Name: filepath.Base(*r.ThumbPath)})
	}
	if r.MediaPath != nil && *r.MediaPath != "" {
		name := filepath.Base(*r.MediaPath)
		if r.MediaName != nil && *r.MediaName != "" {
			name = *r.MediaName
		}
		out = append(out, Attachment{Path: *r.MediaPath, Name: name})
	}
	return out
}
