package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/tbourn/go-watchbot/internal/repo"
)

// DrainOptions controls Drain.
type DrainOptions struct {
	// SkipFailed returns as soon as only backed-off tasks remain instead of
	// waiting for them to become due.
	SkipFailed bool

	// MaxFailedAttempts stops the drain with ErrDrainStalled once a pending
	// task has failed this many times. Zero disables the check.
	MaxFailedAttempts int

	// Wait is the pause while all remaining tasks are backing off.
	// Defaults to the worker's poll interval.
	Wait time.Duration

	// ProgressEvery logs progress after this many processed tasks.
	ProgressEvery int
}

// DrainResult summarizes a drain run.
type DrainResult struct {
	Processed int
	Remaining int64
	Cursor    int64
}

// Drain processes tasks until the queue is empty, then returns. With
// SkipFailed it also returns when every remaining task is waiting out a
// backoff.
func (w *Worker) Drain(ctx context.Context, opts DrainOptions) (DrainResult, error) {
	var res DrainResult
	wait := opts.Wait
	if wait <= 0 {
		wait = w.PollInterval
	}
	every := opts.ProgressEvery
	if every <= 0 {
		every = 10
	}

	st, err := repo.GetOutboxStats(ctx, w.DB, w.now())
	if err != nil {
		return res, err
	}
	w.Logger.Info().
		Int64("remaining", st.Pending).
		Int64("last_processed_id", st.Cursor).
		Msg("drain started")

	for {
		processed, err := w.Step(ctx)
		if err != nil {
			return res, err
		}
		if processed {
			res.Processed++
			if res.Processed%every == 0 {
				w.logProgress(ctx, res.Processed)
			}
			continue
		}

		st, err := repo.GetOutboxStats(ctx, w.DB, w.now())
		if err != nil {
			return res, err
		}
		res.Remaining, res.Cursor = st.Pending, st.Cursor
		pendingGauge.Set(float64(st.Pending))
		cursorGauge.Set(float64(st.Cursor))

		if st.Pending == 0 {
			w.Logger.Info().
				Int("total_processed", res.Processed).
				Int64("last_processed_id", st.Cursor).
				Msg("drain complete")
			return res, nil
		}

		ev := w.Logger.Warn().
			Int64("remaining", st.Pending).
			Int("max_attempt", st.MaxAttempt)
		if st.NextDueAt != nil {
			ev = ev.Time("next_due_at", *st.NextDueAt)
		}
		if opts.MaxFailedAttempts > 0 && st.MaxAttempt >= opts.MaxFailedAttempts {
			ev.Int("threshold", opts.MaxFailedAttempts).Msg("tasks exceeded failure threshold")
			return res, fmt.Errorf("%w: max attempt %d >= %d", ErrDrainStalled, st.MaxAttempt, opts.MaxFailedAttempts)
		}
		if opts.SkipFailed {
			ev.Msg("only backed-off tasks remain; skipping")
			return res, nil
		}
		ev.Msg("all remaining tasks are backing off; waiting")
		if err := sleep(ctx, wait); err != nil {
			return res, err
		}
	}
}

func (w *Worker) logProgress(ctx context.Context, processed int) {
	st, err := repo.GetOutboxStats(ctx, w.DB, w.now())
	if err != nil {
		return
	}
	w.Logger.Info().
		Int("processed", processed).
		Int64("remaining", st.Pending).
		Int64("last_processed_id", st.Cursor).
		Msg("drain progress")
}
