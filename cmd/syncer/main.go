// Command syncer drains the outbox once and exits. It never starts the bot
// or the HTTP server, so it can run next to a stopped watchbot to flush
// pending deliveries.
//
// Exit codes: 0 drained (or skipped), 1 error, 2 stalled on failing tasks.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"go.uber.org/fx"

	"github.com/tbourn/go-watchbot/internal/app"
	"github.com/tbourn/go-watchbot/internal/config"
	"github.com/tbourn/go-watchbot/internal/outbox"
	"github.com/tbourn/go-watchbot/internal/sysutil"
	"github.com/tbourn/go-watchbot/internal/utils"
)

func main() {
	_ = godotenv.Load()

	skipFailed := flag.Bool("skip-failed", sysutil.IsTruthy(os.Getenv("SYNCER_SKIP_FAILED")),
		"exit once only backed-off tasks remain")
	maxFailed := flag.Int("max-failed-attempts", utils.AtoiDefault(os.Getenv("SYNCER_MAX_FAILED_ATTEMPTS"), 5),
		"stop with exit code 2 when a task has failed this many times (0 disables)")
	wait := flag.Duration("wait", 0, "pause while all remaining tasks back off (default: poll interval)")
	flag.Parse()

	os.Exit(run(outbox.DrainOptions{
		SkipFailed:        *skipFailed,
		MaxFailedAttempts: *maxFailed,
		Wait:              *wait,
	}))
}

func run(opts outbox.DrainOptions) int {
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	var w *outbox.Worker
	fxApp := fx.New(
		fx.Supply(cfg),
		app.CoreModule,
		app.DeliveryModule,
		fx.NopLogger,
		fx.Populate(&w),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fxApp.Start(ctx); err != nil {
		log.Error().Err(err).Msg("startup failed")
		return 1
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = fxApp.Stop(stopCtx)
	}()

	res, err := w.Drain(ctx, opts)
	switch {
	case errors.Is(err, outbox.ErrDrainStalled):
		w.Logger.Error().Err(err).Int("processed", res.Processed).Int64("remaining", res.Remaining).Msg("drain stalled")
		return 2
	case errors.Is(err, context.Canceled):
		w.Logger.Warn().Int("processed", res.Processed).Msg("drain interrupted")
		return 1
	case err != nil:
		w.Logger.Error().Err(err).Msg("drain failed")
		return 1
	}
	return 0
}
