// Package app assembles the watchbot from its parts with fx: store,
// services, the delivery worker, the HTTP API, and the Telegram adapter.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/tbourn/go-watchbot/internal/config"
	httpapi "github.com/tbourn/go-watchbot/internal/http"
	"github.com/tbourn/go-watchbot/internal/notion"
	"github.com/tbourn/go-watchbot/internal/observability"
	"github.com/tbourn/go-watchbot/internal/outbox"
	"github.com/tbourn/go-watchbot/internal/repo"
	"github.com/tbourn/go-watchbot/internal/services"
	"github.com/tbourn/go-watchbot/internal/sysutil"
	"github.com/tbourn/go-watchbot/internal/telegram"
)

// Version is stamped at build time with -ldflags "-X ...app.Version=...".
var Version = "dev"

// CoreModule provides the logger, the migrated database, tracing and the
// batch services.
var CoreModule = fx.Module("core",
	fx.Provide(
		provideLogger,
		provideDB,
		services.NewBatchService,
		services.NewIngestService,
	),
	fx.Invoke(registerTracing),
)

// DeliveryModule provides the document client and the outbox worker.
var DeliveryModule = fx.Module("delivery",
	fx.Provide(provideDocumentClient, provideWorker),
)

// HTTPModule serves the API.
var HTTPModule = fx.Module("http",
	fx.Provide(provideHTTPServer),
	fx.Invoke(registerHTTPServer),
)

// WorkerModule runs the outbox worker for the life of the app.
var WorkerModule = fx.Module("worker",
	fx.Invoke(registerWorker),
)

// Options returns the full long-running application for cfg.
func Options(cfg config.Config) fx.Option {
	opts := []fx.Option{
		fx.Supply(cfg),
		CoreModule,
		DeliveryModule,
		WorkerModule,
		HTTPModule,
	}
	if cfg.Telegram.Enabled {
		opts = append(opts, telegram.Module)
	}
	if cfg.LogLevel != "debug" {
		opts = append(opts, fx.NopLogger)
	}
	return fx.Options(opts...)
}

func provideLogger(cfg config.Config) zerolog.Logger {
	return sysutil.NewLogger(cfg.LogLevel, cfg.LogPretty, nil)
}

func provideDB(lc fx.Lifecycle, cfg config.Config, logger zerolog.Logger) (*gorm.DB, error) {
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := repo.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			logger.Info().Msg("closing database")
			return sqlDB.Close()
		},
	})
	logger.Info().Str("path", cfg.DBPath).Msg("database ready")
	return db, nil
}

func registerTracing(lc fx.Lifecycle, cfg config.Config, logger zerolog.Logger) error {
	shutdown, err := observability.SetupOTel(context.Background(), cfg.OTEL, Version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if cfg.OTEL.Enabled {
		logger.Info().Str("endpoint", cfg.OTEL.Endpoint).Msg("tracing enabled")
	}
	lc.Append(fx.Hook{OnStop: shutdown})
	return nil
}

func provideDocumentClient(cfg config.Config, logger zerolog.Logger) (outbox.DocumentClient, error) {
	if err := cfg.Notion.Validate(); err != nil {
		return nil, err
	}
	return notion.New(cfg.Notion, notion.WithLogger(logger.With().Str("component", "notion").Logger())), nil
}

func provideWorker(db *gorm.DB, client outbox.DocumentClient, cfg config.Config, logger zerolog.Logger) *outbox.Worker {
	w := outbox.NewWorker(db, client)
	w.Logger = logger.With().Str("component", "outbox").Logger()
	w.PollInterval = cfg.Outbox.PollInterval
	w.BaseBackoff = cfg.Outbox.BaseBackoff
	w.MaxBackoff = cfg.Outbox.MaxBackoff
	w.DeliveryTimeout = cfg.Outbox.DeliveryTimeout
	w.LeaseTTL = cfg.Outbox.LeaseTTL
	w.MaxAttempts = cfg.Outbox.MaxAttempts
	return w
}

// registerWorker runs the worker loop in the background. A store failure
// that stops the loop shuts the app down with exit code 1.
func registerWorker(lc fx.Lifecycle, w *outbox.Worker, sd fx.Shutdowner) {
	var cancel context.CancelFunc
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				if err := w.Run(ctx); err != nil {
					w.Logger.Error().Err(err).Msg("worker stopped")
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}

func provideHTTPServer(cfg config.Config, db *gorm.DB, batches *services.BatchService, ingest *services.IngestService, logger zerolog.Logger) *http.Server {
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, batches, ingest, cfg, logger.With().Str("component", "http").Logger())
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
}

func registerHTTPServer(lc fx.Lifecycle, srv *http.Server, logger zerolog.Logger, sd fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			logger.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("http server failed")
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info().Msg("http server shutting down")
			return srv.Shutdown(ctx)
		},
	})
}
