package telegram

import (
	"context"

	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/tbourn/go-watchbot/internal/config"
	"github.com/tbourn/go-watchbot/internal/services"
)

// Module provides the Telegram adapter for fx dependency injection.
var Module = fx.Module("telegram",
	fx.Provide(provideHandler, provideBot),
	fx.Invoke(registerLifecycle),
)

func provideHandler(cfg config.Config, ingest *services.IngestService, logger zerolog.Logger) *Handler {
	return NewHandler(ingest, cfg.Telegram.AllowedUsers, logger.With().Str("component", "telegram").Logger())
}

func provideBot(cfg config.Config, h *Handler, logger zerolog.Logger) (*Bot, error) {
	bot, err := NewBot(cfg.Telegram.BotToken, h, logger.With().Str("component", "telegram").Logger())
	if err != nil {
		return nil, err
	}
	if cfg.Telegram.MediaDir != "" {
		h.SetMediaFetcher(NewDownloader(bot.Client(), cfg.Telegram.MediaDir, nil))
	}
	return bot, nil
}

// registerLifecycle runs the bot's blocking poll loop in the background.
func registerLifecycle(lc fx.Lifecycle, bot *Bot) {
	var cancel context.CancelFunc
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				bot.Start(ctx)
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
