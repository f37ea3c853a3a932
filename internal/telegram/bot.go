// Package telegram is the chat ingestion adapter. It registers command
// handlers on a go-telegram bot and feeds every other message into the
// ingest service.
package telegram

import (
	"context"
	"fmt"

	tgbot "github.com/go-telegram/bot"
	"github.com/rs/zerolog"
)

// Bot wraps the Telegram client and its handler set.
type Bot struct {
	bot     *tgbot.Bot
	handler *Handler
	logger  zerolog.Logger
}

// NewBot creates the Telegram client with h as default handler and
// registers the command routes.
func NewBot(token string, h *Handler, logger zerolog.Logger, opts ...tgbot.Option) (*Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	opts = append([]tgbot.Option{tgbot.WithDefaultHandler(h.HandleUpdate)}, opts...)

	b, err := tgbot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	registerRoutes(b, h)
	logger.Info().Msg("telegram bot created")

	return &Bot{bot: b, handler: h, logger: logger}, nil
}

func registerRoutes(b *tgbot.Bot, h *Handler) {
	for _, cmd := range []string{cmdStart, cmdHelp, cmdBegin, cmdRollback, cmdStatus} {
		b.RegisterHandler(tgbot.HandlerTypeMessageText, cmd, tgbot.MatchTypeExact, h.HandleUpdate)
	}
	for _, cmd := range []string{cmdCommit, cmdTitle} {
		b.RegisterHandler(tgbot.HandlerTypeMessageText, cmd, tgbot.MatchTypePrefix, h.HandleUpdate)
	}
}

// Client exposes the underlying Telegram client.
func (b *Bot) Client() *tgbot.Bot {
	return b.bot
}

// Start polls for updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	b.logger.Info().Msg("starting telegram bot")
	b.bot.Start(ctx)
	b.logger.Info().Msg("telegram bot stopped")
}
