package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-watchbot/internal/domain"
	"github.com/tbourn/go-watchbot/internal/services"
)

const (
	replyAskTitle      = "Please input title:"
	replyTitleEmpty    = "Invalid input: title must be a non-empty text message. Please send text."
	replyTitleNotText  = "Invalid input: title must be a text message. Please send text."
	replyCommitted     = "Committed batch with title: %s"
	replyNoOpenCommit  = "No open batch to commit."
	replyRolledBack    = "Rolled back."
	replyGenericFailed = "Something went wrong, please try again."
)

// Handler turns Telegram messages into ingestion calls.
type Handler struct {
	ingest  *services.IngestService
	allowed map[int64]struct{}
	media   MediaFetcher
	logger  zerolog.Logger
}

// NewHandler builds a Handler. An empty allowed list admits every user.
func NewHandler(ingest *services.IngestService, allowed []int64, logger zerolog.Logger) *Handler {
	h := &Handler{ingest: ingest, logger: logger}
	if len(allowed) > 0 {
		h.allowed = make(map[int64]struct{}, len(allowed))
		for _, id := range allowed {
			h.allowed[id] = struct{}{}
		}
	}
	return h
}

// SetMediaFetcher enables local copies of incoming media. Call it before
// the bot starts polling.
func (h *Handler) SetMediaFetcher(m MediaFetcher) {
	h.media = m
}

func (h *Handler) isAllowed(platformID int64) bool {
	if h.allowed == nil {
		return true
	}
	_, ok := h.allowed[platformID]
	return ok
}

// HandleUpdate is registered as the bot's default handler and for every
// command.
func (h *Handler) HandleUpdate(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	reply, err := h.Process(ctx, update.Message)
	if err != nil {
		h.logger.Error().Err(err).
			Int64("chat_id", update.Message.Chat.ID).
			Int("message_id", update.Message.ID).
			Msg("telegram update failed")
		reply = replyGenericFailed
	}
	if reply == "" {
		return
	}
	if _, err := b.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: update.Message.Chat.ID,
		Text:   reply,
	}); err != nil {
		h.logger.Warn().Err(err).Int64("chat_id", update.Message.Chat.ID).Msg("telegram reply failed")
	}
}

// Process handles one message and returns the reply text, if any. Errors
// are reserved for store failures; user mistakes become replies.
func (h *Handler) Process(ctx context.Context, msg *models.Message) (string, error) {
	if msg.From == nil || !h.isAllowed(msg.From.ID) {
		return "", nil
	}
	u, err := h.ingest.EnsureUser(ctx, msg.From.ID, msg.From.Username, displayName(msg.From))
	if err != nil {
		return "", err
	}

	cur, err := h.ingest.CurrentBatch(ctx, u.ID)
	switch {
	case err == nil && cur.AwaitingTitle:
		return h.awaitingTitle(ctx, u, msg)
	case err != nil && !errors.Is(err, services.ErrNoOpenBatch):
		return "", err
	}

	if name, arg, ok := parseCommand(msg.Text); ok {
		return h.command(ctx, u, name, arg)
	}

	inputs := toInputs(msg)
	stored := 0
	for _, in := range inputs {
		h.fetchMedia(ctx, msg, &in)
		_, err := h.ingest.Record(ctx, u.ID, in)
		switch {
		case err == nil:
			stored++
		case errors.Is(err, services.ErrDuplicateResource):
			h.logger.Debug().Int64("user_id", u.ID).Int("message_id", msg.ID).Msg("duplicate message ignored")
		case errors.Is(err, services.ErrEmptyContent), errors.Is(err, services.ErrInvalidKind):
		default:
			return "", err
		}
	}
	h.logger.Debug().Int64("user_id", u.ID).Int("message_id", msg.ID).Int("stored", stored).Msg("message ingested")
	return "", nil
}

// awaitingTitle handles a message while the open batch waits for its title.
// Text commits the batch with it as title; rollback still works.
func (h *Handler) awaitingTitle(ctx context.Context, u *domain.User, msg *models.Message) (string, error) {
	if msg.Text == "" {
		return replyTitleNotText, nil
	}
	if name, arg, ok := parseCommand(msg.Text); ok {
		switch name {
		case cmdRollback, cmdStatus, cmdStart, cmdHelp:
			return h.command(ctx, u, name, arg)
		case cmdCommit, cmdTitle:
			if arg != "" {
				return h.commitTitled(ctx, u, arg)
			}
		}
		return replyAskTitle, nil
	}
	if strings.TrimSpace(msg.Text) == "" {
		return replyTitleEmpty, nil
	}
	return h.commitTitled(ctx, u, msg.Text)
}

// commitTitled commits the open batch with a non-blank title.
func (h *Handler) commitTitled(ctx context.Context, u *domain.User, title string) (string, error) {
	if strings.TrimSpace(title) == "" {
		return replyTitleEmpty, nil
	}
	b, err := h.ingest.CommitCurrent(ctx, u.ID, title)
	if errors.Is(err, services.ErrNoOpenBatch) {
		return replyNoOpenCommit, nil
	}
	if err != nil {
		return "", err
	}
	h.logger.Info().Int64("user_id", u.ID).Int64("batch_id", b.ID).Msg("batch committed")
	return fmt.Sprintf(replyCommitted, *b.Title), nil
}

// fetchMedia stores a local copy of the media in.Content refers to. A
// failed download is logged and the resource is kept without the copy.
func (h *Handler) fetchMedia(ctx context.Context, msg *models.Message, in *services.ResourceInput) {
	if h.media == nil || !in.Kind.IsMedia() {
		return
	}
	log := h.logger.With().Int64("chat_id", msg.Chat.ID).Int("message_id", msg.ID).Logger()
	path, err := h.media.Fetch(ctx, msg.From.ID, msg.ID, in.Content, "")
	if err != nil {
		log.Warn().Err(err).Str("kind", string(in.Kind)).Msg("media download failed")
		return
	}
	in.MediaPath = path
	if in.Kind == domain.ResourceVideo && msg.Video != nil && msg.Video.Thumbnail != nil {
		thumb, err := h.media.Fetch(ctx, msg.From.ID, msg.ID, msg.Video.Thumbnail.FileID, "_thumb")
		if err != nil {
			log.Warn().Err(err).Msg("thumbnail download failed")
			return
		}
		in.ThumbPath = thumb
	}
}

func (h *Handler) command(ctx context.Context, u *domain.User, name, arg string) (string, error) {
	switch name {
	case cmdStart, cmdHelp:
		return helpText, nil

	case cmdBegin:
		b, err := h.ingest.Begin(ctx, u.ID)
		if errors.Is(err, services.ErrConflict) {
			return "A batch is already open. /commit or /rollback it first.", nil
		}
		if err != nil {
			return "", err
		}
		h.logger.Info().Int64("user_id", u.ID).Int64("batch_id", b.ID).Msg("batch opened")
		return fmt.Sprintf("Batch #%d opened.", b.ID), nil

	case cmdCommit:
		if arg != "" {
			return h.commitTitled(ctx, u, arg)
		}
		cur, err := h.ingest.CurrentBatch(ctx, u.ID)
		if errors.Is(err, services.ErrNoOpenBatch) {
			return replyNoOpenCommit, nil
		}
		if err != nil {
			return "", err
		}
		if cur.HasTitle() {
			return h.commitTitled(ctx, u, *cur.Title)
		}
		if _, err := h.ingest.RequestTitleCurrent(ctx, u.ID); err != nil {
			return "", err
		}
		return replyAskTitle, nil

	case cmdRollback:
		_, err := h.ingest.RollbackCurrent(ctx, u.ID)
		if errors.Is(err, services.ErrNoOpenBatch) {
			return "No open batch to roll back.", nil
		}
		if err != nil {
			return "", err
		}
		return replyRolledBack, nil

	case cmdTitle:
		b, err := h.ingest.TitleCurrent(ctx, u.ID, arg)
		switch {
		case errors.Is(err, services.ErrNoOpenBatch):
			return "No open batch. /begin one first.", nil
		case errors.Is(err, services.ErrEmptyContent):
			return "Usage: /title <text>", nil
		case err != nil:
			return "", err
		}
		return fmt.Sprintf("Title set: %s", *b.Title), nil

	case cmdStatus:
		st, err := h.ingest.Status(ctx, u.ID)
		if err != nil {
			return "", err
		}
		if st.Open == nil {
			return "No open batch.", nil
		}
		title := "untitled"
		if st.Open.HasTitle() {
			title = *st.Open.Title
		}
		reply := fmt.Sprintf("Batch #%d (%s) is open with %d item(s).", st.Open.ID, title, st.Resources)
		if st.Open.AwaitingTitle {
			reply += " Waiting for its title."
		}
		return reply, nil
	}
	return "", nil
}
