package telegram

import (
	"fmt"
	"strings"

	"github.com/go-telegram/bot/models"

	"github.com/tbourn/go-watchbot/internal/domain"
	"github.com/tbourn/go-watchbot/internal/services"
)

// Commands understood by the bot. The "==X==" markers are accepted as
// aliases for chats that were set up with them.
const (
	cmdStart    = "/start"
	cmdHelp     = "/help"
	cmdBegin    = "/begin"
	cmdCommit   = "/commit"
	cmdRollback = "/rollback"
	cmdTitle    = "/title"
	cmdStatus   = "/status"
)

var markerAliases = map[string]string{
	"==BEGIN==":    cmdBegin,
	"==COMMIT==":   cmdCommit,
	"==ROLLBACK==": cmdRollback,
}

const helpText = `Send text, photos, videos or files and they are mirrored to Notion.

/begin - start a batch; everything you send joins it
/commit [title] - close the batch and mirror it
/rollback - discard the batch
/title <text> - set the batch title
/status - show the open batch`

// parseCommand splits a command message into its name and argument. The
// bot suffix of "/cmd@bot" is dropped. ok is false for plain text.
func parseCommand(text string) (name, arg string, ok bool) {
	text = strings.TrimSpace(text)
	for marker, alias := range markerAliases {
		if text == marker || strings.HasPrefix(text, marker+" ") {
			return alias, strings.TrimSpace(strings.TrimPrefix(text, marker)), true
		}
	}
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	name, arg, _ = strings.Cut(text, " ")
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}
	switch name {
	case cmdStart, cmdHelp, cmdBegin, cmdCommit, cmdRollback, cmdTitle, cmdStatus:
		return name, strings.TrimSpace(arg), true
	}
	return "", "", false
}

// toInputs maps a message onto the resources it carries: its text, or its
// caption followed by the attached media.
func toInputs(msg *models.Message) []services.ResourceInput {
	msgID := int64(msg.ID)
	if msg.Text != "" {
		return []services.ResourceInput{{Kind: domain.ResourceText, Content: msg.Text, MessageID: msgID}}
	}

	var out []services.ResourceInput
	if strings.TrimSpace(msg.Caption) != "" {
		out = append(out, services.ResourceInput{Kind: domain.ResourceText, Content: msg.Caption, MessageID: msgID})
	}
	switch {
	case len(msg.Photo) > 0:
		// Sizes are ordered small to large.
		p := msg.Photo[len(msg.Photo)-1]
		out = append(out, services.ResourceInput{
			Kind: domain.ResourcePhoto, Content: p.FileID, MessageID: msgID,
			MediaName: fmt.Sprintf("photo_%d.jpg", msg.ID),
		})
	case msg.Video != nil:
		out = append(out, services.ResourceInput{
			Kind: domain.ResourceVideo, Content: msg.Video.FileID, MessageID: msgID,
			MediaName: msg.Video.FileName,
		})
	case msg.Document != nil:
		out = append(out, services.ResourceInput{
			Kind: domain.ResourceDocument, Content: msg.Document.FileID, MessageID: msgID,
			MediaName: msg.Document.FileName,
		})
	}
	return out
}

func displayName(u *models.User) string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
