package notion

import (
	"strings"

	"github.com/tbourn/go-watchbot/internal/config"
	"github.com/tbourn/go-watchbot/internal/outbox"
)

// maxRichTextUnits is Notion's limit for one rich_text item, counted in
// UTF-16 code units.
const maxRichTextUnits = 2000

// uploadedFile references a completed file upload.
type uploadedFile struct {
	Name string
	ID   string
}

// richText splits content into as many text items as the per-item limit
// requires. Surrogate pairs are never split.
func richText(content string) []map[string]any {
	var (
		out   []map[string]any
		b     strings.Builder
		units int
	)
	flush := func() {
		out = append(out, map[string]any{"text": map[string]any{"content": b.String()}})
		b.Reset()
		units = 0
	}
	for _, r := range content {
		n := 1
		if r >= 0x10000 {
			n = 2
		}
		if units+n > maxRichTextUnits {
			flush()
		}
		b.WriteRune(r)
		units += n
	}
	if b.Len() > 0 || len(out) == 0 {
		flush()
	}
	return out
}

func mainPageBody(cfg config.NotionConfig, title string) map[string]any {
	return map[string]any{
		"parent": map[string]any{"database_id": cfg.MainDB},
		"properties": map[string]any{
			cfg.Fields.Title: map[string]any{"title": richText(title)},
		},
	}
}

func resourcePageBody(cfg config.NotionConfig, doc outbox.Document, uploads []uploadedFile) map[string]any {
	props := map[string]any{
		cfg.Fields.Order: map[string]any{"number": doc.Order},
	}
	if doc.ParentExternalID != "" {
		props[cfg.Fields.Relation] = map[string]any{
			"relation": []map[string]any{{"id": doc.ParentExternalID}},
		}
	}
	if doc.Text != "" {
		props[cfg.Fields.Text] = map[string]any{"rich_text": richText(doc.Text)}
	}

	switch url := SanitizeMediaURL(doc.MediaURL); {
	case len(uploads) > 0:
		files := make([]map[string]any, 0, len(uploads))
		for _, u := range uploads {
			files = append(files, map[string]any{
				"name":        u.Name,
				"type":        "file_upload",
				"file_upload": map[string]any{"id": u.ID},
			})
		}
		props[cfg.Fields.Media] = map[string]any{"files": files}
	case url != "":
		name := doc.MediaName
		if name == "" {
			name = url
		}
		props[cfg.Fields.Media] = map[string]any{
			"files": []map[string]any{{
				"name":     name,
				"type":     "external",
				"external": map[string]any{"url": url},
			}},
		}
	}
	return map[string]any{
		"parent":     map[string]any{"database_id": cfg.ResourceDB},
		"properties": props,
	}
}

// SanitizeMediaURL returns url when it can be embedded as an external file:
// it must be http(s) and must not point at the Telegram bot API, whose file
// links carry the bot token.
func SanitizeMediaURL(url string) string {
	url = strings.TrimSpace(url)
	if url == "" {
		return ""
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return ""
	}
	if strings.Contains(url, "api.telegram.org") {
		return ""
	}
	return url
}
