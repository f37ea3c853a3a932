package telegram

import (
	"testing"

	"github.com/go-telegram/bot/models"

	"github.com/tbourn/go-watchbot/internal/domain"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in        string
		name, arg string
		ok        bool
	}{
		{"/begin", cmdBegin, "", true},
		{"  /commit   My trip  ", cmdCommit, "My trip", true},
		{"/commit@watch_bot Title", cmdCommit, "Title", true},
		{"/title", cmdTitle, "", true},
		{"/status", cmdStatus, "", true},
		{"==BEGIN==", cmdBegin, "", true},
		{"==COMMIT== Summer", cmdCommit, "Summer", true},
		{"==ROLLBACK==", cmdRollback, "", true},
		{"==BEGIN==x", "", "", false},
		{"/unknown", "", "", false},
		{"hello /begin", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		name, arg, ok := parseCommand(tc.in)
		if name != tc.name || arg != tc.arg || ok != tc.ok {
			t.Fatalf("parseCommand(%q) = (%q, %q, %v); want (%q, %q, %v)",
				tc.in, name, arg, ok, tc.name, tc.arg, tc.ok)
		}
	}
}

func TestToInputs_Text(t *testing.T) {
	in := toInputs(&models.Message{ID: 5, Text: "hello"})
	if len(in) != 1 || in[0].Kind != domain.ResourceText || in[0].Content != "hello" || in[0].MessageID != 5 {
		t.Fatalf("unexpected inputs: %+v", in)
	}
}

func TestToInputs_PhotoWithCaption(t *testing.T) {
	msg := &models.Message{
		ID:      9,
		Caption: "sunset",
		Photo: []models.PhotoSize{
			{FileID: "small", Width: 90},
			{FileID: "large", Width: 1280},
		},
	}
	in := toInputs(msg)
	if len(in) != 2 {
		t.Fatalf("expected caption + photo, got %+v", in)
	}
	if in[0].Kind != domain.ResourceText || in[0].Content != "sunset" {
		t.Fatalf("caption first: %+v", in[0])
	}
	if in[1].Kind != domain.ResourcePhoto || in[1].Content != "large" || in[1].MediaName == "" {
		t.Fatalf("largest photo expected: %+v", in[1])
	}
}

func TestToInputs_VideoDocumentAndEmpty(t *testing.T) {
	v := toInputs(&models.Message{ID: 1, Video: &models.Video{FileID: "vid", FileName: "clip.mp4"}})
	if len(v) != 1 || v[0].Kind != domain.ResourceVideo || v[0].MediaName != "clip.mp4" {
		t.Fatalf("video: %+v", v)
	}
	d := toInputs(&models.Message{ID: 2, Document: &models.Document{FileID: "doc", FileName: "a.pdf"}})
	if len(d) != 1 || d[0].Kind != domain.ResourceDocument || d[0].Content != "doc" {
		t.Fatalf("document: %+v", d)
	}
	if e := toInputs(&models.Message{ID: 3, Caption: "  "}); len(e) != 0 {
		t.Fatalf("expected nothing, got %+v", e)
	}
}
