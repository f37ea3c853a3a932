package outbox

import (
	"context"
	"time"

	"github.com/tbourn/go-watchbot/internal/domain"
)

// Document is the payload handed to the external document store.
type Document struct {
	Kind domain.TaskKind

	// Batch documents.
	Title string

	// Resource documents.
	ParentExternalID string // empty when the resource has no titled parent
	Order            int
	ResourceKind     domain.ResourceKind
	Text             string
	MediaName        string
	MediaURL         string
	Files            []Attachment // local files to upload, in display order
}

// Attachment is a local file attached to a resource document.
type Attachment struct {
	Path string
	Name string
}

// DocumentClient creates documents in the external store. Errors should be
// wrapped with Retryable or Fatal; unclassified errors are retried.
type DocumentClient interface {
	CreateDocument(ctx context.Context, doc Document) (string, error)
}

// DocumentClientFunc adapts a function to DocumentClient.
type DocumentClientFunc func(ctx context.Context, doc Document) (string, error)

// CreateDocument implements DocumentClient.
func (f DocumentClientFunc) CreateDocument(ctx context.Context, doc Document) (string, error) {
	return f(ctx, doc)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the system time in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
