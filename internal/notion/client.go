// Package notion implements the outbox DocumentClient on top of the Notion
// pages API. Batches become pages of the main database; resources become
// pages of the resource database, related to their batch page when one
// exists. Local media files are sent through the file upload API and
// attached to the resource page.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-watchbot/internal/config"
	"github.com/tbourn/go-watchbot/internal/domain"
	"github.com/tbourn/go-watchbot/internal/outbox"
)

const (
	pagesPath       = "/v1/pages"
	fileUploadsPath = "/v1/file_uploads"
	userAgent       = "go-watchbot/1.0"
	maxErrorBody    = 2 << 10
)

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notion: status %d: %s", e.Status, e.Body)
}

// Client creates Notion pages.
type Client struct {
	cfg     config.NotionConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

var _ outbox.DocumentClient = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New builds a Client from cfg. A zero RPS disables outbound limiting.
func New(cfg config.NotionConfig, opts ...Option) *Client {
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 60 * time.Second},
		limiter: lim,
		logger:  log.Logger.With().Str("component", "notion").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateDocument implements outbox.DocumentClient.
func (c *Client) CreateDocument(ctx context.Context, doc outbox.Document) (string, error) {
	var body map[string]any
	switch doc.Kind {
	case domain.TaskBatchDocument:
		body = mainPageBody(c.cfg, doc.Title)
	case domain.TaskResourceDocument:
		uploads, err := c.uploadAll(ctx, doc.Files)
		if err != nil {
			return "", err
		}
		body = resourcePageBody(c.cfg, doc, uploads)
	default:
		return "", outbox.Fatal(fmt.Errorf("notion: unsupported document kind %q", doc.Kind))
	}
	return c.createPage(ctx, body)
}

type createPageResponse struct {
	ID string `json:"id"`
}

type fileUploadResponse struct {
	ID        string `json:"id"`
	UploadURL string `json:"upload_url"`
	Status    string `json:"status"`
}

func (c *Client) createPage(ctx context.Context, body map[string]any) (string, error) {
	var out createPageResponse
	if err := c.postJSON(ctx, pagesPath, body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", outbox.Retryable(errors.New("notion: response without page id"))
	}
	return out.ID, nil
}

// uploadAll uploads files in order. Files that no longer exist on disk are
// left out so the page is still created.
func (c *Client) uploadAll(ctx context.Context, files []outbox.Attachment) ([]uploadedFile, error) {
	var out []uploadedFile
	for _, f := range files {
		if f.Path == "" {
			continue
		}
		if _, err := os.Stat(f.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				c.logger.Warn().Str("path", f.Path).Msg("media file missing; page created without it")
				continue
			}
			return nil, outbox.Retryable(fmt.Errorf("notion: stat %s: %w", f.Path, err))
		}
		id, err := c.uploadFile(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, uploadedFile{Name: attachmentName(f), ID: id})
	}
	return out, nil
}

// uploadFile runs the single-part upload: create the upload object, then
// send the file content to it.
func (c *Client) uploadFile(ctx context.Context, f outbox.Attachment) (string, error) {
	name := attachmentName(f)
	ctype := contentType(f.Path)

	var created fileUploadResponse
	err := c.postJSON(ctx, fileUploadsPath, map[string]any{
		"filename":     name,
		"content_type": ctype,
		"mode":         "single_part",
	}, &created)
	if err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", outbox.Retryable(errors.New("notion: file upload without id"))
	}

	payload, formType, err := multipartFile(f.Path, name, ctype)
	if err != nil {
		return "", outbox.Retryable(fmt.Errorf("notion: read %s: %w", f.Path, err))
	}
	sendURL := created.UploadURL
	if sendURL == "" {
		sendURL = c.cfg.BaseURL + fileUploadsPath + "/" + created.ID + "/send"
	}
	if err := c.do(ctx, sendURL, formType, payload, nil); err != nil {
		return "", err
	}
	c.logger.Debug().Str("file", name).Str("upload_id", created.ID).Msg("file uploaded")
	return created.ID, nil
}

func attachmentName(f outbox.Attachment) string {
	if f.Name != "" {
		return f.Name
	}
	return filepath.Base(f.Path)
}

// contentType sniffs the file; parameters such as charset are dropped.
func contentType(path string) string {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	ct, _, _ := strings.Cut(m.String(), ";")
	return strings.TrimSpace(ct)
}

func multipartFile(path, name, ctype string) ([]byte, string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{"name": "file", "filename": name}))
	h.Set("Content-Type", ctype)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return outbox.Fatal(fmt.Errorf("notion: encode body: %w", err))
	}
	c.logger.Debug().Str("path", path).RawJSON("payload", payload).Msg("sending notion request")
	return c.do(ctx, c.cfg.BaseURL+path, "application/json", payload, out)
}

// do sends one rate-limited POST and decodes a 2xx body into out when out
// is non-nil. Errors carry outbox retry semantics.
func (c *Client) do(ctx context.Context, url, contentType string, payload []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return outbox.Retryable(fmt.Errorf("notion: rate limit wait: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return outbox.Fatal(fmt.Errorf("notion: build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Notion-Version", c.cfg.Version)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return outbox.Retryable(fmt.Errorf("notion: request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classify(&StatusError{Status: resp.StatusCode, Body: string(raw)})
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return outbox.Retryable(fmt.Errorf("notion: invalid response: %w", err))
	}
	return nil
}

// classify maps HTTP statuses onto outbox retry semantics: throttling and
// server errors are retried, every other client error is final.
func classify(err *StatusError) error {
	switch {
	case err.Status == http.StatusTooManyRequests,
		err.Status == http.StatusRequestTimeout,
		err.Status >= 500:
		return outbox.Retryable(err)
	default:
		return outbox.Fatal(err)
	}
}
