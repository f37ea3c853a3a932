package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// FileAPI is the part of the Telegram client used to resolve file ids.
type FileAPI interface {
	GetFile(ctx context.Context, params *tgbot.GetFileParams) (*models.File, error)
	FileDownloadLink(f *models.File) string
}

// MediaFetcher stores a platform file locally and returns its path.
type MediaFetcher interface {
	Fetch(ctx context.Context, platformUserID int64, messageID int, fileID, suffix string) (string, error)
}

// Downloader copies Telegram files into <dir>/<platform user id>/.
type Downloader struct {
	api  FileAPI
	dir  string
	http *http.Client
}

var _ MediaFetcher = (*Downloader)(nil)

// NewDownloader builds a Downloader. A nil hc gets a client with a modest
// timeout.
func NewDownloader(api FileAPI, dir string, hc *http.Client) *Downloader {
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Downloader{api: api, dir: dir, http: hc}
}

// Fetch downloads fileID. The file is named after the message and the
// file's unique id, so a redelivered message overwrites its own copy.
func (d *Downloader) Fetch(ctx context.Context, platformUserID int64, messageID int, fileID, suffix string) (string, error) {
	f, err := d.api.GetFile(ctx, &tgbot.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file %s: %w", fileID, err)
	}
	ext := filepath.Ext(f.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	unique := f.FileUniqueID
	if unique == "" {
		unique = fileID
	}

	dir := filepath.Join(d.dir, strconv.FormatInt(platformUserID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, fmt.Sprintf("%d_%s%s%s", messageID, unique, suffix, ext))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.api.FileDownloadLink(f), nil)
	if err != nil {
		return "", err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", fileID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", fileID, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("download %s: %w", fileID, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	return dst, nil
}
