// Package archive transfers packaged products from the archive service and
// unpacks them on local storage.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HTTPDownloader fetches {baseURL}/{id} and stores it as {dest}/{id}.{ext}.
type HTTPDownloader struct {
	baseURL string
	token   string
	ext     string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPDownloader creates a downloader. token, when set, is sent as a
// bearer token. The client has no overall timeout; transfers are bounded by
// the context passed to Download.
func NewHTTPDownloader(baseURL, token, ext string, logger *slog.Logger) *HTTPDownloader {
	return &HTTPDownloader{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		ext:     strings.TrimPrefix(ext, "."),
		client:  &http.Client{},
		logger:  logger,
	}
}

// PackagePath returns where Download stores the package for id.
func (d *HTTPDownloader) PackagePath(destDir, id string) string {
	return filepath.Join(destDir, id+"."+d.ext)
}

// Download streams the package for id into destDir. The body is written to a
// .part file that is renamed into place only after a complete transfer.
func (d *HTTPDownloader) Download(ctx context.Context, id, destDir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fetching %s: unexpected status %d", id, resp.StatusCode)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	dest := d.PackagePath(destDir, id)
	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating partial file: %w", err)
	}

	n, err := io.Copy(f, resp.Body)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", id, err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming package: %w", err)
	}

	d.logger.Info("archive download complete",
		"product_id", id,
		"bytes", n,
		"path", dest,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Preplaced is a Downloader for deployments where another process drops
// packages into the acquisition root. Download transfers nothing; the package
// is extracted if it is already there.
type Preplaced struct{}

// Download implements the Downloader contract without a transfer.
func (Preplaced) Download(ctx context.Context, id, destDir string) error {
	return ctx.Err()
}
