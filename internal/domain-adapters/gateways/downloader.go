package gateways

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces"
)

// maxDownloadSize caps upstream archive downloads (1GB)
const maxDownloadSize = 1 << 30

// Downloader handles downloading upstream archives from URLs
type Downloader struct {
	httpClient *http.Client
	userAgent  string
	logger     interfaces.Logger
}

// NewDownloader creates a new downloader
func NewDownloader(logger interfaces.Logger) *Downloader {
	return &Downloader{
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // Long timeout for large downloads
		},
		userAgent: "treefmt-mirror/1.0",
		logger:    interfaces.OrNoOp(logger),
	}
}

// Download fetches url into dest in a single attempt and returns the number of bytes written.
// A partial file is removed on failure.
func (d *Downloader) Download(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "application/octet-stream")

	op := "download " + filepath.Base(dest)
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, transportError(op, err)
	}
	//nolint:errcheck // Defer close on HTTP response body
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, responseError(op, resp)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	//nolint:gosec // G304: File path dest is function parameter for download destination
	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	written, err := io.Copy(out, io.LimitReader(resp.Body, maxDownloadSize+1))
	closeErr := out.Close()
	switch {
	case err != nil:
		_ = os.Remove(dest)
		return 0, transportError(op, err)
	case closeErr != nil:
		_ = os.Remove(dest)
		return 0, fmt.Errorf("failed to close file: %w", closeErr)
	case written > maxDownloadSize:
		_ = os.Remove(dest)
		return 0, fmt.Errorf("%s: download exceeds %d bytes", op, int64(maxDownloadSize))
	}

	d.logger.Debug("Downloaded archive",
		interfaces.F("file", filepath.Base(dest)),
		interfaces.F("bytes", written))

	return written, nil
}
