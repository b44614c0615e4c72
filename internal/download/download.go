// Package download fetches single files over HTTP into a local cache
// directory.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/KI7MT/soho-loader/internal/common"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("not found (404)")

// StatusError is returned for any other non-200 response.
type StatusError struct {
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s (%s)", e.Code, e.Status, e.URL)
}

// Result describes one call to Get.
type Result struct {
	Path    string
	Bytes   int64
	Skipped bool // destination already present with non-zero size
}

// Get downloads url to dest. An existing dest with non-zero size is kept and
// reported as skipped. The body is written to dest+".tmp" and renamed into
// place, so an interrupted download never leaves a partial file under dest.
// stats may be nil.
func Get(ctx context.Context, client *http.Client, url, dest string, stats *common.Stats) (Result, error) {
	res := Result{Path: dest}

	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		res.Skipped = true
		if stats != nil {
			stats.AddSkipped()
		}
		return res, nil
	}

	n, err := fetch(ctx, client, url, dest)
	if err != nil {
		if stats != nil {
			stats.AddFailed()
		}
		return res, err
	}
	res.Bytes = n
	if stats != nil {
		stats.AddDownload(n)
	}
	return res, nil
}

func fetch(ctx context.Context, client *http.Client, url, dest string) (int64, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP GET failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%s: %w", url, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{URL: url, Code: resp.StatusCode, Status: resp.Status}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("create directory failed: %w", err)
	}

	// Create temp file
	tmpPath := dest + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("create file failed: %w", err)
	}

	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("download failed: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename failed: %w", err)
	}
	return n, nil
}
