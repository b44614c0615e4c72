// Package cdaweb searches the CDAWeb data service for dataset files and
// fetches them into a local cache directory.
package cdaweb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/KI7MT/soho-loader/internal/common"
	"github.com/KI7MT/soho-loader/internal/download"
)

// DefaultURL is the CDAS REST endpoint.
const DefaultURL = "https://cdaweb.gsfc.nasa.gov/WS/cdasr/1"

// ErrNoResults is returned by Search when the archive holds no files for the
// dataset and range.
var ErrNoResults = errors.New("no matching archive files")

// timeFormat is the CDAS basic ISO 8601 form used in orig_data paths.
const timeFormat = "20060102T150405Z"

// File is one archive file returned by a search.
type File struct {
	URL          string    `json:"Name"`
	MimeType     string    `json:"MimeType"`
	StartTime    time.Time `json:"StartTime"`
	EndTime      time.Time `json:"EndTime"`
	Length       int64     `json:"Length"`
	LastModified time.Time `json:"LastModified"`
}

// FileName returns the last path element of the file URL, the name the file
// is cached under locally.
func (f File) FileName() string {
	if u, err := url.Parse(f.URL); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(f.URL)
}

type searchResponse struct {
	FileDescription []File `json:"FileDescription"`
}

// Client talks to one CDAS endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	cache   *lru.Cache
	log     *logrus.Logger
	stats   *common.Stats
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for searches and downloads.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger. The default discards debug output.
func WithLogger(log *logrus.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithStats records download counters in s.
func WithStats(s *common.Stats) Option {
	return func(c *Client) { c.stats = s }
}

// WithRateLimit paces requests to rps per second. Zero or less disables
// pacing.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New creates a client for baseURL (DefaultURL when empty). cacheSize bounds
// the number of remembered search results.
func New(baseURL string, cacheSize int, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create search cache: %w", err)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 120 * time.Second},
		limiter: rate.NewLimiter(5, 5),
		cache:   cache,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// =============================================================================
// Search
// =============================================================================

// SearchURL returns the orig_data request URL for a dataset and range.
func (c *Client) SearchURL(dataset string, start, end time.Time) string {
	return fmt.Sprintf("%s/dataviews/sp_phys/datasets/%s/orig_data/%s,%s",
		c.baseURL, url.PathEscape(dataset),
		start.UTC().Format(timeFormat), end.UTC().Format(timeFormat))
}

// Search lists the archive files of dataset overlapping [start, end]. An empty
// listing, an empty body or a 404 or 204 answer yields ErrNoResults.
func (c *Client) Search(ctx context.Context, dataset string, start, end time.Time) ([]File, error) {
	key := strings.ToUpper(dataset) + "|" + start.UTC().Format(timeFormat) + "|" + end.UTC().Format(timeFormat)
	if cached, ok := c.cache.Get(key); ok {
		c.log.WithField("dataset", dataset).Debug("search served from cache")
		return append([]File(nil), cached.([]File)...), nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := c.SearchURL(dataset, start, end)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.log.WithField("url", u).Debug("searching CDAWeb")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", dataset, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusNoContent:
		return nil, fmt.Errorf("%w for %s", ErrNoResults, dataset)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("search %s: %w", dataset,
			&download.StatusError{URL: u, Code: resp.StatusCode, Status: resp.Status})
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w for %s", ErrNoResults, dataset)
	} else if err != nil {
		return nil, fmt.Errorf("decode search response for %s: %w", dataset, err)
	}
	if len(sr.FileDescription) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoResults, dataset)
	}

	c.cache.Add(key, append([]File(nil), sr.FileDescription...))
	return sr.FileDescription, nil
}

// =============================================================================
// Fetch
// =============================================================================

// Fetch makes every file available under dir and returns the local paths in
// the order of files. Zero-size local files are removed and downloaded again;
// non-empty ones are reused. At most parallelism downloads run at once.
func (c *Client) Fetch(ctx context.Context, files []File, dir string, parallelism int) ([]string, error) {
	if parallelism < 1 {
		parallelism = 1
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory failed: %w", err)
	}

	// Prepare every destination before any download starts. Descriptors
	// sharing a file name are fetched once.
	paths := make([]string, len(files))
	var todo []File
	seen := make(map[string]bool, len(files))
	for i, f := range files {
		dest := filepath.Join(dir, f.FileName())
		paths[i] = dest
		if seen[dest] {
			continue
		}
		seen[dest] = true

		if info, err := os.Stat(dest); err == nil && info.Size() == 0 {
			if err := os.Remove(dest); err != nil {
				return nil, fmt.Errorf("remove empty file: %w", err)
			}
		}
		todo = append(todo, f)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, f := range todo {
		dest := filepath.Join(dir, f.FileName())
		g.Go(func() error {
			if err := c.limiter.Wait(gctx); err != nil {
				return err
			}
			res, err := download.Get(gctx, c.http, f.URL, dest, c.stats)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", f.FileName(), err)
			}
			if !res.Skipped {
				c.log.WithFields(logrus.Fields{
					"file":  f.FileName(),
					"bytes": res.Bytes,
				}).Info("downloaded")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}
