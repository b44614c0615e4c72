package soho

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KI7MT/soho-loader/internal/cdaweb"
	"github.com/KI7MT/soho-loader/internal/cdf"
	"github.com/KI7MT/soho-loader/internal/common"
	"github.com/KI7MT/soho-loader/series"
)

// Fill values written by the CDAWeb files: -1e31 for intensities and the
// smallest int32 for ERNE count rates.
const (
	FluxFill  = -1e31
	CountFill = -2147483648
)

// Loader retrieves and normalises SOHO datasets.
type Loader struct {
	cfg    *common.Config
	log    *logrus.Logger
	http   *http.Client
	stats  *common.Stats
	cdaweb *cdaweb.Client
}

// Option configures a Loader.
type Option func(*Loader)

// WithConfig replaces the configuration loaded from SOHO_* variables.
func WithConfig(cfg *common.Config) Option {
	return func(l *Loader) { l.cfg = cfg }
}

// WithLogger sets the logger notices are written to.
func WithLogger(log *logrus.Logger) Option {
	return func(l *Loader) { l.log = log }
}

// WithHTTPClient sets the client used for every remote request.
func WithHTTPClient(hc *http.Client) Option {
	return func(l *Loader) { l.http = hc }
}

// WithStats records download and parse counters in s.
func WithStats(s *common.Stats) Option {
	return func(l *Loader) { l.stats = s }
}

// New creates a Loader. Without WithConfig the configuration comes from
// defaults and SOHO_* environment variables.
func New(opts ...Option) (*Loader, error) {
	l := &Loader{}
	for _, opt := range opts {
		opt(l)
	}
	if l.cfg == nil {
		cfg, err := common.Load("")
		if err != nil {
			return nil, err
		}
		l.cfg = cfg
	}
	if l.log == nil {
		log, err := common.NewLogger(l.cfg.Logging.Level, l.cfg.Logging.Format)
		if err != nil {
			return nil, err
		}
		l.log = log
	}
	if l.http == nil {
		l.http = &http.Client{Timeout: l.cfg.HTTPTimeout}
	}
	if l.stats == nil {
		l.stats = common.NewStats()
	}

	client, err := cdaweb.New(l.cfg.CDAWebURL, l.cfg.SearchCacheSize,
		cdaweb.WithHTTPClient(l.http),
		cdaweb.WithLogger(l.log),
		cdaweb.WithStats(l.stats),
		cdaweb.WithRateLimit(l.cfg.RequestsPerSecond),
	)
	if err != nil {
		return nil, err
	}
	l.cdaweb = client
	return l, nil
}

// Stats returns the counters updated by this loader.
func (l *Loader) Stats() *common.Stats {
	return l.stats
}

// Request selects a CDAWeb dataset and range.
type Request struct {
	Dataset string
	Start   time.Time
	End     time.Time

	// Dir overrides the download directory.
	Dir string
	// Resample is a bin width such as "1min", "5T" or "1h"; empty keeps the
	// native cadence.
	Resample string
	// Position is "", "center" or "start".
	Position string
	// Parallelism bounds simultaneous downloads; zero uses max_conn.
	Parallelism int
}

// Load searches CDAWeb, downloads missing files and returns their merged
// table with fill values replaced by NaN and timestamps moved to the
// requested position. ERNE HED and LED loads also return channel metadata.
//
// When the archive has nothing for the range a warning is logged and an empty
// table is returned with a nil error.
func (l *Loader) Load(ctx context.Context, req Request) (*series.Table, *Metadata, error) {
	pos, err := ParsePosition(req.Position)
	if err != nil {
		return nil, nil, err
	}
	info, err := LookupDataset(req.Dataset)
	if err != nil {
		return nil, nil, err
	}
	var width time.Duration
	if req.Resample != "" {
		if width, err = series.ParseWidth(req.Resample); err != nil {
			return nil, nil, err
		}
	}

	paths, err := l.download(ctx, info, req)
	if errors.Is(err, cdaweb.ErrNoResults) {
		l.log.Warnf("Unable to obtain %q data!", req.Dataset)
		return series.Empty(), nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	table, err := cdf.ReadTable(paths...)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", info.ID, err)
	}
	l.stats.AddRows(table.Len())

	meta, err := readMetadata(info, paths[0])
	if err != nil {
		return nil, nil, err
	}

	CleanSentinels(table)
	if d := info.Offset(pos); d != 0 {
		table.ShiftIndex(d)
	}
	if width > 0 {
		table = table.Resample(width, pos != Start)
	}

	l.log.WithFields(logrus.Fields{
		"dataset": info.ID,
		"files":   len(paths),
		"rows":    table.Len(),
	}).Info("dataset loaded")
	return table, meta, nil
}

// Download searches CDAWeb and fetches the files of req that are not yet on
// disk, returning the local paths in file name order. Files already present
// with a non-zero size are not downloaded again. An empty archive range
// returns an error wrapping cdaweb.ErrNoResults.
func (l *Loader) Download(ctx context.Context, req Request) ([]string, error) {
	info, err := LookupDataset(req.Dataset)
	if err != nil {
		return nil, err
	}
	return l.download(ctx, info, req)
}

func (l *Loader) download(ctx context.Context, info DatasetInfo, req Request) ([]string, error) {
	files, err := l.cdaweb.Search(ctx, info.ID, req.Start, req.End)
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].FileName() < files[j].FileName() })

	dir := req.Dir
	if dir == "" {
		dir = l.cfg.CDAWebDir()
	}
	parallelism := req.Parallelism
	if parallelism <= 0 {
		parallelism = l.cfg.MaxConn
	}
	return l.cdaweb.Fetch(ctx, files, dir, parallelism)
}

// CleanSentinels replaces FluxFill and CountFill with NaN in every column and
// returns the number of cells replaced. FluxFill stored as CDF_REAL4 reads
// back as its single precision neighbour, which is replaced too. Applying it
// twice changes nothing.
func CleanSentinels(t *series.Table) int {
	return t.ReplaceValues(FluxFill, float64(float32(FluxFill)), CountFill)
}
