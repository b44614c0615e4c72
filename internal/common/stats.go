package common

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Stats holds atomic counters for download and parse telemetry
type Stats struct {
	FilesDownloaded atomic.Uint64
	FilesSkipped    atomic.Uint64 // already present locally with non-zero size
	FilesFailed     atomic.Uint64
	BytesDownloaded atomic.Uint64
	RowsParsed      atomic.Uint64

	// Internal state for reporter
	running   atomic.Bool
	stopCh    chan struct{}
	lastBytes uint64
	lastTime  time.Time
}

// NewStats creates a new Stats instance
func NewStats() *Stats {
	return &Stats{stopCh: make(chan struct{})}
}

// AddDownload records one completed download of n bytes
func (s *Stats) AddDownload(n int64) {
	s.FilesDownloaded.Add(1)
	s.BytesDownloaded.Add(uint64(n))
}

// AddSkipped records a file served from the local cache
func (s *Stats) AddSkipped() {
	s.FilesSkipped.Add(1)
}

// AddFailed records a failed download
func (s *Stats) AddFailed() {
	s.FilesFailed.Add(1)
}

// AddRows records parsed observation rows
func (s *Stats) AddRows(n int) {
	s.RowsParsed.Add(uint64(n))
}

// Register exposes the counters as Prometheus metrics.
func (s *Stats) Register(reg prometheus.Registerer) error {
	counters := []struct {
		name string
		help string
		v    *atomic.Uint64
	}{
		{"soho_files_downloaded_total", "Files downloaded from remote archives.", &s.FilesDownloaded},
		{"soho_files_skipped_total", "Files found in the local cache.", &s.FilesSkipped},
		{"soho_files_failed_total", "Failed downloads.", &s.FilesFailed},
		{"soho_bytes_downloaded_total", "Bytes downloaded from remote archives.", &s.BytesDownloaded},
		{"soho_rows_parsed_total", "Observation rows parsed from local files.", &s.RowsParsed},
	}
	for _, c := range counters {
		v := c.v
		cf := prometheus.NewCounterFunc(prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) })
		if err := reg.Register(cf); err != nil {
			return err
		}
	}
	return nil
}

// StartReporter starts a background goroutine that logs download progress
// every interval until StopReporter is called.
func (s *Stats) StartReporter(log *logrus.Logger, interval time.Duration) {
	if s.running.Load() {
		return // Already running
	}
	s.running.Store(true)
	s.lastTime = time.Now()
	s.lastBytes = s.BytesDownloaded.Load()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.logStatus(log)
			}
		}
	}()
}

// StopReporter stops the background reporter goroutine
func (s *Stats) StopReporter() {
	if !s.running.Load() {
		return
	}
	s.running.Store(false)
	close(s.stopCh)
}

func (s *Stats) logStatus(log *logrus.Logger) {
	now := time.Now()
	elapsed := now.Sub(s.lastTime).Seconds()
	if elapsed < 0.001 {
		return
	}

	bytes := s.BytesDownloaded.Load()
	mibPerSec := (float64(bytes-s.lastBytes) / (1024 * 1024)) / elapsed

	log.Infof("[Progress] Downloaded: %d | Skipped: %d | Failed: %d | %.2f MiB/s",
		s.FilesDownloaded.Load(), s.FilesSkipped.Load(), s.FilesFailed.Load(), mibPerSec)

	s.lastBytes = bytes
	s.lastTime = now
}
