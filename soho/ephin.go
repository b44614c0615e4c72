package soho

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/sirupsen/logrus"

	"github.com/KI7MT/soho-loader/internal/download"
	"github.com/KI7MT/soho-loader/series"
)

// ErrEphinParse is returned for malformed rl2 rows.
var ErrEphinParse = errors.New("malformed EPHIN rl2 row")

// EphinColumns names the whitespace separated fields of an rl2 row.
var EphinColumns = []string{
	"Year", "DOY", "MS", "S/C Epoch", "Status Word part 1", "Status Word part 2",
	"E150", "E300", "E1300", "E3000", "P4", "P8", "P25", "P41",
	"H4", "H8", "H25", "H41", "INT",
	"P4 GM", "P4 GR", "P4 S", "P8 GM", "P8 GR", "P8 S",
	"P25 GM", "P25 GR", "P25 S", "P41 GM", "P41 GR", "P41 S",
	"H4 GM", "H4 GR", "H4 S1", "H4 S23", "H8 GM", "H8 GR", "H8 S1", "H8 S23",
	"H25 GM", "H25 GR", "H25 S1", "H25 S23", "H41 GM", "H41 GR", "H41 S1", "H41 S23",
	"Status Flag", "Spare 1", "Spare 2", "Spare 3",
}

const (
	colYear   = 0
	colDOY    = 1
	colMS     = 2
	colStatus = 47
)

// ephinHousekeeping is dropped unless all columns are requested.
var ephinHousekeeping = []string{
	"Year", "DOY", "MS", "S/C Epoch", "Status Word part 1", "Status Word part 2",
	"Spare 1", "Spare 2", "Spare 3",
}

// =============================================================================
// Status Decoding
// =============================================================================

// Instrument modes derived from the status flag.
const (
	ModeNormal  = 0
	ModeMerged  = 1 // E1300/E3000, P25/P41 and H25/H41 combined
	ModeRingOff = 2
)

const (
	statusFailure = 1 << 0
	statusRingOff = 1 << 1
	statusMerged  = 1 << 2
)

// StatusFlags is the decoded status flag of one rl2 row.
type StatusFlags struct {
	Mode    int
	RingOff bool
}

// DecodeStatus decodes an EPHIN status flag. Bit 0 marks a failure mode,
// merged channels when bit 2 is also set and ring off otherwise. Bit 1 marks
// the row as ring off independently of the mode.
func DecodeStatus(word int) StatusFlags {
	var s StatusFlags
	if word&statusFailure != 0 {
		if word&statusMerged != 0 {
			s.Mode = ModeMerged
		} else {
			s.Mode = ModeRingOff
		}
	}
	s.RingOff = word&statusRingOff != 0
	return s
}

// EphinLabels returns the channel energy labels for a dataset-wide mode.
func EphinLabels(mode int) map[string]string {
	labels := map[string]string{
		"e150":  "0.25-0.7 MeV",
		"e300":  "0.67-3.0 MeV",
		"e1300": "2.64-6.18",
		"e3000": "4.80 - 10.4",
		"p4":    "4.3-7.8",
		"p8":    "7.8-25",
		"p25":   "25-41 MeV",
		"p41":   "41-53 MeV",
		"he4":   "4.3 - 7.8 MeV/N",
		"he8":   "7.8 - 25.0 MeV/N",
		"he25":  "25-41 MeV/N",
		"he41":  "40.9 - 53.0 MeV/N",
		"inte":  ">25 MeV integral",
	}
	if mode == ModeMerged {
		labels["e1300"] = "2.64 - 10.40 MeV"
		labels["p25"] = "25-53 MeV"
		labels["he25"] = "25 - 53 MeV/N"
	}
	return labels
}

// =============================================================================
// Loading
// =============================================================================

// EphinRequest selects a range of EPHIN level 2 days.
type EphinRequest struct {
	Start time.Time
	End   time.Time

	// Dir holds local rl2 files; default ./data.
	Dir        string
	Resample   string
	Position   string
	AllColumns bool
}

// EphinResult is a loaded EPHIN range.
type EphinResult struct {
	Table  *series.Table
	Labels map[string]string
	// Mode is the highest mode seen in any row.
	Mode        int
	RingOffRows int
	Files       []string
}

// EphinFileName returns the rl2 base name for day: eph<yy><doy> before 2000,
// epi<yy><doy> from 2000 on.
func EphinFileName(day time.Time) string {
	pre, yy := "epi", day.Year()-2000
	if day.Year() < 2000 {
		pre, yy = "eph", day.Year()-1900
	}
	return fmt.Sprintf("%s%02d%03d.rl2", pre, yy, day.YearDay())
}

// EphinURL returns the archive URL of the rl2 file for day.
func (l *Loader) EphinURL(day time.Time) string {
	base := strings.TrimRight(l.cfg.EphinURL, "/")
	return fmt.Sprintf("%s/%d/%s", base, day.Year(), EphinFileName(day))
}

// DownloadEphin fetches the rl2 file for day into dir and returns its path.
// A missing archive file or any other HTTP error status is logged and
// returned as download.ErrNotFound or a *download.StatusError.
func (l *Loader) DownloadEphin(ctx context.Context, day time.Time, dir string) (string, error) {
	url := l.EphinURL(day)
	dest := filepath.Join(dir, EphinFileName(day))
	res, err := download.Get(ctx, l.http, url, dest, l.stats)
	if remoteMissing(err) {
		l.log.Infof("No corresponding EPHIN data found at %s", url)
		return "", err
	}
	if err != nil {
		return "", err
	}
	if !res.Skipped {
		l.log.WithFields(logrus.Fields{"file": filepath.Base(dest), "bytes": res.Bytes}).Info("downloaded")
	}
	return dest, nil
}

// remoteMissing reports whether err is an HTTP answer without the file.
func remoteMissing(err error) bool {
	var se *download.StatusError
	return errors.Is(err, download.ErrNotFound) || errors.As(err, &se)
}

// LoadEphin reads the daily rl2 files between Start and End, downloading the
// ones not found locally. Days missing from the archive are skipped; when no
// day is available the result holds an empty table.
func (l *Loader) LoadEphin(ctx context.Context, req EphinRequest) (*EphinResult, error) {
	pos, err := ParsePosition(req.Position)
	if err != nil {
		return nil, err
	}
	var width time.Duration
	if req.Resample != "" {
		if width, err = series.ParseWidth(req.Resample); err != nil {
			return nil, err
		}
	}
	dir := req.Dir
	if dir == "" {
		dir = "data"
	}

	var files []string
	// Daily steps from the exact start instant; the last step is at or before End.
	for day := req.Start.UTC(); !day.After(req.End.UTC()); day = day.AddDate(0, 0, 1) {
		path, err := l.localEphin(dir, day)
		if err != nil {
			return nil, err
		}
		if path == "" {
			l.log.Infof("File %s not found locally at %s.", EphinFileName(day), dir)
			path, err = l.DownloadEphin(ctx, day, dir)
			if remoteMissing(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
		}
		files = append(files, path)
	}

	res := &EphinResult{Table: series.Empty(), Labels: EphinLabels(ModeNormal), Files: files}
	if len(files) == 0 {
		return res, nil
	}
	sort.Strings(files)

	tables := make([]*series.Table, 0, len(files))
	for _, f := range files {
		t, err := ReadEphinFile(f)
		if err != nil {
			return nil, err
		}
		l.stats.AddRows(t.Len())
		tables = append(tables, t)
	}
	table := series.Concat(tables...)
	if !req.AllColumns {
		table.DropColumns(ephinHousekeeping...)
	}

	status, err := table.Column("Status Flag")
	if err != nil {
		return nil, err
	}
	for _, v := range status {
		if math.IsNaN(v) {
			continue
		}
		s := DecodeStatus(int(v))
		res.Mode = max(res.Mode, s.Mode)
		if s.RingOff {
			res.RingOffRows++
		}
	}
	res.Labels = EphinLabels(res.Mode)
	if res.Mode == ModeRingOff {
		l.log.Warn("Careful: EPHIN ring off!")
	}

	if pos == Center {
		table.ShiftIndex(30 * time.Second)
	}
	if width > 0 {
		table = table.Resample(width, pos != Start)
	}
	res.Table = table
	return res, nil
}

// localEphin returns the local rl2 or rl2.gz file for day, or "" when neither
// exists.
func (l *Loader) localEphin(dir string, day time.Time) (string, error) {
	name := filepath.Join(dir, EphinFileName(day))
	for _, p := range []string{name, name + ".gz"} {
		info, err := os.Stat(p)
		if err == nil && !info.IsDir() {
			return p, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}
	return "", nil
}

// ReadEphinFile parses one rl2 file, gzip compressed when the name ends in
// .gz. Every column of EphinColumns is returned.
func ReadEphinFile(path string) (*series.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	t, err := parseEphin(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func parseEphin(r io.Reader) (*series.Table, error) {
	cols := make([][]float64, len(EphinColumns))
	var index []time.Time

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) <= colStatus {
			return nil, fmt.Errorf("%w: line %d has %d fields, need at least %d", ErrEphinParse, line, len(fields), colStatus+1)
		}

		row := make([]float64, len(EphinColumns))
		for i := range row {
			if i >= len(fields) {
				row[i] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d field %q: %v", ErrEphinParse, line, EphinColumns[i], err)
			}
			row[i] = v
		}
		for i, v := range row {
			cols[i] = append(cols[i], v)
		}
		index = append(index, DOYToTime(int(row[colYear]), row[colDOY]+row[colMS]/1000/86400))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	t := series.NewTable(index)
	for i, name := range EphinColumns {
		if cols[i] == nil {
			cols[i] = []float64{}
		}
		if err := t.AddColumn(name, cols[i]); err != nil {
			return nil, err
		}
	}
	return t, nil
}
