package series

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"gonum.org/v1/gonum/stat"
)

var ErrInvalidWidth = errors.New("invalid resample width")

// Frequency aliases understood by ParseWidth, following the pandas offset
// aliases for fixed-width frequencies.
var widthUnits = map[string]time.Duration{
	"ns": time.Nanosecond, "N": time.Nanosecond,
	"us": time.Microsecond, "U": time.Microsecond, "µs": time.Microsecond,
	"ms": time.Millisecond, "L": time.Millisecond,
	"s": time.Second, "S": time.Second, "sec": time.Second,
	"min": time.Minute, "T": time.Minute,
	"h": time.Hour, "H": time.Hour,
	"D": 24 * time.Hour, "d": 24 * time.Hour,
}

// ParseWidth parses a resample bin width such as "1min", "30s", "5T", "1h",
// "1D", "1h30min" or a Go duration like "90s".
func ParseWidth(s string) (time.Duration, error) {
	in := strings.TrimSpace(s)
	if d, ok := parseAliases(in); ok && d > 0 {
		return d, nil
	}
	if d, err := time.ParseDuration(in); err == nil && d > 0 {
		return d, nil
	}
	return 0, fmt.Errorf("%w: resample option of [%s] is not a valid frequency", ErrInvalidWidth, s)
}

// parseAliases reads a sequence of <number><unit> components. A missing number
// means 1.
func parseAliases(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	var total time.Duration
	for len(s) > 0 {
		i := 0
		for i < len(s) && (s[i] == '.' || (s[i] >= '0' && s[i] <= '9')) {
			i++
		}
		num := 1.0
		if i > 0 {
			v, err := strconv.ParseFloat(s[:i], 64)
			if err != nil {
				return 0, false
			}
			num = v
		}
		rest := s[i:]
		j := strings.IndexFunc(rest, func(r rune) bool { return !unicode.IsLetter(r) })
		if j < 0 {
			j = len(rest)
		}
		unit, ok := widthUnits[rest[:j]]
		if !ok {
			return 0, false
		}
		total += time.Duration(math.Round(num * float64(unit)))
		s = rest[j:]
	}
	return total, true
}

// Resample aggregates rows into fixed bins of the given width and averages each
// column over the non-NaN values of a bin. Bins are anchored at midnight UTC of
// the earliest timestamp; every bin between the first and last sample is
// present, empty bins hold NaN. Bin labels are the left edge, or the bin centre
// when center is true.
func (t *Table) Resample(width time.Duration, center bool) *Table {
	if width <= 0 {
		panic("series: non-positive resample width")
	}
	if t.IsEmpty() {
		out := Empty()
		for _, c := range t.Columns() {
			out.columns = append(out.columns, c)
			out.data[c] = nil
		}
		return out
	}

	first, last := t.Index[0], t.Index[0]
	for _, ts := range t.Index[1:] {
		if ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}
	first = first.UTC()
	origin := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, time.UTC)
	bin := func(ts time.Time) int64 {
		return int64(floorDiv(ts.Sub(origin), width))
	}
	lo, hi := bin(first), bin(last)
	n := int(hi-lo) + 1

	index := make([]time.Time, n)
	labelShift := time.Duration(0)
	if center {
		labelShift = width / 2
	}
	for i := range index {
		index[i] = origin.Add(time.Duration(lo+int64(i))*width + labelShift)
	}

	rowBin := make([]int, len(t.Index))
	for i, ts := range t.Index {
		rowBin[i] = int(bin(ts) - lo)
	}

	out := NewTable(index)
	buckets := make([][]float64, n)
	for _, c := range t.columns {
		for i := range buckets {
			buckets[i] = buckets[i][:0]
		}
		for i, v := range t.data[c] {
			if !math.IsNaN(v) {
				buckets[rowBin[i]] = append(buckets[rowBin[i]], v)
			}
		}
		means := make([]float64, n)
		for i, b := range buckets {
			if len(b) == 0 {
				means[i] = math.NaN()
				continue
			}
			means[i] = stat.Mean(b, nil)
		}
		out.columns = append(out.columns, c)
		out.data[c] = means
	}
	return out
}

func floorDiv(d, w time.Duration) time.Duration {
	q := d / w
	if d%w != 0 && d < 0 {
		q--
	}
	return q
}
