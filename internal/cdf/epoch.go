package cdf

import (
	"math"
	"sort"
	"time"
)

// epochUnixMillis is 1970-01-01T00:00:00Z expressed as CDF_EPOCH, the number
// of milliseconds since 0000-01-01T00:00:00.
const epochUnixMillis = 62167219200000

// j2000UnixNanos is the TT2000 zero point, 2000-01-01T12:00:00 TT, as UTC
// Unix nanoseconds (11:58:55.816 UTC).
const j2000UnixNanos = 946727935816000000

// leapSeconds lists TAI-UTC from each effective date (UTC).
var leapSeconds = []struct {
	at   int64 // unix seconds
	taiU int64
}{
	{unix(1972, 1, 1), 10}, {unix(1972, 7, 1), 11}, {unix(1973, 1, 1), 12},
	{unix(1974, 1, 1), 13}, {unix(1975, 1, 1), 14}, {unix(1976, 1, 1), 15},
	{unix(1977, 1, 1), 16}, {unix(1978, 1, 1), 17}, {unix(1979, 1, 1), 18},
	{unix(1980, 1, 1), 19}, {unix(1981, 7, 1), 20}, {unix(1982, 7, 1), 21},
	{unix(1983, 7, 1), 22}, {unix(1985, 7, 1), 23}, {unix(1988, 1, 1), 24},
	{unix(1990, 1, 1), 25}, {unix(1991, 1, 1), 26}, {unix(1992, 7, 1), 27},
	{unix(1993, 7, 1), 28}, {unix(1994, 7, 1), 29}, {unix(1996, 1, 1), 30},
	{unix(1997, 7, 1), 31}, {unix(1999, 1, 1), 32}, {unix(2006, 1, 1), 33},
	{unix(2009, 1, 1), 34}, {unix(2012, 7, 1), 35}, {unix(2015, 7, 1), 36},
	{unix(2017, 1, 1), 37},
}

func unix(y int, m time.Month, d int) int64 {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()
}

// taiMinusUTC returns the accumulated leap seconds at unix second s.
func taiMinusUTC(s int64) int64 {
	i := sort.Search(len(leapSeconds), func(i int) bool { return leapSeconds[i].at > s })
	if i == 0 {
		return 10
	}
	return leapSeconds[i-1].taiU
}

// EpochToTime converts CDF_EPOCH milliseconds to UTC.
func EpochToTime(ms float64) time.Time {
	whole := math.Floor(ms)
	frac := ms - whole
	return time.UnixMilli(int64(whole) - epochUnixMillis).
		Add(time.Duration(math.Round(frac * 1e6))).UTC()
}

// TimeToEpoch converts a time to CDF_EPOCH milliseconds.
func TimeToEpoch(t time.Time) float64 {
	return float64(t.UnixMilli()+epochUnixMillis) + float64(t.Nanosecond()%1e6)/1e6
}

// Epoch16ToTime converts a CDF_EPOCH16 pair (seconds since year 0,
// picoseconds) to UTC.
func Epoch16ToTime(sec, ps float64) time.Time {
	return time.Unix(int64(sec)-epochUnixMillis/1000, int64(ps/1000)).UTC()
}

// TT2000ToTime converts CDF_TIME_TT2000 nanoseconds to UTC.
func TT2000ToTime(ns int64) time.Time {
	ls := int64(32)
	u := j2000UnixNanos + ns
	for i := 0; i < 3; i++ {
		u = j2000UnixNanos + ns - (ls-32)*int64(time.Second)
		next := taiMinusUTC(floorSec(u))
		if next == ls {
			break
		}
		ls = next
	}
	return time.Unix(0, u).UTC()
}

// TimeToTT2000 converts a time to CDF_TIME_TT2000 nanoseconds.
func TimeToTT2000(t time.Time) int64 {
	u := t.UnixNano()
	ls := taiMinusUTC(floorSec(u))
	return u - j2000UnixNanos + (ls-32)*int64(time.Second)
}

func floorSec(ns int64) int64 {
	s := ns / int64(time.Second)
	if ns%int64(time.Second) < 0 {
		s--
	}
	return s
}
