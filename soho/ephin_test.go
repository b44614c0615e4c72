package soho

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStatus(t *testing.T) {
	tests := []struct {
		word int
		want StatusFlags
	}{
		{0b000, StatusFlags{Mode: ModeNormal}},
		{0b001, StatusFlags{Mode: ModeRingOff}},
		{0b101, StatusFlags{Mode: ModeMerged}},
		{0b100, StatusFlags{Mode: ModeNormal}},
		{0b010, StatusFlags{Mode: ModeNormal, RingOff: true}},
		{0b111, StatusFlags{Mode: ModeMerged, RingOff: true}},
		{0b1000_0011, StatusFlags{Mode: ModeRingOff, RingOff: true}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%08b", tt.word), func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeStatus(tt.word))
		})
	}
}

func TestEphinFileName(t *testing.T) {
	assert.Equal(t, "eph99365.rl2", EphinFileName(time.Date(1999, 12, 31, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "epi00001.rl2", EphinFileName(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "epi21105.rl2", EphinFileName(time.Date(2021, 4, 15, 12, 0, 0, 0, time.UTC)))
}

func TestEphinLabels(t *testing.T) {
	normal := EphinLabels(ModeNormal)
	assert.Len(t, normal, 13)
	assert.Equal(t, "2.64-6.18", normal["e1300"])
	assert.Equal(t, EphinLabels(ModeRingOff), normal)

	merged := EphinLabels(ModeMerged)
	assert.Equal(t, "2.64 - 10.40 MeV", merged["e1300"])
	assert.Equal(t, "25-53 MeV", merged["p25"])
	assert.Equal(t, "25 - 53 MeV/N", merged["he25"])
	assert.Equal(t, normal["p4"], merged["p4"])
}

// rl2Row renders one rl2 line with every channel set to flux.
func rl2Row(year, doy, ms, status int, flux float64, fields int) string {
	f := make([]string, fields)
	for i := range f {
		f[i] = strconv.FormatFloat(flux, 'f', 3, 64)
	}
	f[colYear] = strconv.Itoa(year)
	f[colDOY] = strconv.Itoa(doy)
	f[colMS] = strconv.Itoa(ms)
	f[colStatus] = strconv.Itoa(status)
	return strings.Join(f, "  ")
}

func TestParseEphin(t *testing.T) {
	in := strings.Join([]string{
		rl2Row(2021, 105, 0, 0, 1.5, 51),
		"",
		rl2Row(2021, 105, 60000, 4, 2.5, 48),
	}, "\n")
	tb, err := parseEphin(strings.NewReader(in))
	require.NoError(t, err)
	require.Equal(t, 2, tb.Len())
	assert.Equal(t, EphinColumns, tb.Columns())
	assert.Equal(t, time.Date(2021, 4, 15, 0, 1, 0, 0, time.UTC), tb.Index[1])

	p4, _ := tb.Column("P4")
	assert.Equal(t, []float64{1.5, 2.5}, p4)
	spare, _ := tb.Column("Spare 3")
	assert.Equal(t, 1.5, spare[0])
	assert.True(t, math.IsNaN(spare[1]))
	status, _ := tb.Column("Status Flag")
	assert.Equal(t, []float64{0, 4}, status)
}

func TestParseEphinErrors(t *testing.T) {
	_, err := parseEphin(strings.NewReader(rl2Row(2021, 105, 0, 0, 1, 47+1)[:20]))
	assert.ErrorIs(t, err, ErrEphinParse)
	assert.Contains(t, err.Error(), "line 1")

	bad := strings.Replace(rl2Row(2021, 105, 0, 0, 1, 51), "1.000", "x", 1)
	_, err = parseEphin(strings.NewReader(bad))
	assert.ErrorIs(t, err, ErrEphinParse)
	assert.Contains(t, err.Error(), "S/C Epoch")
}

// kielServer serves epi21107.rl2 and answers 404 for anything else.
func kielServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rl2/2021/epi21107.rl2" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintln(w, rl2Row(2021, 107, 0, 0, 7, 51))
		fmt.Fprintln(w, rl2Row(2021, 107, 60000, 0, 7, 51))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeGzip(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := pgzip.NewWriter(f)
	_, err = zw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestLoadEphin(t *testing.T) {
	srv := kielServer(t)
	l, hook := newTestLoader(t, srv.URL)
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "epi21105.rl2"),
		[]byte(rl2Row(2021, 105, 0, 0, 5, 51)+"\n"), 0o644))
	writeGzip(t, filepath.Join(dir, "epi21106.rl2.gz"), rl2Row(2021, 106, 0, 0b101, 6, 51)+"\n")

	res, err := l.LoadEphin(context.Background(), EphinRequest{
		Start: time.Date(2021, 4, 15, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2021, 4, 18, 0, 0, 0, 0, time.UTC),
		Dir:   dir,
	})
	require.NoError(t, err)
	require.Len(t, res.Files, 3)
	require.Equal(t, 4, res.Table.Len())

	assert.False(t, res.Table.HasColumn("Year"))
	assert.False(t, res.Table.HasColumn("Spare 1"))
	assert.True(t, res.Table.HasColumn("Status Flag"))
	assert.Equal(t, ModeMerged, res.Mode)
	assert.Equal(t, "25-53 MeV", res.Labels["p25"])

	e150, _ := res.Table.Column("E150")
	assert.Equal(t, []float64{5, 6, 7, 7}, e150)
	assert.Equal(t, time.Date(2021, 4, 17, 0, 1, 0, 0, time.UTC), res.Table.Index[3])

	var msgs []string
	for _, e := range hook.AllEntries() {
		msgs = append(msgs, e.Message)
	}
	assert.Contains(t, msgs, "File epi21107.rl2 not found locally at "+dir+".")
	assert.Contains(t, msgs, "No corresponding EPHIN data found at "+srv.URL+"/rl2/2021/epi21108.rl2")
	assert.FileExists(t, filepath.Join(dir, "epi21107.rl2"))
}

func TestLoadEphinRingOff(t *testing.T) {
	l, hook := newTestLoader(t, "http://127.0.0.1:1")
	dir := t.TempDir()
	content := rl2Row(2021, 105, 0, 0b011, 1, 51) + "\n" +
		rl2Row(2021, 105, 60000, 0b011, 3, 51) + "\n" +
		rl2Row(2021, 105, 120000, 0b101, 3, 51) + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "epi21105.rl2"), []byte(content), 0o644))

	res, err := l.LoadEphin(context.Background(), EphinRequest{
		Start:      time.Date(2021, 4, 15, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2021, 4, 15, 0, 0, 0, 0, time.UTC),
		Dir:        dir,
		Position:   "center",
		Resample:   "2min",
		AllColumns: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ModeRingOff, res.Mode)
	assert.Equal(t, 2, res.RingOffRows)
	assert.Equal(t, "25-41 MeV", res.Labels["p25"])
	assert.True(t, res.Table.HasColumn("Year"))

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "Careful: EPHIN ring off!" {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)

	// Centre shift of 30s, then 2 minute bins labelled at their centre.
	require.Equal(t, 2, res.Table.Len())
	assert.Equal(t, time.Date(2021, 4, 15, 0, 1, 0, 0, time.UTC), res.Table.Index[0])
	e150, _ := res.Table.Column("E150")
	assert.Equal(t, []float64{2, 3}, e150)
}

func TestLoadEphinNothingFound(t *testing.T) {
	srv := kielServer(t)
	l, _ := newTestLoader(t, srv.URL)

	res, err := l.LoadEphin(context.Background(), EphinRequest{
		Start: time.Date(1999, 12, 31, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		Dir:   t.TempDir(),
	})
	require.NoError(t, err)
	assert.True(t, res.Table.IsEmpty())
	assert.Empty(t, res.Files)
	assert.Equal(t, EphinLabels(ModeNormal), res.Labels)
}

func TestLoadEphinRejectsPosition(t *testing.T) {
	l, _ := newTestLoader(t, "http://127.0.0.1:1")
	_, err := l.LoadEphin(context.Background(), EphinRequest{Position: "end"})
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestLoadEphinSkipsHTTPErrors(t *testing.T) {
	for _, code := range []int{http.StatusForbidden, http.StatusInternalServerError} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, http.StatusText(code), code)
			}))
			defer srv.Close()
			l, hook := newTestLoader(t, srv.URL)
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "epi21105.rl2"),
				[]byte(rl2Row(2021, 105, 0, 0, 5, 51)+"\n"), 0o644))

			res, err := l.LoadEphin(context.Background(), EphinRequest{
				Start: time.Date(2021, 4, 15, 0, 0, 0, 0, time.UTC),
				End:   time.Date(2021, 4, 16, 0, 0, 0, 0, time.UTC),
				Dir:   dir,
			})
			require.NoError(t, err)
			assert.Equal(t, []string{filepath.Join(dir, "epi21105.rl2")}, res.Files)
			assert.Equal(t, 1, res.Table.Len())

			var msgs []string
			for _, e := range hook.AllEntries() {
				msgs = append(msgs, e.Message)
			}
			assert.Contains(t, msgs, "No corresponding EPHIN data found at "+srv.URL+"/rl2/2021/epi21106.rl2")
			assert.NoFileExists(t, filepath.Join(dir, "epi21106.rl2"))
		})
	}
}

func TestLoadEphinDaysFromStartInstant(t *testing.T) {
	l, _ := newTestLoader(t, "http://127.0.0.1:1")
	dir := t.TempDir()
	for doy := 105; doy <= 106; doy++ {
		name := filepath.Join(dir, fmt.Sprintf("epi21%03d.rl2", doy))
		require.NoError(t, os.WriteFile(name, []byte(rl2Row(2021, doy, 0, 0, 1, 51)+"\n"), 0o644))
	}

	res, err := l.LoadEphin(context.Background(), EphinRequest{
		Start: time.Date(2021, 4, 15, 12, 0, 0, 0, time.UTC),
		End:   time.Date(2021, 4, 16, 6, 0, 0, 0, time.UTC),
		Dir:   dir,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "epi21105.rl2")}, res.Files)

	res, err = l.LoadEphin(context.Background(), EphinRequest{
		Start: time.Date(2021, 4, 15, 12, 0, 0, 0, time.UTC),
		End:   time.Date(2021, 4, 16, 12, 0, 0, 0, time.UTC),
		Dir:   dir,
	})
	require.NoError(t, err)
	assert.Len(t, res.Files, 2)
}
