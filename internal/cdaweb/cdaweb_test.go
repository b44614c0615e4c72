package cdaweb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KI7MT/soho-loader/internal/common"
)

var (
	start = time.Date(2021, 4, 15, 0, 0, 0, 0, time.UTC)
	end   = time.Date(2021, 4, 17, 0, 0, 0, 0, time.UTC)
)

type fakeCDAS struct {
	srv      *httptest.Server
	searches atomic.Int32
	gets     atomic.Int32
}

func newFakeCDAS(t *testing.T) *fakeCDAS {
	t.Helper()
	f := &fakeCDAS{}
	mux := http.NewServeMux()
	mux.HandleFunc("/dataviews/sp_phys/datasets/", func(w http.ResponseWriter, r *http.Request) {
		f.searches.Add(1)
		switch {
		case strings.Contains(r.URL.Path, "SOHO_ERNE-HED_L2-1MIN"):
			resp := searchResponse{}
			for _, day := range []string{"20210416", "20210415"} {
				resp.FileDescription = append(resp.FileDescription, File{
					URL:      f.srv.URL + "/data/soho_erne-hed_l2-1min_" + day + "_v01.cdf",
					MimeType: "application/x-cdf",
					Length:   4,
				})
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		case strings.Contains(r.URL.Path, "SOHO_CELIAS-PM_30S"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"FileDescription":[]}`)
		case strings.Contains(r.URL.Path, "SOHO_CELIAS-SEM_15S"):
			w.WriteHeader(http.StatusNoContent)
		case strings.Contains(r.URL.Path, "SOHO_COSTEP-EPHIN_L3I-1MIN"):
			// 200 with nothing in the body.
			w.Header().Set("Content-Type", "application/json")
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/data/", func(w http.ResponseWriter, r *http.Request) {
		f.gets.Add(1)
		fmt.Fprint(w, "data")
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newClient(t *testing.T, f *fakeCDAS, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithHTTPClient(f.srv.Client()), WithRateLimit(0)}, opts...)
	c, err := New(f.srv.URL, 8, opts...)
	require.NoError(t, err)
	return c
}

func TestSearchURL(t *testing.T) {
	c, err := New("", 0)
	require.NoError(t, err)
	assert.Equal(t,
		"https://cdaweb.gsfc.nasa.gov/WS/cdasr/1/dataviews/sp_phys/datasets/SOHO_ERNE-HED_L2-1MIN/orig_data/20210415T000000Z,20210417T000000Z",
		c.SearchURL("SOHO_ERNE-HED_L2-1MIN", start, end))
}

func TestSearchAndCache(t *testing.T) {
	f := newFakeCDAS(t)
	c := newClient(t, f)

	files, err := c.Search(context.Background(), "SOHO_ERNE-HED_L2-1MIN", start, end)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "soho_erne-hed_l2-1min_20210416_v01.cdf", files[0].FileName())

	// Mutating the result must not leak into the cache.
	files[0].URL = "changed"
	again, err := c.Search(context.Background(), "soho_erne-hed_l2-1min", start, end)
	require.NoError(t, err)
	assert.Equal(t, "soho_erne-hed_l2-1min_20210416_v01.cdf", again[0].FileName())
	assert.Equal(t, int32(1), f.searches.Load())
}

func TestSearchNoResults(t *testing.T) {
	f := newFakeCDAS(t)
	c := newClient(t, f)

	for _, ds := range []string{"SOHO_CELIAS-PM_30S", "SOHO_CELIAS-SEM_15S", "SOHO_COSTEP-EPHIN_L3I-1MIN", "SOHO_UNKNOWN"} {
		_, err := c.Search(context.Background(), ds, start, end)
		assert.ErrorIs(t, err, ErrNoResults, ds)
		assert.Contains(t, err.Error(), ds)
	}
}

func TestFetch(t *testing.T) {
	f := newFakeCDAS(t)
	stats := common.NewStats()
	c := newClient(t, f, WithStats(stats))
	dir := t.TempDir()

	files, err := c.Search(context.Background(), "SOHO_ERNE-HED_L2-1MIN", start, end)
	require.NoError(t, err)

	// One file cached with content, one left behind empty by a failed run.
	require.NoError(t, os.WriteFile(filepath.Join(dir, files[0].FileName()), []byte("old!"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, files[1].FileName()), nil, 0o644))

	paths, err := c.Fetch(context.Background(), files, dir, 2)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(dir, files[1].FileName()), paths[1])

	assert.Equal(t, int32(1), f.gets.Load())
	data, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
	data, _ = os.ReadFile(paths[0])
	assert.Equal(t, "old!", string(data))

	assert.Equal(t, uint64(1), stats.FilesDownloaded.Load())
	assert.Equal(t, uint64(1), stats.FilesSkipped.Load())
}

func TestFetchFailure(t *testing.T) {
	f := newFakeCDAS(t)
	c := newClient(t, f)

	files := []File{{URL: f.srv.URL + "/missing/x.cdf"}}
	_, err := c.Fetch(context.Background(), files, t.TempDir(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x.cdf")
}

func TestFetchDuplicateNames(t *testing.T) {
	f := newFakeCDAS(t)
	c := newClient(t, f)
	dir := t.TempDir()

	url := f.srv.URL + "/data/soho_erne-led_l2-1min_20210415_v01.cdf"
	files := []File{{URL: url}, {URL: url + "?again=1"}, {URL: url}}
	paths, err := c.Fetch(context.Background(), files, dir, 3)
	require.NoError(t, err)
	require.Len(t, paths, 3)

	want := filepath.Join(dir, "soho_erne-led_l2-1min_20210415_v01.cdf")
	for _, p := range paths {
		assert.Equal(t, want, p)
	}
	assert.Equal(t, int32(1), f.gets.Load())
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestFetchRemoveFailureStartsNothing(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions do not apply to root")
	}
	f := newFakeCDAS(t)
	c := newClient(t, f)
	dir := t.TempDir()

	files := []File{
		{URL: f.srv.URL + "/data/a.cdf"},
		{URL: f.srv.URL + "/data/b.cdf"},
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.cdf"), nil, 0o644))
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	_, err := c.Fetch(context.Background(), files, dir, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remove empty file")
	assert.Equal(t, int32(0), f.gets.Load())
}
