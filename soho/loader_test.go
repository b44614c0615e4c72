package soho

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KI7MT/soho-loader/internal/cdaweb"
	"github.com/KI7MT/soho-loader/internal/cdf"
	"github.com/KI7MT/soho-loader/internal/cdf/cdftest"
	"github.com/KI7MT/soho-loader/internal/common"
	"github.com/KI7MT/soho-loader/series"
)

var day0 = time.Date(2021, 4, 15, 0, 0, 0, 0, time.UTC)

func newTestLoader(t *testing.T, baseURL string) (*Loader, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	cfg := &common.Config{
		DataDir:         t.TempDir(),
		CDAWebURL:       baseURL,
		EphinURL:        baseURL + "/rl2/",
		MaxConn:         2,
		HTTPTimeout:     10 * time.Second,
		SearchCacheSize: 8,
	}
	l, err := New(WithConfig(cfg), WithLogger(logger))
	require.NoError(t, err)
	return l, hook
}

// fakeCDAWeb answers orig_data searches from datasets and serves the file
// bodies in files.
type fakeCDAWeb struct {
	srv      *httptest.Server
	mu       sync.Mutex
	datasets map[string][]string
	files    map[string][]byte
	gets     int
}

func newFakeCDAWeb(t *testing.T) *fakeCDAWeb {
	t.Helper()
	f := &fakeCDAWeb{datasets: map[string][]string{}, files: map[string][]byte{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/dataviews/sp_phys/datasets/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		names, ok := f.datasets[parts[4]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		var resp struct {
			FileDescription []map[string]any
		}
		for _, n := range names {
			resp.FileDescription = append(resp.FileDescription, map[string]any{
				"Name":     f.srv.URL + "/files/" + n,
				"MimeType": "application/x-cdf",
				"Length":   len(f.files[n]),
			})
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.gets++
		f.mu.Unlock()
		data, ok := f.files[strings.TrimPrefix(r.URL.Path, "/files/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCDAWeb) add(t *testing.T, dataset, name string, file cdftest.File) {
	t.Helper()
	data, err := cdftest.Build(file)
	require.NoError(t, err)
	f.datasets[dataset] = append(f.datasets[dataset], name)
	f.files[name] = data
}

// hedFile builds an ERNE HED daily file with three channels per species.
// Row 1 of PH_0 holds the flux fill value and row 0 of PHC_1 the count fill.
func hedFile(day time.Time, rows int) cdftest.File {
	times := make([]time.Time, rows)
	ph := make([]float64, rows*3)
	ah := make([]float64, rows*3)
	phc := make([]float64, rows*3)
	for i := range times {
		times[i] = day.Add(time.Duration(i) * time.Minute)
		for c := 0; c < 3; c++ {
			ph[i*3+c] = 10
			ah[i*3+c] = float64(c + 1)
			phc[i*3+c] = float64(i)
		}
	}
	if rows > 1 {
		ph[3] = FluxFill
	}
	phc[1] = CountFill

	fluxAttrs := func(label string) map[string]any {
		return map[string]any{
			"DEPEND_0": "Epoch",
			"LABLAXIS": label,
			"UNITS":    "1/(cm^2 sr s MeV)",
			"FILLVAL":  FluxFill,
		}
	}
	energy := []float64{14.5, 18, 22.5}
	delta := []float64{1.5, 2, 2.5}
	return cdftest.File{
		Global: map[string][]string{"Logical_source": {"soho_erne-hed_l2-1min"}},
		Vars: []cdftest.Var{
			{Name: "Epoch", Type: cdf.Epoch, RecVary: true, Times: times},
			{Name: "PH", Type: cdf.Real4, Dims: []int{3}, RecVary: true, Values: ph, Attrs: fluxAttrs("P Int HED")},
			{Name: "AH", Type: cdf.Real4, Dims: []int{3}, RecVary: true, Values: ah, Attrs: fluxAttrs("He Int HED"),
				Compress: cdf.CompressGZIP},
			{Name: "PHC", Type: cdf.Int4, Dims: []int{3}, RecVary: true, Values: phc,
				Attrs: map[string]any{"DEPEND_0": "Epoch"}},
			{Name: "He_E_label", Type: cdf.Char, Dims: []int{3}, NumElems: 11,
				Strings: []string{"13-16 MeV/n", "16-20 MeV/n", "20-25 MeV/n"}},
			{Name: "He_energy", Type: cdf.Real4, Dims: []int{3}, Values: energy},
			{Name: "He_energy_delta", Type: cdf.Real4, Dims: []int{3}, Values: delta},
			{Name: "P_E_label", Type: cdf.Char, Dims: []int{3}, NumElems: 9,
				Strings: []string{"13-16 MeV", "16-20 MeV", "20-25 MeV"}},
			{Name: "P_energy", Type: cdf.Real4, Dims: []int{3}, Values: energy},
			{Name: "P_energy_delta", Type: cdf.Real4, Dims: []int{3}, Values: delta},
		},
	}
}

func TestLoadERNE(t *testing.T) {
	fake := newFakeCDAWeb(t)
	const ds = "SOHO_ERNE-HED_L2-1MIN"
	fake.add(t, ds, "soho_erne-hed_l2-1min_20210416_v01.cdf", hedFile(day0.AddDate(0, 0, 1), 2))
	fake.add(t, ds, "soho_erne-hed_l2-1min_20210415_v01.cdf", hedFile(day0, 3))
	l, _ := newTestLoader(t, fake.srv.URL)

	req := Request{Dataset: ds, Start: day0, End: day0.AddDate(0, 0, 2), Position: "center"}
	tb, meta, err := l.Load(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, 5, tb.Len())
	assert.Equal(t, []string{"AH_0", "AH_1", "AH_2", "PH_0", "PH_1", "PH_2", "PHC_0", "PHC_1", "PHC_2"}, tb.Columns())
	assert.Equal(t, day0.Add(30*time.Second), tb.Index[0])
	assert.Equal(t, day0.AddDate(0, 0, 1).Add(90*time.Second), tb.Index[4])

	ph0, _ := tb.Column("PH_0")
	assert.True(t, math.IsNaN(ph0[1]))
	assert.Equal(t, 10.0, ph0[0])
	phc1, _ := tb.Column("PHC_1")
	assert.True(t, math.IsNaN(phc1[0]))
	assert.True(t, math.IsNaN(phc1[3]))
	assert.Equal(t, 1.0, phc1[1])

	require.NotNil(t, meta)
	units, err := meta.Lookup("PH_UNITS")
	require.NoError(t, err)
	assert.Equal(t, "1/(cm^2 sr s MeV)", units)
	fill, _ := meta.Lookup("AH_FILLVAL")
	assert.Equal(t, FluxFill, fill)
	labels, _ := meta.Lookup("He_E_label")
	assert.Equal(t, []string{"13-16 MeV/n", "16-20 MeV/n", "20-25 MeV/n"}, labels)
	_, err = meta.Lookup("AL_UNITS")
	assert.ErrorIs(t, err, ErrMetadataKey)

	ch, _ := meta.Lookup("channels_dict_df_p")
	channels := ch.(ChannelTable)
	require.Len(t, channels.Channels, 3)
	assert.Equal(t, 13.0, channels.Channels[0].LowerE)
	assert.Equal(t, 25.0, channels.Channels[2].UpperE)
	assert.Equal(t, 18.0, channels.Channels[1].MeanE)

	avg, label, err := AverageFlux(tb, meta.Helium.Channels, 0, 2, "he", "HED")
	require.NoError(t, err)
	assert.Equal(t, "13.0 - 25.0 MeV", label)
	assert.InDelta(t, (1*1.5+2*2+3*2.5)/6.0, avg[0], 1e-12)

	// Second load is served from the search cache and the local files.
	_, _, err = l.Load(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.gets)
	assert.Equal(t, uint64(2), l.Stats().FilesSkipped.Load())
}

func TestLoadStartPositionAndResample(t *testing.T) {
	fake := newFakeCDAWeb(t)
	const ds = "SOHO_CELIAS-SEM_15S"
	times := []time.Time{day0.Add(7500 * time.Millisecond), day0.Add(22500 * time.Millisecond), day0.Add(67500 * time.Millisecond)}
	fake.add(t, ds, "soho_celias-sem_15s_20210415_v01.cdf", cdftest.File{Vars: []cdftest.Var{
		{Name: "Epoch", Type: cdf.TT2000, RecVary: true, Times: times},
		{Name: "CEM_Flux", Type: cdf.Double, RecVary: true, Values: []float64{2, 4, 9},
			Attrs: map[string]any{"DEPEND_0": "Epoch"}},
	}})
	l, _ := newTestLoader(t, fake.srv.URL)

	tb, meta, err := l.Load(context.Background(), Request{
		Dataset: ds, Start: day0, End: day0.AddDate(0, 0, 1), Position: "start", Resample: "1min",
	})
	require.NoError(t, err)
	assert.Nil(t, meta)
	require.Equal(t, 2, tb.Len())
	assert.Equal(t, day0, tb.Index[0])
	assert.Equal(t, day0.Add(time.Minute), tb.Index[1])
	flux, _ := tb.Column("CEM_Flux")
	assert.Equal(t, []float64{3, 9}, flux)
}

func TestLoadNoResults(t *testing.T) {
	fake := newFakeCDAWeb(t)
	l, hook := newTestLoader(t, fake.srv.URL)

	tb, meta, err := l.Load(context.Background(), Request{
		Dataset: "SOHO_ERNE-HED_L2-1MIN", Start: day0, End: day0.AddDate(0, 0, 1),
	})
	require.NoError(t, err)
	assert.True(t, tb.IsEmpty())
	assert.Nil(t, meta)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Contains(t, entry.Message, `"SOHO_ERNE-HED_L2-1MIN"`)
}

func TestLoadPreconditions(t *testing.T) {
	l, _ := newTestLoader(t, "http://127.0.0.1:1")
	ctx := context.Background()

	_, _, err := l.Load(ctx, Request{Dataset: "SOHO_ERNE-HED_L2-1MIN", Position: "stop"})
	assert.ErrorIs(t, err, ErrInvalidPosition)

	_, _, err = l.Load(ctx, Request{Dataset: "SOHO_ERNE-HED_L2-1MIN", Resample: "fortnight"})
	assert.ErrorIs(t, err, series.ErrInvalidWidth)
	assert.Contains(t, err.Error(), "[fortnight]")

	_, _, err = l.Load(ctx, Request{Dataset: "SOHO_UVCS"})
	assert.ErrorIs(t, err, ErrUnknownDataset)
}

func TestLoadMissingMetadataVariable(t *testing.T) {
	fake := newFakeCDAWeb(t)
	const ds = "SOHO_ERNE-LED_L2-1MIN"
	file := hedFile(day0, 2)
	file.Vars = file.Vars[:len(file.Vars)-1] // drop P_energy_delta
	for i := range file.Vars {
		switch file.Vars[i].Name {
		case "PH":
			file.Vars[i].Name = "PL"
		case "AH":
			file.Vars[i].Name = "AL"
		}
	}
	fake.add(t, ds, "soho_erne-led_l2-1min_20210415_v01.cdf", file)
	l, _ := newTestLoader(t, fake.srv.URL)

	_, _, err := l.Load(context.Background(), Request{Dataset: ds, Start: day0, End: day0.AddDate(0, 0, 1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, cdf.ErrVariableNotFound)
	assert.Contains(t, err.Error(), "P_energy_delta")
}

func TestCleanSentinelsIdempotent(t *testing.T) {
	tb := fluxTable(t, 3, map[string][]float64{
		"PH_0":  {FluxFill, float64(float32(FluxFill)), 1},
		"PHC_0": {CountFill, 2, 3},
	})
	assert.Equal(t, 3, CleanSentinels(tb))
	once := tb.Clone()
	assert.Equal(t, 0, CleanSentinels(tb))
	for _, c := range tb.Columns() {
		a, _ := once.Column(c)
		b, _ := tb.Column(c)
		for i := range a {
			assert.Equal(t, math.IsNaN(a[i]), math.IsNaN(b[i]))
			if !math.IsNaN(a[i]) {
				assert.Equal(t, a[i], b[i])
			}
		}
	}
}

func TestDownload(t *testing.T) {
	fake := newFakeCDAWeb(t)
	const ds = "SOHO_ERNE-HED_L2-1MIN"
	fake.add(t, ds, "soho_erne-hed_l2-1min_20210416_v01.cdf", hedFile(day0.AddDate(0, 0, 1), 1))
	fake.add(t, ds, "soho_erne-hed_l2-1min_20210415_v01.cdf", hedFile(day0, 1))
	l, _ := newTestLoader(t, fake.srv.URL)
	dir := t.TempDir()

	paths, err := l.Download(context.Background(), Request{Dataset: ds, Start: day0, End: day0.AddDate(0, 0, 2), Dir: dir})
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(dir, "soho_erne-hed_l2-1min_20210415_v01.cdf"), paths[0])
	assert.FileExists(t, paths[1])

	_, err = l.Download(context.Background(), Request{Dataset: "SOHO_CELIAS-PM_30S", Start: day0, End: day0})
	assert.ErrorIs(t, err, cdaweb.ErrNoResults)
}
