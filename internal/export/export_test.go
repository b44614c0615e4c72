package export

import (
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/KI7MT/soho-loader/series"
)

func sampleTable(t *testing.T) *series.Table {
	t.Helper()
	start := time.Date(2021, 4, 15, 0, 0, 30, 0, time.UTC)
	tb := series.NewTable([]time.Time{start, start.Add(time.Minute), start.Add(2 * time.Minute)})
	require.NoError(t, tb.AddColumn("PH_0", []float64{1.5, math.NaN(), 3}))
	require.NoError(t, tb.AddColumn("AH_0", []float64{0.25, 0.5, 0.75}))
	require.NoError(t, tb.AddColumn("PH_1", []float64{7, 8, 9}))
	return tb
}

func TestWriteParquet(t *testing.T) {
	tb := sampleTable(t)
	var buf bytes.Buffer
	require.NoError(t, WriteParquet(&buf, tb, map[string]string{"dataset": "SOHO_ERNE-HED_L2-1MIN"}))

	pf, err := parquet.OpenFile(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	assert.Equal(t, int64(3), pf.NumRows())
	ds, ok := pf.Lookup("dataset")
	require.True(t, ok)
	assert.Equal(t, "SOHO_ERNE-HED_L2-1MIN", ds)

	idx := map[string]int{}
	for i, path := range pf.Schema().Columns() {
		idx[path[0]] = i
	}
	require.Len(t, idx, 4)

	rows := make([]parquet.Row, 3)
	reader := pf.RowGroups()[0].Rows()
	defer reader.Close()
	n, err := reader.ReadRows(rows)
	if err != nil {
		require.ErrorIs(t, err, io.EOF)
	}
	require.Equal(t, 3, n)

	assert.Equal(t, tb.Index[1].UnixNano(), rows[1][idx[TimeColumn]].Int64())
	assert.Equal(t, 1.5, rows[0][idx["PH_0"]].Double())
	assert.True(t, math.IsNaN(rows[1][idx["PH_0"]].Double()))
	assert.Equal(t, 0.75, rows[2][idx["AH_0"]].Double())
	assert.Equal(t, 8.0, rows[1][idx["PH_1"]].Double())
}

func TestWriteParquetRejectsTimeColumn(t *testing.T) {
	tb := series.NewTable([]time.Time{time.Unix(0, 0)})
	require.NoError(t, tb.AddColumn(TimeColumn, []float64{1}))
	assert.Error(t, WriteParquet(io.Discard, tb, nil))
}

func TestWriteXLSX(t *testing.T) {
	tb := sampleTable(t)
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, tb, map[string]string{"p25": "25-41 MeV", "dataset": "EPHIN"}))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(DataSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{TimeColumn, "PH_0", "AH_0", "PH_1"}, rows[0])
	assert.Equal(t, []string{"1.5", "0.25", "7"}, rows[1][1:])
	assert.Equal(t, []string{"", "0.5", "8"}, rows[2][1:])

	meta, err := f.GetRows(MetadataSheet)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"dataset", "EPHIN"}, {"p25", "25-41 MeV"}}, meta)
}

func TestWriteXLSXWithoutMetadata(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, sampleTable(t), nil))
	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{DataSheet}, f.GetSheetList())
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	tb := sampleTable(t)

	for _, name := range []string{"out.parquet", "nested/out.xlsx"} {
		path := filepath.Join(dir, name)
		require.NoError(t, WriteFile(path, tb, nil), name)
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
		assert.NoFileExists(t, path+".tmp")
	}

	err := WriteFile(filepath.Join(dir, "out.h5"), tb, nil)
	assert.ErrorIs(t, err, ErrFormat)
}
