// Package export writes observation tables to Parquet and Excel files.
package export

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/xuri/excelize/v2"

	"github.com/KI7MT/soho-loader/series"
)

// TimeColumn names the index column in every export.
const TimeColumn = "time"

// ErrFormat is returned by WriteFile for unsupported extensions.
var ErrFormat = errors.New("unsupported export format")

// WriteFile writes t to path, choosing the format from the extension
// (.parquet or .xlsx). The file is written to path.tmp and renamed.
func WriteFile(path string, t *series.Table, meta map[string]string) error {
	var write func(io.Writer, *series.Table, map[string]string) error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		write = WriteParquet
	case ".xlsx":
		write = WriteXLSX
	default:
		return fmt.Errorf("%w: %q", ErrFormat, filepath.Ext(path))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f, t, meta); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// =============================================================================
// Parquet
// =============================================================================

// WriteParquet writes t as a single row group. The index becomes a
// nanosecond timestamp column named TimeColumn and every table column a
// DOUBLE column; NaN is kept as NaN. meta is stored as key/value metadata.
func WriteParquet(w io.Writer, t *series.Table, meta map[string]string) error {
	cols := t.Columns()
	group := parquet.Group{TimeColumn: parquet.Timestamp(parquet.Nanosecond)}
	for _, c := range cols {
		if c == TimeColumn {
			return fmt.Errorf("column %q clashes with the index column", c)
		}
		group[c] = parquet.Leaf(parquet.DoubleType)
	}
	schema := parquet.NewSchema("soho", group)

	// Leaf order is defined by the schema, not by cols.
	leaf := make(map[string]int)
	for i, path := range schema.Columns() {
		leaf[path[0]] = i
	}

	opts := []parquet.WriterOption{schema, parquet.Compression(&parquet.Zstd)}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, parquet.KeyValueMetadata(k, meta[k]))
	}
	pw := parquet.NewWriter(w, opts...)

	data := make([][]float64, len(cols))
	for i, c := range cols {
		data[i], _ = t.Column(c)
	}

	const batch = 1024
	rows := make([]parquet.Row, 0, batch)
	for r := 0; r < t.Len(); r++ {
		row := make(parquet.Row, len(cols)+1)
		ti := leaf[TimeColumn]
		row[ti] = parquet.Int64Value(t.Index[r].UnixNano()).Level(0, 0, ti)
		for i, c := range cols {
			ci := leaf[c]
			row[ci] = parquet.DoubleValue(data[i][r]).Level(0, 0, ci)
		}
		rows = append(rows, row)
		if len(rows) == batch {
			if _, err := pw.WriteRows(rows); err != nil {
				return err
			}
			rows = rows[:0]
		}
	}
	if len(rows) > 0 {
		if _, err := pw.WriteRows(rows); err != nil {
			return err
		}
	}
	return pw.Close()
}

// =============================================================================
// Excel
// =============================================================================

// Sheet names used by WriteXLSX.
const (
	DataSheet     = "data"
	MetadataSheet = "metadata"
)

// WriteXLSX writes t to the DataSheet of a new workbook with the timestamps in
// the first column. NaN cells are left empty. A non-empty meta is written as
// key/value rows to MetadataSheet.
func WriteXLSX(w io.Writer, t *series.Table, meta map[string]string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), DataSheet); err != nil {
		return err
	}
	sw, err := f.NewStreamWriter(DataSheet)
	if err != nil {
		return err
	}

	cols := t.Columns()
	header := make([]interface{}, 0, len(cols)+1)
	header = append(header, TimeColumn)
	for _, c := range cols {
		header = append(header, c)
	}
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}

	data := make([][]float64, len(cols))
	for i, c := range cols {
		data[i], _ = t.Column(c)
	}
	for r := 0; r < t.Len(); r++ {
		row := make([]interface{}, len(cols)+1)
		row[0] = t.Index[r]
		for i := range cols {
			if v := data[i][r]; !math.IsNaN(v) && !math.IsInf(v, 0) {
				row[i+1] = v
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, row); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}

	if len(meta) > 0 {
		if _, err := f.NewSheet(MetadataSheet); err != nil {
			return err
		}
		keys := make([]string, 0, len(meta))
		for k := range meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			cell, _ := excelize.CoordinatesToCellName(1, i+1)
			if err := f.SetSheetRow(MetadataSheet, cell, &[]interface{}{k, meta[k]}); err != nil {
				return err
			}
		}
	}

	_, err = f.WriteTo(w)
	return err
}
