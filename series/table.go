// Package series holds the time-indexed observation table produced by the
// SOHO loaders: one timestamp per row, any number of named float64 columns,
// missing measurements as NaN.
package series

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrColumnNotFound = errors.New("column not found")
	ErrLengthMismatch = errors.New("column length does not match index")
)

// Table is a time-indexed set of float64 columns. Column order is the order in
// which columns were added. Duplicate timestamps are allowed.
type Table struct {
	Index []time.Time

	columns []string
	data    map[string][]float64
}

// NewTable creates a table over index with no columns.
func NewTable(index []time.Time) *Table {
	return &Table{
		Index: index,
		data:  make(map[string][]float64),
	}
}

// Empty returns a table with no rows and no columns.
func Empty() *Table {
	return NewTable(nil)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Index)
}

// IsEmpty reports whether the table has no rows.
func (t *Table) IsEmpty() bool {
	return t.Len() == 0
}

// Columns returns the column names in insertion order.
func (t *Table) Columns() []string {
	if t == nil {
		return nil
	}
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

// HasColumn reports whether name is a column of t.
func (t *Table) HasColumn(name string) bool {
	if t == nil {
		return false
	}
	_, ok := t.data[name]
	return ok
}

// Column returns the values of the named column. The slice is shared with
// the table.
func (t *Table) Column(name string) ([]float64, error) {
	if t != nil {
		if v, ok := t.data[name]; ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
}

// AddColumn adds or replaces a column. values must have one entry per row.
func (t *Table) AddColumn(name string, values []float64) error {
	if len(values) != len(t.Index) {
		return fmt.Errorf("%w: column %q has %d values, index has %d",
			ErrLengthMismatch, name, len(values), len(t.Index))
	}
	if t.data == nil {
		t.data = make(map[string][]float64)
	}
	if _, ok := t.data[name]; !ok {
		t.columns = append(t.columns, name)
	}
	t.data[name] = values
	return nil
}

// DropColumns removes the named columns. Unknown names are ignored.
func (t *Table) DropColumns(names ...string) {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	kept := t.columns[:0]
	for _, c := range t.columns {
		if drop[c] {
			delete(t.data, c)
			continue
		}
		kept = append(kept, c)
	}
	t.columns = kept
}

// Clone returns a deep copy of t.
func (t *Table) Clone() *Table {
	out := NewTable(append([]time.Time(nil), t.Index...))
	for _, c := range t.columns {
		out.columns = append(out.columns, c)
		out.data[c] = append([]float64(nil), t.data[c]...)
	}
	return out
}

// Slice returns rows [i, j) as a new table sharing no storage with t.
func (t *Table) Slice(i, j int) *Table {
	i = max(0, min(i, t.Len()))
	j = max(i, min(j, t.Len()))
	out := NewTable(append([]time.Time(nil), t.Index[i:j]...))
	for _, c := range t.columns {
		out.columns = append(out.columns, c)
		out.data[c] = append([]float64(nil), t.data[c][i:j]...)
	}
	return out
}

// Row returns the values of row i in column order.
func (t *Table) Row(i int) []float64 {
	out := make([]float64, len(t.columns))
	for k, c := range t.columns {
		out[k] = t.data[c][i]
	}
	return out
}

// ShiftIndex moves every timestamp by d in place.
func (t *Table) ShiftIndex(d time.Duration) {
	if d == 0 {
		return
	}
	for i := range t.Index {
		t.Index[i] = t.Index[i].Add(d)
	}
}

// ReplaceValues sets every cell equal to one of values to NaN, across all
// columns, and returns the number of cells replaced. Applying it twice is a
// no-op the second time.
func (t *Table) ReplaceValues(values ...float64) int {
	if t == nil || len(values) == 0 {
		return 0
	}
	replaced := 0
	for _, c := range t.columns {
		col := t.data[c]
		for i, v := range col {
			for _, s := range values {
				if v == s {
					col[i] = math.NaN()
					replaced++
					break
				}
			}
		}
	}
	return replaced
}

// Concat appends tables in order. The result has the union of all columns in
// first-seen order; cells a table does not provide are NaN. Nil and empty
// tables are skipped.
func Concat(tables ...*Table) *Table {
	total := 0
	var names []string
	seen := make(map[string]bool)
	for _, tb := range tables {
		if tb == nil {
			continue
		}
		total += tb.Len()
		for _, c := range tb.columns {
			if !seen[c] {
				seen[c] = true
				names = append(names, c)
			}
		}
	}

	out := NewTable(make([]time.Time, 0, total))
	cols := make(map[string][]float64, len(names))
	for _, n := range names {
		cols[n] = make([]float64, 0, total)
	}

	for _, tb := range tables {
		if tb.IsEmpty() {
			continue
		}
		out.Index = append(out.Index, tb.Index...)
		for _, n := range names {
			if v, ok := tb.data[n]; ok {
				cols[n] = append(cols[n], v...)
				continue
			}
			for range tb.Index {
				cols[n] = append(cols[n], math.NaN())
			}
		}
	}

	for _, n := range names {
		out.columns = append(out.columns, n)
		out.data[n] = cols[n]
	}
	return out
}
