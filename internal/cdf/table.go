package cdf

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/KI7MT/soho-loader/series"
)

// ReadTable parses CDF files into one observation table, concatenated in the
// order given.
//
// The index comes from the time variable most data variables name in their
// DEPEND_0 attribute ("Epoch" when none do). Every numeric, record-varying
// variable depending on that index becomes a column; one-dimensional arrays
// are split into name_0, name_1, ... columns. Text variables and arrays of
// rank two or more are skipped.
func ReadTable(paths ...string) (*series.Table, error) {
	tables := make([]*series.Table, 0, len(paths))
	for _, p := range paths {
		f, err := Open(p)
		if err != nil {
			return nil, err
		}
		t, err := f.Table()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		tables = append(tables, t)
	}
	return series.Concat(tables...), nil
}

// Table converts the file into an observation table. See ReadTable.
func (f *File) Table() (*series.Table, error) {
	depends := make(map[string][]string)
	for _, v := range f.vars {
		attrs, _ := f.VarAttrs(v.Name)
		if dep, ok := attrs["DEPEND_0"].(string); ok && dep != v.Name {
			depends[dep] = append(depends[dep], v.Name)
		}
	}

	indexName := pickIndex(depends)
	if indexName == "" {
		return nil, fmt.Errorf("%w: no time variable found", ErrVariableNotFound)
	}
	iv, err := f.VarGet(indexName)
	if err != nil {
		return nil, err
	}
	index, err := iv.Times()
	if err != nil {
		return nil, err
	}

	out := series.NewTable(index)
	names := append([]string(nil), depends[indexName]...)
	sort.Strings(names)
	for _, name := range names {
		v, err := f.VarInq(name)
		if err != nil {
			return nil, err
		}
		if v.DataType.IsChar() || v.DataType.IsTime() || !v.RecVary || v.MaxRec < 0 {
			continue
		}
		shape := v.Shape()
		if len(shape) > 1 {
			continue
		}
		if v, err = f.VarGet(name); err != nil {
			return nil, err
		}
		vals, err := v.Float64s()
		if err != nil {
			return nil, err
		}
		per := v.ValuesPerRecord()
		if v.Records != len(index) {
			continue
		}

		if len(shape) == 0 {
			if err := out.AddColumn(name, vals); err != nil {
				return nil, err
			}
			continue
		}
		for j := 0; j < per; j++ {
			col := make([]float64, v.Records)
			for r := range col {
				col[r] = vals[r*per+j]
			}
			if err := out.AddColumn(name+"_"+strconv.Itoa(j), col); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// pickIndex returns the DEPEND_0 target shared by the most variables,
// preferring "Epoch" on ties.
func pickIndex(depends map[string][]string) string {
	best, n := "", -1
	for name, vars := range depends {
		switch {
		case len(vars) > n:
			best, n = name, len(vars)
		case len(vars) == n && (name == "Epoch" || (best != "Epoch" && name < best)):
			best = name
		}
	}
	return best
}
