// Package cdftest writes small CDF version 3 files for tests.
package cdftest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/KI7MT/soho-loader/internal/cdf"
)

// Var describes one zVariable. Numeric variables take their values from
// Values, epoch variables from Times and CHAR variables from Strings. The
// record count is derived from the value count.
type Var struct {
	Name     string
	Type     cdf.DataType
	Dims     []int
	NumElems int // CHAR only; defaults to the longest string
	RecVary  bool
	Compress int // cdf.CompressNone, cdf.CompressRLE or cdf.CompressGZIP

	// RecordsPerVVR splits the records into several VVRs when > 0.
	RecordsPerVVR int

	Values  []float64
	Times   []time.Time
	Strings []string

	// Attrs values may be string, float64, []float64 or int.
	Attrs map[string]any
}

// File describes a whole CDF file.
type File struct {
	Encoding int // defaults to cdf.EncNetwork
	Packed   bool
	Global   map[string][]string
	Vars     []Var
}

// Write builds f and stores it at path.
func Write(path string, f File) error {
	data, err := Build(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Build returns the encoded file image.
func Build(f File) ([]byte, error) {
	enc := f.Encoding
	if enc == 0 {
		enc = cdf.EncNetwork
	}
	var order binary.ByteOrder = binary.BigEndian
	if enc == cdf.EncIBMPC || enc == cdf.EncARMLittle || enc == cdf.EncDECStn {
		order = binary.LittleEndian
	}

	w := &writer{order: order}
	w.raw(u32(cdf.Magic3))
	w.raw(u32(cdf.MagicPlain))

	cdr := w.record(cdf.RecCDR, fields().
		i64(0).          // GDR, patched
		i32(3).i32(9).   // version, release
		i32(int32(enc)). // encoding
		i32(3).          // row major, single file
		i32(0).i32(0).i32(0).i32(-1).i32(0).
		name("test fixture"))

	gdr := w.record(cdf.RecGDR, fields().
		i64(0).i64(0).i64(0).i64(0). // rVDR, zVDR, ADR, EOF
		i32(0).                      // NrVars
		i32(0).                      // NumAttr, patched
		i32(-1).                     // rMaxRec
		i32(0).                      // rNumDims
		i32(int32(len(f.Vars))).     // NzVars
		i64(0).i32(0).i32(-1).i32(0))
	w.putI64(cdr+12, gdr)

	var prevVDR int64
	for num, v := range f.Vars {
		off, err := w.writeVar(num, v)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", v.Name, err)
		}
		if prevVDR == 0 {
			w.putI64(gdr+20, off)
		} else {
			w.putI64(prevVDR+12, off)
		}
		prevVDR = off
	}

	nattr := w.writeAttrs(gdr, f)
	w.putI32(gdr+48, int32(nattr))
	w.putI64(gdr+36, int64(len(w.buf)))

	if !f.Packed {
		return w.buf, nil
	}
	return pack(w.buf)
}

// =============================================================================
// Variables
// =============================================================================

func (w *writer) writeVar(num int, v Var) (int64, error) {
	per := 1
	for _, d := range v.Dims {
		per *= d
	}
	nelems := 1
	var raw []byte
	switch {
	case v.Type.IsChar():
		nelems = v.NumElems
		if nelems == 0 {
			for _, s := range v.Strings {
				nelems = max(nelems, len(s))
			}
		}
		for _, s := range v.Strings {
			b := make([]byte, nelems)
			copy(b, s)
			raw = append(raw, b...)
		}
	case v.Type.IsTime():
		for _, t := range v.Times {
			raw = append(raw, w.encodeTime(v.Type, t)...)
		}
	default:
		for _, x := range v.Values {
			raw = append(raw, w.encodeValue(v.Type, x)...)
		}
	}
	rs := v.Type.Size() * nelems * per
	if rs == 0 || len(raw)%rs != 0 {
		return 0, fmt.Errorf("value count does not fill whole records")
	}
	nrec := len(raw) / rs

	flags := int32(0)
	if v.RecVary {
		flags |= 1
	}
	if v.Compress != cdf.CompressNone {
		flags |= 4
	}

	fb := fields().
		i64(0).                 // next VDR
		i32(int32(v.Type)).     // data type
		i32(int32(nrec - 1)).   // MaxRec
		i64(0).i64(0).          // VXR head, tail
		i32(flags).             // record variance, compression
		i32(0).i32(0).i32(-1).i32(-1).
		i32(int32(nelems)).
		i32(int32(num)).
		i64(0). // CPR
		i32(0). // blocking factor
		name(v.Name).
		i32(int32(len(v.Dims)))
	for _, d := range v.Dims {
		fb.i32(int32(d))
	}
	for range v.Dims {
		fb.i32(-1)
	}
	vdr := w.record(cdf.RecZVDR, fb)
	if nrec == 0 {
		return vdr, nil
	}

	if v.Compress != cdf.CompressNone {
		cpr := w.record(cdf.RecCPR, fields().i32(int32(v.Compress)).i32(0).i32(1).i32(6))
		w.putI64(vdr+72, cpr)
	}

	chunk := v.RecordsPerVVR
	if chunk <= 0 {
		chunk = nrec
	}
	type entry struct {
		first, last int
		off         int64
	}
	var entries []entry
	for first := 0; first < nrec; first += chunk {
		last := min(first+chunk, nrec) - 1
		data := raw[first*rs : (last+1)*rs]
		var off int64
		if v.Compress == cdf.CompressNone {
			off = w.record(cdf.RecVVR, fields().raw(data))
		} else {
			packed, err := compress(v.Compress, data)
			if err != nil {
				return 0, err
			}
			off = w.record(cdf.RecCVVR, fields().i32(0).i64(int64(len(packed))).raw(packed))
		}
		entries = append(entries, entry{first, last, off})
	}

	fb = fields().i64(0).i32(int32(len(entries))).i32(int32(len(entries)))
	for _, e := range entries {
		fb.i32(int32(e.first))
	}
	for _, e := range entries {
		fb.i32(int32(e.last))
	}
	for _, e := range entries {
		fb.i64(e.off)
	}
	vxr := w.record(cdf.RecVXR, fb)
	w.putI64(vdr+28, vxr)
	w.putI64(vdr+36, vxr)
	return vdr, nil
}

func (w *writer) encodeValue(dt cdf.DataType, x float64) []byte {
	b := make([]byte, dt.Size())
	switch dt {
	case cdf.Int1, cdf.Byte, cdf.UInt1:
		b[0] = byte(int8(x))
	case cdf.Int2, cdf.UInt2:
		w.order.PutUint16(b, uint16(int16(x)))
	case cdf.Int4, cdf.UInt4:
		w.order.PutUint32(b, uint32(int32(x)))
	case cdf.Int8:
		w.order.PutUint64(b, uint64(int64(x)))
	case cdf.Real4, cdf.Float:
		w.order.PutUint32(b, math.Float32bits(float32(x)))
	case cdf.Real8, cdf.Double:
		w.order.PutUint64(b, math.Float64bits(x))
	}
	return b
}

func (w *writer) encodeTime(dt cdf.DataType, t time.Time) []byte {
	b := make([]byte, dt.Size())
	switch dt {
	case cdf.Epoch:
		w.order.PutUint64(b, math.Float64bits(cdf.TimeToEpoch(t)))
	case cdf.Epoch16:
		ms := cdf.TimeToEpoch(t.Truncate(time.Second))
		w.order.PutUint64(b, math.Float64bits(math.Floor(ms/1000)))
		w.order.PutUint64(b[8:], math.Float64bits(float64(t.Nanosecond())*1000))
	case cdf.TT2000:
		w.order.PutUint64(b, uint64(cdf.TimeToTT2000(t)))
	}
	return b
}

// =============================================================================
// Attributes
// =============================================================================

func (w *writer) writeAttrs(gdr int64, f File) int {
	var globals, locals []string
	for name := range f.Global {
		globals = append(globals, name)
	}
	seen := make(map[string]bool)
	for _, v := range f.Vars {
		for name := range v.Attrs {
			if !seen[name] {
				seen[name] = true
				locals = append(locals, name)
			}
		}
	}
	sort.Strings(globals)
	sort.Strings(locals)

	var prev int64
	link := func(off int64) {
		if prev == 0 {
			w.putI64(gdr+28, off)
		} else {
			w.putI64(prev+12, off)
		}
		prev = off
	}

	num := 0
	for _, name := range globals {
		entries := f.Global[name]
		adr := w.adr(name, cdf.ScopeGlobal, num)
		var last int64
		for i, s := range entries {
			e := w.aedr(cdf.RecAgrED, num, i, s)
			if last == 0 {
				w.putI64(adr+20, e)
			} else {
				w.putI64(last+12, e)
			}
			last = e
		}
		w.putI32(adr+36, int32(len(entries)))
		w.putI32(adr+40, int32(len(entries)-1))
		link(adr)
		num++
	}

	for _, name := range locals {
		adr := w.adr(name, cdf.ScopeVariable, num)
		var last int64
		n, maxEntry := 0, -1
		for i, v := range f.Vars {
			val, ok := v.Attrs[name]
			if !ok {
				continue
			}
			e := w.aedr(cdf.RecAzED, num, i, val)
			if last == 0 {
				w.putI64(adr+48, e)
			} else {
				w.putI64(last+12, e)
			}
			last = e
			n++
			maxEntry = i
		}
		w.putI32(adr+56, int32(n))
		w.putI32(adr+60, int32(maxEntry))
		link(adr)
		num++
	}
	return num
}

func (w *writer) adr(name string, scope, num int) int64 {
	return w.record(cdf.RecADR, fields().
		i64(0).i64(0). // next ADR, AgrEDR head
		i32(int32(scope)).i32(int32(num)).
		i32(0).i32(-1).i32(0). // NgrEntries, MAXgrEntry, rfuA
		i64(0).                // AzEDR head
		i32(0).i32(-1).i32(0). // NzEntries, MAXzEntry, rfuE
		name(name))
}

func (w *writer) aedr(typ int32, attr, entry int, val any) int64 {
	var (
		dt     cdf.DataType
		nelems int
		raw    []byte
	)
	switch x := val.(type) {
	case string:
		dt, nelems, raw = cdf.Char, len(x), []byte(x)
	case float64:
		dt, nelems, raw = cdf.Double, 1, w.encodeValue(cdf.Double, x)
	case []float64:
		dt, nelems = cdf.Double, len(x)
		for _, f := range x {
			raw = append(raw, w.encodeValue(cdf.Double, f)...)
		}
	case int:
		dt, nelems, raw = cdf.Int4, 1, w.encodeValue(cdf.Int4, float64(x))
	default:
		panic(fmt.Sprintf("cdftest: unsupported attribute value %T", val))
	}
	return w.record(typ, fields().
		i64(0).
		i32(int32(attr)).i32(int32(dt)).i32(int32(entry)).i32(int32(nelems)).
		i32(1).i32(0).i32(0).i32(-1).i32(-1).
		raw(raw))
}

// =============================================================================
// Compression
// =============================================================================

func compress(ctype int, data []byte) ([]byte, error) {
	switch ctype {
	case cdf.CompressGZIP:
		var out bytes.Buffer
		zw, err := gzip.NewWriterLevel(&out, 6)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	case cdf.CompressRLE:
		return rle(data), nil
	}
	return nil, fmt.Errorf("unsupported compression %d", ctype)
}

// rle encodes runs of zero bytes as 0, n-1.
func rle(in []byte) []byte {
	var out []byte
	for i := 0; i < len(in); {
		if in[i] != 0 {
			out = append(out, in[i])
			i++
			continue
		}
		n := 0
		for i < len(in) && in[i] == 0 && n < 256 {
			n++
			i++
		}
		out = append(out, 0, byte(n-1))
	}
	return out
}

// pack wraps a plain file image in a CCR.
func pack(plain []byte) ([]byte, error) {
	packed, err := compress(cdf.CompressGZIP, plain[8:])
	if err != nil {
		return nil, err
	}
	w := &writer{order: binary.BigEndian}
	w.raw(u32(cdf.Magic3))
	w.raw(u32(cdf.MagicPacked))
	ccr := w.record(cdf.RecCCR, fields().i64(0).i64(int64(len(plain)-8)).i32(0).raw(packed))
	cpr := w.record(cdf.RecCPR, fields().i32(cdf.CompressGZIP).i32(0).i32(1).i32(6))
	w.putI64(ccr+12, cpr)
	return w.buf, nil
}

// =============================================================================
// Record Encoding
// =============================================================================

type writer struct {
	buf   []byte
	order binary.ByteOrder
}

func (w *writer) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// record appends a record with the given body and returns its offset.
func (w *writer) record(typ int32, body *fieldBuf) int64 {
	off := int64(len(w.buf))
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint64(hdr, uint64(12+len(body.p)))
	binary.BigEndian.PutUint32(hdr[8:], uint32(typ))
	w.buf = append(w.buf, hdr...)
	w.buf = append(w.buf, body.p...)
	return off
}

func (w *writer) putI64(at, v int64) {
	binary.BigEndian.PutUint64(w.buf[at:], uint64(v))
}

func (w *writer) putI32(at int64, v int32) {
	binary.BigEndian.PutUint32(w.buf[at:], uint32(v))
}

type fieldBuf struct{ p []byte }

func fields() *fieldBuf { return &fieldBuf{} }

func (f *fieldBuf) i32(v int32) *fieldBuf {
	f.p = binary.BigEndian.AppendUint32(f.p, uint32(v))
	return f
}

func (f *fieldBuf) i64(v int64) *fieldBuf {
	f.p = binary.BigEndian.AppendUint64(f.p, uint64(v))
	return f
}

func (f *fieldBuf) name(s string) *fieldBuf {
	b := make([]byte, 256)
	copy(b, s)
	f.p = append(f.p, b...)
	return f
}

func (f *fieldBuf) raw(b []byte) *fieldBuf {
	f.p = append(f.p, b...)
	return f
}

func u32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}
