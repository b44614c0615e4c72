package cdf

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// DataType is a CDF data type code.
type DataType int32

const (
	Int1    DataType = 1
	Int2    DataType = 2
	Int4    DataType = 4
	Int8    DataType = 8
	UInt1   DataType = 11
	UInt2   DataType = 12
	UInt4   DataType = 14
	Real4   DataType = 21
	Real8   DataType = 22
	Epoch   DataType = 31
	Epoch16 DataType = 32
	TT2000  DataType = 33
	Byte    DataType = 41
	Float   DataType = 44
	Double  DataType = 45
	Char    DataType = 51
	UChar   DataType = 52
)

// Size returns the size in bytes of one element, or 0 for unknown types.
func (d DataType) Size() int {
	switch d {
	case Int1, UInt1, Byte, Char, UChar:
		return 1
	case Int2, UInt2:
		return 2
	case Int4, UInt4, Real4, Float:
		return 4
	case Int8, Real8, Double, Epoch, TT2000:
		return 8
	case Epoch16:
		return 16
	}
	return 0
}

// IsChar reports whether d holds text.
func (d DataType) IsChar() bool { return d == Char || d == UChar }

// IsTime reports whether d is one of the CDF epoch types.
func (d DataType) IsTime() bool { return d == Epoch || d == Epoch16 || d == TT2000 }

func (d DataType) String() string {
	switch d {
	case Int1:
		return "CDF_INT1"
	case Int2:
		return "CDF_INT2"
	case Int4:
		return "CDF_INT4"
	case Int8:
		return "CDF_INT8"
	case UInt1:
		return "CDF_UINT1"
	case UInt2:
		return "CDF_UINT2"
	case UInt4:
		return "CDF_UINT4"
	case Real4:
		return "CDF_REAL4"
	case Real8:
		return "CDF_REAL8"
	case Epoch:
		return "CDF_EPOCH"
	case Epoch16:
		return "CDF_EPOCH16"
	case TT2000:
		return "CDF_TIME_TT2000"
	case Byte:
		return "CDF_BYTE"
	case Float:
		return "CDF_FLOAT"
	case Double:
		return "CDF_DOUBLE"
	case Char:
		return "CDF_CHAR"
	case UChar:
		return "CDF_UCHAR"
	}
	return fmt.Sprintf("CDF_TYPE(%d)", int32(d))
}

// Var is a CDF variable. Records are loaded by File.VarGet.
type Var struct {
	Name       string
	Num        int
	Z          bool
	DataType   DataType
	NumElems   int   // characters per string for CHAR types, otherwise 1
	Dims       []int // dimension sizes, excluding the record dimension
	DimVarys   []bool
	RecVary    bool
	MaxRec     int // last written record, -1 when empty
	Compressed bool

	// Records is the number of records loaded by VarGet.
	Records int

	file      *File
	next      int64
	vxrHead   int64
	cprOffset int64
	pad       []byte
	raw       []byte
	loaded    bool
}

// ValuesPerRecord returns the number of values (strings for CHAR types) stored
// per record. Dimensions that do not vary are stored once.
func (v *Var) ValuesPerRecord() int {
	n := 1
	for i, d := range v.Dims {
		if v.DimVarys[i] {
			n *= d
		}
	}
	return n
}

// Shape returns the logical dimensions of one record with non-varying
// dimensions collapsed to 1.
func (v *Var) Shape() []int {
	out := make([]int, len(v.Dims))
	for i, d := range v.Dims {
		out[i] = 1
		if v.DimVarys[i] {
			out[i] = d
		}
	}
	return out
}

func (v *Var) recordSize() int {
	return v.DataType.Size() * v.NumElems * v.ValuesPerRecord()
}

// Float64s returns every value of a numeric variable, record after record.
// Epoch values are returned raw: milliseconds for EPOCH and EPOCH16,
// nanoseconds for TT2000.
func (v *Var) Float64s() ([]float64, error) {
	if v.DataType.IsChar() {
		return nil, fmt.Errorf("%w: %q is %s", ErrWrongType, v.Name, v.DataType)
	}
	return decodeFloats(v.DataType, v.raw, v.file.order), nil
}

// Strings returns every string of a CHAR variable, record after record.
func (v *Var) Strings() ([]string, error) {
	if !v.DataType.IsChar() {
		return nil, fmt.Errorf("%w: %q is %s", ErrWrongType, v.Name, v.DataType)
	}
	n := v.NumElems
	if n <= 0 {
		return nil, nil
	}
	out := make([]string, 0, len(v.raw)/n)
	for i := 0; i+n <= len(v.raw); i += n {
		out = append(out, trimString(v.raw[i:i+n]))
	}
	return out, nil
}

// RecordStrings returns the strings of record r of a CHAR variable.
func (v *Var) RecordStrings(r int) ([]string, error) {
	all, err := v.Strings()
	if err != nil {
		return nil, err
	}
	per := v.ValuesPerRecord()
	if r < 0 || (r+1)*per > len(all) {
		return nil, fmt.Errorf("variable %q: record %d out of range (%d records)", v.Name, r, v.Records)
	}
	return all[r*per : (r+1)*per], nil
}

// Times converts an EPOCH, EPOCH16 or TT2000 variable to UTC times.
func (v *Var) Times() ([]time.Time, error) {
	order := v.file.order
	size := v.DataType.Size()
	n := len(v.raw) / size
	out := make([]time.Time, n)
	switch v.DataType {
	case Epoch:
		for i := range out {
			out[i] = EpochToTime(math.Float64frombits(order.Uint64(v.raw[i*8:])))
		}
	case Epoch16:
		for i := range out {
			sec := math.Float64frombits(order.Uint64(v.raw[i*16:]))
			ps := math.Float64frombits(order.Uint64(v.raw[i*16+8:]))
			out[i] = Epoch16ToTime(sec, ps)
		}
	case TT2000:
		for i := range out {
			out[i] = TT2000ToTime(int64(order.Uint64(v.raw[i*8:])))
		}
	default:
		return nil, fmt.Errorf("%w: %q is %s, not an epoch type", ErrWrongType, v.Name, v.DataType)
	}
	return out, nil
}

// =============================================================================
// Record Loading
// =============================================================================

func (f *File) load(v *Var) (err error) {
	if v.loaded {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			if ce, ok := r.(corruptError); ok {
				err = fmt.Errorf("%w: %s", ErrCorrupt, string(ce))
				return
			}
			panic(r)
		}
	}()

	rs := v.recordSize()
	nrec := v.MaxRec + 1
	if nrec < 0 {
		nrec = 0
	}
	if !v.RecVary && nrec > 1 {
		nrec = 1
	}
	raw := make([]byte, nrec*rs)
	if len(v.pad) > 0 {
		for i := 0; i < len(raw); i += len(v.pad) {
			copy(raw[i:], v.pad)
		}
	}

	ctype := CompressNone
	if v.Compressed && v.cprOffset != 0 {
		b := buf(f.data)
		if t := b.i32(v.cprOffset + 8); t != RecCPR {
			return fmt.Errorf("%w: expected CPR at offset %d", ErrCorrupt, v.cprOffset)
		}
		ctype = int(b.i32(v.cprOffset + 12))
	}

	if err := f.walkVXR(v.vxrHead, raw, rs, ctype); err != nil {
		return err
	}

	v.raw = raw
	v.Records = nrec
	v.loaded = true
	return nil
}

// walkVXR copies every VVR/CVVR reachable from the VXR chain at off into raw.
func (f *File) walkVXR(off int64, raw []byte, rs, ctype int) error {
	b := buf(f.data)
	for ; off != 0; off = b.i64(off + 12) {
		if t := b.i32(off + 8); t != RecVXR {
			return fmt.Errorf("%w: expected VXR at offset %d, found record type %d", ErrCorrupt, off, t)
		}
		nEntries := int64(b.i32(off + 20))
		nUsed := int(b.i32(off + 24))
		firstAt := off + 28
		lastAt := firstAt + 4*nEntries
		offAt := lastAt + 4*nEntries

		for i := 0; i < nUsed; i++ {
			first := int(b.i32(firstAt + int64(4*i)))
			last := int(b.i32(lastAt + int64(4*i)))
			child := b.i64(offAt + int64(8*i))

			switch t := b.i32(child + 8); t {
			case RecVXR:
				if err := f.walkVXR(child, raw, rs, ctype); err != nil {
					return err
				}
			case RecVVR:
				n := int64((last - first + 1) * rs)
				copyRecords(raw, b.bytes(child+recHeaderLen, n), first, rs)
			case RecCVVR:
				csize := b.i64(child + 16)
				data, err := decompress(ctype, b.bytes(child+24, csize))
				if err != nil {
					return err
				}
				if want := (last - first + 1) * rs; len(data) < want {
					return fmt.Errorf("%w: CVVR at %d expanded to %d bytes, want %d", ErrCorrupt, child, len(data), want)
				}
				copyRecords(raw, data[:(last-first+1)*rs], first, rs)
			default:
				return fmt.Errorf("%w: unexpected record type %d under VXR at %d", ErrCorrupt, t, off)
			}
		}
	}
	return nil
}

func copyRecords(raw, src []byte, first, rs int) {
	start := first * rs
	if start >= len(raw) {
		return
	}
	copy(raw[start:], src)
}

// =============================================================================
// Value Decoding
// =============================================================================

func decodeFloats(dt DataType, raw []byte, order binary.ByteOrder) []float64 {
	size := dt.Size()
	if dt == Epoch16 {
		out := make([]float64, len(raw)/16)
		for i := range out {
			sec := math.Float64frombits(order.Uint64(raw[i*16:]))
			ps := math.Float64frombits(order.Uint64(raw[i*16+8:]))
			out[i] = sec*1e3 + ps*1e-9
		}
		return out
	}

	out := make([]float64, len(raw)/size)
	for i := range out {
		p := raw[i*size:]
		switch dt {
		case Int1, Byte:
			out[i] = float64(int8(p[0]))
		case UInt1, Char, UChar:
			out[i] = float64(p[0])
		case Int2:
			out[i] = float64(int16(order.Uint16(p)))
		case UInt2:
			out[i] = float64(order.Uint16(p))
		case Int4:
			out[i] = float64(int32(order.Uint32(p)))
		case UInt4:
			out[i] = float64(order.Uint32(p))
		case Int8, TT2000:
			out[i] = float64(int64(order.Uint64(p)))
		case Real4, Float:
			out[i] = float64(math.Float32frombits(order.Uint32(p)))
		case Real8, Double, Epoch:
			out[i] = math.Float64frombits(order.Uint64(p))
		}
	}
	return out
}
