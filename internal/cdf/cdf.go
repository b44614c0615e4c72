// Package cdf reads NASA Common Data Format (CDF) version 3 files, the binary
// format used by CDAWeb for SOHO instrument data.
//
// Supported:
//   - rVariables and zVariables, record variance, dimension variance
//   - sparse record gaps (filled with the pad value)
//   - RLE and GZIP compressed variables, GZIP compressed files
//   - big and little endian data encodings
//   - global and variable attributes
//   - EPOCH, EPOCH16 and TIME_TT2000 timestamps
//
// Not supported: CDF 2.x files, VAX encodings, Huffman compression. Files are
// read fully into memory; SOHO daily files are a few megabytes.
package cdf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

var (
	ErrNotCDF                 = errors.New("not a CDF file")
	ErrUnsupportedVersion     = errors.New("unsupported CDF version")
	ErrUnsupportedEncoding    = errors.New("unsupported CDF encoding")
	ErrUnsupportedCompression = errors.New("unsupported CDF compression")
	ErrCorrupt                = errors.New("corrupt CDF file")
	ErrVariableNotFound       = errors.New("variable not found")
	ErrAttributeNotFound      = errors.New("attribute not found")
	ErrWrongType              = errors.New("variable has wrong data type")
)

// =============================================================================
// Format Constants
// =============================================================================

const (
	Magic3      uint32 = 0xCDF30001
	MagicPlain  uint32 = 0x0000FFFF
	MagicPacked uint32 = 0xCCCC0001
	magicV26    uint32 = 0xCDF26002
)

const (
	nameLen      = 256
	recHeaderLen = 12 // RecordSize (8) + RecordType (4)
)

// Internal record types.
const (
	RecCDR   = 1
	RecGDR   = 2
	RecRVDR  = 3
	RecADR   = 4
	RecAgrED = 5
	RecVXR   = 6
	RecVVR   = 7
	RecZVDR  = 8
	RecAzED  = 9
	RecCCR   = 10
	RecCPR   = 11
	RecSPR   = 12
	RecCVVR  = 13
)

// Compression types stored in a CPR.
const (
	CompressNone  = 0
	CompressRLE   = 1
	CompressHuff  = 2
	CompressAHuff = 3
	CompressGZIP  = 5
)

// Encoding identifiers from the CDR.
const (
	EncNetwork   = 1
	EncSun       = 2
	EncVAX       = 3
	EncDECStn    = 4
	EncSGi       = 5
	EncIBMPC     = 6
	EncIBMRS     = 7
	EncPPC       = 9
	EncHP        = 11
	EncNeXT      = 12
	EncAlphaOSF1 = 13
	EncAlphaVMSd = 14
	EncAlphaVMSg = 15
	EncAlphaVMSi = 16
	EncARMLittle = 17
	EncARMBig    = 18
)

// Attribute scopes.
const (
	ScopeGlobal          = 1
	ScopeVariable        = 2
	ScopeGlobalAssumed   = 3
	ScopeVariableAssumed = 4
)

// =============================================================================
// File
// =============================================================================

// File is an opened CDF file.
type File struct {
	Path     string
	Version  int
	Release  int
	Encoding int
	RowMajor bool

	data  []byte
	order binary.ByteOrder

	vars     []*Var
	varIndex map[string]*Var
	attrs    []*attribute
}

// attribute holds one ADR with its entries.
type attribute struct {
	name   string
	scope  int
	global []any       // gEntries by entry number
	rEntry map[int]any // rVariable number -> value
	zEntry map[int]any // zVariable number -> value
}

// Open reads and indexes the CDF file at path.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// Parse indexes a CDF file held in memory.
func Parse(data []byte) (f *File, err error) {
	defer func() {
		if r := recover(); r != nil {
			if ce, ok := r.(corruptError); ok {
				f, err = nil, fmt.Errorf("%w: %s", ErrCorrupt, string(ce))
				return
			}
			panic(r)
		}
	}()

	if len(data) < 8 {
		return nil, ErrNotCDF
	}
	m1 := binary.BigEndian.Uint32(data[0:4])
	m2 := binary.BigEndian.Uint32(data[4:8])
	switch m1 {
	case Magic3:
	case magicV26, MagicPlain:
		return nil, fmt.Errorf("%w: magic %#08x (CDF 2.x)", ErrUnsupportedVersion, m1)
	default:
		return nil, fmt.Errorf("%w: magic %#08x", ErrNotCDF, m1)
	}
	if m2 == MagicPacked {
		if data, err = inflateFile(data); err != nil {
			return nil, err
		}
	} else if m2 != MagicPlain {
		return nil, fmt.Errorf("%w: second magic %#08x", ErrNotCDF, m2)
	}

	f = &File{data: data, varIndex: make(map[string]*Var)}
	if err := f.readCDR(); err != nil {
		return nil, err
	}
	return f, nil
}

// inflateFile expands a whole-file compressed CDF (magic CCCC0001) into the
// equivalent uncompressed file image.
func inflateFile(data []byte) ([]byte, error) {
	b := buf(data)
	ccr := int64(8)
	if b.i32(ccr+8) != RecCCR {
		return nil, fmt.Errorf("%w: expected CCR at offset 8", ErrCorrupt)
	}
	size := b.i64(ccr)
	cpr := b.i64(ccr + 12)
	usize := b.i64(ccr + 20)
	ctype := b.i32(cpr + 12)
	packed := b.bytes(ccr+32, size-32)

	body, err := decompress(int(ctype), packed)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) != usize {
		return nil, fmt.Errorf("%w: CCR expanded to %d bytes, want %d", ErrCorrupt, len(body), usize)
	}

	out := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint32(out[0:4], Magic3)
	binary.BigEndian.PutUint32(out[4:8], MagicPlain)
	return append(out, body...), nil
}

func decompress(ctype int, packed []byte) ([]byte, error) {
	switch ctype {
	case CompressNone:
		return packed, nil
	case CompressGZIP:
		zr, err := gzip.NewReader(bytes.NewReader(packed))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrCorrupt, err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrCorrupt, err)
		}
		return out, nil
	case CompressRLE:
		return unRLE(packed), nil
	default:
		return nil, fmt.Errorf("%w: type %d", ErrUnsupportedCompression, ctype)
	}
}

// unRLE expands CDF run-length encoding: a zero byte followed by n stands for
// n+1 zero bytes.
func unRLE(in []byte) []byte {
	out := make([]byte, 0, len(in)*2)
	for i := 0; i < len(in); i++ {
		if in[i] != 0 {
			out = append(out, in[i])
			continue
		}
		if i+1 >= len(in) {
			out = append(out, 0)
			break
		}
		n := int(in[i+1]) + 1
		out = append(out, make([]byte, n)...)
		i++
	}
	return out
}

// Variables returns the names of all rVariables followed by all zVariables.
func (f *File) Variables() []string {
	names := make([]string, len(f.vars))
	for i, v := range f.vars {
		names[i] = v.Name
	}
	return names
}

// VarInq returns the description of a variable without reading its records.
func (f *File) VarInq(name string) (*Var, error) {
	v, ok := f.varIndex[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrVariableNotFound, name)
	}
	return v, nil
}

// VarGet returns a variable with its records loaded.
func (f *File) VarGet(name string) (*Var, error) {
	v, err := f.VarInq(name)
	if err != nil {
		return nil, err
	}
	if err := f.load(v); err != nil {
		return nil, fmt.Errorf("variable %q: %w", name, err)
	}
	return v, nil
}

// GlobalAttrs returns every global attribute. Single entries are unwrapped;
// attributes with several entries map to []any.
func (f *File) GlobalAttrs() map[string]any {
	out := make(map[string]any)
	for _, a := range f.attrs {
		if a.scope != ScopeGlobal && a.scope != ScopeGlobalAssumed {
			continue
		}
		var vals []any
		for _, e := range a.global {
			if e != nil {
				vals = append(vals, e)
			}
		}
		switch len(vals) {
		case 0:
		case 1:
			out[a.name] = vals[0]
		default:
			out[a.name] = vals
		}
	}
	return out
}

// VarAttrs returns the variable attributes that have an entry for name.
func (f *File) VarAttrs(name string) (map[string]any, error) {
	v, err := f.VarInq(name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for _, a := range f.attrs {
		if a.scope != ScopeVariable && a.scope != ScopeVariableAssumed {
			continue
		}
		entries := a.rEntry
		if v.Z {
			entries = a.zEntry
		}
		if val, ok := entries[v.Num]; ok {
			out[a.name] = val
		}
	}
	return out, nil
}

// VarAttr returns one attribute of a variable.
func (f *File) VarAttr(name, attr string) (any, error) {
	attrs, err := f.VarAttrs(name)
	if err != nil {
		return nil, err
	}
	val, ok := attrs[attr]
	if !ok {
		return nil, fmt.Errorf("%w: %q of variable %q", ErrAttributeNotFound, attr, name)
	}
	return val, nil
}

// =============================================================================
// Internal Records
// =============================================================================

func (f *File) readCDR() error {
	b := buf(f.data)
	cdr := int64(8)
	if b.i32(cdr+8) != RecCDR {
		return fmt.Errorf("%w: expected CDR at offset 8", ErrCorrupt)
	}
	gdr := b.i64(cdr + 12)
	f.Version = int(b.i32(cdr + 20))
	f.Release = int(b.i32(cdr + 24))
	f.Encoding = int(b.i32(cdr + 28))
	f.RowMajor = b.i32(cdr+32)&1 != 0

	switch f.Encoding {
	case EncNetwork, EncSun, EncSGi, EncIBMRS, EncPPC, EncHP, EncNeXT, EncARMBig:
		f.order = binary.BigEndian
	case EncDECStn, EncIBMPC, EncAlphaOSF1, EncAlphaVMSi, EncARMLittle:
		f.order = binary.LittleEndian
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedEncoding, f.Encoding)
	}

	return f.readGDR(gdr)
}

func (f *File) readGDR(gdr int64) error {
	b := buf(f.data)
	if b.i32(gdr+8) != RecGDR {
		return fmt.Errorf("%w: expected GDR at offset %d", ErrCorrupt, gdr)
	}
	rVDRHead := b.i64(gdr + 12)
	zVDRHead := b.i64(gdr + 20)
	adrHead := b.i64(gdr + 28)
	nrVars := int(b.i32(gdr + 44))
	numAttr := int(b.i32(gdr + 48))
	rNumDims := int(b.i32(gdr + 56))
	nzVars := int(b.i32(gdr + 60))
	rDims := make([]int, rNumDims)
	for i := range rDims {
		rDims[i] = int(b.i32(gdr + 84 + int64(4*i)))
	}

	var rvars, zvars []*Var
	for off, n := rVDRHead, 0; off != 0 && n < nrVars; n++ {
		v := f.readVDR(off, false, rDims)
		rvars = append(rvars, v)
		off = v.next
	}
	for off, n := zVDRHead, 0; off != 0 && n < nzVars; n++ {
		v := f.readVDR(off, true, nil)
		zvars = append(zvars, v)
		off = v.next
	}
	sort.Slice(rvars, func(i, j int) bool { return rvars[i].Num < rvars[j].Num })
	sort.Slice(zvars, func(i, j int) bool { return zvars[i].Num < zvars[j].Num })
	f.vars = append(rvars, zvars...)
	for _, v := range f.vars {
		f.varIndex[v.Name] = v
	}

	for off, n := adrHead, 0; off != 0 && n < numAttr; n++ {
		a, next := f.readADR(off)
		f.attrs = append(f.attrs, a)
		off = next
	}
	return nil
}

func (f *File) readVDR(off int64, z bool, rDims []int) *Var {
	b := buf(f.data)
	typ := b.i32(off + 8)
	if (z && typ != RecZVDR) || (!z && typ != RecRVDR) {
		panic(corruptError(fmt.Sprintf("expected VDR at offset %d, found record type %d", off, typ)))
	}
	flags := b.i32(off + 44)
	v := &Var{
		Name:       b.str(off+84, nameLen),
		Num:        int(b.i32(off + 68)),
		Z:          z,
		DataType:   DataType(b.i32(off + 20)),
		NumElems:   int(b.i32(off + 64)),
		MaxRec:     int(b.i32(off + 24)),
		RecVary:    flags&1 != 0,
		Compressed: flags&4 != 0,
		next:       b.i64(off + 12),
		vxrHead:    b.i64(off + 28),
		cprOffset:  b.i64(off + 72),
	}
	if v.DataType.Size() == 0 {
		panic(corruptError(fmt.Sprintf("variable %q has unknown data type %d", v.Name, v.DataType)))
	}

	pos := off + 84 + nameLen
	if z {
		n := int(b.i32(pos))
		pos += 4
		v.Dims = make([]int, n)
		for i := range v.Dims {
			v.Dims[i] = int(b.i32(pos))
			pos += 4
		}
	} else {
		v.Dims = append([]int(nil), rDims...)
	}
	v.DimVarys = make([]bool, len(v.Dims))
	for i := range v.DimVarys {
		v.DimVarys[i] = b.i32(pos) != 0
		pos += 4
	}
	if flags&2 != 0 {
		v.pad = b.bytes(pos, int64(v.DataType.Size()*v.NumElems))
	}
	v.file = f
	return v
}

func (f *File) readADR(off int64) (*attribute, int64) {
	b := buf(f.data)
	if t := b.i32(off + 8); t != RecADR {
		panic(corruptError(fmt.Sprintf("expected ADR at offset %d, found record type %d", off, t)))
	}
	a := &attribute{
		name:   b.str(off+68, nameLen),
		scope:  int(b.i32(off + 28)),
		rEntry: make(map[int]any),
		zEntry: make(map[int]any),
	}
	ngr := int(b.i32(off + 36))
	nz := int(b.i32(off + 56))

	for e, n := b.i64(off+20), 0; e != 0 && n < ngr; n++ {
		num, val, next := f.readAEDR(e)
		if a.scope == ScopeGlobal || a.scope == ScopeGlobalAssumed {
			for len(a.global) <= num {
				a.global = append(a.global, nil)
			}
			a.global[num] = val
		} else {
			a.rEntry[num] = val
		}
		e = next
	}
	for e, n := b.i64(off+48), 0; e != 0 && n < nz; n++ {
		num, val, next := f.readAEDR(e)
		a.zEntry[num] = val
		e = next
	}
	return a, b.i64(off + 12)
}

func (f *File) readAEDR(off int64) (int, any, int64) {
	b := buf(f.data)
	if t := b.i32(off + 8); t != RecAgrED && t != RecAzED {
		panic(corruptError(fmt.Sprintf("expected AEDR at offset %d, found record type %d", off, t)))
	}
	next := b.i64(off + 12)
	dt := DataType(b.i32(off + 24))
	num := int(b.i32(off + 28))
	nelems := int(b.i32(off + 32))
	if dt.Size() == 0 {
		panic(corruptError(fmt.Sprintf("attribute entry at %d has unknown data type %d", off, dt)))
	}
	raw := b.bytes(off+56, int64(dt.Size()*nelems))

	if dt.IsChar() {
		return num, trimString(raw), next
	}
	vals := decodeFloats(dt, raw, f.order)
	if len(vals) == 1 {
		return num, vals[0], next
	}
	return num, vals, next
}

// =============================================================================
// Bounds-checked big-endian access to internal records
// =============================================================================

type corruptError string

type buf []byte

func (b buf) bytes(off, n int64) []byte {
	if off < 0 || n < 0 || off+n > int64(len(b)) {
		panic(corruptError(fmt.Sprintf("read of %d bytes at offset %d beyond file size %d", n, off, len(b))))
	}
	return b[off : off+n]
}

func (b buf) i32(off int64) int32 {
	return int32(binary.BigEndian.Uint32(b.bytes(off, 4)))
}

func (b buf) i64(off int64) int64 {
	return int64(binary.BigEndian.Uint64(b.bytes(off, 8)))
}

func (b buf) str(off, n int64) string {
	return trimString(b.bytes(off, n))
}

func trimString(raw []byte) string {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimRight(string(raw), " ")
}
