// Package matfile serializes the polymorphic matrix hierarchy of the
// original (a MatMatrix base class with dynamic_cast fanout over nine
// numeric element types plus cell/struct) as a MATLAB 5.0 level-5
// container, re-expressed per spec §9 Design Notes as a single tagged sum
// type, MatValue, dispatched by a Kind tag instead of RTTI. Layout follows
// the original's MatFile.h/MatFile.cpp byte-for-byte (header shape, array
// flags, dimensions, name and data subelements); the original's
// MatVector<T>::resize "ncols < cols -> nrows = cols" typo (see
// original_source/src/MatFile.h) is NOT reproduced here — resize has no
// analogue since MatValue is built immutably from Go slices.
//
// EncodeTo mirrors the teacher's cnl.Codec.EncodeTo(io.Writer, ...)
// scatter style; Writer additionally exposes a GetBytes pull reader so a
// caller (e.g. an FTP uploader) can stream a serialized container without
// holding the whole file in memory at once.
package matfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// MATLAB 5.0 element data types (miINT8 etc., MatFile.h).
const (
	miInt8    = 1
	miUint8   = 2
	miInt16   = 3
	miUint16  = 4
	miInt32   = 5
	miUint32  = 6
	miSingle  = 7
	miDouble  = 9
	miMatrix  = 14
)

// MATLAB array classes (mxCELL_CLASS etc., MatFile.h).
const (
	mxCellClass   = 1
	mxStructClass = 2
	mxCharClass   = 4
	mxDoubleClass = 6
	mxSingleClass = 7
	mxInt8Class   = 8
	mxUint8Class  = 9
	mxInt16Class  = 10
	mxUint16Class = 11
	mxInt32Class  = 12
	mxUint32Class = 13
)

// ScalarKind identifies the element type of a numeric MatValue.
type ScalarKind int

const (
	I8 ScalarKind = iota
	U8
	I16
	U16
	I32
	U32
	F32
	F64
)

func (k ScalarKind) miType() uint32 {
	switch k {
	case I8:
		return miInt8
	case U8:
		return miUint8
	case I16:
		return miInt16
	case U16:
		return miUint16
	case I32:
		return miInt32
	case U32:
		return miUint32
	case F32:
		return miSingle
	case F64:
		return miDouble
	default:
		return miDouble
	}
}

func (k ScalarKind) mxClass() uint8 {
	switch k {
	case I8:
		return mxInt8Class
	case U8:
		return mxUint8Class
	case I16:
		return mxInt16Class
	case U16:
		return mxUint16Class
	case I32:
		return mxInt32Class
	case U32:
		return mxUint32Class
	case F32:
		return mxSingleClass
	case F64:
		return mxDoubleClass
	default:
		return mxDoubleClass
	}
}

func (k ScalarKind) elemSize() int {
	switch k {
	case I8, U8:
		return 1
	case I16, U16:
		return 2
	case I32, U32, F32:
		return 4
	case F64:
		return 8
	default:
		return 8
	}
}

// valueKind distinguishes the three MatValue shapes (spec §9: "MatValue =
// Num(ScalarKind, Vec<u8>) | Cell(...) | Struct(...)").
type valueKind int

const (
	kindNum valueKind = iota
	kindCell
	kindStruct
)

// MatValue is the tagged sum type replacing the original's MatMatrix
// hierarchy. Construct one with NewNum/NewCell/NewStruct; do not set fields
// directly from outside the package.
type MatValue struct {
	kind valueKind
	name string

	// Num fields.
	num  ScalarKind
	rows uint32
	cols uint32
	data []byte // column-major, elemSize(num) bytes per element

	// Cell fields: column-major elements, nil entries allowed (spec §9:
	// "arena + Option<Box<T>>").
	cellRows uint32
	cellCols uint32
	cells    []*MatValue

	// Struct fields.
	fields       []string
	structValues []*MatValue // len == len(fields), column-major with 1 struct index
}

// NewNum builds a numeric 2D matrix value. data must hold rows*cols
// elements of kind's width, column-major.
func NewNum(name string, kind ScalarKind, rows, cols uint32, data []byte) (*MatValue, error) {
	want := int(rows) * int(cols) * kind.elemSize()
	if len(data) != want {
		return nil, fmt.Errorf("matfile: NewNum %q: data length %d, want %d", name, len(data), want)
	}
	return &MatValue{kind: kindNum, name: name, num: kind, rows: rows, cols: cols, data: data}, nil
}

// NewVectorF64 is a convenience constructor for the common case: a single
// row of float64 values (e.g. one stop-event channel's stoptimes).
func NewVectorF64(name string, values []float64) *MatValue {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], math.Float64bits(v))
	}
	return &MatValue{kind: kindNum, name: name, num: F64, rows: 1, cols: uint32(len(values)), data: buf}
}

// NewVectorI32 is a convenience constructor for a single row of int32 values.
func NewVectorI32(name string, values []int32) *MatValue {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], uint32(v))
	}
	return &MatValue{kind: kindNum, name: name, num: I32, rows: 1, cols: uint32(len(values)), data: buf}
}

// NewCell builds a cell array. Entries may be nil (an empty cell).
func NewCell(name string, rows, cols uint32, cells []*MatValue) (*MatValue, error) {
	if uint32(len(cells)) != rows*cols {
		return nil, fmt.Errorf("matfile: NewCell %q: %d cells, want %d", name, len(cells), rows*cols)
	}
	return &MatValue{kind: kindCell, name: name, cellRows: rows, cellCols: cols, cells: cells}, nil
}

// NewStruct builds a 1x1 struct array with the given field names and
// values (nil entries allowed for unset fields).
func NewStruct(name string, fields []string, values []*MatValue) (*MatValue, error) {
	if len(fields) != len(values) {
		return nil, fmt.Errorf("matfile: NewStruct %q: %d fields, %d values", name, len(fields), len(values))
	}
	return &MatValue{kind: kindStruct, name: name, fields: fields, structValues: values}, nil
}

func pad8(n int) int { return (8 - n%8) % 8 }

// writeTag writes one MAT data-element tag: [dataType uint32][byteLen uint32].
func writeTag(buf *bytes.Buffer, dataType uint32, byteLen uint32) {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], dataType)
	binary.LittleEndian.PutUint32(hdr[4:8], byteLen)
	buf.Write(hdr[:])
}

// writeSubelement writes one tagged, 8-byte-aligned data subelement.
func writeSubelement(buf *bytes.Buffer, dataType uint32, data []byte) {
	writeTag(buf, dataType, uint32(len(data)))
	buf.Write(data)
	buf.Write(make([]byte, pad8(len(data))))
}

// encodeMatrix serializes one MatValue as a miMATRIX element (tag + body),
// recursing into cell/struct children. This is the Go analogue of
// MatVector<T>::write / MatMatrix::make_baseheader.
func encodeMatrix(v *MatValue) []byte {
	var body bytes.Buffer

	switch v.kind {
	case kindNum:
		writeArrayFlags(&body, v.num.mxClass(), false)
		writeDims(&body, v.rows, v.cols)
		writeName(&body, v.name)
		writeSubelement(&body, v.num.miType(), v.data)

	case kindCell:
		writeArrayFlags(&body, mxCellClass, false)
		writeDims(&body, v.cellRows, v.cellCols)
		writeName(&body, v.name)
		for _, c := range v.cells {
			if c == nil {
				// An empty cell is an empty double matrix (MATLAB convention).
				empty, _ := NewNum("", F64, 0, 0, nil)
				body.Write(encodeMatrix(empty))
				continue
			}
			body.Write(encodeMatrix(c))
		}

	case kindStruct:
		writeArrayFlags(&body, mxStructClass, false)
		writeDims(&body, 1, 1)
		writeName(&body, v.name)
		writeFieldNames(&body, v.fields)
		for _, fv := range v.structValues {
			if fv == nil {
				empty, _ := NewNum("", F64, 0, 0, nil)
				body.Write(encodeMatrix(empty))
				continue
			}
			body.Write(encodeMatrix(fv))
		}
	}

	var out bytes.Buffer
	writeTag(&out, miMatrix, uint32(body.Len()))
	out.Write(body.Bytes())
	out.Write(make([]byte, pad8(body.Len())))
	return out.Bytes()
}

func writeArrayFlags(buf *bytes.Buffer, class uint8, complex bool) {
	var flags [8]byte
	flags[0] = class
	if complex {
		flags[1] |= 0x08
	}
	writeSubelement(buf, miUint32, flags[:])
}

func writeDims(buf *bytes.Buffer, rows, cols uint32) {
	var dims [8]byte
	binary.LittleEndian.PutUint32(dims[0:4], rows)
	binary.LittleEndian.PutUint32(dims[4:8], cols)
	writeSubelement(buf, miInt32, dims[:])
}

func writeName(buf *bytes.Buffer, name string) {
	writeSubelement(buf, miInt8, []byte(name))
}

// fieldNameLength is the fixed per-name width MATLAB expects in a struct's
// field-name subelement.
const fieldNameLength = 32

func writeFieldNames(buf *bytes.Buffer, fields []string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], fieldNameLength)
	writeSubelement(buf, miInt32, lenBuf[:])

	names := make([]byte, fieldNameLength*len(fields))
	for i, f := range fields {
		copy(names[i*fieldNameLength:(i+1)*fieldNameLength], f)
	}
	writeSubelement(buf, miInt8, names)
}

// Header builds the fixed 128-byte MAT v5.0 file header (MAT_HEADER text,
// version, endian indicator), stamped with the given creation time.
func Header(createdAt time.Time) [128]byte {
	var h [128]byte
	text := fmt.Sprintf("MATLAB 5.0 MAT-file, Platform: atmd-go, Created on: %s",
		createdAt.Format("Mon Jan  2 15:04:05 2006"))
	copy(h[:116], text)
	binary.LittleEndian.PutUint16(h[124:126], 0x0100)
	h[126] = 'I'
	h[127] = 'M'
	return h
}

// Writer serializes a sequence of top-level MatValues into a MAT v5.0
// container, lazily: each value's bytes are computed only when first
// requested by GetBytes, so a caller streaming the result (e.g. to a
// socket) never needs the whole file materialized at once beyond the
// element currently being copied out.
type Writer struct {
	values []*MatValue

	header    [128]byte
	headerPos int
	headerDone bool

	elemIdx int
	elem    []byte
	elemPos int
}

// NewWriter prepares a Writer for the given top-level values, each emitted
// as its own miMATRIX element after the shared header.
func NewWriter(createdAt time.Time, values []*MatValue) *Writer {
	return &Writer{values: values, header: Header(createdAt)}
}

// GetBytes pulls up to len(buf) bytes into buf, the Go analogue of the
// original's get_bytes(buf, n) scatter/gather reader. It returns (0, nil)
// once the container is exhausted without error — callers should treat n
// == 0 as end-of-stream.
func (w *Writer) GetBytes(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n := 0
	if !w.headerDone {
		c := copy(buf[n:], w.header[w.headerPos:])
		w.headerPos += c
		n += c
		if w.headerPos >= len(w.header) {
			w.headerDone = true
		}
		if n == len(buf) {
			return n, nil
		}
	}
	for n < len(buf) {
		if w.elemIdx >= len(w.values) {
			break
		}
		if w.elem == nil {
			w.elem = encodeMatrix(w.values[w.elemIdx])
			w.elemPos = 0
		}
		c := copy(buf[n:], w.elem[w.elemPos:])
		w.elemPos += c
		n += c
		if w.elemPos >= len(w.elem) {
			w.elem = nil
			w.elemIdx++
		}
	}
	return n, nil
}

// EncodeAll serializes the full container into one buffer. Prefer GetBytes
// for large containers; EncodeAll is for small files and tests.
func (w *Writer) EncodeAll() []byte {
	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, _ := w.GetBytes(buf)
		if n == 0 {
			break
		}
		out.Write(buf[:n])
	}
	return out.Bytes()
}
