package vm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Dataspace image format
// ---------------------------------------------------------------------------
//
// A saved dataspace is a fixed header followed by four CBOR sections:
//
//	strings    []sString   shared strings with their dataspace-local counts
//	arrays     []sArray    arrays and mappings with counts and elements
//	variables  []sValue    the variables, extra slot last
//	callouts   sCallouts   the callout table
//
// Values refer to strings and arrays by position in their section, so each
// section can be read on its own once the tables it refers to are in memory.

// swapMagic identifies a dataspace image.
var swapMagic = [4]byte{'D', 'S', 'P', 'C'}

const swapVersion uint16 = 1

// headerSize is magic(4) + version(2) + flags(2) + nvar(4) + 4 sections of
// offset(4) + length(4).
const headerSize = 44

const (
	secStrings = iota
	secArrays
	secVariables
	secCallouts
	numSections
)

var errBadImage = errors.New("bad dataspace image")

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

type span struct {
	Offset uint32
	Len    uint32
}

type header struct {
	Version  uint16
	Flags    uint16
	NVar     uint32
	Sections [numSections]span
}

func (h *header) encode() []byte {
	buf := make([]byte, headerSize)
	copy(buf, swapMagic[:])
	binary.LittleEndian.PutUint16(buf[4:], h.Version)
	binary.LittleEndian.PutUint16(buf[6:], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:], h.NVar)
	for i, s := range h.Sections {
		off := 12 + 8*i
		binary.LittleEndian.PutUint32(buf[off:], s.Offset)
		binary.LittleEndian.PutUint32(buf[off+4:], s.Len)
	}
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < headerSize {
		return h, fmt.Errorf("%w: header of %d bytes", errBadImage, len(buf))
	}
	if [4]byte(buf[:4]) != swapMagic {
		return h, fmt.Errorf("%w: magic %q", errBadImage, buf[:4])
	}
	h.Version = binary.LittleEndian.Uint16(buf[4:])
	if h.Version != swapVersion {
		return h, fmt.Errorf("%w: version %d", errBadImage, h.Version)
	}
	h.Flags = binary.LittleEndian.Uint16(buf[6:])
	h.NVar = binary.LittleEndian.Uint32(buf[8:])
	for i := range h.Sections {
		off := 12 + 8*i
		h.Sections[i] = span{
			Offset: binary.LittleEndian.Uint32(buf[off:]),
			Len:    binary.LittleEndian.Uint32(buf[off+4:]),
		}
	}
	return h, nil
}

type sValue struct {
	K Kind    `cbor:"1,keyasint"`
	I int64   `cbor:"2,keyasint,omitempty"`
	F float64 `cbor:"3,keyasint,omitempty"`
	O uint32  `cbor:"4,keyasint,omitempty"` // object index
	C uint32  `cbor:"5,keyasint,omitempty"` // object creation count
	X uint32  `cbor:"6,keyasint,omitempty"` // string or array position
}

type sString struct {
	Text string `cbor:"1,keyasint"`
	Ref  uint32 `cbor:"2,keyasint"`
}

type sArray struct {
	Mapping bool     `cbor:"1,keyasint,omitempty"`
	Ref     uint32   `cbor:"2,keyasint"`
	Elts    []sValue `cbor:"3,keyasint"`
}

type sCallOut struct {
	Handle uint32   `cbor:"1,keyasint"`
	Time   int64    `cbor:"2,keyasint"`
	MTime  uint16   `cbor:"3,keyasint"`
	NArgs  int      `cbor:"4,keyasint"`
	Serial uint32   `cbor:"5,keyasint"`
	Vals   []sValue `cbor:"6,keyasint"`
}

type sCallouts struct {
	Size   uint32     `cbor:"1,keyasint"`
	Serial uint32     `cbor:"2,keyasint"`
	Slots  []sCallOut `cbor:"3,keyasint"`
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// imageEncoder numbers the strings and arrays reachable from a dataspace and
// counts how often the dataspace holds each of them. Arrays owned by other
// dataspaces are written as local copies.
type imageEncoder struct {
	d *Dataspace

	strIdx map[*String]uint32
	strs   []sString

	arrIdx  map[*Array]uint32
	arrList []*Array
	arrs    []sArray
}

func (e *imageEncoder) value(v Value) sValue {
	switch v.Kind {
	case KindInt:
		return sValue{K: KindInt, I: v.num}
	case KindFloat:
		return sValue{K: KindFloat, F: v.flt}
	case KindObject:
		if !e.d.rt.Objects.Valid(v.obj) {
			return sValue{}
		}
		return sValue{K: KindObject, O: v.obj.Index, C: v.obj.Count}
	case KindString:
		idx, ok := e.strIdx[v.str]
		if !ok {
			idx = uint32(len(e.strs))
			e.strIdx[v.str] = idx
			e.strs = append(e.strs, sString{Text: v.str.text})
		}
		e.strs[idx].Ref++
		return sValue{K: KindString, X: idx}
	case KindArray, KindMapping:
		idx, ok := e.arrIdx[v.arr]
		if !ok {
			idx = uint32(len(e.arrList))
			e.arrIdx[v.arr] = idx
			e.arrList = append(e.arrList, v.arr)
			e.arrs = append(e.arrs, sArray{Mapping: v.arr.mapping})
		}
		e.arrs[idx].Ref++
		return sValue{K: v.Kind, X: idx}
	}
	return sValue{}
}

func (e *imageEncoder) values(vals []Value) []sValue {
	out := make([]sValue, len(vals))
	for i, v := range vals {
		out[i] = e.value(v)
	}
	return out
}

// encode renders the dataspace image. Everything must be in memory.
func (d *Dataspace) encode() ([]byte, error) {
	e := &imageEncoder{
		d:      d,
		strIdx: make(map[*String]uint32),
		arrIdx: make(map[*Array]uint32),
	}

	vars := e.values(d.variables)

	co := sCallouts{Size: uint32(len(d.callouts)), Serial: d.coSerial}
	for i := range d.callouts {
		c := &d.callouts[i]
		if !c.Live() {
			continue
		}
		co.Slots = append(co.Slots, sCallOut{
			Handle: uint32(i + 1),
			Time:   c.Time,
			MTime:  c.MTime,
			NArgs:  c.NArgs,
			Serial: c.serial,
			Vals:   e.values(c.Val[:]),
		})
	}

	for i := 0; i < len(e.arrList); i++ {
		e.arrs[i].Elts = e.values(e.arrList[i].elts)
	}

	var sections [numSections][]byte
	var err error
	if len(e.strs) > 0 {
		if sections[secStrings], err = encMode.Marshal(e.strs); err != nil {
			return nil, fmt.Errorf("encode strings: %w", err)
		}
	}
	if len(e.arrs) > 0 {
		if sections[secArrays], err = encMode.Marshal(e.arrs); err != nil {
			return nil, fmt.Errorf("encode arrays: %w", err)
		}
	}
	if sections[secVariables], err = encMode.Marshal(vars); err != nil {
		return nil, fmt.Errorf("encode variables: %w", err)
	}
	if co.Size > 0 {
		if sections[secCallouts], err = encMode.Marshal(&co); err != nil {
			return nil, fmt.Errorf("encode callouts: %w", err)
		}
	}

	h := header{Version: swapVersion, NVar: uint32(d.nvar)}
	off := uint32(headerSize)
	for i, sec := range sections {
		h.Sections[i] = span{Offset: off, Len: uint32(len(sec))}
		off += uint32(len(sec))
	}
	out := make([]byte, 0, off)
	out = append(out, h.encode()...)
	for _, sec := range sections {
		out = append(out, sec...)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// decodeValue turns a saved value into a live one without taking a
// reference: storage paged in starts with the counts it was saved with.
func (d *Dataspace) decodeValue(sv sValue) (Value, error) {
	img := d.img
	switch sv.K {
	case KindNil:
		return Nil, nil
	case KindInt:
		return Int(sv.I), nil
	case KindFloat:
		return Float(sv.F), nil
	case KindObject:
		return d.fixObj(ObjectValue(ObjRef{Index: sv.O, Count: sv.C}), img.counttab), nil
	case KindString:
		if sv.X >= uint32(len(img.strtab)) {
			return Nil, fmt.Errorf("%w: string %d of %d", errBadImage, sv.X, len(img.strtab))
		}
		return Value{Kind: KindString, str: img.strtab[sv.X]}, nil
	case KindArray, KindMapping:
		if sv.X >= uint32(len(img.arrtab)) {
			return Nil, fmt.Errorf("%w: array %d of %d", errBadImage, sv.X, len(img.arrtab))
		}
		return Value{Kind: sv.K, arr: img.arrtab[sv.X]}, nil
	}
	return Nil, fmt.Errorf("%w: value kind %d", errBadImage, sv.K)
}

func (d *Dataspace) decodeValues(svs []sValue) ([]Value, error) {
	out := make([]Value, len(svs))
	for i, sv := range svs {
		v, err := d.decodeValue(sv)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// fixObj remaps an object reference through counttab, which holds the
// creation counts objects had when the reference was stored. A matching
// reference is brought up to the object's current count; any other reads as
// nil. Without a table v is returned unchanged.
func (d *Dataspace) fixObj(v Value, counttab []uint32) Value {
	if v.Kind != KindObject || counttab == nil {
		return v
	}
	idx := v.obj.Index
	if idx >= uint32(len(counttab)) || counttab[idx] == 0 || counttab[idx] != v.obj.Count {
		return Nil
	}
	count := d.rt.Objects.Count(idx)
	if count == 0 {
		return Nil
	}
	return ObjectValue(ObjRef{Index: idx, Count: count})
}
