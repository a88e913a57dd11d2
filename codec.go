// Copyright 2026 The msgbus Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package msgbus

import (
	"encoding/binary"
	"math"
	"os"
	"unsafe"
)

// Tag is the single-byte on-wire discriminator for one encoded argument.
type Tag byte

const (
	TagI8  Tag = 1
	TagU8  Tag = 2
	TagI16 Tag = 3
	TagU16 Tag = 4
	TagI32 Tag = 5
	TagU32 Tag = 6
	TagI64 Tag = 7
	TagU64 Tag = 8
	TagSTR Tag = 9
	TagBUF Tag = 10
	TagF32 Tag = 11
	TagF64 Tag = 12
	TagFD  Tag = 13
)

// maxStringLen is the largest string the encoder accepts.
const maxStringLen = 65535

func tagFor(k Kind) Tag {
	switch k {
	case KindI8:
		return TagI8
	case KindU8:
		return TagU8
	case KindI16:
		return TagI16
	case KindU16:
		return TagU16
	case KindI32:
		return TagI32
	case KindU32:
		return TagU32
	case KindI64:
		return TagI64
	case KindU64:
		return TagU64
	case KindF32:
		return TagF32
	case KindF64:
		return TagF64
	case KindStr, KindStrNew:
		return TagSTR
	case KindBuf, KindBufNew:
		return TagBUF
	case KindFD:
		return TagFD
	default:
		return 0
	}
}

// Encoder writes a typed argument list into a Buffer, driven by a format
// string. Each directive in the format writes its tag byte then a
// type-dependent body.
type Encoder struct {
	buf *Buffer
}

// NewEncoder returns an Encoder that appends to buf.
func NewEncoder(buf *Buffer) *Encoder { return &Encoder{buf: buf} }

// Encode scans format and writes one argument per directive from argv, in
// order. argv element types must match the directive kind exactly (int8 for
// %hhi, string for %s/%ms, []byte for %p%u, *OwnedFD/*os.File for a bare
// %x, and so on: one Go type per Kind, as listed in encodeOne).
func (e *Encoder) Encode(format string, argv ...any) error {
	directives, err := Scan(format)
	if err != nil {
		return err
	}
	if len(directives) != len(argv) {
		return wireErr("encode", ErrInvalidArgument, nil)
	}
	for i, d := range directives {
		if err := e.encodeOne(d, argv[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeOne(d Directive, arg any) error {
	buf := e.buf
	writeHeader := func(t Tag) { _ = buf.WriteByte(byte(t)) }

	switch d.Kind {
	case KindI8:
		v, ok := arg.(int8)
		if !ok {
			return wireErr("encode", ErrInvalidArgument, nil)
		}
		writeHeader(TagI8)
		_, _ = buf.Write([]byte{byte(v)})
	case KindU8:
		v, ok := arg.(uint8)
		if !ok {
			return wireErr("encode", ErrInvalidArgument, nil)
		}
		writeHeader(TagU8)
		_, _ = buf.Write([]byte{v})
	case KindI16:
		v, ok := arg.(int16)
		if !ok {
			return wireErr("encode", ErrInvalidArgument, nil)
		}
		writeHeader(TagI16)
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], uint16(v))
		_, _ = buf.Write(tmp[:])
	case KindU16:
		v, ok := arg.(uint16)
		if !ok {
			return wireErr("encode", ErrInvalidArgument, nil)
		}
		writeHeader(TagU16)
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], v)
		_, _ = buf.Write(tmp[:])
	case KindI32:
		v, ok := arg.(int32)
		if !ok {
			return wireErr("encode", ErrInvalidArgument, nil)
		}
		writeHeader(TagI32)
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(v))
		_, _ = buf.Write(tmp[:])
	case KindU32:
		v, ok := arg.(uint32)
		if !ok {
			return wireErr("encode", ErrInvalidArgument, nil)
		}
		writeHeader(TagU32)
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], v)
		_, _ = buf.Write(tmp[:])
	case KindI64:
		v, ok := arg.(int64)
		if !ok {
			return wireErr("encode", ErrInvalidArgument, nil)
		}
		writeHeader(TagI64)
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(v))
		_, _ = buf.Write(tmp[:])
	case KindU64:
		v, ok := arg.(uint64)
		if !ok {
			return wireErr("encode", ErrInvalidArgument, nil)
		}
		writeHeader(TagU64)
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], v)
		_, _ = buf.Write(tmp[:])
	case KindF32:
		v, ok := arg.(float32)
		if !ok {
			return wireErr("encode", ErrInvalidArgument, nil)
		}
		writeHeader(TagF32)
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
		_, _ = buf.Write(tmp[:])
	case KindF64:
		v, ok := arg.(float64)
		if !ok {
			return wireErr("encode", ErrInvalidArgument, nil)
		}
		writeHeader(TagF64)
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
		_, _ = buf.Write(tmp[:])
	case KindStr, KindStrNew:
		v, ok := arg.(string)
		if !ok {
			return wireErr("encode", ErrInvalidArgument, nil)
		}
		if len(v) > maxStringLen {
			return wireErr("encode", ErrTooLarge, nil)
		}
		writeHeader(TagSTR)
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(v)+1))
		_, _ = buf.Write(tmp[:])
		_, _ = buf.Write([]byte(v))
		_ = buf.WriteByte(0)
	case KindBuf, KindBufNew:
		v, ok := arg.([]byte)
		if !ok {
			return wireErr("encode", ErrInvalidArgument, nil)
		}
		writeHeader(TagBUF)
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(v)))
		_, _ = buf.Write(tmp[:])
		_, _ = buf.Write(v)
	case KindFD:
		fd, err := asOwnedFD(arg)
		if err != nil {
			return err
		}
		// The buffer takes ownership of a duplicate, never of the caller's
		// original descriptor.
		dup, err := fd.TryClone()
		if err != nil {
			return err
		}
		writeHeader(TagFD)
		var tmp [4]byte // placeholder; the real descriptor travels as ancillary data
		_, _ = buf.Write(tmp[:])
		buf.attachFD(dup)
	default:
		return wireErr("encode", ErrInvalidArgument, nil)
	}
	return nil
}

func asOwnedFD(arg any) (*OwnedFD, error) {
	switch v := arg.(type) {
	case *OwnedFD:
		return v, nil
	case *os.File:
		return newOwnedFD(v), nil
	default:
		return nil, wireErr("encode", ErrInvalidArgument, nil)
	}
}

// Decoder reads a typed argument list back out of a Message's payload,
// verifying each wire tag against the format's directive before consuming
// it. A mismatch fails fast: no partially decoded argument list is
// returned, and any fds already popped in this call are closed first.
type Decoder struct {
	buf *Buffer
	off int
}

// NewDecoder returns a Decoder positioned at the start of buf.
func NewDecoder(buf *Buffer) *Decoder { return &Decoder{buf: buf} }

// Decode scans format and reads one value per directive, returning them in
// order as the same Go types Encoder.Encode accepts for each Kind (a bare
// %x decodes to *OwnedFD).
func (d *Decoder) Decode(format string) (argv []any, err error) {
	directives, err := Scan(format)
	if err != nil {
		return nil, err
	}
	var poppedFDs []*OwnedFD
	defer func() {
		if err != nil {
			for _, fd := range poppedFDs {
				fd.close()
			}
		}
	}()

	out := make([]any, 0, len(directives))
	for _, dir := range directives {
		v, fd, derr := d.decodeOne(dir)
		if derr != nil {
			return nil, derr
		}
		if fd != nil {
			poppedFDs = append(poppedFDs, fd)
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *Decoder) readTag() (Tag, error) {
	if d.off >= d.buf.Len() {
		return 0, wireErr("decode", ErrInvalidData, nil)
	}
	t := Tag(d.buf.Bytes()[d.off])
	d.off++
	return t, nil
}

func (d *Decoder) readBytes(n int) ([]byte, error) {
	b := d.buf.Bytes()
	if d.off+n > len(b) {
		return nil, wireErr("decode", ErrInvalidData, nil)
	}
	out := b[d.off : d.off+n]
	d.off += n
	return out, nil
}

// decodeOne returns the decoded value and, for KindFD, the popped OwnedFD
// (so Decode can roll it back on a later directive's failure).
func (d *Decoder) decodeOne(dir Directive) (any, *OwnedFD, error) {
	want := tagFor(dir.Kind)
	got, err := d.readTag()
	if err != nil {
		return nil, nil, err
	}
	if got != want {
		return nil, nil, wireErr("decode", ErrTypeMismatch, nil)
	}

	switch dir.Kind {
	case KindI8:
		b, err := d.readBytes(1)
		if err != nil {
			return nil, nil, err
		}
		return int8(b[0]), nil, nil
	case KindU8:
		b, err := d.readBytes(1)
		if err != nil {
			return nil, nil, err
		}
		return b[0], nil, nil
	case KindI16:
		b, err := d.readBytes(2)
		if err != nil {
			return nil, nil, err
		}
		return int16(binary.LittleEndian.Uint16(b)), nil, nil
	case KindU16:
		b, err := d.readBytes(2)
		if err != nil {
			return nil, nil, err
		}
		return binary.LittleEndian.Uint16(b), nil, nil
	case KindI32:
		b, err := d.readBytes(4)
		if err != nil {
			return nil, nil, err
		}
		return int32(binary.LittleEndian.Uint32(b)), nil, nil
	case KindU32:
		b, err := d.readBytes(4)
		if err != nil {
			return nil, nil, err
		}
		return binary.LittleEndian.Uint32(b), nil, nil
	case KindI64:
		b, err := d.readBytes(8)
		if err != nil {
			return nil, nil, err
		}
		return int64(binary.LittleEndian.Uint64(b)), nil, nil
	case KindU64:
		b, err := d.readBytes(8)
		if err != nil {
			return nil, nil, err
		}
		return binary.LittleEndian.Uint64(b), nil, nil
	case KindF32:
		b, err := d.readBytes(4)
		if err != nil {
			return nil, nil, err
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil, nil
	case KindF64:
		b, err := d.readBytes(8)
		if err != nil {
			return nil, nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil, nil
	case KindStr:
		s, err := d.decodeStringView()
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case KindStrNew:
		s, err := d.decodeStringView()
		if err != nil {
			return nil, nil, err
		}
		return string([]byte(s)), nil, nil // force an allocated copy
	case KindBuf:
		b, err := d.decodeBufView()
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	case KindBufNew:
		b, err := d.decodeBufView()
		if err != nil {
			return nil, nil, err
		}
		return append([]byte(nil), b...), nil, nil
	case KindFD:
		// Skip the u32 placeholder body; the real descriptor traveled as
		// ancillary data and sits in the Buffer's fd list.
		if _, err := d.readBytes(4); err != nil {
			return nil, nil, err
		}
		fd, ok := d.buf.popFD()
		if !ok {
			return nil, nil, wireErr("decode", ErrInvalidData, nil)
		}
		return fd, fd, nil
	default:
		return nil, nil, wireErr("decode", ErrInvalidArgument, nil)
	}
}

// decodeStringView reads a STR body and returns a string backed directly by
// the Buffer's bytes (zero-copy "cstr" semantics). The string is valid only
// as long as the owning Message/Buffer is not released or reused.
func (d *Decoder) decodeStringView() (string, error) {
	lb, err := d.readBytes(4)
	if err != nil {
		return "", err
	}
	l := binary.LittleEndian.Uint32(lb)
	if l == 0 {
		return "", wireErr("decode", ErrInvalidData, nil)
	}
	body, err := d.readBytes(int(l))
	if err != nil {
		return "", err
	}
	if body[l-1] != 0 {
		return "", wireErr("decode", ErrInvalidData, nil)
	}
	data := body[:l-1]
	for _, c := range data {
		if c == 0 {
			return "", wireErr("decode", ErrInvalidData, nil)
		}
	}
	if len(data) == 0 {
		return "", nil
	}
	return unsafe.String(&data[0], len(data)), nil
}

func (d *Decoder) decodeBufView() ([]byte, error) {
	lb, err := d.readBytes(4)
	if err != nil {
		return nil, err
	}
	l := binary.LittleEndian.Uint32(lb)
	return d.readBytes(int(l))
}
