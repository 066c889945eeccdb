package kproto

import (
	"encoding/binary"
	"errors"
)

// ErrNotEnoughData is returned by Reader methods when the underlying
// slice is exhausted before a value can be fully decoded.
var ErrNotEnoughData = errors.New("kproto: not enough data to decode response")

// AppendInt16 appends a big-endian int16 to dst.
func AppendInt16(dst []byte, v int16) []byte {
	return append(dst, byte(v>>8), byte(v))
}

// AppendInt32 appends a big-endian int32 to dst.
func AppendInt32(dst []byte, v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return append(dst, b[:]...)
}

// AppendInt64 appends a big-endian int64 to dst.
func AppendInt64(dst []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(dst, b[:]...)
}

// AppendString appends an int16-length-prefixed string to dst.
func AppendString(dst []byte, s string) []byte {
	dst = AppendInt16(dst, int16(len(s)))
	return append(dst, s...)
}

// AppendNullableString appends an int16-length-prefixed string, using
// length -1 to represent a nil string.
func AppendNullableString(dst []byte, s *string) []byte {
	if s == nil {
		return AppendInt16(dst, -1)
	}
	return AppendString(dst, *s)
}

// AppendBytes appends an int32-length-prefixed byte slice to dst, using
// length -1 to represent a nil slice.
func AppendBytes(dst []byte, b []byte) []byte {
	if b == nil {
		return AppendInt32(dst, -1)
	}
	dst = AppendInt32(dst, int32(len(b)))
	return append(dst, b...)
}

// Reader decodes values sequentially from a byte slice, tracking an
// error once one occurs so callers can chain calls and check Err once at
// the end.
type Reader struct {
	Src []byte
	err error
}

func (r *Reader) Err() error { return r.err }

func (r *Reader) fail() {
	if r.err == nil {
		r.err = ErrNotEnoughData
	}
}

func (r *Reader) Int16() int16 {
	if len(r.Src) < 2 {
		r.fail()
		return 0
	}
	v := int16(binary.BigEndian.Uint16(r.Src))
	r.Src = r.Src[2:]
	return v
}

func (r *Reader) Int32() int32 {
	if len(r.Src) < 4 {
		r.fail()
		return 0
	}
	v := int32(binary.BigEndian.Uint32(r.Src))
	r.Src = r.Src[4:]
	return v
}

func (r *Reader) Int64() int64 {
	if len(r.Src) < 8 {
		r.fail()
		return 0
	}
	v := int64(binary.BigEndian.Uint64(r.Src))
	r.Src = r.Src[8:]
	return v
}

func (r *Reader) String() string {
	n := r.Int16()
	if r.err != nil {
		return ""
	}
	if n < 0 {
		return ""
	}
	if len(r.Src) < int(n) {
		r.fail()
		return ""
	}
	s := string(r.Src[:n])
	r.Src = r.Src[n:]
	return s
}

func (r *Reader) NullableString() *string {
	n := r.Int16()
	if r.err != nil || n < 0 {
		return nil
	}
	if len(r.Src) < int(n) {
		r.fail()
		return nil
	}
	s := string(r.Src[:n])
	r.Src = r.Src[n:]
	return &s
}

func (r *Reader) Bytes() []byte {
	n := r.Int32()
	if r.err != nil || n < 0 {
		return nil
	}
	if len(r.Src) < int(n) {
		r.fail()
		return nil
	}
	b := append([]byte(nil), r.Src[:n]...)
	r.Src = r.Src[n:]
	return b
}

func (r *Reader) Int32Array() []int32 {
	n := r.Int32()
	if r.err != nil || n < 0 {
		return nil
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = r.Int32()
		if r.err != nil {
			return nil
		}
	}
	return out
}

func (r *Reader) Int64Array() []int64 {
	n := r.Int32()
	if r.err != nil || n < 0 {
		return nil
	}
	out := make([]int64, n)
	for i := range out {
		out[i] = r.Int64()
		if r.err != nil {
			return nil
		}
	}
	return out
}
