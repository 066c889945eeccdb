// Package kframe implements the length-prefixed framing used on every
// Kafka wire connection: a 4-byte big-endian length prefix followed by
// that many bytes of payload.
package kframe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidSize is returned when a frame's length prefix is negative.
var ErrInvalidSize = errors.New("kframe: negative frame size")

// ErrTooLarge is returned when a frame's length prefix exceeds the
// configured ceiling.
type ErrTooLarge struct {
	Size  int32
	Limit int32
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("kframe: frame size %d exceeds limit %d", e.Size, e.Limit)
}

// DefaultMaxSize is used when a caller passes a non-positive maxSize to
// ReadFrame.
const DefaultMaxSize = 100 << 20 // 100MiB, matches common broker defaults

// ReadFrame reads exactly one frame from r: four bytes of big-endian
// length, then that many bytes of payload. A negative or implausibly
// large length fails the read without consuming further bytes from r
// beyond the prefix.
func ReadFrame(r io.Reader, maxSize int32) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := int32(binary.BigEndian.Uint32(sizeBuf[:]))
	if size < 0 {
		return nil, ErrInvalidSize
	}
	if size > maxSize {
		return nil, &ErrTooLarge{Size: size, Limit: maxSize}
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload to w prefixed with its big-endian length.
// Callers sharing a single w across goroutines must serialize calls to
// WriteFrame themselves (the connection layer does this with a per-
// connection write mutex) so that the prefix and payload of one frame
// never interleave with another writer's bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// AppendFrame appends payload, prefixed with its big-endian length, to
// dst and returns the extended slice. Used by callers that want to build
// the header+body and the length prefix in a single contiguous buffer
// before issuing one Write syscall.
func AppendFrame(dst []byte, payload []byte) []byte {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	return dst
}
