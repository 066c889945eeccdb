package kcore

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the compression applied to a record batch: none,
// gzip, snappy, or lz4. lz4 is an addition beyond the usual three,
// wired because the example pack carries pierrec/lz4 and nothing else
// in this module otherwise exercises it.
type Codec int8

const (
	CodecNone Codec = iota
	CodecGZIP
	CodecSnappy
	CodecLZ4
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecGZIP:
		return "gzip"
	case CodecSnappy:
		return "snappy"
	case CodecLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// Compress returns src compressed under c. CodecNone returns src
// unchanged (no copy).
func Compress(c Codec, src []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return src, nil
	case CodecGZIP:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(src); err != nil {
			return nil, fmt.Errorf("kcore: gzip compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("kcore: gzip compress: %w", err)
		}
		return buf.Bytes(), nil
	case CodecSnappy:
		return snappy.Encode(nil, src), nil
	case CodecLZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(src); err != nil {
			return nil, fmt.Errorf("kcore: lz4 compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("kcore: lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("kcore: unknown codec %d", c)
	}
}

// Decompress reverses Compress.
func Decompress(c Codec, src []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return src, nil
	case CodecGZIP:
		zr, err := gzip.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("kcore: gzip decompress: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("kcore: gzip decompress: %w", err)
		}
		return out, nil
	case CodecSnappy:
		out, err := snappy.Decode(nil, src)
		if err != nil {
			return nil, fmt.Errorf("kcore: snappy decompress: %w", err)
		}
		return out, nil
	case CodecLZ4:
		zr := lz4.NewReader(bytes.NewReader(src))
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("kcore: lz4 decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("kcore: unknown codec %d", c)
	}
}

// Record is a single produced or consumed message. Codec is a
// per_message_config hint consulted by the producer to decide which
// codec's batch a record is grouped into before compressing; it is
// unset (CodecNone) on records a Consumer hands back, since by then the
// batch has already been decompressed into plain key/value pairs.
type Record struct {
	Key       []byte
	Value     []byte
	Timestamp int64 // unix millis
	Offset    int64
	Partition int32
	Codec     Codec
}

// encodeBatch concatenates records into one opaque record-set blob
// (length-prefixed key/value pairs), compresses the whole blob under
// codec, and prefixes the result with a one-byte codec tag so a reader
// never has to be told out of band which codec produced it. This is the
// one place record framing and record compression meet; pkg/kproto only
// ever sees the result as an opaque []byte, carrying compressed bytes
// without knowing what's inside them.
func encodeBatch(records []Record, codec Codec) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range records {
		writeBatchBytes(&buf, r.Key)
		writeBatchBytes(&buf, r.Value)
		var tsBuf [8]byte
		putInt64(tsBuf[:], r.Timestamp)
		buf.Write(tsBuf[:])
	}
	compressed, err := Compress(codec, buf.Bytes())
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(codec)}, compressed...), nil
}

// decodeBatch reverses encodeBatch, reading the codec tag off the front
// of blob rather than trusting the caller to already know it.
func decodeBatch(blob []byte) ([]Record, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	codec := Codec(blob[0])
	raw, err := Decompress(codec, blob[1:])
	if err != nil {
		return nil, err
	}
	var records []Record
	for len(raw) > 0 {
		key, rest, err := readBatchBytes(raw)
		if err != nil {
			return nil, err
		}
		val, rest2, err := readBatchBytes(rest)
		if err != nil {
			return nil, err
		}
		if len(rest2) < 8 {
			return nil, fmt.Errorf("kcore: truncated record batch")
		}
		ts := getInt64(rest2[:8])
		records = append(records, Record{Key: key, Value: val, Timestamp: ts})
		raw = rest2[8:]
	}
	return records, nil
}

// CountBatchRecords reports how many records are packed into blob by
// decoding it with decodeBatch. Exported for internal/kfake,
// which needs it to assign base offsets the same way a real broker's
// log-append path would: one offset per record in the batch, not one
// per ProduceRequestPartition.
func CountBatchRecords(blob []byte) (int, error) {
	records, err := decodeBatch(blob)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func writeBatchBytes(buf *bytes.Buffer, b []byte) {
	if b == nil {
		var lenBuf [4]byte
		putInt32(lenBuf[:], -1)
		buf.Write(lenBuf[:])
		return
	}
	var lenBuf [4]byte
	putInt32(lenBuf[:], int32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func readBatchBytes(src []byte) ([]byte, []byte, error) {
	if len(src) < 4 {
		return nil, nil, fmt.Errorf("kcore: truncated record batch length")
	}
	n := getInt32(src[:4])
	src = src[4:]
	if n < 0 {
		return nil, src, nil
	}
	if int(n) > len(src) {
		return nil, nil, fmt.Errorf("kcore: truncated record batch payload")
	}
	return src[:n], src[n:], nil
}

func putInt32(dst []byte, v int32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

func getInt32(src []byte) int32 {
	return int32(src[0])<<24 | int32(src[1])<<16 | int32(src[2])<<8 | int32(src[3])
}

func putInt64(dst []byte, v int64) {
	for i := 0; i < 8; i++ {
		dst[7-i] = byte(v >> (8 * i))
	}
}

func getInt64(src []byte) int64 {
	var v int64
	for i := 0; i < 8; i++ {
		v = v<<8 | int64(src[i])
	}
	return v
}
