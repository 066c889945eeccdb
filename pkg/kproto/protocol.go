// Package kproto is the minimal wire-format layer this module needs to
// compile and exercise end to end: hand-rolled encode/decode for
// exactly the ApiKeys the core routes (Metadata, Produce, Fetch,
// Offset, GroupCoordinator), in the style of a dropbox/kafka-era proto
// package rather than a full generated kmsg. It intentionally does not
// implement every real Kafka broker wire quirk (flexible versions,
// tagged fields, real CRC32C record batches) -- those are a connection
// detail the core does not otherwise depend on.
package kproto

// ApiKey identifies the kind of request/response pair on the wire.
type ApiKey int16

const (
	Produce          ApiKey = 0
	Fetch            ApiKey = 1
	Offset           ApiKey = 2
	Metadata         ApiKey = 3
	OffsetCommit     ApiKey = 8
	OffsetFetch      ApiKey = 9
	GroupCoordinator ApiKey = 10
)

func (k ApiKey) String() string {
	switch k {
	case Produce:
		return "Produce"
	case Fetch:
		return "Fetch"
	case Offset:
		return "Offset"
	case Metadata:
		return "Metadata"
	case OffsetCommit:
		return "OffsetCommit"
	case OffsetFetch:
		return "OffsetFetch"
	case GroupCoordinator:
		return "GroupCoordinator"
	default:
		return "Unknown"
	}
}

// Request is the capability the connection needs from any request type:
// its ApiKey, whether the broker will reply at all (false only for
// acks=0 produce requests), and a way to append its encoded body. The
// connection never downcasts to a concrete request type.
type Request interface {
	Key() ApiKey
	Version() int16
	ExpectsResponse() bool
	AppendBody(dst []byte) []byte
	ResponseKind() Response
}

// Response is the capability the connection needs from any response
// type: a way to populate itself from the raw body bytes that follow the
// four-byte correlation ID every response begins with.
type Response interface {
	Key() ApiKey
	ReadFrom(body []byte) error
}

// AppendHeader appends the Kafka request header -- ApiKey, ApiVersion,
// CorrelationID, ClientID -- ahead of req's own body encoding.
func AppendHeader(dst []byte, req Request, clientID string, correlationID int32) []byte {
	dst = AppendInt16(dst, int16(req.Key()))
	dst = AppendInt16(dst, req.Version())
	dst = AppendInt32(dst, correlationID)
	dst = AppendString(dst, clientID)
	return dst
}

// CorrelationID extracts the four-byte correlation ID that prefixes
// every response frame. The connection only needs these bytes at a
// known offset -- it never parses the rest of the body itself.
func CorrelationID(payload []byte) (id int32, body []byte, ok bool) {
	if len(payload) < 4 {
		return 0, nil, false
	}
	r := Reader{Src: payload}
	return r.Int32(), r.Src, true
}
