package kproto

// Well-known Timestamp values for OffsetRequestPartition, matching the
// historical Kafka ListOffsets convention.
const (
	LatestTimestamp   int64 = -1
	EarliestTimestamp int64 = -2
)

type OffsetRequestPartition struct {
	Partition     int32
	Timestamp     int64
	MaxNumOffsets int32
}

type OffsetRequestTopic struct {
	Topic      string
	Partitions []OffsetRequestPartition
}

// OffsetRequest asks a partition's leader for the offsets bounding a
// given timestamp; the consumer uses it with Earliest/LatestTimestamp to
// clamp a stale offset back into range after a FetchOutOfRange error.
type OffsetRequest struct {
	ReplicaID int32
	Topics    []OffsetRequestTopic
}

func (*OffsetRequest) Key() ApiKey            { return Offset }
func (*OffsetRequest) Version() int16         { return 0 }
func (*OffsetRequest) ExpectsResponse() bool  { return true }
func (*OffsetRequest) ResponseKind() Response { return &OffsetResponse{} }

func (r *OffsetRequest) AppendBody(dst []byte) []byte {
	dst = AppendInt32(dst, r.ReplicaID)
	dst = AppendInt32(dst, int32(len(r.Topics)))
	for _, t := range r.Topics {
		dst = AppendString(dst, t.Topic)
		dst = AppendInt32(dst, int32(len(t.Partitions)))
		for _, p := range t.Partitions {
			dst = AppendInt32(dst, p.Partition)
			dst = AppendInt64(dst, p.Timestamp)
			dst = AppendInt32(dst, p.MaxNumOffsets)
		}
	}
	return dst
}

type OffsetResponsePartition struct {
	Partition int32
	ErrorCode ErrorCode
	Offsets   []int64
}

type OffsetResponseTopic struct {
	Topic      string
	Partitions []OffsetResponsePartition
}

type OffsetResponse struct {
	Topics []OffsetResponseTopic
}

func (*OffsetResponse) Key() ApiKey { return Offset }

func (o *OffsetResponse) ReadFrom(body []byte) error {
	r := Reader{Src: body}
	nt := r.Int32()
	o.Topics = make([]OffsetResponseTopic, 0, maxPrealloc(nt))
	for i := int32(0); i < nt; i++ {
		t := OffsetResponseTopic{Topic: r.String()}
		np := r.Int32()
		t.Partitions = make([]OffsetResponsePartition, 0, maxPrealloc(np))
		for j := int32(0); j < np; j++ {
			t.Partitions = append(t.Partitions, OffsetResponsePartition{
				Partition: r.Int32(),
				ErrorCode: ErrorCode(r.Int16()),
				Offsets:   r.Int64Array(),
			})
		}
		o.Topics = append(o.Topics, t)
	}
	return r.Err()
}

func (o *OffsetResponse) AppendBody(dst []byte) []byte {
	dst = AppendInt32(dst, int32(len(o.Topics)))
	for _, t := range o.Topics {
		dst = AppendString(dst, t.Topic)
		dst = AppendInt32(dst, int32(len(t.Partitions)))
		for _, p := range t.Partitions {
			dst = AppendInt32(dst, p.Partition)
			dst = AppendInt16(dst, int16(p.ErrorCode))
			dst = AppendInt32(dst, int32(len(p.Offsets)))
			for _, o := range p.Offsets {
				dst = AppendInt64(dst, o)
			}
		}
	}
	return dst
}
