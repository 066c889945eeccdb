package kproto

// ProduceRequestPartition carries one partition's already-encoded record
// batch (see pkg/kcore/codec.go -- batch framing and compression are the
// core's domain logic, not this package's).
type ProduceRequestPartition struct {
	Partition int32
	RecordSet []byte
}

type ProduceRequestTopic struct {
	Topic      string
	Partitions []ProduceRequestPartition
}

// ProduceRequest is one batch of records addressed to a single broker,
// all sharing the same ack level and timeout: tasks are grouped by
// (ack_level, ack_timeout, target_endpoint) before a ProduceRequest is
// built.
type ProduceRequest struct {
	Acks      int16
	TimeoutMs int32
	Topics    []ProduceRequestTopic
}

func (*ProduceRequest) Key() ApiKey            { return Produce }
func (*ProduceRequest) Version() int16         { return 2 }
func (r *ProduceRequest) ExpectsResponse() bool { return r.Acks != 0 }
func (*ProduceRequest) ResponseKind() Response { return &ProduceResponse{} }

func (r *ProduceRequest) AppendBody(dst []byte) []byte {
	dst = AppendInt16(dst, r.Acks)
	dst = AppendInt32(dst, r.TimeoutMs)
	dst = AppendInt32(dst, int32(len(r.Topics)))
	for _, t := range r.Topics {
		dst = AppendString(dst, t.Topic)
		dst = AppendInt32(dst, int32(len(t.Partitions)))
		for _, p := range t.Partitions {
			dst = AppendInt32(dst, p.Partition)
			dst = AppendBytes(dst, p.RecordSet)
		}
	}
	return dst
}

type ProduceResponsePartition struct {
	Partition  int32
	ErrorCode  ErrorCode
	BaseOffset int64
}

type ProduceResponseTopic struct {
	Topic      string
	Partitions []ProduceResponsePartition
}

type ProduceResponse struct {
	Topics []ProduceResponseTopic
}

func (*ProduceResponse) Key() ApiKey { return Produce }

func (p *ProduceResponse) ReadFrom(body []byte) error {
	r := Reader{Src: body}
	nt := r.Int32()
	p.Topics = make([]ProduceResponseTopic, 0, maxPrealloc(nt))
	for i := int32(0); i < nt; i++ {
		t := ProduceResponseTopic{Topic: r.String()}
		np := r.Int32()
		t.Partitions = make([]ProduceResponsePartition, 0, maxPrealloc(np))
		for j := int32(0); j < np; j++ {
			t.Partitions = append(t.Partitions, ProduceResponsePartition{
				Partition:  r.Int32(),
				ErrorCode:  ErrorCode(r.Int16()),
				BaseOffset: r.Int64(),
			})
		}
		p.Topics = append(p.Topics, t)
	}
	return r.Err()
}

func (p *ProduceResponse) AppendBody(dst []byte) []byte {
	dst = AppendInt32(dst, int32(len(p.Topics)))
	for _, t := range p.Topics {
		dst = AppendString(dst, t.Topic)
		dst = AppendInt32(dst, int32(len(t.Partitions)))
		for _, part := range t.Partitions {
			dst = AppendInt32(dst, part.Partition)
			dst = AppendInt16(dst, int16(part.ErrorCode))
			dst = AppendInt64(dst, part.BaseOffset)
		}
	}
	return dst
}
