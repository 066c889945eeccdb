package kproto

// MetadataRequest asks for topic/partition/broker metadata. A nil
// Topics list means "all topics"; an empty non-nil list asks for none.
type MetadataRequest struct {
	Topics []string
}

func (*MetadataRequest) Key() ApiKey            { return Metadata }
func (*MetadataRequest) Version() int16         { return 1 }
func (*MetadataRequest) ExpectsResponse() bool  { return true }
func (*MetadataRequest) ResponseKind() Response { return &MetadataResponse{} }

func (r *MetadataRequest) AppendBody(dst []byte) []byte {
	if r.Topics == nil {
		return AppendInt32(dst, -1)
	}
	dst = AppendInt32(dst, int32(len(r.Topics)))
	for _, t := range r.Topics {
		dst = AppendString(dst, t)
	}
	return dst
}

// MetadataBroker describes one broker entry in a MetadataResponse.
type MetadataBroker struct {
	NodeID int32
	Host   string
	Port   int32
}

// MetadataPartition describes one partition entry within a topic.
type MetadataPartition struct {
	ErrorCode ErrorCode
	Partition int32
	Leader    int32
	Replicas  []int32
	ISR       []int32
}

// MetadataTopic describes one topic entry in a MetadataResponse.
type MetadataTopic struct {
	ErrorCode  ErrorCode
	Topic      string
	Partitions []MetadataPartition
}

// MetadataResponse is the decoded reply to a MetadataRequest.
type MetadataResponse struct {
	Brokers []MetadataBroker
	Topics  []MetadataTopic
}

func (*MetadataResponse) Key() ApiKey { return Metadata }

func (m *MetadataResponse) ReadFrom(body []byte) error {
	r := Reader{Src: body}

	nb := r.Int32()
	m.Brokers = make([]MetadataBroker, 0, maxPrealloc(nb))
	for i := int32(0); i < nb; i++ {
		m.Brokers = append(m.Brokers, MetadataBroker{
			NodeID: r.Int32(),
			Host:   r.String(),
			Port:   r.Int32(),
		})
	}

	nt := r.Int32()
	m.Topics = make([]MetadataTopic, 0, maxPrealloc(nt))
	for i := int32(0); i < nt; i++ {
		t := MetadataTopic{
			ErrorCode: ErrorCode(r.Int16()),
			Topic:     r.String(),
		}
		np := r.Int32()
		t.Partitions = make([]MetadataPartition, 0, maxPrealloc(np))
		for j := int32(0); j < np; j++ {
			t.Partitions = append(t.Partitions, MetadataPartition{
				ErrorCode: ErrorCode(r.Int16()),
				Partition: r.Int32(),
				Leader:    r.Int32(),
				Replicas:  r.Int32Array(),
				ISR:       r.Int32Array(),
			})
		}
		m.Topics = append(m.Topics, t)
	}

	return r.Err()
}

// AppendBody appends m's wire encoding to dst. Used by internal/kfake to
// answer MetadataRequests.
func (m *MetadataResponse) AppendBody(dst []byte) []byte {
	dst = AppendInt32(dst, int32(len(m.Brokers)))
	for _, b := range m.Brokers {
		dst = AppendInt32(dst, b.NodeID)
		dst = AppendString(dst, b.Host)
		dst = AppendInt32(dst, b.Port)
	}
	dst = AppendInt32(dst, int32(len(m.Topics)))
	for _, t := range m.Topics {
		dst = AppendInt16(dst, int16(t.ErrorCode))
		dst = AppendString(dst, t.Topic)
		dst = AppendInt32(dst, int32(len(t.Partitions)))
		for _, p := range t.Partitions {
			dst = AppendInt16(dst, int16(p.ErrorCode))
			dst = AppendInt32(dst, p.Partition)
			dst = AppendInt32(dst, p.Leader)
			dst = appendInt32Array(dst, p.Replicas)
			dst = appendInt32Array(dst, p.ISR)
		}
	}
	return dst
}

func appendInt32Array(dst []byte, vs []int32) []byte {
	if vs == nil {
		return AppendInt32(dst, -1)
	}
	dst = AppendInt32(dst, int32(len(vs)))
	for _, v := range vs {
		dst = AppendInt32(dst, v)
	}
	return dst
}

// maxPrealloc caps slice preallocation from a wire-provided count so a
// corrupt/adversarial length field cannot force a huge allocation before
// ReadFull would have failed anyway.
func maxPrealloc(n int32) int32 {
	if n < 0 {
		return 0
	}
	if n > 4096 {
		return 4096
	}
	return n
}
