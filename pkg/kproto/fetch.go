package kproto

type FetchRequestPartition struct {
	Partition    int32
	FetchOffset  int64
	MaxBytes     int32
}

type FetchRequestTopic struct {
	Topic      string
	Partitions []FetchRequestPartition
}

// FetchRequest polls one partition (or several) starting at each
// partition's FetchOffset.
type FetchRequest struct {
	ReplicaID       int32
	MaxWaitMs       int32
	MinBytes        int32
	Topics          []FetchRequestTopic
}

func (*FetchRequest) Key() ApiKey            { return Fetch }
func (*FetchRequest) Version() int16         { return 1 }
func (*FetchRequest) ExpectsResponse() bool  { return true }
func (*FetchRequest) ResponseKind() Response { return &FetchResponse{} }

func (r *FetchRequest) AppendBody(dst []byte) []byte {
	dst = AppendInt32(dst, r.ReplicaID)
	dst = AppendInt32(dst, r.MaxWaitMs)
	dst = AppendInt32(dst, r.MinBytes)
	dst = AppendInt32(dst, int32(len(r.Topics)))
	for _, t := range r.Topics {
		dst = AppendString(dst, t.Topic)
		dst = AppendInt32(dst, int32(len(t.Partitions)))
		for _, p := range t.Partitions {
			dst = AppendInt32(dst, p.Partition)
			dst = AppendInt64(dst, p.FetchOffset)
			dst = AppendInt32(dst, p.MaxBytes)
		}
	}
	return dst
}

type FetchResponsePartition struct {
	Partition     int32
	ErrorCode     ErrorCode
	HighWatermark int64
	RecordSet     []byte
}

type FetchResponseTopic struct {
	Topic      string
	Partitions []FetchResponsePartition
}

type FetchResponse struct {
	Topics []FetchResponseTopic
}

func (*FetchResponse) Key() ApiKey { return Fetch }

func (f *FetchResponse) ReadFrom(body []byte) error {
	r := Reader{Src: body}
	nt := r.Int32()
	f.Topics = make([]FetchResponseTopic, 0, maxPrealloc(nt))
	for i := int32(0); i < nt; i++ {
		t := FetchResponseTopic{Topic: r.String()}
		np := r.Int32()
		t.Partitions = make([]FetchResponsePartition, 0, maxPrealloc(np))
		for j := int32(0); j < np; j++ {
			t.Partitions = append(t.Partitions, FetchResponsePartition{
				Partition:     r.Int32(),
				ErrorCode:     ErrorCode(r.Int16()),
				HighWatermark: r.Int64(),
				RecordSet:     r.Bytes(),
			})
		}
		f.Topics = append(f.Topics, t)
	}
	return r.Err()
}

func (f *FetchResponse) AppendBody(dst []byte) []byte {
	dst = AppendInt32(dst, int32(len(f.Topics)))
	for _, t := range f.Topics {
		dst = AppendString(dst, t.Topic)
		dst = AppendInt32(dst, int32(len(t.Partitions)))
		for _, p := range t.Partitions {
			dst = AppendInt32(dst, p.Partition)
			dst = AppendInt16(dst, int16(p.ErrorCode))
			dst = AppendInt64(dst, p.HighWatermark)
			dst = AppendBytes(dst, p.RecordSet)
		}
	}
	return dst
}
