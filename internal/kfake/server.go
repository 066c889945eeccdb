// Package kfake is an in-process fake Kafka broker used to exercise
// pkg/kcore without a real cluster: an in-memory per-topic/partition
// message log, one goroutine per accepted connection, a request-kind
// switch dispatching to per-ApiKey handlers, built on pkg/kframe and
// pkg/kproto and trimmed to the ApiKeys kcore actually issues.
package kfake

import (
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/kcore-project/kcore/pkg/kcore"
	"github.com/kcore-project/kcore/pkg/kframe"
	"github.com/kcore-project/kcore/pkg/kproto"
)

type partitionLog struct {
	messages [][]byte // each entry is one already-encoded, already-compressed record-set
	offsets  []int64  // base offset of each entry in messages
	nextBase int64
}

// Server is a single-node fake broker: one listener, one NodeID, an
// in-memory topic/partition log.
type Server struct {
	mu      sync.Mutex
	nodeID  int32
	ln      net.Listener
	topics  map[string]map[int32]*partitionLog
	closing chan struct{}
	wg      sync.WaitGroup
}

// NewServer returns a Server that has not yet started listening.
func NewServer() *Server {
	return &Server{
		nodeID:  1,
		topics:  make(map[string]map[int32]*partitionLog),
		closing: make(chan struct{}),
	}
}

// Start listens on 127.0.0.1:0 and begins accepting connections in the
// background. Returns the address clients should dial.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return ln.Addr().String(), nil
}

// Addr returns the listener's address, or "" if not started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// NodeID returns the broker ID this server advertises in metadata.
func (s *Server) NodeID() int32 { return s.nodeID }

// Close stops accepting connections and waits for in-flight handlers to
// exit.
func (s *Server) Close() error {
	close(s.closing)
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

// SeedTopic ensures topic exists with the given partition count, each
// starting empty.
func (s *Server) SeedTopic(topic string, partitions int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureTopicLocked(topic, partitions)
}

func (s *Server) ensureTopicLocked(topic string, partitions int32) map[int32]*partitionLog {
	t, ok := s.topics[topic]
	if !ok {
		t = make(map[int32]*partitionLog)
		s.topics[topic] = t
	}
	for p := int32(0); p < partitions; p++ {
		if _, ok := t[p]; !ok {
			t[p] = &partitionLog{}
		}
	}
	return t
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
				return
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		payload, err := kframe.ReadFrame(conn, kframe.DefaultMaxSize)
		if err != nil {
			if err != io.EOF {
				return
			}
			return
		}

		apiKey, corrID, body, ok := readHeader(payload)
		if !ok {
			return
		}

		var respBody []byte
		switch kproto.ApiKey(apiKey) {
		case kproto.Metadata:
			respBody = s.handleMetadata(body)
		case kproto.Produce:
			var hasResp bool
			respBody, hasResp = s.handleProduce(body)
			if !hasResp {
				continue
			}
		case kproto.Fetch:
			respBody = s.handleFetch(body)
		case kproto.Offset:
			respBody = s.handleOffset(body)
		case kproto.GroupCoordinator:
			respBody = s.handleGroupCoordinator(body)
		default:
			return
		}

		out := kproto.AppendInt32(nil, corrID)
		out = append(out, respBody...)
		if err := kframe.WriteFrame(conn, out); err != nil {
			return
		}
	}
}

// readHeader strips the request header (ApiKey, ApiVersion,
// CorrelationID, ClientID) off the front of payload and returns the
// ApiKey, CorrelationID, and whatever remains as the request body.
func readHeader(payload []byte) (apiKey int16, corrID int32, body []byte, ok bool) {
	r := kproto.Reader{Src: payload}
	apiKey = r.Int16()
	_ = r.Int16() // version
	corrID = r.Int32()
	_ = r.String() // client id
	if r.Err() != nil {
		return 0, 0, nil, false
	}
	return apiKey, corrID, r.Src, true
}

func (s *Server) handleMetadata(body []byte) []byte {
	req := &kproto.MetadataRequest{}
	r := kproto.Reader{Src: body}
	n := r.Int32()
	if n >= 0 {
		req.Topics = make([]string, 0, n)
		for i := int32(0); i < n; i++ {
			req.Topics = append(req.Topics, r.String())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &kproto.MetadataResponse{
		Brokers: []kproto.MetadataBroker{{NodeID: s.nodeID, Host: "127.0.0.1", Port: s.port()}},
	}

	names := req.Topics
	if names == nil {
		for name := range s.topics {
			names = append(names, name)
		}
	}
	for _, name := range names {
		parts := s.ensureTopicLocked(name, 1)
		mt := kproto.MetadataTopic{Topic: name}
		for pid := range parts {
			mt.Partitions = append(mt.Partitions, kproto.MetadataPartition{
				Partition: pid,
				Leader:    s.nodeID,
				Replicas:  []int32{s.nodeID},
				ISR:       []int32{s.nodeID},
			})
		}
		resp.Topics = append(resp.Topics, mt)
	}
	return resp.AppendBody(nil)
}

func (s *Server) port() int32 {
	_, portStr, _ := net.SplitHostPort(s.ln.Addr().String())
	p, _ := strconv.Atoi(portStr)
	return int32(p)
}

func (s *Server) handleProduce(body []byte) ([]byte, bool) {
	r := kproto.Reader{Src: body}
	acks := r.Int16()
	_ = r.Int32() // timeout
	nt := r.Int32()

	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &kproto.ProduceResponse{}
	for i := int32(0); i < nt; i++ {
		topic := r.String()
		np := r.Int32()
		rt := kproto.ProduceResponseTopic{Topic: topic}
		parts := s.ensureTopicLocked(topic, 1)
		for j := int32(0); j < np; j++ {
			partition := r.Int32()
			recordSet := r.Bytes()
			pl, ok := parts[partition]
			if !ok {
				pl = &partitionLog{}
				parts[partition] = pl
			}
			count, err := kcore.CountBatchRecords(recordSet)
			if err != nil || count == 0 {
				count = 1
			}
			base := pl.nextBase
			pl.messages = append(pl.messages, recordSet)
			pl.offsets = append(pl.offsets, base)
			pl.nextBase = base + int64(count)

			rt.Partitions = append(rt.Partitions, kproto.ProduceResponsePartition{
				Partition:  partition,
				BaseOffset: base,
			})
		}
		resp.Topics = append(resp.Topics, rt)
	}
	if acks == 0 {
		return nil, false
	}
	return resp.AppendBody(nil), true
}

func (s *Server) handleFetch(body []byte) []byte {
	r := kproto.Reader{Src: body}
	_ = r.Int32() // replica id
	_ = r.Int32() // max wait
	_ = r.Int32() // min bytes
	nt := r.Int32()

	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &kproto.FetchResponse{}
	for i := int32(0); i < nt; i++ {
		topic := r.String()
		np := r.Int32()
		ft := kproto.FetchResponseTopic{Topic: topic}
		parts := s.ensureTopicLocked(topic, 1)
		for j := int32(0); j < np; j++ {
			partition := r.Int32()
			fetchOffset := r.Int64()
			_ = r.Int32() // max bytes

			pl, ok := parts[partition]
			fp := kproto.FetchResponsePartition{Partition: partition}
			if !ok {
				fp.ErrorCode = kproto.ErrUnknownTopicOrPartition
			} else {
				fp.HighWatermark = pl.nextBase
				idx := findIndex(pl.offsets, fetchOffset)
				switch {
				case fetchOffset < 0 || fetchOffset > pl.nextBase:
					fp.ErrorCode = kproto.ErrOffsetOutOfRange
				case idx < 0:
					// valid but empty at tip
				default:
					fp.RecordSet = pl.messages[idx]
				}
			}
			ft.Partitions = append(ft.Partitions, fp)
		}
		resp.Topics = append(resp.Topics, ft)
	}
	return resp.AppendBody(nil)
}

// findIndex returns the batch whose base offset exactly equals target.
// Real brokers can slice a record-set mid-batch; this fake only serves
// whole batches, so it assumes callers always fetch from a batch
// boundary -- true of kcore's consumer, which always resumes at
// last.Offset+1 for the last record it decoded.
func findIndex(offsets []int64, target int64) int {
	for i, off := range offsets {
		if off == target {
			return i
		}
	}
	return -1
}

func (s *Server) handleOffset(body []byte) []byte {
	r := kproto.Reader{Src: body}
	_ = r.Int32() // replica id
	nt := r.Int32()

	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &kproto.OffsetResponse{}
	for i := int32(0); i < nt; i++ {
		topic := r.String()
		np := r.Int32()
		ot := kproto.OffsetResponseTopic{Topic: topic}
		parts := s.ensureTopicLocked(topic, 1)
		for j := int32(0); j < np; j++ {
			partition := r.Int32()
			timestamp := r.Int64()
			_ = r.Int32() // max num offsets

			pl := parts[partition]
			var off int64
			switch timestamp {
			case kproto.EarliestTimestamp:
				if len(pl.offsets) > 0 {
					off = pl.offsets[0]
				}
			default: // LatestTimestamp and anything else
				off = pl.nextBase
			}
			ot.Partitions = append(ot.Partitions, kproto.OffsetResponsePartition{
				Partition: partition,
				Offsets:   []int64{off},
			})
		}
		resp.Topics = append(resp.Topics, ot)
	}
	return resp.AppendBody(nil)
}

func (s *Server) handleGroupCoordinator(body []byte) []byte {
	r := kproto.Reader{Src: body}
	_ = r.String() // group id

	host, portStr, _ := net.SplitHostPort(s.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	resp := &kproto.GroupCoordinatorResponse{
		CoordinatorID:   s.nodeID,
		CoordinatorHost: host,
		CoordinatorPort: int32(port),
	}
	return resp.AppendBody(nil)
}
