package kcore

import (
	"context"
	"sync"
	"time"

	"github.com/kcore-project/kcore/pkg/kproto"
)

// ConsumedRecord is one message delivered to a Consumer's output queue,
// tagged with where it came from.
type ConsumedRecord struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp int64
}

// ConsumerOptions configures a polling Consumer, constructible from a
// Router and an options object.
type ConsumerOptions struct {
	Topic          string
	Partitions     []int32
	StartOffset    int64 // kproto.LatestTimestamp / kproto.EarliestTimestamp or an absolute offset
	MinBytes       int32
	MaxWaitTime    time.Duration
	BufferSize     int
	BufferGrowth   int
}

const initialFetchBuffer = 64 << 10

// Consumer polls one or more partitions of a single topic, delivering
// records in per-partition order to a bounded output channel, as a
// simple assign-and-poll reader with no consumer-group choreography --
// group membership, rebalancing, and offset commit are out of scope.
type Consumer struct {
	router  *Router
	topic   string
	cfg     Config
	log     Logger
	opts    ConsumerOptions

	out chan ConsumedRecord

	wg      sync.WaitGroup
	cancel  context.CancelFunc

	lagMu        sync.Mutex
	lastOffsets  map[int32]int64
}

// NewConsumer builds a Consumer for router and starts one poll loop per
// partition in opts.
func NewConsumer(router *Router, opts ConsumerOptions, rOpts ...Option) *Consumer {
	cfg := apply(rOpts)
	if opts.BufferSize == 0 {
		opts.BufferSize = cfg.ConsumerBufferSize
	}
	if opts.BufferGrowth == 0 {
		opts.BufferGrowth = cfg.FetchBufferMultiplier
	}
	if opts.MinBytes == 0 {
		opts.MinBytes = cfg.MinBytes
	}
	if opts.MaxWaitTime == 0 {
		opts.MaxWaitTime = cfg.MaxWaitTimeForMinBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		router:      router,
		topic:       opts.Topic,
		cfg:         cfg,
		log:         cfg.logger(),
		opts:        opts,
		out:         make(chan ConsumedRecord, opts.BufferSize),
		cancel:      cancel,
		lastOffsets: make(map[int32]int64),
	}
	for _, partition := range opts.Partitions {
		c.wg.Add(1)
		go c.pollLoop(ctx, partition)
	}
	return c
}

// Records returns the channel records are delivered on, in order per
// partition. Closed by Close, after every poll loop has exited.
func (c *Consumer) Records() <-chan ConsumedRecord { return c.out }

// Close cancels every poll loop and waits for them to exit, then closes
// the output channel. A fetch still in flight is abandoned rather than
// awaited: its Send returns as soon as the loop's context is cancelled,
// and any late response is discarded by the connection.
func (c *Consumer) Close() {
	c.cancel()
	c.wg.Wait()
	close(c.out)
}

// Lag reports how many records remain unread on partition: a fresh
// Offset lookup's high watermark minus the last delivered offset + 1.
func (c *Consumer) Lag(ctx context.Context, partition int32) (int64, error) {
	conn, err := c.router.GetTopicBroker(ctx, c.topic, partition)
	if err != nil {
		return 0, err
	}
	req := &kproto.OffsetRequest{
		ReplicaID: -1,
		Topics: []kproto.OffsetRequestTopic{{
			Topic: c.topic,
			Partitions: []kproto.OffsetRequestPartition{{
				Partition: partition,
				Timestamp: kproto.LatestTimestamp,
			}},
		}},
	}
	resp, err := conn.Send(ctx, req, time.Time{})
	if err != nil {
		return 0, err
	}
	or := resp.(*kproto.OffsetResponse)
	high, ok := extractOffset(or, c.topic, partition)
	if !ok {
		return 0, &CachedMetadataError{Topic: c.topic, Partition: partition, Cause: ErrNoSeedResolved}
	}

	c.lagMu.Lock()
	last, seen := c.lastOffsets[partition]
	c.lagMu.Unlock()
	if !seen {
		return high, nil
	}
	lag := high - (last + 1)
	if lag < 0 {
		lag = 0
	}
	return lag, nil
}

func extractOffset(or *kproto.OffsetResponse, topic string, partition int32) (int64, bool) {
	for _, t := range or.Topics {
		if t.Topic != topic {
			continue
		}
		for _, p := range t.Partitions {
			if p.Partition == partition && len(p.Offsets) > 0 {
				return p.Offsets[0], true
			}
		}
	}
	return 0, false
}

// pollLoop is the per-partition long-running fetch loop.
func (c *Consumer) pollLoop(ctx context.Context, partition int32) {
	defer c.wg.Done()

	offset, err := c.resolveStartOffset(ctx, partition)
	if err != nil {
		c.log.Log(LogLevelError, "unable to resolve starting offset", "topic", c.topic, "partition", partition, "err", err)
		return
	}

	bufSize := int32(initialFetchBuffer)
	needsRefresh := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if needsRefresh {
			if _, err := c.router.Partitions(ctx, c.topic); err != nil {
				c.log.Log(LogLevelWarn, "metadata refresh before fetch failed", "topic", c.topic, "err", err)
			}
			needsRefresh = false
		}

		conn, err := c.router.GetTopicBroker(ctx, c.topic, partition)
		if err != nil {
			c.log.Log(LogLevelWarn, "unable to locate partition leader", "topic", c.topic, "partition", partition, "err", err)
			needsRefresh = true
			if !sleepOrDone(ctx, c.cfg.BackoffInterval) {
				return
			}
			continue
		}

		req := &kproto.FetchRequest{
			ReplicaID: -1,
			MaxWaitMs: int32(c.opts.MaxWaitTime / time.Millisecond),
			MinBytes:  c.opts.MinBytes,
			Topics: []kproto.FetchRequestTopic{{
				Topic: c.topic,
				Partitions: []kproto.FetchRequestPartition{{
					Partition:   partition,
					FetchOffset: offset,
					MaxBytes:    bufSize,
				}},
			}},
		}

		resp, err := conn.Send(ctx, req, time.Time{})
		if err != nil {
			if IsCancelled(err) {
				return
			}
			c.log.Log(LogLevelWarn, "fetch failed", "topic", c.topic, "partition", partition, "err", err)
			needsRefresh = true
			if !sleepOrDone(ctx, c.cfg.BackoffInterval) {
				return
			}
			continue
		}

		fr := resp.(*kproto.FetchResponse)
		part, ok := findFetchPartition(fr, c.topic, partition)
		if !ok {
			if !sleepOrDone(ctx, c.cfg.BackoffInterval) {
				return
			}
			continue
		}

		switch part.ErrorCode {
		case kproto.ErrNone:
		case kproto.ErrOffsetOutOfRange:
			fixed, err := c.fixOffset(ctx, partition, offset)
			if err != nil {
				c.log.Log(LogLevelError, "unable to fix out-of-range offset", "topic", c.topic, "partition", partition, "err", err)
				if !sleepOrDone(ctx, c.cfg.BackoffInterval) {
					return
				}
				continue
			}
			offset = fixed
			continue
		default:
			c.log.Log(LogLevelWarn, "fetch returned broker error", "topic", c.topic, "partition", partition, "code", part.ErrorCode.String())
			needsRefresh = true
			if !sleepOrDone(ctx, c.cfg.BackoffInterval) {
				return
			}
			continue
		}

		records, err := decodeBatch(part.RecordSet)
		if err != nil {
			// A record-set that doesn't parse cleanly at bufSize means the
			// broker truncated a message to fit: treat it as BufferUnderrun
			// and retry at the same offset with a larger buffer.
			bufSize *= int32(c.opts.BufferGrowth)
			underrun := &BufferUnderrunError{RequiredSize: bufSize}
			c.log.Log(LogLevelDebug, "growing fetch buffer", "topic", c.topic, "partition", partition, "err", underrun)
			continue
		}
		if len(records) == 0 {
			continue
		}

		for i := range records {
			records[i].Partition = partition
			records[i].Offset = offset + int64(i)
		}
		last := records[len(records)-1]
		offset = last.Offset + 1

		c.lagMu.Lock()
		c.lastOffsets[partition] = last.Offset
		c.lagMu.Unlock()

		for _, r := range records {
			select {
			case c.out <- ConsumedRecord{Topic: c.topic, Partition: r.Partition, Offset: r.Offset, Key: r.Key, Value: r.Value, Timestamp: r.Timestamp}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func findFetchPartition(fr *kproto.FetchResponse, topic string, partition int32) (kproto.FetchResponsePartition, bool) {
	for _, t := range fr.Topics {
		if t.Topic != topic {
			continue
		}
		for _, p := range t.Partitions {
			if p.Partition == partition {
				return p, true
			}
		}
	}
	return kproto.FetchResponsePartition{}, false
}

// fixOffset clamps offset into [earliest, latest] for partition on a
// FetchOutOfRange response.
func (c *Consumer) fixOffset(ctx context.Context, partition int32, offset int64) (int64, error) {
	conn, err := c.router.GetTopicBroker(ctx, c.topic, partition)
	if err != nil {
		return 0, err
	}

	earliest, err := c.lookupOffset(ctx, conn, partition, kproto.EarliestTimestamp)
	if err != nil {
		return 0, err
	}
	latest, err := c.lookupOffset(ctx, conn, partition, kproto.LatestTimestamp)
	if err != nil {
		return 0, err
	}

	if offset < earliest {
		return earliest, nil
	}
	if offset > latest {
		return latest, nil
	}
	return offset, nil
}

func (c *Consumer) lookupOffset(ctx context.Context, conn *Connection, partition int32, timestamp int64) (int64, error) {
	req := &kproto.OffsetRequest{
		ReplicaID: -1,
		Topics: []kproto.OffsetRequestTopic{{
			Topic:      c.topic,
			Partitions: []kproto.OffsetRequestPartition{{Partition: partition, Timestamp: timestamp}},
		}},
	}
	resp, err := conn.Send(ctx, req, time.Time{})
	if err != nil {
		return 0, err
	}
	or := resp.(*kproto.OffsetResponse)
	off, ok := extractOffset(or, c.topic, partition)
	if !ok {
		return 0, &FetchOutOfRangeError{Topic: c.topic, Partition: partition, Offset: 0}
	}
	return off, nil
}

func (c *Consumer) resolveStartOffset(ctx context.Context, partition int32) (int64, error) {
	switch c.opts.StartOffset {
	case kproto.LatestTimestamp, kproto.EarliestTimestamp:
		conn, err := c.router.GetTopicBroker(ctx, c.topic, partition)
		if err != nil {
			return 0, err
		}
		return c.lookupOffset(ctx, conn, partition, c.opts.StartOffset)
	default:
		return c.opts.StartOffset, nil
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
