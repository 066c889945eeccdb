package kcore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/kcore-project/kcore/pkg/kproto"
)

// ProduceResult is one record's outcome: each input record produces one
// output element in the same order; partial failures are per-record.
type ProduceResult struct {
	Offset    int64
	Timestamp int64
	Err       error
}

// produceTask is one enqueued record plus its completion slot: one
// promise per record, resolved once its containing batch's response
// arrives.
type produceTask struct {
	ctx        context.Context
	topic      string
	partition  int32 // -1 means "let the selector choose"
	key        []byte
	value      []byte
	codec      Codec
	ackLevel   int16
	ackTimeout time.Duration
	done       chan ProduceResult
}

// unboundedQueue is a simple mutex/condvar FIFO: Push never blocks, Pop
// blocks until an item is available or the queue is closed. A buffered
// channel would impose a bound, so plain Go primitives do the one thing
// a channel can't here: truly unbounded enqueue.
type unboundedQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*produceTask
	closed bool
}

func newUnboundedQueue() *unboundedQueue {
	q := &unboundedQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push reports false when the queue is already closed; t has then been
// completed with ErrBrokerDead instead of enqueued.
func (q *unboundedQueue) Push(t *produceTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		t.done <- ProduceResult{Offset: -1, Err: ErrBrokerDead}
		close(t.done)
		return false
	}
	q.items = append(q.items, t)
	q.cond.Signal()
	return true
}

// Drain waits for at least one item (or closure), then returns every
// item currently queued, up to maxItems, waiting at most maxWait beyond
// the first item's arrival for more to accumulate: it collects tasks up
// to batch_size or batch_max_delay, whichever comes first.
func (q *unboundedQueue) Drain(maxItems int, maxWait time.Duration) (items []*produceTask, closed bool) {
	q.mu.Lock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 && q.closed {
		q.mu.Unlock()
		return nil, true
	}
	q.mu.Unlock()

	deadline := time.Now().Add(maxWait)
	for {
		q.mu.Lock()
		if len(q.items) >= maxItems || time.Now().After(deadline) {
			n := len(q.items)
			if n > maxItems {
				n = maxItems
			}
			items = append(items, q.items[:n]...)
			q.items = q.items[n:]
			closed = q.closed && len(q.items) == 0
			q.mu.Unlock()
			return items, closed
		}
		q.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

func (q *unboundedQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Producer is a batching record pipeline: an unbounded input queue
// feeding a single batcher goroutine, which groups pending records by
// destination and codec, compresses, and sends with bounded
// concurrency.
type Producer struct {
	router   *Router
	selector PartitionSelector
	cfg      Config
	log      Logger
	sem      *semaphore.Weighted

	// sendPolicy wraps cfg.SendRetry in a mutex so the many concurrent
	// sendGroup goroutines processCodecBatch spawns can share one
	// backoff.BackOff's bookkeeping instead of each needing its own.
	sendPolicy backoff.BackOff

	queue *unboundedQueue

	sendingCount  int64
	inFlightCount int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewProducer builds a Producer bound to router.
func NewProducer(router *Router, opts ...Option) *Producer {
	cfg := apply(opts)
	p := &Producer{
		router:     router,
		selector:   NewPartitionSelector(),
		cfg:        cfg,
		log:        cfg.logger(),
		sem:        semaphore.NewWeighted(int64(cfg.RequestParallelization)),
		sendPolicy: &syncBackOff{policy: cfg.SendRetry},
		queue:      newUnboundedQueue(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go p.batchLoop()
	return p
}

// SetPartitionSelector overrides the default partition selector.
func (p *Producer) SetPartitionSelector(s PartitionSelector) { p.selector = s }

// Send enqueues records for topic (at partition, if >= 0, otherwise the
// selector chooses per record) and waits for every one to complete,
// returning results in input order.
func (p *Producer) Send(ctx context.Context, records []Record, topic string, partition int32, ackLevel int16, ackTimeout time.Duration) ([]ProduceResult, error) {
	tasks := make([]*produceTask, len(records))
	for i, rec := range records {
		tasks[i] = &produceTask{
			ctx:        ctx,
			topic:      topic,
			partition:  partition,
			key:        rec.Key,
			value:      rec.Value,
			codec:      rec.Codec,
			ackLevel:   ackLevel,
			ackTimeout: ackTimeout,
			done:       make(chan ProduceResult, 1),
		}
	}

	atomic.AddInt64(&p.sendingCount, int64(len(tasks)))
	for _, t := range tasks {
		if !p.queue.Push(t) {
			atomic.AddInt64(&p.sendingCount, -1)
		}
	}

	results := make([]ProduceResult, len(tasks))
	for i, t := range tasks {
		select {
		case r := <-t.done:
			results[i] = r
		case <-ctx.Done():
			results[i] = ProduceResult{Offset: -1, Err: ctx.Err()}
		}
	}
	return results, nil
}

// SendingCount reports how many enqueued records have not yet resolved.
func (p *Producer) SendingCount() int64 { return atomic.LoadInt64(&p.sendingCount) }

// InFlightCount reports how many ProduceRequests are currently awaiting
// a broker response.
func (p *Producer) InFlightCount() int64 { return atomic.LoadInt64(&p.inFlightCount) }

// Flush blocks until every task enqueued so far has completed, without
// stopping the producer.
func (p *Producer) Flush(ctx context.Context) error {
	for atomic.LoadInt64(&p.sendingCount) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

// Stop closes the input queue and waits for the batcher to drain, up to
// cfg.StopTimeout. A second Stop is a no-op.
func (p *Producer) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.queue.Close()
	})
	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.cfg.StopTimeout):
		return &TimeoutError{Op: "producer stop"}
	}
}

func (p *Producer) batchLoop() {
	defer close(p.doneCh)
	for {
		tasks, closed := p.queue.Drain(p.cfg.BatchSize, p.cfg.BatchMaxDelay)
		tasks = p.dropCancelled(tasks)
		if len(tasks) > 0 {
			p.processBatch(tasks)
		}
		if closed && len(tasks) == 0 {
			return
		}
		if closed {
			tasks2, _ := p.queue.Drain(p.cfg.BatchSize, 0)
			tasks2 = p.dropCancelled(tasks2)
			if len(tasks2) > 0 {
				p.processBatch(tasks2)
			}
			return
		}
	}
}

// dropCancelled completes and removes any task whose context is
// already done: cancelled tasks are completed with ctx.Err() and
// dropped from the batch.
func (p *Producer) dropCancelled(tasks []*produceTask) []*produceTask {
	out := tasks[:0]
	for _, t := range tasks {
		select {
		case <-t.ctx.Done():
			p.completeTask(t, ProduceResult{Offset: -1, Err: t.ctx.Err()})
		default:
			out = append(out, t)
		}
	}
	return out
}

// endpointGroupKey identifies one (ack_level, ack_timeout, target_endpoint)
// bucket: tasks sharing a key become a single ProduceRequest. Batched
// tasks can arrive from different Send calls with different ack
// settings, so the endpoint alone is not a safe grouping key -- two
// tasks bound for the same broker but asking for different acks must
// never share a request.
type endpointGroupKey struct {
	endpoint   string
	ackLevel   int16
	ackTimeout time.Duration
}

// endpointGroup is one endpointGroupKey bucket of tasks ready to become
// a single ProduceRequest.
type endpointGroup struct {
	ackLevel   int16
	ackTimeout time.Duration
	conn       *Connection
	byTP       map[topicPartition][]*produceTask
}

type topicPartition struct {
	topic     string
	partition int32
}

// processBatch groups and sends tasks, codec by codec (none, gzip,
// snappy, lz4).
func (p *Producer) processBatch(tasks []*produceTask) {
	for _, codec := range []Codec{CodecNone, CodecGZIP, CodecSnappy, CodecLZ4} {
		var codecTasks []*produceTask
		for _, t := range tasks {
			if taskCodec(t) == codec {
				codecTasks = append(codecTasks, t)
			}
		}
		if len(codecTasks) == 0 {
			continue
		}
		p.processCodecBatch(codecTasks, codec)
	}
}

// taskCodec reports the per_message_config codec hint the caller set on
// the originating Record. The none/gzip/snappy/lz4 fan-out in
// processBatch buckets tasks by this value before a single group's
// worth of records is compressed together in sendGroup.
func taskCodec(t *produceTask) Codec { return t.codec }

// mergeTaskContexts derives one context that is cancelled as soon as
// any task's own context is, so a single batched send can still honor
// every caller's individual cancellation instead of running to
// completion under context.Background regardless of what callers do.
// The returned cancel must always be called to stop the watcher
// goroutines once the group's send has finished.
func mergeTaskContexts(tasks []*produceTask) (context.Context, context.CancelFunc) {
	if len(tasks) == 1 {
		return context.WithCancel(tasks[0].ctx)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for _, t := range tasks {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-t.ctx.Done():
				cancel()
			case <-stop:
			}
		}()
	}
	return ctx, func() {
		cancel()
		close(stop)
		wg.Wait()
	}
}

func (p *Producer) processCodecBatch(tasks []*produceTask, codec Codec) {
	ctx, cancel := mergeTaskContexts(tasks)
	defer cancel()

	groups := make(map[endpointGroupKey]*endpointGroup)

	for _, t := range tasks {
		partition := t.partition
		if partition < 0 {
			parts, err := p.router.Partitions(ctx, t.topic)
			if err != nil || len(parts) == 0 {
				p.completeTask(t, ProduceResult{Offset: -1, Err: err})
				continue
			}
			partition = p.selector.Select(t.topic, t.key, parts)
		}

		conn, err := p.router.GetTopicBroker(ctx, t.topic, partition)
		if err != nil {
			p.completeTask(t, ProduceResult{Offset: -1, Err: err})
			continue
		}
		t.partition = partition

		key := endpointGroupKey{endpoint: conn.Endpoint().Addr, ackLevel: t.ackLevel, ackTimeout: t.ackTimeout}
		g, ok := groups[key]
		if !ok {
			g = &endpointGroup{ackLevel: t.ackLevel, ackTimeout: t.ackTimeout, conn: conn, byTP: make(map[topicPartition][]*produceTask)}
			groups[key] = g
		}
		tp := topicPartition{topic: t.topic, partition: partition}
		g.byTP[tp] = append(g.byTP[tp], t)
	}

	var wg sync.WaitGroup
	for _, g := range groups {
		g := g
		if err := p.sem.Acquire(ctx, 1); err != nil {
			for _, ts := range g.byTP {
				for _, t := range ts {
					p.completeTask(t, ProduceResult{Offset: -1, Err: err})
				}
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.sem.Release(1)
			p.sendGroup(ctx, g, codec)
		}()
	}
	wg.Wait()
}

// sendGroup builds one ProduceRequest from g and issues it through a
// sendCoordinator: a response classified StaleMetadata invalidates the
// group's topics in the router and forces the next retry to re-resolve
// rather than replay the same now-wrong route, and any other retryable
// failure (including a dead connection) retries against whatever the
// router hands back next.
func (p *Producer) sendGroup(ctx context.Context, g *endpointGroup, codec Codec) {
	atomic.AddInt64(&p.inFlightCount, 1)
	defer atomic.AddInt64(&p.inFlightCount, -1)

	req := &kproto.ProduceRequest{Acks: g.ackLevel, TimeoutMs: int32(g.ackTimeout / time.Millisecond)}
	order := make(map[topicPartition][]*produceTask)
	byTopic := make(map[string][]int32)
	topics := make(map[string]bool, len(g.byTP))

	for tp, ts := range g.byTP {
		order[tp] = ts
		byTopic[tp.topic] = append(byTopic[tp.topic], tp.partition)
		topics[tp.topic] = true
	}

	for topic, partitions := range byTopic {
		rt := kproto.ProduceRequestTopic{Topic: topic}
		for _, partition := range partitions {
			tp := topicPartition{topic: topic, partition: partition}
			recs := make([]Record, len(order[tp]))
			for i, t := range order[tp] {
				recs[i] = Record{Key: t.key, Value: t.value, Timestamp: time.Now().UnixMilli()}
			}
			blob, err := encodeBatch(recs, codec)
			if err != nil {
				for _, t := range order[tp] {
					p.completeTask(t, ProduceResult{Offset: -1, Err: err})
				}
				continue
			}
			rt.Partitions = append(rt.Partitions, kproto.ProduceRequestPartition{Partition: partition, RecordSet: blob})
		}
		req.Topics = append(req.Topics, rt)
	}

	if !req.ExpectsResponse() {
		locate := func(ctx context.Context) (*Connection, error) { return g.conn, nil }
		coord := newSendCoordinator(locate, p.sendPolicy, p.log)
		if _, err := coord.Send(ctx, req); err != nil {
			for _, ts := range order {
				for _, t := range ts {
					p.completeTask(t, ProduceResult{Offset: -1, Err: err})
				}
			}
			return
		}
		for _, ts := range order {
			for _, t := range ts {
				p.completeTask(t, ProduceResult{Offset: -1})
			}
		}
		return
	}

	// representative is whichever topic/partition happens to be first in
	// range order; any member of the group resolves to the same broker,
	// since g was itself built by grouping on that broker's endpoint.
	var representative topicPartition
	for tp := range order {
		representative = tp
		break
	}

	// locate re-resolves on every attempt rather than reusing g.conn, so
	// a StaleMetadata-triggered invalidate actually changes where the
	// retry goes instead of hammering the same broker.
	locate := func(ctx context.Context) (*Connection, error) {
		return p.router.GetTopicBroker(ctx, representative.topic, representative.partition)
	}
	invalidate := func() {
		for topic := range topics {
			p.router.InvalidateTopic(topic)
		}
	}
	coord := newSendCoordinator(locate, p.sendPolicy, p.log)
	coord.invalidate = invalidate

	resp, err := coord.Send(ctx, req)
	if err != nil {
		for _, ts := range order {
			for _, t := range ts {
				p.completeTask(t, ProduceResult{Offset: -1, Err: err})
			}
		}
		return
	}

	pr := resp.(*kproto.ProduceResponse)
	seen := make(map[topicPartition]bool)
	for _, rt := range pr.Topics {
		for _, rp := range rt.Partitions {
			tp := topicPartition{topic: rt.Topic, partition: rp.Partition}
			seen[tp] = true
			ts, ok := order[tp]
			if !ok {
				p.log.Log(LogLevelError, "produce response names a topic/partition we did not send", "topic", rt.Topic, "partition", rp.Partition)
				continue
			}
			var resultErr error
			if rp.ErrorCode != kproto.ErrNone {
				resultErr = &RequestError{Code: rp.ErrorCode, Endpoint: g.conn.Endpoint()}
			}
			for i, t := range ts {
				p.completeTask(t, ProduceResult{Offset: rp.BaseOffset + int64(i), Err: resultErr})
			}
		}
	}
	for tp, ts := range order {
		if seen[tp] {
			continue
		}
		p.log.Log(LogLevelWarn, "no response for produced topic/partition", "topic", tp.topic, "partition", tp.partition)
		for _, t := range ts {
			p.completeTask(t, ProduceResult{Offset: -1, Err: &RequestError{Code: kproto.ErrUnknownTopicOrPartition, Endpoint: g.conn.Endpoint()}})
		}
	}
}

func (p *Producer) completeTask(t *produceTask, r ProduceResult) {
	t.done <- r
	atomic.AddInt64(&p.sendingCount, -1)
}
