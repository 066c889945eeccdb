package kcore

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/kcore-project/kcore/pkg/kframe"
	"github.com/kcore-project/kcore/pkg/kproto"
)

// abandonedCap bounds how many retired correlation IDs a connection
// remembers so a late-arriving response can be silently discarded
// instead of killing the connection as "unknown correlation id". It is
// a ring buffer, not an ever-growing set.
const abandonedCap = 4096

type pendingSlot struct {
	resp kproto.Response
	done chan struct{}
	err  error
}

// Connection is a duplex, concurrent-safe handle over a single TCP
// socket to one broker, multiplexing many in-flight request/response
// pairs by correlation ID: one pending-response slot per in-flight
// correlation ID, completed by a single background reader goroutine.
type Connection struct {
	endpoint Endpoint
	conn     net.Conn
	log      Logger
	clientID string
	maxResp  int32

	writeMu sync.Mutex

	mu          sync.Mutex
	nextCorrID  int32
	pending     map[int32]*pendingSlot
	abandoned   map[int32]struct{}
	abandonedQ  [abandonedCap]int32
	abandonedAt int

	deadOnce sync.Once
	deadCh   chan struct{}
	deadErr  error
}

func newConnection(endpoint Endpoint, conn net.Conn, log Logger, clientID string, maxResp int32) *Connection {
	c := &Connection{
		endpoint:  endpoint,
		conn:      conn,
		log:       log,
		clientID:  clientID,
		maxResp:   maxResp,
		pending:   make(map[int32]*pendingSlot),
		abandoned: make(map[int32]struct{}),
		deadCh:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send issues req and, if it expects a response, waits for the matching
// correlation ID. A zero deadline means "wait until ctx is done".
// Cancelling ctx, or the deadline elapsing, abandons the pending slot
// without affecting other in-flight sends.
func (c *Connection) Send(ctx context.Context, req kproto.Request, deadline time.Time) (kproto.Response, error) {
	select {
	case <-c.deadCh:
		return nil, c.deadErr
	default:
	}

	c.mu.Lock()
	id := c.nextCorrID
	c.nextCorrID++
	expect := req.ExpectsResponse()
	var slot *pendingSlot
	if expect {
		slot = &pendingSlot{resp: req.ResponseKind(), done: make(chan struct{})}
		c.pending[id] = slot
	}
	c.mu.Unlock()

	buf := kproto.AppendHeader(nil, req, c.clientID, id)
	buf = req.AppendBody(buf)

	if err := c.writeFrame(buf); err != nil {
		wrapped := &ConnectionError{Endpoint: c.endpoint, Cause: err}
		c.fail(wrapped)
		return nil, wrapped
	}

	if !expect {
		return nil, nil
	}

	var timerC <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-slot.done:
		return slot.resp, slot.err
	case <-timerC:
		c.abandon(id)
		return nil, &TimeoutError{Op: "send"}
	case <-ctx.Done():
		c.abandon(id)
		return nil, ctx.Err()
	case <-c.deadCh:
		return nil, c.deadErr
	}
}

// abandon removes id from the pending map (completing nothing further
// for it) and remembers it as abandoned so a late arrival is discarded
// rather than treated as protocol desync.
func (c *Connection) abandon(id int32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.rememberAbandoned(id)
	c.mu.Unlock()
}

func (c *Connection) rememberAbandoned(id int32) {
	if len(c.abandoned) >= abandonedCap {
		delete(c.abandoned, c.abandonedQ[c.abandonedAt])
	}
	c.abandonedQ[c.abandonedAt] = id
	c.abandoned[id] = struct{}{}
	c.abandonedAt = (c.abandonedAt + 1) % abandonedCap
}

func (c *Connection) writeFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return kframe.WriteFrame(c.conn, payload)
}

// readLoop is the connection's single background reader: it reads
// frames, extracts the correlation ID, dispatches to the matching
// pending slot, and fails the whole connection if it ever sees an ID it
// neither owns nor recently abandoned.
func (c *Connection) readLoop() {
	for {
		payload, err := kframe.ReadFrame(c.conn, c.maxResp)
		if err != nil {
			c.fail(&ConnectionError{Endpoint: c.endpoint, Cause: err})
			return
		}

		corrID, body, ok := kproto.CorrelationID(payload)
		if !ok {
			c.fail(&ConnectionError{Endpoint: c.endpoint, Cause: ErrCorrelationIDMismatch})
			return
		}

		c.mu.Lock()
		slot, known := c.pending[corrID]
		if known {
			delete(c.pending, corrID)
		}
		_, wasAbandoned := c.abandoned[corrID]
		c.mu.Unlock()

		if !known {
			if wasAbandoned {
				c.log.Log(LogLevelDebug, "discarding late response for abandoned correlation id", "id", corrID, "endpoint", c.endpoint.String())
				continue
			}
			c.fail(&ConnectionError{Endpoint: c.endpoint, Cause: ErrCorrelationIDMismatch})
			return
		}

		slot.err = slot.resp.ReadFrom(body)
		close(slot.done)
	}
}

// fail tears the connection down: every still-pending slot is completed
// with a connection error, subsequent Sends fail immediately, and the
// underlying socket is closed. Safe to call more than once or
// concurrently; only the first call has effect.
func (c *Connection) fail(err error) {
	c.deadOnce.Do(func() {
		c.mu.Lock()
		c.deadErr = err
		pending := c.pending
		c.pending = make(map[int32]*pendingSlot)
		c.mu.Unlock()

		for _, slot := range pending {
			slot.err = err
			close(slot.done)
		}

		close(c.deadCh)
		c.conn.Close()
		c.log.Log(LogLevelWarn, "connection failed", "endpoint", c.endpoint.String(), "err", err)
	})
}

// Close disposes the connection, as if a fatal I/O error had occurred.
// It is the router's responsibility to call this, never the
// connection's own -- the router, not the connection, is responsible
// for reconnecting.
func (c *Connection) Close() error {
	c.fail(&ConnectionError{Endpoint: c.endpoint, Cause: ErrBrokerDead})
	return nil
}

// Endpoint returns the broker endpoint this connection targets.
func (c *Connection) Endpoint() Endpoint { return c.endpoint }

// Dead reports whether the connection has failed or been closed.
func (c *Connection) Dead() bool {
	select {
	case <-c.deadCh:
		return true
	default:
		return false
	}
}

// pendingCount reports how many requests are currently awaiting a
// response. Used by tests verifying the "pending map is empty on
// dispose" invariant.
func (c *Connection) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
