package kcore

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kcore-project/kcore/pkg/kproto"
)

// syncBackOff wraps a backoff.BackOff so its Reset/NextBackOff
// bookkeeping is safe to call from many goroutines at once. The
// producer constructs one policy per Config and shares it across every
// concurrent sendGroup's sendCoordinator, so without this wrapper
// concurrent retries of different endpoint groups would race the
// policy's internal attempt counter and interval state.
type syncBackOff struct {
	mu     sync.Mutex
	policy backoff.BackOff
}

func (s *syncBackOff) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy.Reset()
}

func (s *syncBackOff) NextBackOff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy.NextBackOff()
}

// BrokerLocator resolves the connection a request should be sent to.
// Router satisfies this for both its topic and group lookups; tests
// substitute a fake.
type BrokerLocator func(ctx context.Context) (*Connection, error)

// sendCoordinator retries a request against whatever broker locate
// returns, classifying each failure:
//   - a broker error code whose StaleMetadata() is true calls invalidate
//     (if set) before the next attempt, so the next locate() is forced to
//     re-resolve instead of handing back the same cached, now-wrong route;
//   - any other retryable failure (RequestError.Retryable(),
//     ConnectionError, TimeoutError, CachedMetadataError) retries
//     against whatever locate() returns next, without forcing refresh;
//   - a failure of locate() itself is always retried, whatever its kind;
//   - anything else is fatal and returned immediately.
//
// Generalized to take an injectable BrokerLocator instead of a single
// hardcoded router method, and built on cenkalti/backoff/v4 rather than
// a hand-rolled sleep loop.
type sendCoordinator struct {
	locate     BrokerLocator
	policy     backoff.BackOff
	log        Logger
	invalidate func() // optional; called when a response is classified stale-metadata
}

func newSendCoordinator(locate BrokerLocator, policy backoff.BackOff, log Logger) *sendCoordinator {
	return &sendCoordinator{locate: locate, policy: policy, log: log}
}

// Send locates a broker, issues req, and retries on recoverable
// failure until ctx is done or the backoff policy gives up. The policy
// is reset at the start of every call so one sendCoordinator can be
// reused across many independent Sends.
func (s *sendCoordinator) Send(ctx context.Context, req kproto.Request) (kproto.Response, error) {
	s.policy.Reset()
	policy := backoff.WithContext(s.policy, ctx)

	var lastErr error
	var lastResp kproto.Response

	op := func() error {
		conn, err := s.locate(ctx)
		if err != nil {
			lastErr = err
			return err
		}

		resp, err := conn.Send(ctx, req, deadlineOf(ctx))
		if err != nil {
			lastErr = err
			if recoverableBySend(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if code, ok := responseErrorCode(resp); ok && code != kproto.ErrNone {
			reqErr := &RequestError{Code: code, Endpoint: conn.Endpoint()}
			lastErr = reqErr
			if code.StaleMetadata() && s.invalidate != nil {
				s.invalidate()
			}
			if code.Retryable() {
				return reqErr
			}
			return backoff.Permanent(reqErr)
		}

		lastErr = nil
		lastResp = resp
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return lastResp, nil
}

// responseErrorCode extracts an error code to classify resp by: the
// top-level code for single-entity responses, or the first non-zero
// per-partition code for a multi-partition Produce response (the whole
// request is retried together; a future revision could retry only the
// partitions that actually failed). Fetch responses are classified by
// the consumer directly instead, since it acts on a per-partition basis;
// Metadata responses carry no code this function reports, and the
// router does not inspect their per-topic or per-partition codes.
func responseErrorCode(resp kproto.Response) (kproto.ErrorCode, bool) {
	switch r := resp.(type) {
	case *kproto.GroupCoordinatorResponse:
		return r.ErrorCode, true
	case *kproto.ProduceResponse:
		for _, t := range r.Topics {
			for _, p := range t.Partitions {
				if p.ErrorCode != kproto.ErrNone {
					return p.ErrorCode, true
				}
			}
		}
		return kproto.ErrNone, false
	default:
		return kproto.ErrNone, false
	}
}

// deadlineOf returns ctx's deadline, or the zero time if it has none --
// Connection.Send treats a zero deadline as "no deadline beyond ctx
// cancellation".
func deadlineOf(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Time{}
}
