package kcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/kcore-project/kcore/pkg/kproto"
)

// ErrBrokerDead is returned by a broker/connection handle once it has
// been permanently stopped.
var ErrBrokerDead = fmt.Errorf("kcore: broker connection is dead")

// ErrNoSeedResolved is returned by NewRouter when none of the seed URIs
// could be both resolved to an endpoint and dialled.
var ErrNoSeedResolved = fmt.Errorf("kcore: no seed broker could be resolved")

// ErrCorrelationIDMismatch is the connection's protocol-desync error: a
// response arrived carrying a correlation ID this connection never
// issued (or already retired beyond the abandoned-id window).
var ErrCorrelationIDMismatch = fmt.Errorf("kcore: response correlation id does not match any pending request")

// ConnectionError wraps any socket, dial, or DNS failure. It is
// potentially recoverable by a metadata refresh.
type ConnectionError struct {
	Endpoint Endpoint
	Cause    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("kcore: connection error to %s: %v", e.Endpoint, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// CachedMetadataError reports a topic/partition/group the router's cache
// cannot currently resolve to a live route: missing entirely, an unknown
// partition, an unmapped leader, or a partition whose leader is being
// elected (-1). It is potentially recoverable by a metadata refresh.
type CachedMetadataError struct {
	Topic     string
	Partition int32
	GroupID   string
	Cause     error
}

func (e *CachedMetadataError) Error() string {
	if e.GroupID != "" {
		return fmt.Sprintf("kcore: no cached coordinator for group %q: %v", e.GroupID, e.Cause)
	}
	return fmt.Sprintf("kcore: no cached broker for %s/%d: %v", e.Topic, e.Partition, e.Cause)
}

func (e *CachedMetadataError) Unwrap() error { return e.Cause }

// RequestError surfaces a non-retryable broker error code, identifying
// which endpoint returned it.
type RequestError struct {
	Code     kproto.ErrorCode
	Endpoint Endpoint
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("kcore: broker %s returned %s", e.Endpoint, e.Code)
}

// FetchOutOfRangeError is raised by the consumer when a fetch offset
// falls outside the partition's retained range; the consumer handles it
// by clamping the offset.
type FetchOutOfRangeError struct {
	Topic     string
	Partition int32
	Offset    int64
}

func (e *FetchOutOfRangeError) Error() string {
	return fmt.Sprintf("kcore: offset %d out of range for %s/%d", e.Offset, e.Topic, e.Partition)
}

// BufferUnderrunError is raised when a fetch response indicates a
// message larger than the connection's current read buffer; the
// consumer retries with a larger buffer.
type BufferUnderrunError struct {
	RequiredSize int32
}

func (e *BufferUnderrunError) Error() string {
	return fmt.Sprintf("kcore: buffer underrun, need at least %d bytes", e.RequiredSize)
}

// TimeoutError is returned when a per-operation deadline elapses before
// completion.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("kcore: %s timed out", e.Op) }

// IsCancelled reports whether err represents cooperative cancellation.
// The core never invents its own cancellation error type -- it always
// propagates ctx.Err() directly.
func IsCancelled(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded
}

// recoverableBySend reports whether err, returned from Connection.Send,
// should trigger a metadata refresh and a retry rather than surfacing
// immediately to the caller.
func recoverableBySend(err error) bool {
	if err == nil {
		return false
	}
	var fetchOOR *FetchOutOfRangeError
	var timeout *TimeoutError
	var connErr *ConnectionError
	var cachedErr *CachedMetadataError
	switch {
	case errors.As(err, &fetchOOR):
		return true
	case errors.As(err, &timeout):
		return true
	case errors.As(err, &connErr):
		return true
	case errors.As(err, &cachedErr):
		return true
	default:
		return false
	}
}
