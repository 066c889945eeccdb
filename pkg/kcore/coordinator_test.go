package kcore

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/kcore-project/kcore/pkg/kframe"
	"github.com/kcore-project/kcore/pkg/kproto"
)

func testPolicy() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 5)
}

func (s *rawServer) readCoordinatorRequest(t *testing.T) int32 {
	_, corrID := s.readRequest(t)
	return corrID
}

func (s *rawServer) sendCoordinatorResponse(t *testing.T, corrID int32, code kproto.ErrorCode) {
	resp := &kproto.GroupCoordinatorResponse{ErrorCode: code, CoordinatorID: 1, CoordinatorHost: "h", CoordinatorPort: 9092}
	out := kproto.AppendInt32(nil, corrID)
	out = resp.AppendBody(out)
	require.NoError(t, kframe.WriteFrame(s.conn, out))
}

func TestSendCoordinatorSucceedsFirstTry(t *testing.T) {
	srv := newRawServer(t)
	defer srv.close()

	c := dialConnection(t, srv.ln.Addr().String())
	defer c.Close()
	srv.accept(t)

	locate := func(ctx context.Context) (*Connection, error) { return c, nil }
	sc := newSendCoordinator(locate, testPolicy(), nopLogger{})

	done := make(chan struct{})
	var err error
	go func() {
		_, err = sc.Send(context.Background(), &kproto.GroupCoordinatorRequest{GroupID: "g"})
		close(done)
	}()

	corrID := srv.readCoordinatorRequest(t)
	srv.sendCoordinatorResponse(t, corrID, kproto.ErrNone)

	<-done
	require.NoError(t, err)
}

func TestSendCoordinatorRetriesRetryableCode(t *testing.T) {
	srv := newRawServer(t)
	defer srv.close()

	c := dialConnection(t, srv.ln.Addr().String())
	defer c.Close()
	srv.accept(t)

	locate := func(ctx context.Context) (*Connection, error) { return c, nil }
	sc := newSendCoordinator(locate, testPolicy(), nopLogger{})

	done := make(chan struct{})
	var err error
	go func() {
		_, err = sc.Send(context.Background(), &kproto.GroupCoordinatorRequest{GroupID: "g"})
		close(done)
	}()

	corrID := srv.readCoordinatorRequest(t)
	srv.sendCoordinatorResponse(t, corrID, kproto.ErrRequestTimedOut)

	corrID = srv.readCoordinatorRequest(t)
	srv.sendCoordinatorResponse(t, corrID, kproto.ErrNone)

	<-done
	require.NoError(t, err)
}

func TestSendCoordinatorStopsOnNonRetryableCode(t *testing.T) {
	srv := newRawServer(t)
	defer srv.close()

	c := dialConnection(t, srv.ln.Addr().String())
	defer c.Close()
	srv.accept(t)

	locate := func(ctx context.Context) (*Connection, error) { return c, nil }
	sc := newSendCoordinator(locate, testPolicy(), nopLogger{})

	done := make(chan struct{})
	var err error
	go func() {
		_, err = sc.Send(context.Background(), &kproto.GroupCoordinatorRequest{GroupID: "g"})
		close(done)
	}()

	corrID := srv.readCoordinatorRequest(t)
	srv.sendCoordinatorResponse(t, corrID, kproto.ErrUnknownTopicOrPartition)

	<-done
	require.Error(t, err)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, kproto.ErrUnknownTopicOrPartition, reqErr.Code)
}

func (s *rawServer) sendProduceResponse(t *testing.T, corrID int32, code kproto.ErrorCode) {
	resp := &kproto.ProduceResponse{Topics: []kproto.ProduceResponseTopic{
		{Topic: "orders", Partitions: []kproto.ProduceResponsePartition{
			{Partition: 0, ErrorCode: code, BaseOffset: 42},
		}},
	}}
	out := kproto.AppendInt32(nil, corrID)
	out = resp.AppendBody(out)
	require.NoError(t, kframe.WriteFrame(s.conn, out))
}

// TestSendCoordinatorRetriesStaleProduceMetadata exercises the
// stale-metadata produce retry directly against sendCoordinator's
// ProduceResponse classification: a NotLeaderForPartition on the first
// attempt calls invalidate and retries, and the second attempt
// succeeds once the (fake) route has been corrected.
func TestSendCoordinatorRetriesStaleProduceMetadata(t *testing.T) {
	srv := newRawServer(t)
	defer srv.close()

	c := dialConnection(t, srv.ln.Addr().String())
	defer c.Close()
	srv.accept(t)

	locate := func(ctx context.Context) (*Connection, error) { return c, nil }
	sc := newSendCoordinator(locate, testPolicy(), nopLogger{})
	var invalidated bool
	sc.invalidate = func() { invalidated = true }

	req := &kproto.ProduceRequest{Acks: 1, TimeoutMs: 1000, Topics: []kproto.ProduceRequestTopic{
		{Topic: "orders", Partitions: []kproto.ProduceRequestPartition{{Partition: 0, RecordSet: []byte{0}}}},
	}}

	done := make(chan struct{})
	var resp kproto.Response
	var err error
	go func() {
		resp, err = sc.Send(context.Background(), req)
		close(done)
	}()

	corrID := srv.readCoordinatorRequest(t)
	srv.sendProduceResponse(t, corrID, kproto.ErrNotLeaderForPartition)

	corrID = srv.readCoordinatorRequest(t)
	srv.sendProduceResponse(t, corrID, kproto.ErrNone)

	<-done
	require.NoError(t, err)
	require.True(t, invalidated)
	pr, ok := resp.(*kproto.ProduceResponse)
	require.True(t, ok)
	require.Equal(t, int64(42), pr.Topics[0].Partitions[0].BaseOffset)
}

func TestSendCoordinatorSurfacesLocateFailure(t *testing.T) {
	wantErr := &ConnectionError{Cause: ErrBrokerDead}
	locate := func(ctx context.Context) (*Connection, error) { return nil, wantErr }
	sc := newSendCoordinator(locate, backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2), nopLogger{})

	_, err := sc.Send(context.Background(), &kproto.GroupCoordinatorRequest{GroupID: "g"})
	require.ErrorIs(t, err, ErrBrokerDead)
}
