package kcore

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kcore-project/kcore/pkg/kframe"
	"github.com/kcore-project/kcore/pkg/kproto"
)

// rawServer accepts exactly one connection and lets the test script
// exactly what bytes come back and when, so correlation-multiplexing
// and abandoned-ID behavior can be exercised precisely.
type rawServer struct {
	ln   net.Listener
	conn net.Conn
}

func newRawServer(t *testing.T) *rawServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &rawServer{ln: ln}
}

func (s *rawServer) accept(t *testing.T) {
	conn, err := s.ln.Accept()
	require.NoError(t, err)
	s.conn = conn
}

func (s *rawServer) readRequest(t *testing.T) (apiKey int16, corrID int32) {
	payload, err := kframe.ReadFrame(s.conn, kframe.DefaultMaxSize)
	require.NoError(t, err)
	r := kproto.Reader{Src: payload}
	apiKey = r.Int16()
	_ = r.Int16()
	corrID = r.Int32()
	_ = r.String()
	require.NoError(t, r.Err())
	return apiKey, corrID
}

func (s *rawServer) sendMetadataResponse(t *testing.T, corrID int32) {
	resp := &kproto.MetadataResponse{Brokers: []kproto.MetadataBroker{{NodeID: 1, Host: "h", Port: 1}}}
	out := kproto.AppendInt32(nil, corrID)
	out = resp.AppendBody(out)
	require.NoError(t, kframe.WriteFrame(s.conn, out))
}

func (s *rawServer) close() {
	if s.conn != nil {
		s.conn.Close()
	}
	s.ln.Close()
}

func dialConnection(t *testing.T, addr string) *Connection {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return newConnection(Endpoint{Addr: addr}, conn, nopLogger{}, "test-client", 1<<20)
}

func TestConnectionSendReceivesMatchingResponse(t *testing.T) {
	srv := newRawServer(t)
	defer srv.close()

	c := dialConnection(t, srv.ln.Addr().String())
	defer c.Close()
	srv.accept(t)

	done := make(chan struct{})
	var resp kproto.Response
	var sendErr error
	go func() {
		resp, sendErr = c.Send(context.Background(), &kproto.MetadataRequest{}, time.Time{})
		close(done)
	}()

	_, corrID := srv.readRequest(t)
	srv.sendMetadataResponse(t, corrID)

	<-done
	require.NoError(t, sendErr)
	mr, ok := resp.(*kproto.MetadataResponse)
	require.True(t, ok)
	require.Len(t, mr.Brokers, 1)
}

func TestConnectionMultiplexesOutOfOrderResponses(t *testing.T) {
	srv := newRawServer(t)
	defer srv.close()

	c := dialConnection(t, srv.ln.Addr().String())
	defer c.Close()
	srv.accept(t)

	const n = 5
	done := make([]chan struct{}, n)
	for i := range done {
		done[i] = make(chan struct{})
	}
	corrIDs := make([]int32, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			_, err := c.Send(context.Background(), &kproto.MetadataRequest{}, time.Time{})
			require.NoError(t, err)
			close(done[i])
		}()
	}

	for i := 0; i < n; i++ {
		_, corrID := srv.readRequest(t)
		corrIDs[i] = corrID
	}

	// Reply in reverse order -- multiplexing must route each response to
	// the task that issued the matching correlation ID, not by send order.
	for i := n - 1; i >= 0; i-- {
		srv.sendMetadataResponse(t, corrIDs[i])
	}

	for i := 0; i < n; i++ {
		<-done[i]
	}
}

func TestConnectionAbandonsOnContextCancel(t *testing.T) {
	srv := newRawServer(t)
	defer srv.close()

	c := dialConnection(t, srv.ln.Addr().String())
	defer c.Close()
	srv.accept(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		_, err := c.Send(ctx, &kproto.MetadataRequest{}, time.Time{})
		done <- err
	}()

	_, corrID := srv.readRequest(t)
	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, c.pendingCount())

	// A late reply to the already-abandoned correlation ID must not kill
	// the connection.
	srv.sendMetadataResponse(t, corrID)
	time.Sleep(20 * time.Millisecond)
	require.False(t, c.Dead())
}

func TestConnectionTimesOut(t *testing.T) {
	srv := newRawServer(t)
	defer srv.close()

	c := dialConnection(t, srv.ln.Addr().String())
	defer c.Close()
	srv.accept(t)

	_, err := c.Send(context.Background(), &kproto.MetadataRequest{}, time.Now().Add(20*time.Millisecond))
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestConnectionFailsPendingOnIOError(t *testing.T) {
	srv := newRawServer(t)
	defer srv.close()

	c := dialConnection(t, srv.ln.Addr().String())
	srv.accept(t)

	done := make(chan error)
	go func() {
		_, err := c.Send(context.Background(), &kproto.MetadataRequest{}, time.Time{})
		done <- err
	}()
	srv.readRequest(t)
	srv.conn.Close()

	err := <-done
	require.Error(t, err)
	require.True(t, c.Dead())
	require.Equal(t, 0, c.pendingCount())
}
