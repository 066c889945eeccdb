package kcore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kcore-project/kcore/pkg/kcore"
)

func TestProducerSendAssignsOffsets(t *testing.T) {
	srv := startFake(t)
	srv.SeedTopic("orders", 1)

	r, err := kcore.NewRouter(context.Background(), []string{srv.Addr()})
	require.NoError(t, err)
	defer r.Close()

	p := kcore.NewProducer(r)
	defer p.Stop(context.Background())

	records := []kcore.Record{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Value: []byte("3")},
	}
	results, err := p.Send(context.Background(), records, "orders", 0, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, res := range results {
		require.NoError(t, res.Err)
		require.GreaterOrEqual(t, res.Offset, int64(0))
	}
	require.Equal(t, results[0].Offset+1, results[1].Offset)
	require.Equal(t, results[1].Offset+1, results[2].Offset)
}

func TestProducerSendWithAckZeroReturnsImmediately(t *testing.T) {
	srv := startFake(t)
	srv.SeedTopic("orders", 1)

	r, err := kcore.NewRouter(context.Background(), []string{srv.Addr()})
	require.NoError(t, err)
	defer r.Close()

	p := kcore.NewProducer(r)
	defer p.Stop(context.Background())

	records := []kcore.Record{{Key: []byte("k"), Value: []byte("v")}}
	results, err := p.Send(context.Background(), records, "orders", 0, 0, time.Second)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
}

func TestProducerSendLetsSelectorChoosePartition(t *testing.T) {
	srv := startFake(t)
	srv.SeedTopic("orders", 1)

	r, err := kcore.NewRouter(context.Background(), []string{srv.Addr()})
	require.NoError(t, err)
	defer r.Close()

	p := kcore.NewProducer(r)
	defer p.Stop(context.Background())

	records := []kcore.Record{{Key: []byte("k"), Value: []byte("v")}}
	results, err := p.Send(context.Background(), records, "orders", -1, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
}

func TestProducerFlushWaitsForPendingSends(t *testing.T) {
	srv := startFake(t)
	srv.SeedTopic("orders", 1)

	r, err := kcore.NewRouter(context.Background(), []string{srv.Addr()})
	require.NoError(t, err)
	defer r.Close()

	p := kcore.NewProducer(r)
	defer p.Stop(context.Background())

	go func() {
		_, _ = p.Send(context.Background(), []kcore.Record{{Value: []byte("v")}}, "orders", 0, 1, time.Second)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Flush(ctx))
	require.Equal(t, int64(0), p.SendingCount())
}

func TestProducerStopIsIdempotent(t *testing.T) {
	srv := startFake(t)
	srv.SeedTopic("orders", 1)

	r, err := kcore.NewRouter(context.Background(), []string{srv.Addr()})
	require.NoError(t, err)
	defer r.Close()

	p := kcore.NewProducer(r)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.Stop(ctx))
}
