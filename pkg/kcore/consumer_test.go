package kcore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kcore-project/kcore/pkg/kcore"
	"github.com/kcore-project/kcore/pkg/kproto"
)

func produceOne(t *testing.T, r *kcore.Router, topic string, partition int32, value string) {
	p := kcore.NewProducer(r)
	defer p.Stop(context.Background())
	results, err := p.Send(context.Background(), []kcore.Record{{Value: []byte(value)}}, topic, partition, 1, time.Second)
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
}

func TestConsumerDeliversProducedRecords(t *testing.T) {
	srv := startFake(t)
	srv.SeedTopic("events", 1)

	r, err := kcore.NewRouter(context.Background(), []string{srv.Addr()})
	require.NoError(t, err)
	defer r.Close()

	produceOne(t, r, "events", 0, "hello")
	produceOne(t, r, "events", 0, "world")

	c := kcore.NewConsumer(r, kcore.ConsumerOptions{
		Topic:       "events",
		Partitions:  []int32{0},
		StartOffset: kproto.EarliestTimestamp,
	})
	defer c.Close()

	var got []string
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case rec := <-c.Records():
			got = append(got, string(rec.Value))
		case <-timeout:
			t.Fatal("timed out waiting for consumed records")
		}
	}
	require.Equal(t, []string{"hello", "world"}, got)
}

func TestConsumerStartOffsetLatestSkipsExisting(t *testing.T) {
	srv := startFake(t)
	srv.SeedTopic("events", 1)

	r, err := kcore.NewRouter(context.Background(), []string{srv.Addr()})
	require.NoError(t, err)
	defer r.Close()

	produceOne(t, r, "events", 0, "already-there")

	c := kcore.NewConsumer(r, kcore.ConsumerOptions{
		Topic:       "events",
		Partitions:  []int32{0},
		StartOffset: kproto.LatestTimestamp,
	})
	defer c.Close()

	produceOne(t, r, "events", 0, "fresh")

	select {
	case rec := <-c.Records():
		require.Equal(t, "fresh", string(rec.Value))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for consumed record")
	}
}

func TestConsumerLagReflectsHighWatermark(t *testing.T) {
	srv := startFake(t)
	srv.SeedTopic("events", 1)

	r, err := kcore.NewRouter(context.Background(), []string{srv.Addr()})
	require.NoError(t, err)
	defer r.Close()

	produceOne(t, r, "events", 0, "one")
	produceOne(t, r, "events", 0, "two")

	c := kcore.NewConsumer(r, kcore.ConsumerOptions{
		Topic:       "events",
		Partitions:  []int32{0},
		StartOffset: kproto.EarliestTimestamp,
	})
	defer c.Close()

	lag, err := c.Lag(context.Background(), 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, lag, int64(0))
}

func TestConsumerCloseStopsDelivery(t *testing.T) {
	srv := startFake(t)
	srv.SeedTopic("events", 1)

	r, err := kcore.NewRouter(context.Background(), []string{srv.Addr()})
	require.NoError(t, err)
	defer r.Close()

	c := kcore.NewConsumer(r, kcore.ConsumerOptions{
		Topic:       "events",
		Partitions:  []int32{0},
		StartOffset: kproto.LatestTimestamp,
	})
	c.Close()

	_, ok := <-c.Records()
	require.False(t, ok, "channel should be closed after Close")
}
