package kproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetadataResponseRoundTrip(t *testing.T) {
	want := &MetadataResponse{
		Brokers: []MetadataBroker{{NodeID: 0, Host: "b1", Port: 1}},
		Topics: []MetadataTopic{
			{
				Topic: "UnitTest",
				Partitions: []MetadataPartition{
					{Partition: 0, Leader: 0, Replicas: []int32{0}, ISR: []int32{0}},
					{Partition: 1, Leader: -1},
				},
			},
		},
	}

	body := want.AppendBody(nil)
	got := &MetadataResponse{}
	require.NoError(t, got.ReadFrom(body))
	require.Equal(t, want, got)
}

func TestProduceResponseRoundTrip(t *testing.T) {
	want := &ProduceResponse{
		Topics: []ProduceResponseTopic{
			{
				Topic: "UnitTest",
				Partitions: []ProduceResponsePartition{
					{Partition: 0, ErrorCode: ErrNone, BaseOffset: 42},
				},
			},
		},
	}

	body := want.AppendBody(nil)
	got := &ProduceResponse{}
	require.NoError(t, got.ReadFrom(body))
	require.Equal(t, want, got)
}

func TestHeaderAndCorrelationID(t *testing.T) {
	req := &MetadataRequest{Topics: []string{"a"}}
	buf := AppendHeader(nil, req, "test-client", 7)
	buf = req.AppendBody(buf)

	r := Reader{Src: buf}
	require.EqualValues(t, Metadata, r.Int16())
	require.EqualValues(t, 1, r.Int16())
	require.EqualValues(t, 7, r.Int32())
	require.Equal(t, "test-client", r.String())
	require.NoError(t, r.Err())
}

func TestErrorCodeClassification(t *testing.T) {
	require.True(t, ErrLeaderNotAvailable.StaleMetadata())
	require.True(t, ErrNotLeaderForPartition.StaleMetadata())
	require.False(t, ErrOffsetOutOfRange.StaleMetadata())

	require.True(t, ErrRequestTimedOut.Retryable())
	require.True(t, ErrBrokerNotAvailable.Retryable())
	require.False(t, ErrNone.Retryable())
	require.False(t, ErrUnknownTopicOrPartition.Retryable())
}
