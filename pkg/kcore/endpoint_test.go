package kcore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveEndpointBareHostPort(t *testing.T) {
	ep, err := ResolveEndpoint("127.0.0.1:9092")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9092", ep.Addr)
}

func TestResolveEndpointSchemeURI(t *testing.T) {
	ep, err := ResolveEndpoint("kafka://127.0.0.1:9093")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9093", ep.Addr)
}

func TestResolveEndpointInvalid(t *testing.T) {
	_, err := ResolveEndpoint("not a valid host:::")
	require.Error(t, err)
}

func TestEndpointEqualityByAddrOnly(t *testing.T) {
	a := Endpoint{URI: "seed-1:9092", Addr: "127.0.0.1:9092"}
	b := Endpoint{URI: "different-uri:9092", Addr: "127.0.0.1:9092"}
	require.True(t, a.Equal(b))

	c := Endpoint{URI: "seed-1:9092", Addr: "127.0.0.1:9093"}
	require.False(t, a.Equal(c))
}

func TestEndpointStringPrefersURI(t *testing.T) {
	e := Endpoint{URI: "seed-1:9092", Addr: "127.0.0.1:9092"}
	require.Equal(t, "seed-1:9092", e.String())

	bare := Endpoint{Addr: "127.0.0.1:9092"}
	require.Equal(t, "127.0.0.1:9092", bare.String())
}
