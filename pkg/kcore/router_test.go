package kcore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kcore-project/kcore/internal/kfake"
	"github.com/kcore-project/kcore/pkg/kcore"
)

func startFake(t *testing.T) *kfake.Server {
	srv := kfake.NewServer()
	_, err := srv.Start()
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestRouterResolvesTopicBrokerFromFake(t *testing.T) {
	srv := startFake(t)
	srv.SeedTopic("orders", 3)

	r, err := kcore.NewRouter(context.Background(), []string{srv.Addr()})
	require.NoError(t, err)
	defer r.Close()

	conn, err := r.GetTopicBroker(context.Background(), "orders", 0)
	require.NoError(t, err)
	require.NotNil(t, conn)
}

func TestRouterPartitionsListsAllPartitions(t *testing.T) {
	srv := startFake(t)
	srv.SeedTopic("orders", 4)

	r, err := kcore.NewRouter(context.Background(), []string{srv.Addr()})
	require.NoError(t, err)
	defer r.Close()

	parts, err := r.Partitions(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, parts, 4)
}

func TestRouterFailsWithNoResolvableSeed(t *testing.T) {
	_, err := kcore.NewRouter(context.Background(), []string{"not a valid host:::", "also bad:::"})
	require.ErrorIs(t, err, kcore.ErrNoSeedResolved)
}

func TestRouterToleratesSomeUnresolvableSeeds(t *testing.T) {
	srv := startFake(t)
	srv.SeedTopic("orders", 1)

	r, err := kcore.NewRouter(context.Background(), []string{"not a valid host:::", srv.Addr()})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.GetTopicBroker(context.Background(), "orders", 0)
	require.NoError(t, err)
}

func TestRouterCachesMetadataWithinExpiration(t *testing.T) {
	srv := startFake(t)
	srv.SeedTopic("orders", 1)

	r, err := kcore.NewRouter(context.Background(), []string{srv.Addr()}, kcore.WithCacheExpiration(time.Minute))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.GetTopicBroker(context.Background(), "orders", 0)
	require.NoError(t, err)
	// Second lookup should be served from cache without error even though
	// no further metadata request is strictly required.
	_, err = r.GetTopicBroker(context.Background(), "orders", 0)
	require.NoError(t, err)
}

func TestRouterGetGroupBroker(t *testing.T) {
	srv := startFake(t)

	r, err := kcore.NewRouter(context.Background(), []string{srv.Addr()})
	require.NoError(t, err)
	defer r.Close()

	conn, err := r.GetGroupBroker(context.Background(), "my-group")
	require.NoError(t, err)
	require.NotNil(t, conn)
}

func TestRouterUnknownTopicRefreshesThenFails(t *testing.T) {
	srv := startFake(t)

	r, err := kcore.NewRouter(context.Background(), []string{srv.Addr()}, kcore.WithCacheExpiration(0))
	require.NoError(t, err)
	defer r.Close()

	// The fake auto-creates a single-partition topic on first metadata
	// lookup, so partition 0 always resolves; a nonexistent partition on
	// the newly-created topic should fail with a cached-metadata error.
	_, err = r.GetTopicBroker(context.Background(), "brand-new-topic", 7)
	require.Error(t, err)
}
