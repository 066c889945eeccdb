package kcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewConfigFillsDefaults(t *testing.T) {
	cfg := NewConfig()
	require.Equal(t, "kcore", cfg.ClientID)
	require.Equal(t, 10*time.Second, cfg.DialTimeout)
	require.EqualValues(t, 104857600, cfg.MaxBrokerReadBytes)
	require.Equal(t, 10*time.Millisecond, cfg.CacheExpiration)
	require.Equal(t, 100, cfg.RequestParallelization)
	require.Equal(t, 200, cfg.BatchSize)
	require.NotNil(t, cfg.RefreshRetry)
	require.NotNil(t, cfg.SendRetry)
}

func TestApplyOptionsOverrideDefaults(t *testing.T) {
	cfg := apply([]Option{
		WithClientID("my-app"),
		WithBatchSize(50),
		WithCacheExpiration(time.Second),
	})
	require.Equal(t, "my-app", cfg.ClientID)
	require.Equal(t, 50, cfg.BatchSize)
	require.Equal(t, time.Second, cfg.CacheExpiration)
}

func TestConfigLoggerDefaultsToNop(t *testing.T) {
	cfg := NewConfig()
	require.IsType(t, nopLogger{}, cfg.logger())
}

func TestWithLoggerStoresLogger(t *testing.T) {
	custom := &zerologLogger{}
	cfg := apply([]Option{WithLogger(custom)})
	require.Same(t, custom, cfg.logger())
}

func TestDefaultRetryPolicyCapsAttempts(t *testing.T) {
	policy := defaultRetryPolicy()
	attempts := 0
	for {
		d := policy.NextBackOff()
		if d < 0 {
			break
		}
		attempts++
		if attempts > 10 {
			t.Fatal("retry policy did not cap attempts")
		}
	}
	require.Equal(t, 3, attempts)
}
