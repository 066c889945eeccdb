package kcore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNopLoggerDiscardsSilently(t *testing.T) {
	var l Logger = nopLogger{}
	require.NotPanics(t, func() {
		l.Log(LogLevelError, "should be discarded", "key", "value")
	})
}

func TestLogLevelString(t *testing.T) {
	require.Equal(t, "debug", LogLevelDebug.String())
	require.Equal(t, "info", LogLevelInfo.String())
	require.Equal(t, "warn", LogLevelWarn.String())
	require.Equal(t, "error", LogLevelError.String())
	require.Equal(t, "unknown", LogLevel(99).String())
}

func TestNewLoggerDoesNotPanic(t *testing.T) {
	l := NewLogger(LogLevelInfo)
	require.NotPanics(t, func() {
		l.Log(LogLevelWarn, "test message", "a", 1, "b", "two")
	})
}
