package kcore

import (
	"os"

	"github.com/rs/zerolog"
)

// LogLevel is a four-level scheme: debug/info/warn/error, no further
// granularity.
type LogLevel int8

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Logger is the structured-logging contract used throughout this
// package: one method, a level, a message, and alternating key/value
// pairs.
type Logger interface {
	Log(level LogLevel, msg string, keyvals ...interface{})
}

// nopLogger discards everything; used as the default when no Logger is
// configured.
type nopLogger struct{}

func (nopLogger) Log(LogLevel, string, ...interface{}) {}

// zerologLogger adapts Logger onto github.com/rs/zerolog, giving the
// default logger structured, levelled output instead of a bare
// log.Logger.
type zerologLogger struct {
	z zerolog.Logger
}

// NewLogger returns the default Logger implementation, a zerolog console
// writer at the given minimum level.
func NewLogger(min LogLevel) Logger {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	switch min {
	case LogLevelDebug:
		zl = zl.Level(zerolog.DebugLevel)
	case LogLevelInfo:
		zl = zl.Level(zerolog.InfoLevel)
	case LogLevelWarn:
		zl = zl.Level(zerolog.WarnLevel)
	case LogLevelError:
		zl = zl.Level(zerolog.ErrorLevel)
	}
	return &zerologLogger{z: zl}
}

func (l *zerologLogger) Log(level LogLevel, msg string, keyvals ...interface{}) {
	var ev *zerolog.Event
	switch level {
	case LogLevelDebug:
		ev = l.z.Debug()
	case LogLevelInfo:
		ev = l.z.Info()
	case LogLevelWarn:
		ev = l.z.Warn()
	default:
		ev = l.z.Error()
	}
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, _ := keyvals[i].(string)
		if key == "" {
			key = "arg"
		}
		ev = ev.Interface(key, keyvals[i+1])
	}
	ev.Msg(msg)
}
