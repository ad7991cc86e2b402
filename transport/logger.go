package transport

import (
	"errors"
	"log/slog"
)

// ErrTopicMismatch reports a publisher and subscriber on the same topic name
// with incompatible data types.
var ErrTopicMismatch = errors.New("transport: topic data type mismatch")

// Logger is the logging interface transports report through.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// LoggerOrDefault returns l, or slog.Default() when l is nil.
func LoggerOrDefault(l Logger) Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
