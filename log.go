package gocal

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/fxsml/gocal/codec"
)

// LogLevel represents the severity level for logging messages.
type LogLevel string

const (
	// LogLevelDebug is used for detailed information.
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo is used for general information messages.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn is used for warning conditions.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError is used for error conditions.
	LogLevelError LogLevel = "error"
)

// Logger defines an interface for logging at different severity levels.
// *slog.Logger satisfies it.
type Logger interface {
	// Debug logs a message at debug level.
	Debug(msg string, args ...any)
	// Info logs a message at info level.
	Info(msg string, args ...any)
	// Warn logs a message at warning level.
	Warn(msg string, args ...any)
	// Error logs a message at error level.
	Error(msg string, args ...any)
}

// LogConfig configures how send and receive outcomes are logged.
// Defaults are used for any fields not set.
type LogConfig struct {
	// Args are additional arguments to include in all log messages.
	Args []any

	// LevelSuccess is the log level for successful sends and deliveries.
	// Defaults to LogLevelDebug.
	LevelSuccess LogLevel
	// LevelSkip is the log level for sends abandoned by a payload writer.
	// Defaults to LogLevelDebug.
	LevelSkip LogLevel
	// LevelDrop is the log level for received buffers dropped because they
	// could not be decoded.
	// Defaults to LogLevelWarn.
	LevelDrop LogLevel
	// LevelFailure is the log level for failed operations.
	// Defaults to LogLevelError.
	LevelFailure LogLevel

	// MessageSuccess defaults to "GOCAL: Success".
	MessageSuccess string
	// MessageSkip defaults to "GOCAL: Skip".
	MessageSkip string
	// MessageDrop defaults to "GOCAL: Drop".
	MessageDrop string
	// MessageFailure defaults to "GOCAL: Failure".
	MessageFailure string

	// Disabled disables all logging when set to true.
	Disabled bool
}

var defaultLogConfig = LogConfig{
	LevelSuccess:   LogLevelDebug,
	LevelSkip:      LogLevelDebug,
	LevelDrop:      LogLevelWarn,
	LevelFailure:   LogLevelError,
	MessageSuccess: "GOCAL: Success",
	MessageSkip:    "GOCAL: Skip",
	MessageDrop:    "GOCAL: Drop",
	MessageFailure: "GOCAL: Failure",
}

// ParseLogLevel normalizes a textual log level.
func ParseLogLevel(level string) LogLevel {
	return LogLevel(strings.ToLower(strings.TrimSpace(level)))
}

// SlogLevel converts l to a slog.Level. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch ParseLogLevel(string(l)) {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *LogConfig) parse() *LogConfig {
	if c == nil {
		c = &LogConfig{}
	}
	cfg := *c
	set := func(level *LogLevel, def LogLevel) {
		*level = ParseLogLevel(string(*level))
		if *level == "" {
			*level = def
		}
	}
	set(&cfg.LevelSuccess, defaultLogConfig.LevelSuccess)
	set(&cfg.LevelSkip, defaultLogConfig.LevelSkip)
	set(&cfg.LevelDrop, defaultLogConfig.LevelDrop)
	set(&cfg.LevelFailure, defaultLogConfig.LevelFailure)
	if cfg.MessageSuccess == "" {
		cfg.MessageSuccess = defaultLogConfig.MessageSuccess
	}
	if cfg.MessageSkip == "" {
		cfg.MessageSkip = defaultLogConfig.MessageSkip
	}
	if cfg.MessageDrop == "" {
		cfg.MessageDrop = defaultLogConfig.MessageDrop
	}
	if cfg.MessageFailure == "" {
		cfg.MessageFailure = defaultLogConfig.MessageFailure
	}
	return &cfg
}

func logFunc(level LogLevel, log Logger) func(msg string, args ...any) {
	switch level {
	case LogLevelDebug:
		return log.Debug
	case LogLevelWarn:
		return log.Warn
	case LogLevelError:
		return log.Error
	default:
		return log.Info
	}
}

func appendArgs(args ...[]any) []any {
	l := 0
	for _, a := range args {
		l += len(a)
	}
	result := make([]any, 0, l)
	for _, a := range args {
		result = append(result, a...)
	}
	return result
}

// NewMetricsLogger returns a MetricsCollector that logs every record at the
// level configured for its outcome. Returns nil when logging is disabled.
func NewMetricsLogger(log Logger, config *LogConfig) MetricsCollector {
	config = config.parse()
	if config.Disabled {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	logSuccess := logFunc(config.LevelSuccess, log)
	logSkip := logFunc(config.LevelSkip, log)
	logDrop := logFunc(config.LevelDrop, log)
	logFailure := logFunc(config.LevelFailure, log)
	return func(m *Metrics) {
		switch {
		case m.Error == nil && m.Skipped:
			logSkip(config.MessageSkip, appendArgs(config.Args, m.args())...)
		case m.Error == nil:
			logSuccess(config.MessageSuccess, appendArgs(config.Args, m.args())...)
		case errors.Is(m.Error, codec.ErrDecoding):
			logDrop(config.MessageDrop, appendArgs(config.Args, m.args(), []any{"error", m.Error})...)
		default:
			logFailure(config.MessageFailure, appendArgs(config.Args, m.args(), []any{"error", m.Error})...)
		}
	}
}
