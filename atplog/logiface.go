package atplog

import (
	"fmt"
	"log/slog"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/logiface-slog/islog"
)

// NewLogifaceLogger adapts a log/slog.Handler into an atplog.Logger via
// logiface-slog, for callers who already run a slog pipeline (JSON, text,
// OpenTelemetry-aware handlers, etc.) and want ATP's events folded into it
// instead of using the dependency-free Default logger.
func NewLogifaceLogger(handler slog.Handler) Logger {
	logger := islog.L.New(islog.L.WithSlogHandler(handler))
	return &logifaceLogger{logger: logger}
}

type logifaceLogger struct {
	logger *logiface.Logger[*islog.Event]
}

func (l *logifaceLogger) IsEnabled(level Level) bool {
	return l.logger.Level() >= toLogifaceLevel(level)
}

func (l *logifaceLogger) Log(entry Entry) {
	b := l.logger.Build(toLogifaceLevel(entry.Level))
	if b == nil {
		return
	}
	b = b.Str("category", entry.Category)
	if entry.SocketID != 0 {
		b = b.Uint64("socket", entry.SocketID)
	}
	for k, v := range entry.Fields {
		b = b.Str(k, toString(v))
	}
	if entry.Err != nil {
		b = b.Err(entry.Err)
	}
	b.Log(entry.Message)
}

func toLogifaceLevel(level Level) logiface.Level {
	switch level {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelInfo:
		return logiface.LevelInformational
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
