package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger writes one JSON object per event. Fields are flattened into the
// top-level object next to time, level and msg.
type Logger struct {
	base *slog.Logger
}

func NewLogger() *Logger {
	return NewLoggerWithOptions(os.Stdout, "info")
}

func NewLoggerWithOptions(w io.Writer, level string) *Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return &Logger{base: slog.New(h)}
}

// With returns a logger that adds fields to every event.
func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{base: slog.New(l.base.Handler().WithAttrs(attrs(fields)))}
}

func (l *Logger) Debug(message string, fields map[string]any) {
	l.write(slog.LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.write(slog.LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.write(slog.LevelWarn, message, fields)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.write(slog.LevelError, message, fields)
}

func (l *Logger) write(level slog.Level, message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.base.LogAttrs(context.Background(), level, message, attrs(fields)...)
}

func attrs(fields map[string]any) []slog.Attr {
	out := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		out = append(out, slog.Any(k, v))
	}
	return out
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
