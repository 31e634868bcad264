package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	id "tachikoma/internal/utils/id"
)

// Logger wraps slog for structured logging
type Logger struct {
	logger *slog.Logger
}

// LogConfig configures the logger
type LogConfig struct {
	Level   string // debug, info, warn, error
	Format  string // json, text
	Service string // service name stamped on every entry
	Output  io.Writer
}

// NewLogger creates a new structured logger
func NewLogger(config LogConfig) *Logger {
	level := slog.LevelInfo
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if config.Format == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	logger := slog.New(handler)
	if config.Service != "" {
		logger = logger.With("service", config.Service)
	}
	return &Logger{logger: logger}
}

// WithContext adds trace, request and session identifiers from the context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	ids := id.IDsFromContext(ctx)

	var args []any
	if ids.TraceID != "" {
		args = append(args, "traceId", ids.TraceID)
	}
	if ids.SpanID != "" {
		args = append(args, "spanId", ids.SpanID)
	}
	if ids.RequestID != "" {
		args = append(args, "requestId", ids.RequestID)
	}
	if ids.SessionID != "" {
		args = append(args, "sessionId", ids.SessionID)
	}
	if ids.UserID != "" {
		args = append(args, "userId", ids.UserID)
	}
	if len(args) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(args...)}
}

// With adds additional fields to the logger
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}

// Debug logs at debug level
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Info logs at info level
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

// Warn logs at warn level
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs at error level
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// DebugContext logs at debug level with context identifiers attached.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Debug(msg, args...)
}

// InfoContext logs at info level with context identifiers attached.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Info(msg, args...)
}

// WarnContext logs at warn level with context identifiers attached.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Warn(msg, args...)
}

// ErrorContext logs at error level with context identifiers attached.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Error(msg, args...)
}
