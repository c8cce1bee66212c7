package uatcp

import "log/slog"

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation or use the default slog logger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

const (
	categoryKey     = "category"
	networkCategory = "network"
)

// networkLogger tags every record with the network category.
// A nil logger falls back to the default.
func networkLogger(logger Logger) Logger {
	if logger == nil {
		logger = defaultLogger()
	}
	switch l := logger.(type) {
	case *slog.Logger:
		return l.With(categoryKey, networkCategory)
	case categoryLogger:
		return l
	default:
		return categoryLogger{next: l}
	}
}

// categoryLogger adds the category to each call of a logger that cannot
// carry attributes itself.
type categoryLogger struct {
	next Logger
}

func (l categoryLogger) with(args []any) []any {
	return append([]any{categoryKey, networkCategory}, args...)
}

func (l categoryLogger) Debug(msg string, args ...any) { l.next.Debug(msg, l.with(args)...) }
func (l categoryLogger) Info(msg string, args ...any)  { l.next.Info(msg, l.with(args)...) }
func (l categoryLogger) Warn(msg string, args ...any)  { l.next.Warn(msg, l.with(args)...) }
func (l categoryLogger) Error(msg string, args ...any) { l.next.Error(msg, l.with(args)...) }
