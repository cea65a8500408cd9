package slogx

import (
	"log/slog"
)

// LevelCritical sits above slog.LevelError. Handlers without a dedicated
// mapping render it as an error with a +4 offset.
const LevelCritical = slog.Level(12)

// Error returns a slog.Attr representing the provided error.
// The attribute key is "error" and the value is the error's message.
// A nil error yields an empty string so callers can log unconditionally.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// Event returns the attribute used for integration event names.
func Event(name string) slog.Attr {
	return slog.String("event", name)
}

// Handler returns the attribute used for handler descriptor names.
func Handler(name string) slog.Attr {
	return slog.String("handler", name)
}

const (
	// KeyLoggerName is the key for the component logger name.
	KeyLoggerName = "logger"
)

// LoggerName creates a slog.Attr with the provided logger name.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

// OrDiscard returns logger, or a logger that drops every record when logger is nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.DiscardHandler)
}
