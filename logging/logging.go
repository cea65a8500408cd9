// Package logging builds the slog logger used across the bus, backed by zerolog.
package logging

import (
	"io"
	"log/slog"
	"time"

	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// New returns a logger writing to w at level. FormatJSON emits one JSON object per
// record; anything else renders human-readable console output.
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	var zl zerolog.Logger

	if format == FormatJSON {
		zl = zerolog.New(w)
	} else {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp})
	}

	zl = zl.With().Timestamp().Logger()

	return slog.New(zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: level}))
}
