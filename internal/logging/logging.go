// Package logging builds the single zerolog.Logger the cmd entry point
// constructs once at startup and threads into every component via
// constructor injection, following the teacher's convention of per-component
// sub-loggers rather than a package-level global.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a console-writer logger at the given level, suitable for an
// interactive terminal; levelName accepts zerolog's level strings
// ("debug", "info", "warn", "error") and falls back to "info" on anything
// else so a typo'd flag never silences the logger entirely.
func New(levelName string) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		level = zerolog.InfoLevel
	}

	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// NewJSON builds a JSON-line logger writing to w, for non-interactive
// contexts (log aggregation, piping to a file) where ConsoleWriter's
// formatting cost and ANSI coloring are unwanted.
func NewJSON(w io.Writer, levelName string) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
