// Package logger builds the zerolog loggers shared by every component.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls logger construction.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Console renders human readable lines instead of JSON.
	Console bool
	// Writer defaults to stderr.
	Writer io.Writer
}

// New creates a logger with timestamps and the requested level.
func New(opts Options) zerolog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if opts.Console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything; used by tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
