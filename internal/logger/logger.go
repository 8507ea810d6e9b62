// Package logger builds the zerolog logger shared by every component.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// New returns a root logger. env "DEV" switches to human readable console
// output; anything else logs JSON to stdout.
func New(level, env string) zerolog.Logger {
	return NewWithWriter(level, env, os.Stdout)
}

func NewWithWriter(level, env string, w io.Writer) zerolog.Logger {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = time.RFC3339Nano

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	output := w
	if env == "DEV" {
		// ConsoleWriter prettifies log, inefficient in prod.
		output = zerolog.ConsoleWriter{Out: w}
	}

	return zerolog.New(output).Level(lvl).With().Timestamp().Caller().Logger()
}
