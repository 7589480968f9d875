// Package logging builds the process-wide structured logger, grounded
// on the pack's adred-codev-ws_poc/src/logger.go: JSON by default,
// a human-readable console writer for local development, timestamp and
// service fields on every record.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger for level/format, both taken verbatim
// from Config.LogLevel / Config.LogFormat ("json" or "console").
func New(level, format string) zerolog.Logger {
	var output io.Writer = os.Stdout
	if format == "console" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	zerolog.SetGlobalLevel(parseLevel(level))

	return zerolog.New(output).With().
		Timestamp().
		Str("service", "candlegate-gateway").
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
