// Package logging provides structured JSON logging for sandboxd, built on
// zerolog: a single global logger initialized once at startup, plus small
// helpers for attaching request- and session-scoped fields.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, set by Init.
var Logger zerolog.Logger

// Config holds logging configuration.
type Config struct {
	Level  string
	Pretty bool
	Output io.Writer
}

// Init initializes the global logger. Unrecognized levels fall back to info.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithRequestID returns a child logger scoped to one HTTP request.
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}

// WithSessionID returns a child logger scoped to one sandbox session.
func WithSessionID(sessionID string) zerolog.Logger {
	return Logger.With().Str("session_id", sessionID).Logger()
}
