// Package logging builds the root structured logger shared by every
// long-lived component of the proxy. Components take a *slog.Logger
// through their constructors rather than calling the top-level slog
// functions, so tests can inject a discard logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// New builds the root logger. Standard output is reserved for the MCP
// stream (stdio transport), so every handler here writes to stderr.
// debug selects a human-readable text handler at LevelDebug, mirroring
// the DEBUG environment variable's effect; otherwise a JSON
// handler at LevelInfo is used, matching the quieter default a
// subprocess proxy should have on a shared stderr with its children.
func New(debug bool) *slog.Logger {
	return NewWithWriter(os.Stderr, debug)
}

// NewWithWriter is New with an explicit writer, for tests that want to
// capture log output instead of writing to stderr.
func NewWithWriter(w io.Writer, debug bool) *slog.Logger {
	if debug {
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Discard returns a logger that drops everything, for tests that don't
// care about log output but need a non-nil logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Truthy implements the loose boolean parsing this proxy's recognized
// environment variables share (DEBUG, WRAPPER_ERROR_PASSTHROUGH, ...):
// "1", "true", "True" and "TRUE" are truthy, everything else (other
// casings included) isn't.
func Truthy(v string) bool {
	switch v {
	case "1", "true", "True", "TRUE":
		return true
	default:
		return false
	}
}
