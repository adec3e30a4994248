// Package logging provides structured logging for the machine server.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level is the mutable log level shared by every logger created here.
// The control socket adjusts it at runtime without restarting the node.
var Level = new(slog.LevelVar)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	Level.Set(ParseLevel(level))

	opts := &slog.HandlerOptions{
		Level: Level,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging.
const (
	KeyComponent    = "component"
	KeyConnectionID = "connection_id"
	KeyClientID     = "client_id"
	KeyTenant       = "organization_id"
	KeyMessageID    = "message_id"
	KeyMessageType  = "message_type"
	KeyState        = "state"
	KeyGateway      = "gateway"
	KeyRemoteAddr   = "remote_addr"
	KeyError        = "error"
	KeyDuration     = "duration"
	KeyCount        = "count"
)
