// Package logging configures the process-wide log/slog logger for roomchat
// and names the attributes server records share.
//
// The server and its tools log through slog with a configurable level.
// Log levels from most to least verbose: DEBUG, INFO, WARN, ERROR.
//
// Usage:
//
//	logging.Setup(logging.Options{Level: "debug", Format: "text"})
//	log := logging.ForConn(connID, remote).With(logging.User(id))
//	log.Debug("room created", logging.Room(roomID))
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Attribute keys used on every connection-scoped record.
const (
	KeyConn   = "conn"
	KeyRemote = "remote"
	KeyUser   = "user"
	KeyRoom   = "room"
	KeyErr    = "err"
)

// Conn tags a record with a connection id.
func Conn(id string) slog.Attr { return slog.String(KeyConn, id) }

// Remote tags a record with a peer address.
func Remote(addr string) slog.Attr { return slog.String(KeyRemote, addr) }

// User tags a record with a user id.
func User(id string) slog.Attr { return slog.String(KeyUser, id) }

// Room tags a record with a room id.
func Room(id string) slog.Attr { return slog.String(KeyRoom, id) }

// Err tags a record with an error. A nil error is logged as an empty value.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyErr, "")
	}
	return slog.String(KeyErr, err.Error())
}

// ForConn returns the default logger with the connection id and remote
// address attached. It reads slog.Default at call time, so call it after
// Setup.
func ForConn(connID, remote string) *slog.Logger {
	return slog.Default().With(Conn(connID), Remote(remote))
}

// Options controls how logging is configured.
type Options struct {
	Level  string    // "debug", "info", "warn", "error" (default: "info")
	Format string    // "text" or "json" (default: "text")
	Output io.Writer // where to write logs (default: os.Stdout)
}

// ParseLevel converts a string level name to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup initialises the global slog logger with the given options.
// Safe to call early in main() before any logging occurs.
func Setup(opts Options) error {
	if err := Validate(opts.Level); err != nil {
		return err
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	level := ParseLevel(opts.Level)

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // include file:line in debug mode
	}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// LevelNames returns all valid level names, useful for --help text.
func LevelNames() string {
	return "debug, info, warn, error"
}

// Validate returns an error if the level string is not recognized.
func Validate(level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "warn", "warning", "error", "":
		return nil
	default:
		return fmt.Errorf("unknown log level %q (valid: %s)", level, LevelNames())
	}
}
