// Package logging sets up the process-wide structured logger.
//
// The teacher logs with log.Printf("[component] ...") prefixes in most
// packages and with log/slog's attribute style in server/internal/core. We
// standardize on slog across the gateway (the more structured of the two
// teacher idioms); messages carry no "[component]" prefix, and context goes
// into attributes such as guild_id and conn_id.
package logging

import (
	"log/slog"
	"os"
)

// Options configures the logger.
type Options struct {
	// Debug enables slog.LevelDebug; otherwise slog.LevelInfo.
	Debug bool
	// JSON selects a JSON handler instead of the default text handler.
	JSON bool
}

// New returns a configured *slog.Logger writing to stderr.
func New(opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	return slog.New(handler)
}
