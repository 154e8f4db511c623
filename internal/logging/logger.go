// Package logging builds per-component *slog.Logger values. Callers that
// need a logger take one as a constructor argument, the way
// internal/workflows/runtime/custom_executor.go's NewCustomExecutor(logger
// *slog.Logger) does in the teacher repo, rather than reaching for a
// package-level global. spec.md §9 "Global state" rules out ambient
// singletons; this package exists only to build the *slog.Logger values
// that get threaded through explicitly.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures New. Level and Format default to "info" and "text"
// when left zero, matching config.Load's own defaults.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text, json
	Output io.Writer
}

// New builds a *slog.Logger writing to stderr (never stdout, so a step's
// captured command output and the workflow's own log stream never mix).
func New(opts Options) *slog.Logger {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(opts.Output, handlerOpts)
	} else {
		handler = slog.NewTextHandler(opts.Output, handlerOpts)
	}

	return slog.New(handler)
}

// Component returns a child logger tagged with "component", the pattern
// every constructor in this module that accepts a *slog.Logger uses to
// disambiguate log lines once several subsystems share one process (the
// orchestrator, the mapreduce coordinator, the event emitter).
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("component", name)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "", "info":
		return slog.LevelInfo
	default:
		fmt.Fprintf(os.Stderr, "logging: unrecognized level %q, defaulting to info\n", level)
		return slog.LevelInfo
	}
}
