// Package logging sets up the process-wide slog logger and provides the
// attribute helpers the rest of the tree logs faults with.
package logging

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/swarmguard/taskman/fault"
)

// Options configure Setup. Zero values fall back to the TASKMAN_JSON_LOG
// and TASKMAN_LOG_LEVEL environment variables.
type Options struct {
	JSON   bool
	Level  slog.Leveler
	Writer io.Writer
}

// Setup installs the global logger tagged with the service name and
// returns it. Call once from the host process.
func Setup(service string, opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	level := opts.Level
	if level == nil {
		level = levelFromEnv()
	}
	json := opts.JSON || jsonFromEnv()

	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", json)
	return logger
}

// Component returns a child of the default logger tagged with the
// component name, so every subsystem's lines carry their origin.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

// Err renders an error for structured logging. Faults expand into their
// kind, component, operation and metadata so log lines stay queryable;
// plain errors fall back to a single attribute.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return slog.String("error", err.Error())
	}
	attrs := []any{
		slog.String("kind", string(fe.Kind)),
		slog.String("component", fe.Component),
		slog.String("op", fe.Op),
	}
	if fe.Err != nil {
		attrs = append(attrs, slog.String("cause", fe.Err.Error()))
	}
	for k, v := range fe.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	return slog.Group("error", attrs...)
}

func jsonFromEnv() bool {
	switch strings.ToLower(os.Getenv("TASKMAN_JSON_LOG")) {
	case "1", "true", "json":
		return true
	}
	return false
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("TASKMAN_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
