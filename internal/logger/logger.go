// Package logger builds the one slog.Logger the CLI entrypoint hands to
// every other component (the session store's reap loop, the connection
// handler, the router) as a constructor argument — nothing in this repo
// calls back into the package itself to log, so there is no package-level
// Debug/Info/Warn/Error facade here, just the construction of Log.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// Log is set once by Init and then threaded explicitly through every
// component that needs it (a *slog.Logger field), never read back from
// this package by name.
var Log *slog.Logger

// Init builds Log: a text handler writing to stdout and, if logFile is
// set, also appending to that file — the same two-writer shape nvimhostd
// uses for both the session reaper's "reaping session" lines and the
// connection handler's per-socket warnings, with a shortened time format
// so reap/audit log lines stay scannable at a glance.
func Init(level string, logFile string) error {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelDebug
	}

	writers := []io.Writer{os.Stdout}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)

	return nil
}
