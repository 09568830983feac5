package main

// Small helpers used across the tool.

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// newLogger builds the stderr diagnostics logger. Records below info are
// only shown with -debug.
func newLogger(out io.Writer, debug bool) *slog.Logger {
	if out == nil {
		out = os.Stderr
	}
	var level slog.LevelVar
	if debug {
		level.Set(slog.LevelDebug)
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level:       &level,
		ReplaceAttr: replaceTimeAttr,
	}))
}

func replaceTimeAttr(_ []string, attr slog.Attr) slog.Attr {
	if attr.Key == slog.TimeKey && attr.Value.Kind() == slog.KindTime {
		attr.Value = slog.StringValue(attr.Value.Time().UTC().Format(time.RFC3339))
	}
	return attr
}
