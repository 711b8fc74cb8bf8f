package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// New returns a text logger writing to w. Every line carries the source
// location, an RFC3339 timestamp, the level and the process id.
// debug lowers the level from INFO to DEBUG.
func New(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339Nano))
			case slog.SourceKey:
				// Keep file:line only; full paths are noise.
				if src, ok := a.Value.Any().(*slog.Source); ok {
					src.File = filepath.Base(src.File)
				}
			}
			return a
		},
	})

	return slog.New(handler).With("pid", os.Getpid())
}

// Setup builds the process logger and installs it as the slog default.
func Setup(debug bool) *slog.Logger {
	logger := New(os.Stdout, debug)
	slog.SetDefault(logger)
	return logger
}
