package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Setup initializes the global logger.
// Level defaults to INFO; format "text" selects the tint console handler on
// stderr, anything else the JSON handler on stdout.
func Setup(level, format string) {
	once.Do(func() {
		var h slog.Handler
		if strings.EqualFold(format, "text") {
			h = newTextHandler(os.Stderr, parseLevel(level))
		} else {
			h = newJSONHandler(os.Stdout, parseLevel(level))
		}
		logger = slog.New(h)
		slog.SetDefault(logger)
	})
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newJSONHandler(w io.Writer, l slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l})
}

func newTextHandler(w io.Writer, l slog.Level) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      l,
		TimeFormat: time.TimeOnly,
	})
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO", "json")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithJob returns a logger with the job_name field set.
func WithJob(name string) *slog.Logger {
	return Get().With(slog.String("job_name", name))
}

// WithWorkspace returns a logger with the workspace field set.
func WithWorkspace(name string) *slog.Logger {
	return Get().With(slog.String("workspace", name))
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
