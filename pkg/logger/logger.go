package logger

import (
	"io"
	"log/slog"
	"os"
)

// Logger is the structured logger used across vigil. Arguments are slog
// key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	// With returns a child logger that adds args to every record.
	With(args ...any) Logger
	// Slog exposes the underlying *slog.Logger for libraries that take one.
	Slog() *slog.Logger
}

// Log is the process wide logger. It writes JSON to stdout at info level
// until InitLogger replaces it.
var Log Logger = NewLogger(os.Stdout, "info")

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Anything else is treated as info.
func ParseLevel(level string) slog.Level {
	switch level {
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

// InitLogger initializes the global Log instance with the specified logging level.
// It uses a JSON handler on stdout and includes source file information in the output.
func InitLogger(level string) {
	Log = NewLogger(os.Stdout, level)
}

// NewLogger builds a JSON logger writing to w.
func NewLogger(w io.Writer, level string) Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: true,
	}
	return &wrapper{l: slog.New(slog.NewJSONHandler(w, opts))}
}

// Discard returns a Logger that drops everything. Useful in tests.
func Discard() Logger {
	return &wrapper{l: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

type wrapper struct {
	l *slog.Logger
}

func (w *wrapper) Debug(msg string, args ...any) { w.l.Debug(msg, args...) }
func (w *wrapper) Info(msg string, args ...any)  { w.l.Info(msg, args...) }
func (w *wrapper) Warn(msg string, args ...any)  { w.l.Warn(msg, args...) }
func (w *wrapper) Error(msg string, args ...any) { w.l.Error(msg, args...) }
func (w *wrapper) With(args ...any) Logger       { return &wrapper{l: w.l.With(args...)} }
func (w *wrapper) Slog() *slog.Logger            { return w.l }

// Personal.AI order the ending
