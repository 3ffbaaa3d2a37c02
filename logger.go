package wcdb

import (
	"io"
	"log/slog"
	"os"
)

// Logger is the structured logger used by every migration component.
type Logger struct {
	*slog.Logger
}

// NewLogger returns a text logger writing to w at the given level.
func NewLogger(w io.Writer, level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))}
}

// NewJSONLogger returns a JSON logger writing to w at the given level.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))}
}

// WithComponent returns a logger tagged with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With("component", component)}
}

// WithTable returns a logger tagged with a target table.
func (l *Logger) WithTable(table string) *Logger {
	return &Logger{Logger: l.Logger.With("table", table)}
}

// WithSession returns a logger tagged with a session id.
func (l *Logger) WithSession(id string) *Logger {
	return &Logger{Logger: l.Logger.With("session", id)}
}

var defaultLogger = NewLogger(os.Stderr, slog.LevelWarn)

// SetDefaultLogger replaces the logger used when Options.Logger is nil.
func SetDefaultLogger(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// GetLogger returns the default logger.
func GetLogger() *Logger {
	return defaultLogger
}
