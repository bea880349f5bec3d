package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/billm/m2mipc/internal/config"
	"github.com/billm/m2mipc/pkg/types"
)

// Level represents the log level
type Level slog.Level

const (
	LevelDebug Level = Level(slog.LevelDebug)
	LevelInfo  Level = Level(slog.LevelInfo)
	LevelWarn  Level = Level(slog.LevelWarn)
	LevelError Level = Level(slog.LevelError)
)

var levelNames = map[string]Level{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

func (l Level) String() string {
	return slog.Level(l).String()
}

// ParseLevel converts a level name to a Level. Names are case-insensitive.
func ParseLevel(name string) (Level, error) {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return l, nil
	}
	return LevelInfo, types.NewError(types.ErrCodeInvalidArgument, "unknown log level: "+name)
}

// Logger wraps slog.Logger. Loggers derived with With share the level of
// their root, so SetLevel on the root applies everywhere.
type Logger struct {
	sl     *slog.Logger
	level  *slog.LevelVar
	mu     sync.Mutex
	closer io.Closer // set on the root only when logging to a file
}

// New creates a logger from cfg. Output is stdout, stderr or a file path; a
// file is created along with its directory.
func New(cfg config.LoggingConfig) (*Logger, error) {
	w, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	l, err := NewWithWriter(cfg, w)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}
	l.closer = closer
	return l, nil
}

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr", "":
		return os.Stderr, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return nil, nil, types.WrapError(types.ErrCodeInternal, "failed to create log directory", err)
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, types.WrapError(types.ErrCodeInternal, "failed to open log file "+output, err)
	}
	return f, f, nil
}

// NewWithWriter creates a logger writing to w. cfg.Output is ignored.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	lv := new(slog.LevelVar)
	lv.Set(slog.Level(level))
	opts := &slog.HandlerOptions{Level: lv, ReplaceAttr: rawJSONAttr}

	var h slog.Handler
	switch cfg.Format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text", "":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", cfg.Format))
	}
	return &Logger{sl: slog.New(h), level: lv}, nil
}

// rawJSONAttr logs envelope payloads as their JSON text instead of a byte
// slice
func rawJSONAttr(_ []string, a slog.Attr) slog.Attr {
	if raw, ok := a.Value.Any().(json.RawMessage); ok {
		return slog.String(a.Key, string(raw))
	}
	return a
}

// NewDefault creates a logger with default settings
func NewDefault() (*Logger, error) {
	return New(config.DefaultLoggingConfig())
}

// NewNop returns a logger that discards everything. Components fall back to
// it when constructed with a nil logger.
func NewNop() *Logger {
	l, _ := NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, io.Discard)
	return l
}

// With returns a logger with additional key-value pairs. Derived loggers do
// not own the file handle; only close the root.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{sl: l.sl.With(args...), level: l.level}
}

func (l *Logger) Debug(msg string, args ...any) { l.sl.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.sl.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.sl.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.sl.Error(msg, args...) }

// SetLevel changes the level of this logger and every logger derived from
// the same root
func (l *Logger) SetLevel(level Level) {
	l.level.Set(slog.Level(level))
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() Level {
	return Level(l.level.Level())
}

// Enabled reports whether messages at level are written
func (l *Logger) Enabled(level Level) bool {
	return level >= l.GetLevel()
}

func (l *Logger) String() string {
	return fmt.Sprintf("Logger{Level: %s}", l.GetLevel())
}

// Close releases the log file, if any. It is safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to close log file", err)
	}
	return nil
}

var (
	globalMu     sync.Mutex
	globalLogger *Logger
)

// Global returns the process logger. Before SetGlobal it is a default logger.
func Global() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalLogger == nil {
		l, err := NewDefault()
		if err != nil {
			l = NewNop()
		}
		globalLogger = l
	}
	return globalLogger
}

// SetGlobal replaces the process logger
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}
