// Package logger provides the process-wide logger.
//
// Console output goes through a tint handler (coloured when stderr is a
// terminal). An optional JSON file sink rotates through lumberjack so that a
// record of past runs survives without growing unbounded.
//
// Most code logs through the printf-style helpers:
//
//	logger.Info("Launching container %s", name)
//	logger.Warn("Cleanup failed: %v", err)
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DefaultMaxSizeMB is the size at which the log file is rotated.
	DefaultMaxSizeMB = 10

	// DefaultMaxBackups is the number of rotated files kept.
	DefaultMaxBackups = 3

	// EnvLogLevel overrides the console log level (debug, info, warn, error).
	EnvLogLevel = "SEGMENT_LOG_LEVEL"
)

type options struct {
	level   slog.Level
	writer  io.Writer
	noColor bool
	logFile string
}

// Option configures New.
type Option func(*options)

// WithLevel sets the minimum level written to the console.
func WithLevel(level slog.Level) Option {
	return func(o *options) { o.level = level }
}

// WithWriter replaces stderr as the console destination. Colour is disabled.
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		o.writer = w
		o.noColor = true
	}
}

// WithLogFile adds a rotating JSON file sink at path. The file always records
// debug level.
func WithLogFile(path string) Option {
	return func(o *options) { o.logFile = path }
}

// New builds a logger from the given options.
func New(opts ...Option) *slog.Logger {
	o := &options{level: slog.LevelInfo, writer: os.Stderr}
	if f, ok := o.writer.(*os.File); ok {
		o.noColor = !term.IsTerminal(int(f.Fd()))
	}
	for _, opt := range opts {
		opt(o)
	}

	console := tint.NewHandler(o.writer, &tint.Options{
		Level:      o.level,
		TimeFormat: time.TimeOnly,
		NoColor:    o.noColor,
	})
	if o.logFile == "" {
		return slog.New(console)
	}

	file := slog.NewJSONHandler(&lumberjack.Logger{
		Filename:   o.logFile,
		MaxSize:    DefaultMaxSizeMB,
		MaxBackups: DefaultMaxBackups,
	}, &slog.HandlerOptions{Level: slog.LevelDebug})

	return slog.New(fanout{console, file})
}

// Init installs a logger built from opts as the slog default.
func Init(opts ...Option) {
	slog.SetDefault(New(opts...))
}

// ParseLevel parses a level name. The empty string yields info.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// Debug logs a formatted message at debug level.
func Debug(format string, args ...interface{}) { logf(slog.LevelDebug, format, args...) }

// Info logs a formatted message at info level.
func Info(format string, args ...interface{}) { logf(slog.LevelInfo, format, args...) }

// Warn logs a formatted message at warn level.
func Warn(format string, args ...interface{}) { logf(slog.LevelWarn, format, args...) }

// Error logs a formatted message at error level.
func Error(format string, args ...interface{}) { logf(slog.LevelError, format, args...) }

func logf(level slog.Level, format string, args ...interface{}) {
	l := slog.Default()
	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}
	l.Log(ctx, level, fmt.Sprintf(format, args...))
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
