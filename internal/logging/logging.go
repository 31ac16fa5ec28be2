// Package logging provides structured logging configuration for the management daemon.
//
// Logging Strategy:
// - JSON format for journald compatibility and easy parsing
// - Source locations included for debugging (file:line)
// - Log levels configurable via config file (debug, info, warn, error)
// - Optional log file with size-based rotation (lumberjack); SIGHUP forces a rotation
//
// Usage:
//
//	logger, closer := logging.Setup(logging.Options{Level: "info", File: "/var/log/rmm-management/management.log"})
//	defer closer.Close()
//	log := logging.WithComponent(logger, "commands")
//	log.Info("command started", slog.Int("command_id", int(id)))
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults applied when Options leaves them zero.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 5
	DefaultMaxAgeDays = 14
)

// Options describes where and how verbosely to log.
type Options struct {
	Level string

	// File enables file output with rotation. Empty means stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Output is the destination returned by Setup. Rotate is a no-op for stdout.
type Output struct {
	file *lj.Logger
}

// Rotate closes the current log file and starts a new one.
func (o *Output) Rotate() error {
	if o == nil || o.file == nil {
		return nil
	}
	return o.file.Rotate()
}

// Close flushes and closes the log file, if any.
func (o *Output) Close() error {
	if o == nil || o.file == nil {
		return nil
	}
	return o.file.Close()
}

// Setup creates the JSON logger described by opts and installs it as the slog default.
func Setup(opts Options) (*slog.Logger, *Output) {
	out := &Output{}
	var w io.Writer = os.Stdout
	if opts.File != "" {
		if dir := filepath.Dir(opts.File); dir != "" {
			_ = os.MkdirAll(dir, 0o750)
		}
		out.file = &lj.Logger{
			Filename:   opts.File,
			MaxSize:    valOr(opts.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(opts.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(opts.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   true,
		}
		w = out.file
	}

	logger := slog.New(NewHandler(w, opts.Level))
	slog.SetDefault(logger)
	return logger, out
}

// NewHandler returns the JSON handler used by Setup, writing to w.
func NewHandler(w io.Writer, level string) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		AddSource:   true,
		ReplaceAttr: shortenSource,
	})
}

// shortenSource trims source paths to start at internal/ (or the base name).
func shortenSource(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	source, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}
	if idx := strings.Index(source.File, "internal/"); idx != -1 {
		source.File = source.File[idx:]
	} else {
		source.File = filepath.Base(source.File)
	}
	if idx := strings.Index(source.Function, "internal/"); idx != -1 {
		source.Function = source.Function[idx:]
	}
	return a
}

// parseLevel converts a string log level to slog.Level.
// Accepts: "debug", "info", "warn", "error" (case-insensitive).
// Returns slog.LevelInfo for unrecognized values.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a logger tagged with a component attribute.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
