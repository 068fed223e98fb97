// Package log is the structured logger used across sitepress. It wraps
// log/slog with trace correlation, stack capture for errors and an optional
// rotating file sink.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App               string
	Version           string
	Commit            string
	Level             slog.Level
	StacktraceLevel   slog.Level
	JsonFormat        bool
	MaxErrorLinks     int
	IncludeErrorLinks bool
	Writer            io.Writer

	// RedactKeys adds attribute keys whose values are replaced before
	// writing, on top of the credential-like defaults.
	RedactKeys []string

	// File, when set, tees output into a size-rotated file.
	File *FileOptions
}

// FileOptions configures the rotating file sink.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

// fileWriter returns a lumberjack writer for fo with sane defaults.
func fileWriter(fo FileOptions) (*lumberjack.Logger, error) {
	if strings.TrimSpace(fo.Path) == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if fo.MaxSizeMB <= 0 {
		fo.MaxSizeMB = 100
	}
	if fo.MaxBackups <= 0 {
		fo.MaxBackups = 5
	}
	if fo.MaxAgeDays <= 0 {
		fo.MaxAgeDays = 28
	}
	return &lumberjack.Logger{
		Filename:   fo.Path,
		MaxSize:    fo.MaxSizeMB,
		MaxBackups: fo.MaxBackups,
		MaxAge:     fo.MaxAgeDays,
		Compress:   fo.Compress,
	}, nil
}

func resolveWriter(opts Options) (io.Writer, io.Closer, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.File == nil {
		return w, nil, nil
	}
	lj, err := fileWriter(*opts.File)
	if err != nil {
		return nil, nil, err
	}
	return io.MultiWriter(w, lj), lj, nil
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error)", s)
	}
}
