// Package logging builds the logr.Logger handed to every component.
//
// Console output goes to stderr because stdout belongs to the stdio
// transport. An optional rotating file sink captures the same records as
// JSON. Components receive a plain logr.Logger and never see the zap
// backend; anything constructed without a logger uses logr.Discard().
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logging backend.
type Options struct {
	// Level is a named level (error, warn, info, debug, trace) or a
	// non-negative integer selecting logr verbosity V(n). Empty means
	// info.
	Level string

	// Console receives the human-readable stream. Defaults to
	// os.Stderr.
	Console io.Writer

	// File, when non-empty, enables a rotating JSON log file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Sink is a constructed logging backend. The level can be adjusted while
// the process runs, which is how config hot-reload changes verbosity.
type Sink struct {
	logger logr.Logger
	level  zap.AtomicLevel
	zlog   *zap.Logger
}

// New builds a Sink from options. The returned error only reports an
// unparseable level; file problems surface later through lumberjack.
func New(opts Options) (*Sink, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	atomic := zap.NewAtomicLevelAt(level)

	zc := zap.NewDevelopmentEncoderConfig()
	zc.EncodeLevel = zapcore.CapitalLevelEncoder
	zc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(zc), zapcore.AddSync(console), atomic),
	}

	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 2
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		zf := zap.NewDevelopmentEncoderConfig()
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zf), zapcore.AddSync(rotator), atomic))
	}

	zlog := zap.New(zapcore.NewTee(cores...))

	return &Sink{
		logger: zapr.NewLogger(zlog),
		level:  atomic,
		zlog:   zlog,
	}, nil
}

// Logger returns the logr front end.
func (s *Sink) Logger() logr.Logger {
	return s.logger
}

// SetLevel changes the level of every core in place.
func (s *Sink) SetLevel(level string) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}
	s.level.SetLevel(parsed)
	return nil
}

// Flush writes out any buffered records. Called on shutdown.
func (s *Sink) Flush() {
	_ = s.zlog.Sync()
}

// ParseLevel maps a level name onto a zap level. Names map onto logr
// verbosity: info is V(0), debug V(1), trace V(2). A bare integer n
// selects V(n).
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "debug":
		return zapcore.Level(-1), nil
	case "trace":
		return zapcore.Level(-2), nil
	}

	if n, err := strconv.Atoi(strings.TrimSpace(level)); err == nil && n >= 0 {
		if n > 127 {
			n = 127
		}
		return zapcore.Level(-n), nil
	}

	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
}
