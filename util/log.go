// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
// Messages are routed through logrus so that they may be formatted as
// text or JSON and optionally teed to a rotated log file.
type Logger struct {
	NErrors int
	mu      sync.Mutex
	lr      *logrus.Logger
	verbose bool
	debug   bool
	closer  io.Closer
}

// LogConfig describes where and how log messages are written.
type LogConfig struct {
	Verbose bool
	Debug   bool
	// Format is either "text" (the default) or "json".
	Format string
	// If non-empty, log messages are additionally appended to this file,
	// which is rotated once it reaches MaxSizeMB.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func NewLogger(verbose, debug bool) *Logger {
	l, _ := NewLoggerConfig(LogConfig{Verbose: verbose, Debug: debug})
	return l
}

func NewLoggerConfig(cfg LogConfig) (*Logger, error) {
	lr := logrus.New()
	lr.SetOutput(os.Stderr)

	switch cfg.Format {
	case "", "text":
		lr.SetFormatter(&logrus.TextFormatter{
			DisableTimestamp: !cfg.Debug,
			DisableQuote:     true,
		})
	case "json":
		lr.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("%s: unknown log format", cfg.Format)
	}

	l := &Logger{lr: lr, verbose: cfg.Verbose || cfg.Debug, debug: cfg.Debug}
	switch {
	case cfg.Debug:
		lr.SetLevel(logrus.DebugLevel)
	case cfg.Verbose:
		lr.SetLevel(logrus.InfoLevel)
	default:
		lr.SetLevel(logrus.WarnLevel)
	}

	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		lr.SetOutput(io.MultiWriter(os.Stderr, lj))
		l.closer = lj
	}
	return l, nil
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) entry() *logrus.Entry {
	lr := logrus.StandardLogger()
	if l != nil {
		lr = l.lr
	}
	return lr.WithField("src", caller())
}

func (l *Logger) Print(f string, args ...interface{}) {
	fmt.Printf("%s", format(f, args...))
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l != nil && !l.debug {
		return
	}
	l.entry().Debug(message(f, args...))
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l != nil && !l.verbose {
		return
	}
	l.entry().Info(message(f, args...))
}

func (l *Logger) Warning(f string, args ...interface{}) {
	l.entry().Warn(message(f, args...))
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l != nil {
		l.mu.Lock()
		l.NErrors++
		l.mu.Unlock()
	}
	l.entry().Error(message(f, args...))
}

func (l *Logger) Fatal(f string, args ...interface{}) {
	if l != nil {
		l.mu.Lock()
		l.NErrors++
		l.mu.Unlock()
	}
	l.entry().Error(message(f, args...))
	os.Exit(1)
}

// Checks the provided condition and prints a fatal error if it's false.
// The error message includes the source file and line number where the
// check failed.  An optional message specified with printf-style
// formatting may be provided to print with the error message.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}

	if len(msg) == 0 {
		l.Fatal("Check failed")
	} else {
		f := msg[0].(string)
		l.Fatal(f, msg[1:]...)
	}
}

// Similar to Check, CheckError prints a fatal error if the given error is
// non-nil.  It also takes an optional format string.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}

	if len(msg) == 0 {
		l.Fatal("Error: %+v", err)
	} else {
		f := msg[0].(string)
		l.Fatal(f, msg[1:]...)
	}
}

// ErrorCount returns the number of errors reported so far.
func (l *Logger) ErrorCount() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.NErrors
}

func message(f string, args ...interface{}) string {
	return strings.TrimSuffix(fmt.Sprintf(f, args...), "\n")
}

// caller returns the last two components of the path and the line number
// of the code that called into the Logger.
func caller() string {
	// Skip caller(), entry(), and the Logger method itself; Check and
	// CheckError go through Fatal, so look a little further for them.
	for skip := 3; skip < 6; skip++ {
		_, fn, line, ok := runtime.Caller(skip)
		if !ok {
			break
		}
		if path.Base(fn) == "log.go" && path.Base(path.Dir(fn)) == "util" {
			continue
		}
		return path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
	}
	return "?"
}

func format(f string, args ...interface{}) string {
	s := fmt.Sprintf(f, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}
