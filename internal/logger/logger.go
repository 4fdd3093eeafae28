// Package logger is a minimal leveled logging facade so the engine can be
// embedded without binding a logging backend.
package logger

import (
	"fmt"
	"log"
	"os"
)

// Level controls which messages a logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel maps a config spelling to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger is the interface engine components log through.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// StdLogger writes leveled lines to stdout via the standard log package.
type StdLogger struct {
	level Level
	out   *log.Logger
}

// NewStdLogger returns a logger emitting messages at or above level.
func NewStdLogger(level Level) *StdLogger {
	return &StdLogger{level: level, out: log.New(os.Stdout, "", log.LstdFlags)}
}

func (s *StdLogger) logf(lvl Level, format string, args []any) {
	if lvl < s.level {
		return
	}
	s.out.Printf("[%s] %s", lvl, fmt.Sprintf(format, args...))
}

func (s *StdLogger) Debugf(format string, args ...any) { s.logf(LevelDebug, format, args) }
func (s *StdLogger) Infof(format string, args ...any)  { s.logf(LevelInfo, format, args) }
func (s *StdLogger) Warnf(format string, args ...any)  { s.logf(LevelWarn, format, args) }
func (s *StdLogger) Errorf(format string, args ...any) { s.logf(LevelError, format, args) }

type nullLogger struct{}

func (nullLogger) Debugf(string, ...any) {}
func (nullLogger) Infof(string, ...any)  {}
func (nullLogger) Warnf(string, ...any)  {}
func (nullLogger) Errorf(string, ...any) {}

// Null returns a logger that discards everything. Engine components fall
// back to it when constructed without a logger.
func Null() Logger { return nullLogger{} }
