// Package logging centralizes the engine's logging behind the standard
// library's log.Logger, following the teacher's own register (plain
// fmt.Printf-style lines, no structured logging library) while giving every
// subsystem one place to log through instead of ad hoc prints.
package logging

import (
	"fmt"
	"log"
	"os"
	"time"
)

// Level is the severity of a log line.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger wraps a *log.Logger with a minimum level gate.
type Logger struct {
	out   *log.Logger
	min   Level
	scope string
}

// New creates a Logger writing to stderr, scoped under the given component
// name (e.g. "scheduler", "runner").
func New(scope string, min Level) *Logger {
	return &Logger{
		out:   log.New(os.Stderr, "", 0),
		min:   min,
		scope: scope,
	}
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level < l.min {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s %s %s: %s", time.Now().UTC().Format(time.RFC3339), level, l.scope, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.log(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(Warn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(Error, format, args...) }

// With returns a Logger scoped under a sub-component, e.g.
// base.With("dispatch") -> "scheduler.dispatch".
func (l *Logger) With(sub string) *Logger {
	return &Logger{out: l.out, min: l.min, scope: l.scope + "." + sub}
}
