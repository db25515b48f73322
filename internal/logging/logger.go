package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface rather than a concrete logger so tests
// can pass Nop() and hosts can route output wherever they like.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

var (
	defaultSink     *sink
	defaultSinkOnce sync.Once
)

// sink owns the shared output destination for component loggers.
type sink struct {
	mu     sync.Mutex
	logger *log.Logger
	level  Level
	file   *os.File
}

func getSink() *sink {
	defaultSinkOnce.Do(func() {
		defaultSink = newSink(INFO, true)
	})
	return defaultSink
}

func newSink(level Level, enableFile bool) *sink {
	out := io.Writer(os.Stderr)
	var file *os.File
	if enableFile {
		if home, err := os.UserHomeDir(); err == nil {
			path := filepath.Join(home, ".relay", "relay-debug.log")
			if err := os.MkdirAll(filepath.Dir(path), 0755); err == nil {
				if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
					file = f
					out = f
				}
			}
		}
	}
	return &sink{
		logger: log.New(out, "", log.LstdFlags|log.Lmicroseconds),
		level:  level,
		file:   file,
	}
}

func (s *sink) emit(component string, level Level, format string, args ...any) {
	if level < s.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if component != "" {
		s.logger.Printf("[%s] [%s] %s", level, component, msg)
		return
	}
	s.logger.Printf("[%s] %s", level, msg)
}

// componentLogger scopes the shared sink to a named component.
type componentLogger struct {
	sink      *sink
	component string
}

// NewComponentLogger creates a logger for a specific component. All component
// loggers share one sink so interleaved output stays ordered.
func NewComponentLogger(component string) Logger {
	return &componentLogger{sink: getSink(), component: component}
}

// SetLevel adjusts the minimum level of the shared sink.
func SetLevel(level Level) {
	getSink().level = level
}

func (c *componentLogger) Debug(format string, args ...any) {
	c.sink.emit(c.component, DEBUG, format, args...)
}

func (c *componentLogger) Info(format string, args ...any) {
	c.sink.emit(c.component, INFO, format, args...)
}

func (c *componentLogger) Warn(format string, args ...any) {
	c.sink.emit(c.component, WARN, format, args...)
}

func (c *componentLogger) Error(format string, args ...any) {
	c.sink.emit(c.component, ERROR, format, args...)
}
