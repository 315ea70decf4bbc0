package canmon

import (
	"io"
	"log"
)

// Logger is the logging interface consumed by the protocol and monitor
// packages. Implementations must be safe for concurrent use.
type Logger interface {
	Debug(message string)
	Debugf(message string, args ...interface{})
	Infof(message string, args ...interface{})
	Warnf(message string, args ...interface{})
}

type nopLogger struct{}

func (l nopLogger) Debug(message string) {}

func (l nopLogger) Debugf(message string, args ...interface{}) {}

func (l nopLogger) Infof(message string, args ...interface{}) {}

func (l nopLogger) Warnf(message string, args ...interface{}) {}

// NopLogger discards all output.
var NopLogger Logger = nopLogger{}

type defaultLogger struct {
	l     *log.Logger
	debug bool
}

func (l *defaultLogger) Debug(message string) {
	if l.debug {
		l.l.Println(message)
	}
}

func (l *defaultLogger) Debugf(message string, args ...interface{}) {
	if l.debug {
		l.l.Printf(message, args...)
	}
}

func (l *defaultLogger) Infof(message string, args ...interface{}) {
	l.l.Printf(message, args...)
}

func (l *defaultLogger) Warnf(message string, args ...interface{}) {
	l.l.Printf("WARNING: "+message, args...)
}

// DefaultLogger returns a Logger writing to out. Debug output is only
// emitted when verbose is true.
var DefaultLogger = func(out io.Writer, verbose bool) Logger {
	return &defaultLogger{l: log.New(out, "", log.LstdFlags|log.Lmicroseconds), debug: verbose}
}
