// Package logging provides the structured logging abstraction used across
// the runtime and persistence worker.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Logger is the logging interface the core depends on. The abstraction
// allows swapping implementations; a zap-backed one ships alongside the
// stdlib default.
type Logger interface {
	Error(args ...any)
	Errorf(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Debug(args ...any)
	Debugf(format string, args ...any)
}

type defaultLogger struct {
	errorLogger *log.Logger
	warnLogger  *log.Logger
	infoLogger  *log.Logger
	debugLogger *log.Logger
}

// NewDefaultLogger creates a logger on Go's standard log package.
func NewDefaultLogger() Logger {
	return &defaultLogger{
		errorLogger: log.New(os.Stderr, "[ERROR] ", log.LstdFlags|log.Lshortfile),
		warnLogger:  log.New(os.Stderr, "[WARN] ", log.LstdFlags|log.Lshortfile),
		infoLogger:  log.New(os.Stdout, "[INFO] ", log.LstdFlags|log.Lshortfile),
		debugLogger: log.New(os.Stdout, "[DEBUG] ", log.LstdFlags|log.Lshortfile),
	}
}

func (l *defaultLogger) Error(args ...any) { l.errorLogger.Output(2, fmt.Sprint(args...)) }
func (l *defaultLogger) Errorf(format string, args ...any) {
	l.errorLogger.Output(2, fmt.Sprintf(format, args...))
}
func (l *defaultLogger) Warn(args ...any) { l.warnLogger.Output(2, fmt.Sprint(args...)) }
func (l *defaultLogger) Warnf(format string, args ...any) {
	l.warnLogger.Output(2, fmt.Sprintf(format, args...))
}
func (l *defaultLogger) Info(args ...any) { l.infoLogger.Output(2, fmt.Sprint(args...)) }
func (l *defaultLogger) Infof(format string, args ...any) {
	l.infoLogger.Output(2, fmt.Sprintf(format, args...))
}
func (l *defaultLogger) Debug(args ...any) { l.debugLogger.Output(2, fmt.Sprint(args...)) }
func (l *defaultLogger) Debugf(format string, args ...any) {
	l.debugLogger.Output(2, fmt.Sprintf(format, args...))
}

type nopLogger struct{}

// NewNopLogger discards everything. Handy default for tests.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Error(...any)          {}
func (nopLogger) Errorf(string, ...any) {}
func (nopLogger) Warn(...any)           {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Info(...any)           {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Debug(...any)          {}
func (nopLogger) Debugf(string, ...any) {}
