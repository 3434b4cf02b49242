// Package logging provides the leveled, prefixed logger used throughout the
// core, grounded on the teacher's BaseAgent.LogInfo/LogDebug/LogError
// convention: plain standard-library log.Printf with a component prefix and
// a debug gate, rather than a new structured-logging dependency the pack
// never reaches for.
package logging

import (
	"log"
	"os"
)

type Logger struct {
	prefix string
	debug  bool
	std    *log.Logger
}

func New(prefix string, debug bool) *Logger {
	return &Logger{prefix: prefix, debug: debug, std: log.New(os.Stderr, "", log.LstdFlags)}
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.std.Printf("[%s] INFO "+format, append([]interface{}{l.prefix}, args...)...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.std.Printf("[%s] WARN "+format, append([]interface{}{l.prefix}, args...)...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.std.Printf("[%s] ERROR "+format, append([]interface{}{l.prefix}, args...)...)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.std.Printf("[%s] DEBUG "+format, append([]interface{}{l.prefix}, args...)...)
}
