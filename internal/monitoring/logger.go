// Package monitoring provides the diagnostic logger shared by the engine and transport.
package monitoring

import (
	"log"
	"os"
)

var std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

// Logf is the package-level diagnostic logger. It writes timestamped lines to
// stderr and may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = std.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Component returns a logger which prefixes every line with name.
// It resolves Logf on every call so SetLogger applies to existing component loggers.
func Component(name string) func(format string, v ...interface{}) {
	prefix := name + ": "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
