// Package logging holds the logger fallback shared by testrunner packages.
package logging

import "github.com/GoCodeAlone/modular"

// NoopLogger discards everything. Components built without a logger use it.
type NoopLogger struct{}

func (NoopLogger) Debug(string, ...any) {}
func (NoopLogger) Info(string, ...any)  {}
func (NoopLogger) Warn(string, ...any)  {}
func (NoopLogger) Error(string, ...any) {}

// OrNoop returns l, or a NoopLogger when l is nil.
func OrNoop(l modular.Logger) modular.Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}
