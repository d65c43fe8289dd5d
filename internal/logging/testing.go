package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger returns a logger that records entries at every level.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{Logger: &Logger{zap: zap.New(core)}, observed: observed}
}

// All returns the recorded entries.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// FilterMessage returns entries whose message equals msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

// Reset discards recorded entries.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	for _, e := range t.observed.All() {
		if e.Level == level && strings.Contains(e.Message, msg) {
			return
		}
	}
	tb.Errorf("expected %v entry containing %q, got %+v", level, msg, t.observed.All())
}

// AssertNotLogged fails tb if any entry at level contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	for _, e := range t.observed.All() {
		if e.Level == level && strings.Contains(e.Message, msg) {
			tb.Errorf("unexpected %v entry containing %q", level, msg)
		}
	}
}

// AssertField fails tb unless an entry with message msg carries key=want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want interface{}) {
	tb.Helper()
	for _, e := range t.observed.FilterMessage(msg).All() {
		if got, ok := e.ContextMap()[key]; ok && got == want {
			return
		}
	}
	tb.Errorf("field %q=%v not found in entries %q", key, want, msg)
}
