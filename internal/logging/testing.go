package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry for assertions. Entries go through the
// same masking as a daemon logger.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

// NewTestLogger returns a logger that records at every level.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	masked := newMaskingCore(core, DefaultOptions().SensitiveKeys)
	return &TestLogger{Logger: &Logger{z: zap.New(masked)}, logs: logs}
}

// All returns the recorded entries.
func (t *TestLogger) All() []observer.LoggedEntry { return t.logs.All() }

// Messages returns recorded messages containing substr.
func (t *TestLogger) Messages(substr string) []observer.LoggedEntry {
	return t.logs.FilterMessageSnippet(substr).All()
}

// AssertLogged fails tb unless an entry at level contains substr.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	for _, e := range t.logs.All() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return
		}
	}
	tb.Errorf("no %s entry containing %q in %d entries", level, substr, t.logs.Len())
}

// AssertNotLogged fails tb if any entry at level contains substr.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	for _, e := range t.logs.All() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			tb.Errorf("unexpected %s entry %q", level, e.Message)
		}
	}
}

// Field returns the string value of key on the first entry containing msg.
func (t *TestLogger) Field(msg, key string) (string, bool) {
	for _, e := range t.Messages(msg) {
		if v, ok := e.ContextMap()[key]; ok {
			s, isString := v.(string)
			return s, isString
		}
	}
	return "", false
}
