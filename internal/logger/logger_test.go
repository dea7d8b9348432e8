package logger

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func newBufferLogger(level LogLevel) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogger(log.New(&buf, "", 0), level), &buf
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(LogLevelWarning)

	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	l.Warnf("warn %d", 3)
	l.Errorf("error %d", 4)

	out := buf.String()
	if strings.Contains(out, "debug 1") || strings.Contains(out, "info 2") {
		t.Errorf("Expected debug/info to be filtered, got %q", out)
	}
	if !strings.Contains(out, "WARN: warn 3") {
		t.Errorf("Expected warning line, got %q", out)
	}
	if !strings.Contains(out, "ERROR: error 4") {
		t.Errorf("Expected error line, got %q", out)
	}
}

func TestWithTag(t *testing.T) {
	l, buf := newBufferLogger(LogLevelInfo)

	l.WithTag("fsm").Infof("-> %s", "ON")

	if got := strings.TrimSpace(buf.String()); got != "[fsm] -> ON" {
		t.Errorf("Expected tagged line, got %q", got)
	}
}

func TestNilLoggerDiscards(t *testing.T) {
	l := NewLogger(nil, LogLevelDebug)
	// Must not panic.
	l.Errorf("nothing %s", "here")
	l.WithTag("x").Debugf("still nothing")
}

func TestSlogBridge(t *testing.T) {
	l, buf := newBufferLogger(LogLevelInfo)
	s := l.WithTag("safety").Slog()

	s.Debug("hidden")
	s.Info("state change", "from", "nominal", "to", "tripped")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Expected debug record to be filtered, got %q", out)
	}
	if !strings.Contains(out, "[safety] state change from=nominal to=tripped") {
		t.Errorf("Expected bridged record, got %q", out)
	}
}
