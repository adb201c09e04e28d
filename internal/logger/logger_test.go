package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"bogus", InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONOutputAndLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("warn", "json", &buf)
	t.Cleanup(func() { defaultLogger = nil })

	Info("hidden %d", 1)
	Warn("cohort %s suppressed", "2025-11-07")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["level"] != "warn" {
		t.Errorf("level = %v, want warn", entry["level"])
	}
	if entry["message"] != "cohort 2025-11-07 suppressed" {
		t.Errorf("message = %v", entry["message"])
	}
}

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("debug", "text", &buf)
	t.Cleanup(func() { defaultLogger = nil })

	Debug("scored %d quotes", 42)
	if !strings.Contains(buf.String(), "scored 42 quotes") {
		t.Errorf("missing message in %q", buf.String())
	}
}

func TestUninitializedIsNoop(t *testing.T) {
	defaultLogger = nil
	Info("nothing happens")
	l := With("engine")
	l.Info().Msg("still nothing")
}
