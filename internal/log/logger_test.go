package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestSetup(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	Setup("DEBUG", "json")
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(newJSONHandler(&buf, slog.LevelInfo))

	WithComponent("lifecycle").Info("hello")
	WithJob("worker_1").Info("job")
	WithWorkspace("demo").Info("ws")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 log lines, got %d: %q", len(lines), buf.String())
	}

	wantKeys := []struct{ key, val string }{
		{"component", "lifecycle"},
		{"job_name", "worker_1"},
		{"workspace", "demo"},
	}
	for i, want := range wantKeys {
		var out map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &out); err != nil {
			t.Fatalf("Failed to decode JSON: %v", err)
		}
		if out[want.key] != want.val {
			t.Errorf("line %d: expected %s=%q, got %v", i, want.key, want.val, out[want.key])
		}
	}
}

func TestTextHandlerWritesMessage(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(newTextHandler(&buf, slog.LevelInfo))
	l.Info("workspace created", "workspace", "demo")

	if !strings.Contains(buf.String(), "workspace created") {
		t.Fatalf("text output missing message: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "demo") {
		t.Fatalf("text output missing attribute: %q", buf.String())
	}
}
