package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		enable slog.Level
	}{
		{"debug level", "debug", slog.LevelDebug},
		{"warn level", "warn", slog.LevelWarn},
		{"error level", "error", slog.LevelError},
		{"default info", "", slog.LevelInfo},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level)
			if !logger.Enabled(ctx, tt.enable) {
				t.Fatalf("expected level %s to be enabled", tt.enable)
			}
		})
	}
}

func TestNewWithOptionsFormats(t *testing.T) {
	var buf bytes.Buffer

	logger := NewWithOptions("info", "json", &buf)
	logger.Info("call accepted", "call_sid", "CA123")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("json handler produced invalid JSON: %v", err)
	}
	if record["call_sid"] != "CA123" {
		t.Errorf("got call_sid %v, want %q", record["call_sid"], "CA123")
	}

	buf.Reset()
	logger = NewWithOptions("info", "text", &buf)
	logger.Info("call accepted", "call_sid", "CA123")
	if !strings.Contains(buf.String(), "call_sid=CA123") {
		t.Errorf("text handler output %q missing key=value pair", buf.String())
	}
}

func TestWithChildLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := NewWithOptions("info", "json", &buf).With("service", "schluessel-allgaeu")
	logger.Info("transfer started")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if record["service"] != "schluessel-allgaeu" {
		t.Errorf("got service %v, want %q", record["service"], "schluessel-allgaeu")
	}
}

func TestDefaultLogger(t *testing.T) {
	logger := Default()

	logger.Info("test message", "key", "value")

	ctx := context.Background()
	if !logger.Enabled(ctx, slog.LevelInfo) {
		t.Error("Default() should enable info level")
	}
	if logger.Enabled(ctx, slog.LevelDebug) {
		t.Error("Default() should not enable debug level (info is higher)")
	}

	if logger.Logger == nil {
		t.Fatal("Default() returned Logger with nil slog.Logger (should be impossible)")
	}
}
