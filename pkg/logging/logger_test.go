package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		enable  slog.Level
		disable slog.Level
	}{
		{"debug level", "debug", slog.LevelDebug, slog.Level(-8)},
		{"warn level", "warn", slog.LevelWarn, slog.LevelInfo},
		{"error level upper case", "ERROR", slog.LevelError, slog.LevelWarn},
		{"default info", "", slog.LevelInfo, slog.LevelDebug},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level)
			if !logger.Enabled(ctx, tt.enable) {
				t.Fatalf("expected level %s to be enabled", tt.enable)
			}
			if logger.Enabled(ctx, tt.disable) {
				t.Fatalf("expected level %s to be disabled", tt.disable)
			}
		})
	}
}

func TestWithCarriesAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info").With("workflow_id", "wf-1")
	logger.Info("transition applied", "status", "calling_patient")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["workflow_id"] != "wf-1" {
		t.Fatalf("expected workflow_id attribute, got %v", line)
	}
	if line["status"] != "calling_patient" {
		t.Fatalf("expected status attribute, got %v", line)
	}
}

func TestMaskPhone(t *testing.T) {
	if got := MaskPhone("+61412345678"); got != "********5678" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := MaskPhone("123"); got != "****" {
		t.Fatalf("short numbers should be fully masked, got %q", got)
	}
}
