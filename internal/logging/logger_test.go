package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// TestLoggerLevels tests that entries below the minimum level are dropped.
func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Error("error message", errors.New("boom"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 entries, got %d: %q", len(lines), buf.String())
	}

	var first LogEntry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("failed to parse entry: %v", err)
	}
	if first.Level != "WARN" {
		t.Errorf("expected WARN, got %s", first.Level)
	}
}

// TestLoggerContext tests structured context fields.
func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.Info("queued", map[string]interface{}{"item_id": "abc", "attempts": 2})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse entry: %v", err)
	}

	if entry.Message != "queued" {
		t.Errorf("expected message 'queued', got %q", entry.Message)
	}
	if entry.Context["item_id"] != "abc" {
		t.Errorf("expected item_id abc, got %v", entry.Context["item_id"])
	}
}

// TestLoggerErrorWithCode tests that error codes land in the entry.
func TestLoggerErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.ErrorWithCode("dispatch failed", "EXECUTOR_FAILED", errors.New("remote down"))

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse entry: %v", err)
	}

	if entry.Code != "EXECUTOR_FAILED" {
		t.Errorf("expected code EXECUTOR_FAILED, got %q", entry.Code)
	}
	if entry.Error != "remote down" {
		t.Errorf("expected error 'remote down', got %q", entry.Error)
	}
}

// TestMergeContext tests merging of multiple context maps.
func TestMergeContext(t *testing.T) {
	merged := mergeContext(
		map[string]interface{}{"a": 1},
		map[string]interface{}{"b": 2},
	)

	if merged["a"] != 1 || merged["b"] != 2 {
		t.Errorf("unexpected merge result: %v", merged)
	}

	if mergeContext() != nil {
		t.Error("expected nil for empty context")
	}
}
