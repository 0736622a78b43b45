package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLogger_WritesSessionFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, "sess-1")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	if err := logger.Info(CategoryAutoRun, "loop_started", "auto-run enabled", map[string]any{"steps": 0}); err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if err := logger.Error(CategoryCommand, "command_failed", "exit 1", nil); err != nil {
		t.Fatalf("Error failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	events := readEvents(t, filepath.Join(dir, "sessions", "sess-1.jsonl"))
	if len(events) != 2 {
		t.Fatalf("Expected 2 events in session log, got %d", len(events))
	}
	if events[0].Category != CategoryAutoRun || events[0].EventType != "loop_started" {
		t.Errorf("Unexpected first event: %+v", events[0])
	}
	if events[0].SessionID != "sess-1" {
		t.Errorf("Expected session id to be filled in, got %q", events[0].SessionID)
	}

	errors := readEvents(t, filepath.Join(dir, "errors.jsonl"))
	if len(errors) != 1 {
		t.Fatalf("Expected 1 event in error log, got %d", len(errors))
	}
	if errors[0].Level != LevelError {
		t.Errorf("Expected error level, got %q", errors[0].Level)
	}
}

func TestLogger_MinLevel(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, "sess-2")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	logger.SetMinLevel(LevelWarn)
	logger.Debug(CategoryModel, "request", "dropped", nil)
	logger.Info(CategoryModel, "request", "dropped", nil)
	logger.Warn(CategoryModel, "slow_response", "kept", nil)

	events := readEvents(t, filepath.Join(dir, "sessions", "sess-2.jsonl"))
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].EventType != "slow_response" {
		t.Errorf("Unexpected event: %+v", events[0])
	}
}

func TestLogger_NilSafe(t *testing.T) {
	var logger *Logger
	if err := logger.Info(CategorySession, "noop", "", nil); err != nil {
		t.Errorf("nil logger should be a no-op, got %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("nil logger close should be a no-op, got %v", err)
	}
}

func readEvents(t *testing.T, path string) []Event {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		events = append(events, e)
	}
	return events
}
