package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		events = append(events, e)
	}
	return events
}

func TestLogCodeValidationWritesEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")

	logger, err := NewLogger(true, path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.LogCodeValidation("user-1", false, 85.5, []string{"eval() usage detected"})

	events := readEvents(t, path)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].EventType != "code_validation" || events[0].Severity != "WARNING" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if events[0].Metadata["violations_count"] != "1" {
		t.Fatalf("expected violations_count=1, got %s", events[0].Metadata["violations_count"])
	}
}

func TestLogNetworkAccessWritesEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	logger, err := NewLogger(true, path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.LogNetworkAccess("user-1", "evil.example.com", 443, false)

	events := readEvents(t, path)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].EventType != "network_access" || events[0].Severity != "WARNING" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if events[0].Metadata["host"] != "evil.example.com" || events[0].Metadata["allowed"] != "false" {
		t.Fatalf("unexpected metadata: %+v", events[0].Metadata)
	}
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	logger, err := NewLogger(false, path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.LogCodeValidation("user-1", true, 0, nil)
	logger.LogNetworkAccess("user-1", "api.openai.com", 443, true)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no log file to be created, stat err: %v", err)
	}
}

func TestAppendsMultipleEventsAsSeparateLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	logger, err := NewLogger(true, path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.LogCodeValidation("user-1", true, 10, nil)
	logger.LogNetworkAccess("user-1", "api.openai.com", 443, true)

	events := readEvents(t, path)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}
