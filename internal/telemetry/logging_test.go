package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lastLogEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatal("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("task accepted", "task_id", int64(7))

	entry := lastLogEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["task_id"] != float64(7) {
		t.Fatalf("expected task_id propagation, got %#v", entry["task_id"])
	}
	if _, ok := entry["time"]; ok {
		t.Fatal("time key must be renamed to timestamp")
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("security check",
		"api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-value",
	)

	entry := lastLogEntry(t, home)
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
}

func TestNewLogger_RedactsBotTokenInValues(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Error("poll failed",
		"error", "Get https://api.telegram.org/bot123456789:AAFxyzxyzxyzxyzxyzxyzxyzxyzxyzxyzxy/getUpdates: timeout",
	)

	entry := lastLogEntry(t, home)
	errText, _ := entry["error"].(string)
	if strings.Contains(errText, "AAFxyz") {
		t.Fatalf("bot token leaked into log: %q", errText)
	}
	if !strings.Contains(errText, "[REDACTED]") {
		t.Fatalf("expected redaction marker, got %q", errText)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"WARNING": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
