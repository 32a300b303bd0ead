package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/Paintersrp/warden/internal/config"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := newLogger(config.LogSettings{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("launch failed", zap.String("id", "frpc"), zap.Int("pid", 42))
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one entry, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["msg"] != "launch failed" || entry["id"] != "frpc" || entry["level"] != "warn" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("expected ts field in %v", entry)
	}
}

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "warden.log")
	logger, closeFn, err := New(config.LogSettings{Level: "info", Format: "console", File: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("process launched", zap.String("id", "a"))
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "process launched") || !strings.Contains(string(data), "INFO") {
		t.Fatalf("unexpected log file contents %q", data)
	}
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	if _, _, err := New(config.LogSettings{Level: "loud"}); err == nil {
		t.Fatalf("expected level error")
	}
	if _, _, err := New(config.LogSettings{Level: "info", Format: "xml"}); err == nil {
		t.Fatalf("expected format error")
	}
}
