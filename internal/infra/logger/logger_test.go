package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"moonrpc/internal/infra/config"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, config.LoggerConfig{Level: "info", Format: "json"})

	log.Info("call timed out", "method", "printer.info", "timeout", 1500*time.Millisecond)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v, output: %s", err, buf.String())
	}
	if entry["msg"] != "call timed out" {
		t.Errorf("msg = %q, want %q", entry["msg"], "call timed out")
	}
	if entry["timeout"] != "1.5s" {
		t.Errorf("timeout = %v, want 1.5s", entry["timeout"])
	}
}

func TestNewTextLoggerFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, config.LoggerConfig{Level: "warn", Format: "text"})

	log.Info("hidden")
	log.Warn("protocol anomaly", "reason", "unknown id")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, "reason=\"unknown id\"") {
		t.Errorf("missing warn line: %s", out)
	}
}

func TestDebugAddsSource(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, config.LoggerConfig{Level: "debug", Format: "json"})
	log.Debug("state change")
	if !strings.Contains(buf.String(), `"source"`) {
		t.Errorf("debug output should carry the source: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestOpenOutputStd(t *testing.T) {
	for name, want := range map[string]io.Writer{"stdout": os.Stdout, "stderr": os.Stderr, "": os.Stderr, "discard": io.Discard} {
		w, closer, err := openOutput(name)
		if err != nil {
			t.Fatalf("openOutput(%q): %v", name, err)
		}
		if w != want {
			t.Errorf("openOutput(%q) returned the wrong writer", name)
		}
		if err := closer(); err != nil {
			t.Errorf("closer: %v", err)
		}
	}
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moonctl.log")
	log, closer, err := New(config.LoggerConfig{Level: "info", Format: "text", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("connected", "session", "01J")
	if err := closer(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "session=01J") {
		t.Errorf("log file = %q", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("log file mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestNewBadOutput(t *testing.T) {
	_, _, err := New(config.LoggerConfig{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	if err == nil {
		t.Error("expected error for unwritable output")
	}
}
