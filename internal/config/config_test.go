package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"garbage", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.input); got != tt.expected {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CIRISNODE_TEST_STR", "value")
	t.Setenv("CIRISNODE_TEST_INT", "7")
	t.Setenv("CIRISNODE_TEST_DUR", "45s")
	t.Setenv("CIRISNODE_TEST_LIST", "a, b ,,c")

	if got := getEnv("CIRISNODE_TEST_STR", "fallback"); got != "value" {
		t.Errorf("getEnv = %q", got)
	}
	if got := getEnv("CIRISNODE_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("getEnv missing = %q", got)
	}
	if got := getInt("CIRISNODE_TEST_INT", 1); got != 7 {
		t.Errorf("getInt = %d", got)
	}
	if got := getDuration("CIRISNODE_TEST_DUR", time.Second); got != 45*time.Second {
		t.Errorf("getDuration = %v", got)
	}
	got := splitEnv("CIRISNODE_TEST_LIST", "")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("splitEnv = %v", got)
	}

	// Malformed values fall back to defaults.
	t.Setenv("CIRISNODE_TEST_INT", "nope")
	if got := getInt("CIRISNODE_TEST_INT", 1); got != 1 {
		t.Errorf("getInt malformed = %d", got)
	}
	t.Setenv("CIRISNODE_TEST_DUR", "nope")
	if got := getDuration("CIRISNODE_TEST_DUR", time.Second); got != time.Second {
		t.Errorf("getDuration malformed = %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("CIRISNODE_ADDR")
	os.Unsetenv("CIRISNODE_DEFAULT_SLA")

	cfg := Load()
	if cfg.ListenAddr != ":8010" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.DefaultSLA != 72*time.Hour {
		t.Errorf("DefaultSLA = %v", cfg.DefaultSLA)
	}
	if cfg.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d", cfg.MaxConcurrent)
	}
	if cfg.AdminToken != "" {
		t.Errorf("AdminToken should default to empty, got %q", cfg.AdminToken)
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Info("hello", "key", "val")

	if !strings.Contains(stderr.String(), "hello") {
		t.Error("stderr output missing message")
	}

	// The file side is structured JSON.
	var record map[string]any
	if err := json.Unmarshal(file.Bytes(), &record); err != nil {
		t.Fatalf("file output is not JSON: %v", err)
	}
	if record["msg"] != "hello" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record["key"] != "val" {
		t.Errorf("key = %v", record["key"])
	}

	// Below-level records are dropped on both sides.
	stderr.Reset()
	file.Reset()
	logger.Debug("invisible")
	if stderr.Len() != 0 || file.Len() != 0 {
		t.Error("debug record should have been dropped")
	}
}
