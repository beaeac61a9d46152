package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetup_MasksSensitiveAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(DefaultConfig(), &buf)

	logger.Info("connecting", "password", "hunter2", "host", "db01")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if record["password"] != MaskedValue {
		t.Errorf("password = %v, want %s", record["password"], MaskedValue)
	}
	if record["host"] != "db01" {
		t.Errorf("host = %v, want db01", record["host"])
	}
}

func TestSetup_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Config{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record emitted at warn level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn record missing")
	}
}

func TestSetup_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Config{Level: "info", Format: "text"}, &buf)

	logger.Info("hello", "component", "test")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Error("text format produced JSON output")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"garbage", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestIsSensitiveField(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"password", true},
		{"db_password", true},
		{"API_KEY", true},
		{"sasl_password", true},
		{"host", false},
		{"entity", false},
	}
	for _, tt := range tests {
		if got := IsSensitiveField(tt.name); got != tt.want {
			t.Errorf("IsSensitiveField(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
