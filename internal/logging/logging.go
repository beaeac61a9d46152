// Package logging builds the process logger and keeps credentials out
// of log output.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects log level and output format.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns info-level JSON logging.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json"}
}

// Setup builds an slog.Logger per the config and installs it as the
// process default. Sensitive attribute values are masked.
func Setup(cfg Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: maskAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sensitiveFields are attribute names whose values never reach logs.
var sensitiveFields = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"access_token":  true,
	"refresh_token": true,
	"private_key":   true,
	"client_secret": true,
	"credentials":   true,
	"authorization": true,
	"bearer":        true,
	"session_id":    true,
	"cookie":        true,
	"x-api-key":     true,
	"webhook_url":   true,
	"sasl_password": true,
}

// MaskedValue replaces sensitive values in log output.
const MaskedValue = "[REDACTED]"

// IsSensitiveField reports whether an attribute name must be masked.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	if sensitiveFields[lower] {
		return true
	}
	for field := range sensitiveFields {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

func maskAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString && IsSensitiveField(a.Key) && a.Value.String() != "" {
		a.Value = slog.StringValue(MaskedValue)
	}
	return a
}
