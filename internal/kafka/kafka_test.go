package kafka

import (
	"context"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"argus-soar/internal/normalize"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Brokers = []string{"localhost:9092"}
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty brokers", func(c *Config) { c.Brokers = nil }, true},
		{"no topics", func(c *Config) { c.EventTopic = ""; c.AuditTopic = "" }, true},
		{"invalid security protocol", func(c *Config) { c.SecurityProtocol = "INVALID" }, true},
		{"sasl without mechanism", func(c *Config) { c.SecurityProtocol = "SASL_SSL" }, true},
		{"sasl without credentials", func(c *Config) {
			c.SecurityProtocol = "SASL_SSL"
			c.SASLMechanism = "PLAIN"
		}, true},
		{"sasl complete", func(c *Config) {
			c.SecurityProtocol = "SASL_SSL"
			c.SASLMechanism = "SCRAM-SHA-256"
			c.SASLUsername = "user"
			c.SASLPassword = "pass"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Compression(t *testing.T) {
	tests := []struct {
		kind string
		want kafkago.Compression
	}{
		{"gzip", kafkago.Gzip},
		{"snappy", kafkago.Snappy},
		{"lz4", kafkago.Lz4},
		{"zstd", kafkago.Zstd},
		{"none", 0},
		{"", 0},
	}

	for _, tt := range tests {
		cfg := validConfig()
		cfg.CompressionType = tt.kind
		if got := cfg.Compression(); got != tt.want {
			t.Errorf("Compression(%q) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestConfig_DialerSASL(t *testing.T) {
	cfg := validConfig()
	cfg.SecurityProtocol = "SASL_PLAINTEXT"
	cfg.SASLMechanism = "PLAIN"
	cfg.SASLUsername = "user"
	cfg.SASLPassword = "pass"

	dialer, err := cfg.Dialer()
	if err != nil {
		t.Fatalf("Dialer() error = %v", err)
	}
	mech, ok := dialer.SASLMechanism.(plain.Mechanism)
	if !ok {
		t.Fatalf("SASLMechanism = %T, want plain.Mechanism", dialer.SASLMechanism)
	}
	if mech.Username != "user" {
		t.Errorf("Username = %s, want user", mech.Username)
	}
}

func TestConfig_DialerTLS(t *testing.T) {
	cfg := validConfig()
	cfg.SecurityProtocol = "SSL"

	dialer, err := cfg.Dialer()
	if err != nil {
		t.Fatalf("Dialer() error = %v", err)
	}
	if dialer.TLS == nil {
		t.Error("TLS = nil, want configured for SSL protocol")
	}
}

func TestNewConsumer_RequiresHandler(t *testing.T) {
	if _, err := NewConsumer(validConfig(), nil, nil); err == nil {
		t.Error("NewConsumer() error = nil, want error without handler")
	}
}

func TestNewConsumer_RequiresEventTopic(t *testing.T) {
	cfg := validConfig()
	cfg.EventTopic = ""
	handler := func(context.Context, normalize.RawEvent) error { return nil }
	if _, err := NewConsumer(cfg, handler, nil); err == nil {
		t.Error("NewConsumer() error = nil, want error without event topic")
	}
}

func TestNewAuditProducer_RequiresAuditTopic(t *testing.T) {
	cfg := validConfig()
	cfg.AuditTopic = ""
	if _, err := NewAuditProducer(cfg, nil); err == nil {
		t.Error("NewAuditProducer() error = nil, want error without audit topic")
	}
}
