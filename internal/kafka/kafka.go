// Package kafka streams raw events into the pipeline and publishes the
// audit record of every terminal playbook instance.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Config holds Kafka connection and behavior configuration.
type Config struct {
	Brokers       []string `yaml:"brokers"`
	EventTopic    string   `yaml:"event_topic"`
	AuditTopic    string   `yaml:"audit_topic"`
	ConsumerGroup string   `yaml:"consumer_group"`

	CompressionType  string `yaml:"compression_type"`
	SecurityProtocol string `yaml:"security_protocol"`
	SASLMechanism    string `yaml:"sasl_mechanism,omitempty"`
	SASLUsername     string `yaml:"sasl_username,omitempty"`
	SASLPassword     string `yaml:"sasl_password,omitempty"`

	TLSEnabled    bool   `yaml:"tls_enabled"`
	TLSCertFile   string `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile    string `yaml:"tls_key_file,omitempty"`
	TLSCAFile     string `yaml:"tls_ca_file,omitempty"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify,omitempty"`

	ProducerBatchSize    int           `yaml:"producer_batch_size"`
	ProducerBatchTimeout time.Duration `yaml:"producer_batch_timeout"`
	ProducerMaxRetries   int           `yaml:"producer_max_retries"`
	RequiredAcks         int           `yaml:"required_acks"`

	ConsumerMinBytes int           `yaml:"consumer_min_bytes"`
	ConsumerMaxBytes int           `yaml:"consumer_max_bytes"`
	ConsumerMaxWait  time.Duration `yaml:"consumer_max_wait"`
	CommitInterval   time.Duration `yaml:"commit_interval"`
	StartOffset      int64         `yaml:"start_offset"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns a Config with sensible defaults. Brokers is
// empty: the caller opts in to Kafka by setting it.
func DefaultConfig() Config {
	return Config{
		EventTopic:           "soar-raw-events",
		AuditTopic:           "soar-audit",
		ConsumerGroup:        "argus-soar",
		CompressionType:      "lz4",
		SecurityProtocol:     "PLAINTEXT",
		ProducerBatchSize:    100,
		ProducerBatchTimeout: 10 * time.Millisecond,
		ProducerMaxRetries:   3,
		RequiredAcks:         -1,
		ConsumerMinBytes:     1,
		ConsumerMaxBytes:     10 * 1024 * 1024,
		ConsumerMaxWait:      500 * time.Millisecond,
		CommitInterval:       time.Second,
		StartOffset:          kafka.LastOffset,
		DialTimeout:          10 * time.Second,
		ReadTimeout:          30 * time.Second,
		WriteTimeout:         30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.EventTopic == "" && c.AuditTopic == "" {
		return errors.New("kafka: at least one topic is required")
	}

	validProtocols := map[string]bool{
		"PLAINTEXT": true, "SSL": true, "SASL_PLAINTEXT": true, "SASL_SSL": true,
	}
	if !validProtocols[c.SecurityProtocol] {
		return fmt.Errorf("kafka: invalid security protocol: %s", c.SecurityProtocol)
	}

	if c.SecurityProtocol == "SASL_PLAINTEXT" || c.SecurityProtocol == "SASL_SSL" {
		validMechanisms := map[string]bool{
			"PLAIN": true, "SCRAM-SHA-256": true, "SCRAM-SHA-512": true,
		}
		if !validMechanisms[c.SASLMechanism] {
			return fmt.Errorf("kafka: invalid SASL mechanism: %s", c.SASLMechanism)
		}
		if c.SASLUsername == "" || c.SASLPassword == "" {
			return errors.New("kafka: SASL username and password required")
		}
	}
	return nil
}

// Compression returns the kafka-go compression codec.
func (c *Config) Compression() kafka.Compression {
	switch c.CompressionType {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

// Dialer returns a dialer with TLS and SASL applied per the config.
func (c *Config) Dialer() (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{
		Timeout:   c.DialTimeout,
		DualStack: true,
	}

	if c.TLSEnabled || c.SecurityProtocol == "SSL" || c.SecurityProtocol == "SASL_SSL" {
		tlsConfig, err := c.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("kafka: configure TLS: %w", err)
		}
		dialer.TLS = tlsConfig
	}

	if c.SecurityProtocol == "SASL_PLAINTEXT" || c.SecurityProtocol == "SASL_SSL" {
		mechanism, err := c.saslMechanism()
		if err != nil {
			return nil, fmt.Errorf("kafka: configure SASL: %w", err)
		}
		dialer.SASLMechanism = mechanism
	}

	return dialer, nil
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if c.TLSCAFile != "" {
		caCert, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	if c.TLSCertFile != "" && c.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func (c *Config) saslMechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{
			Username: c.SASLUsername,
			Password: c.SASLPassword,
		}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", c.SASLMechanism)
	}
}
