// Package config loads the engine configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"argus-soar/internal/api"
	"argus-soar/internal/approval"
	"argus-soar/internal/correlation"
	"argus-soar/internal/decision"
	"argus-soar/internal/ingest"
	"argus-soar/internal/kafka"
	"argus-soar/internal/logging"
	"argus-soar/internal/operatorq"
	"argus-soar/internal/playbook"
	"argus-soar/internal/secrets"
	"argus-soar/internal/storage"
)

// Config is the complete engine configuration.
type Config struct {
	Logging     logging.Config        `yaml:"logging"`
	Queue       QueueConfig           `yaml:"queue"`
	Ingest      IngestConfig          `yaml:"ingest"`
	Correlation correlation.Config    `yaml:"correlation"`
	Decision    decision.Config       `yaml:"decision"`
	Advisory    AdvisoryConfig        `yaml:"advisory"`
	Runner      playbook.Config       `yaml:"runner"`
	Approval    approval.Config       `yaml:"approval"`
	Templates   TemplatesConfig       `yaml:"templates"`
	Notify      NotifyConfig          `yaml:"notify"`
	Redis       operatorq.RedisConfig `yaml:"redis"`
	Storage     StorageConfig         `yaml:"storage"`
	Kafka       kafka.Config          `yaml:"kafka"`
	API         api.Config            `yaml:"api"`
	Executor    ExecutorConfig        `yaml:"executor"`
}

// QueueConfig sizes the event buffer between ingest and correlation.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// IngestConfig covers the HTTP and TCP ingest listeners.
type IngestConfig struct {
	HTTPAddress string                 `yaml:"http_address"`
	MaxBatch    int                    `yaml:"max_batch"`
	RateLimit   ingest.RateLimitConfig `yaml:"rate_limit"`
	TCP         ingest.TCPConfig       `yaml:"tcp"`
	TCPEnabled  bool                   `yaml:"tcp_enabled"`
}

// AdvisoryConfig points at the advisory service. An empty BaseURL
// disables the advisor.
type AdvisoryConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// TemplatesConfig lists extra playbook template files loaded on top of
// the built-ins.
type TemplatesConfig struct {
	Paths []string `yaml:"paths"`
}

// NotifyConfig configures notification channels.
type NotifyConfig struct {
	Webhooks []WebhookSpec `yaml:"webhooks"`
	Slack    SlackSpec     `yaml:"slack"`
}

// WebhookSpec is one outbound webhook destination.
type WebhookSpec struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// SlackSpec configures the Slack channel. An empty WebhookURL disables
// it.
type SlackSpec struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// StorageConfig covers the ClickHouse audit trail and the S3 archive.
type StorageConfig struct {
	Enabled    bool                     `yaml:"enabled"`
	ClickHouse storage.ClickHouseConfig `yaml:"clickhouse"`
	Audit      storage.AuditConfig      `yaml:"audit"`
	S3         storage.S3Config         `yaml:"s3"`
}

// ExecutorConfig points action execution at the response gateway.
type ExecutorConfig struct {
	GatewayURL string        `yaml:"gateway_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	DryRun     bool          `yaml:"dry_run"`
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.DefaultConfig(),
		Queue:   QueueConfig{Size: 10000},
		Ingest: IngestConfig{
			HTTPAddress: ":8080",
			MaxBatch:    1000,
			RateLimit:   ingest.DefaultRateLimitConfig(),
			TCP:         ingest.DefaultTCPConfig(),
		},
		Correlation: correlation.DefaultConfig(),
		Decision:    decision.DefaultConfig(),
		Advisory: AdvisoryConfig{
			Timeout: 3 * time.Second,
		},
		Runner:   playbook.DefaultRunnerConfig(),
		Approval: approval.DefaultConfig(),
		Notify: NotifyConfig{
			Slack: SlackSpec{Channel: "#soc", Username: "argus-soar"},
		},
		Redis: operatorq.DefaultRedisConfig(),
		Storage: StorageConfig{
			ClickHouse: storage.DefaultClickHouseConfig(),
			Audit:      storage.DefaultAuditConfig(),
			S3:         storage.DefaultS3Config(),
		},
		Kafka: kafka.DefaultConfig(),
		API:   api.DefaultConfig(),
		Executor: ExecutorConfig{
			Timeout: 30 * time.Second,
			DryRun:  true,
		},
	}
}

// Load reads the config file named by ARGUS_CONFIG_PATH (default
// configs/config.yaml), falling back to defaults when the file does not
// exist, then applies environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("ARGUS_CONFIG_PATH")
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.resolveSecrets(secrets.NewResolver()); err != nil {
		return nil, fmt.Errorf("resolve secrets: %w", err)
	}
	return cfg, cfg.Validate()
}

// resolveSecrets expands env: and file: references in credential fields
// so the config file can point at secrets instead of holding them.
func (c *Config) resolveSecrets(r *secrets.Resolver) error {
	return r.ResolveAll(
		&c.Redis.Password,
		&c.Storage.ClickHouse.Password,
		&c.Storage.S3.AccessKeyID,
		&c.Storage.S3.SecretAccessKey,
		&c.Kafka.SASLPassword,
		&c.Advisory.APIKey,
		&c.Executor.APIKey,
		&c.Notify.Slack.WebhookURL,
	)
}

func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("ARGUS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("ARGUS_HTTP_ADDR"); addr != "" {
		c.Ingest.HTTPAddress = addr
	}
	if addr := os.Getenv("ARGUS_API_ADDR"); addr != "" {
		c.API.Address = addr
	}
	if size := os.Getenv("ARGUS_QUEUE_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			c.Queue.Size = n
		}
	}
	if url := os.Getenv("ARGUS_ADVISORY_URL"); url != "" {
		c.Advisory.BaseURL = url
	}
	if key := os.Getenv("ARGUS_ADVISORY_API_KEY"); key != "" {
		c.Advisory.APIKey = key
	}
	if url := os.Getenv("ARGUS_GATEWAY_URL"); url != "" {
		c.Executor.GatewayURL = url
	}
	if key := os.Getenv("ARGUS_GATEWAY_API_KEY"); key != "" {
		c.Executor.APIKey = key
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.Enabled = true
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}
	if bucket := os.Getenv("ARGUS_S3_BUCKET"); bucket != "" {
		c.Storage.S3.Bucket = bucket
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers)
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", c.Queue.Size)
	}
	if c.Ingest.MaxBatch <= 0 {
		return fmt.Errorf("ingest max_batch must be positive, got %d", c.Ingest.MaxBatch)
	}
	if c.Correlation.Width <= 0 {
		return fmt.Errorf("correlation width must be positive, got %s", c.Correlation.Width)
	}
	if c.Correlation.Inactivity <= 0 {
		return fmt.Errorf("correlation inactivity must be positive, got %s", c.Correlation.Inactivity)
	}
	if c.Runner.MaxConcurrent <= 0 {
		return fmt.Errorf("runner max_concurrent must be positive, got %d", c.Runner.MaxConcurrent)
	}
	if c.Decision.MinConfidence < 0 || c.Decision.MinConfidence > 1 {
		return fmt.Errorf("decision min_confidence must be in [0,1], got %v", c.Decision.MinConfidence)
	}
	if c.Storage.Enabled {
		if len(c.Storage.ClickHouse.Hosts) == 0 {
			return fmt.Errorf("storage enabled but no clickhouse hosts configured")
		}
	}
	if len(c.Kafka.Brokers) > 0 {
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	}
	return nil
}
