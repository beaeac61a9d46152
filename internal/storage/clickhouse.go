// Package storage persists the audit trail: every step result, state
// transition and approval decision goes to ClickHouse, and terminal
// instance snapshots plus drill reports are archived to S3. All writers
// are nil-safe so the pipeline runs unchanged with auditing disabled.
package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ErrStoreClosed is returned when writing to a closed store.
var ErrStoreClosed = errors.New("storage: store closed")

// ClickHouseConfig holds the connection configuration.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// DefaultClickHouseConfig returns the default connection configuration.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "argus",
		Username:        "default",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
	}
}

// Connect opens and verifies a ClickHouse connection.
func Connect(cfg ClickHouseConfig) (driver.Conn, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return conn, nil
}

const auditTableDDL = `
CREATE TABLE IF NOT EXISTS soar_audit (
    record_type LowCardinality(String),
    instance_id UUID,
    ts          DateTime64(3, 'UTC'),
    step_index  Int32,
    step_name   String,
    action      LowCardinality(String),
    status      LowCardinality(String),
    attempts    UInt8,
    error       String,
    reason      String,
    from_state  LowCardinality(String),
    to_state    LowCardinality(String),
    request_id  UUID,
    risk        LowCardinality(String),
    decision    LowCardinality(String),
    actor       String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(ts)
ORDER BY (instance_id, ts)
TTL toDateTime(ts) + INTERVAL 1 YEAR
`

// EnsureSchema creates the audit table if it does not exist.
func EnsureSchema(ctx context.Context, conn driver.Conn) error {
	if err := conn.Exec(ctx, auditTableDDL); err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	return nil
}
