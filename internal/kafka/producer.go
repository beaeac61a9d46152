package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"argus-soar/internal/playbook"
)

// ErrProducerClosed is returned when producing after Close.
var ErrProducerClosed = errors.New("kafka: producer closed")

// AuditProducer publishes the terminal snapshot of every playbook
// instance to the audit topic, keyed by instance ID so one instance
// stays in one partition.
type AuditProducer struct {
	writer *kafka.Writer
	config Config
	logger *slog.Logger

	closed   atomic.Bool
	produced atomic.Int64
	failed   atomic.Int64
}

// NewAuditProducer creates a producer over the audit topic.
func NewAuditProducer(cfg Config, logger *slog.Logger) (*AuditProducer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AuditTopic == "" {
		return nil, errors.New("kafka: audit topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kafka-producer")

	dialer, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.AuditTopic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.ProducerBatchSize,
		BatchTimeout: cfg.ProducerBatchTimeout,
		MaxAttempts:  cfg.ProducerMaxRetries,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.Compression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	}

	logger.Info("kafka audit producer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.AuditTopic)

	return &AuditProducer{
		writer: writer,
		config: cfg,
		logger: logger,
	}, nil
}

// PublishInstance sends one terminal snapshot.
func (p *AuditProducer) PublishInstance(ctx context.Context, snap playbook.Snapshot) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	value, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal instance snapshot: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(snap.ID.String()),
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "state", Value: []byte(snap.State)},
			{Key: "template", Value: []byte(snap.TemplateID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("write audit message: %w", err)
	}
	p.produced.Add(1)
	return nil
}

// TerminalHook adapts the producer for the runner. Publish failures are
// logged, never propagated into the instance lifecycle.
func (p *AuditProducer) TerminalHook() func(playbook.Snapshot) {
	return func(snap playbook.Snapshot) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.PublishInstance(ctx, snap); err != nil {
			p.logger.Error("publish terminal instance failed",
				"instance_id", snap.ID,
				"error", err)
		}
	}
}

// Close flushes and closes the writer.
func (p *AuditProducer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.writer.Close()
}

// Stats reports producer counters.
func (p *AuditProducer) Stats() map[string]int64 {
	return map[string]int64{
		"produced": p.produced.Load(),
		"failed":   p.failed.Load(),
	}
}
