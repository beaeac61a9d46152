package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"argus-soar/internal/normalize"
)

// EventHandler receives one decoded raw event. Returning an error skips
// the commit so the message is redelivered.
type EventHandler func(ctx context.Context, raw normalize.RawEvent) error

// Consumer reads raw events from the event topic and hands them to the
// handler.
type Consumer struct {
	reader  *kafka.Reader
	config  Config
	logger  *slog.Logger
	handler EventHandler

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	consumed atomic.Int64
	dropped  atomic.Int64
	errors   atomic.Int64
}

// NewConsumer creates a consumer over the event topic.
func NewConsumer(cfg Config, handler EventHandler, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EventTopic == "" {
		return nil, errors.New("kafka: event topic is required")
	}
	if handler == nil {
		return nil, errors.New("kafka: event handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kafka-consumer")

	dialer, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.EventTopic,
		Dialer:         dialer,
		MinBytes:       cfg.ConsumerMinBytes,
		MaxBytes:       cfg.ConsumerMaxBytes,
		MaxWait:        cfg.ConsumerMaxWait,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    cfg.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		reader:  reader,
		config:  cfg,
		logger:  logger,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming in a background goroutine.
func (c *Consumer) Start() error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer loop exited", "error", err)
		}
	}()

	c.logger.Info("kafka consumer started",
		"topic", c.config.EventTopic,
		"group", c.config.ConsumerGroup)
	return nil
}

func (c *Consumer) consumeLoop() error {
	for {
		msg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.errors.Add(1)
			c.logger.Error("fetch message failed", "error", err)
			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		var raw normalize.RawEvent
		if err := json.Unmarshal(msg.Value, &raw); err != nil {
			// Undecodable messages are committed so they do not wedge
			// the partition.
			c.dropped.Add(1)
			c.logger.Warn("dropping undecodable event",
				"offset", msg.Offset,
				"partition", msg.Partition,
				"error", err)
			c.commit(msg)
			continue
		}

		handleCtx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
		err = c.handler(handleCtx, raw)
		cancel()
		if err != nil {
			c.errors.Add(1)
			c.logger.Error("event handler failed",
				"source", raw.Source,
				"offset", msg.Offset,
				"error", err)
			continue
		}

		c.commit(msg)
		c.consumed.Add(1)
	}
}

func (c *Consumer) commit(msg kafka.Message) {
	if err := c.reader.CommitMessages(c.ctx, msg); err != nil {
		c.logger.Error("commit offset failed", "offset", msg.Offset, "error", err)
	}
}

// Stop shuts the consumer down and waits for the loop to exit.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	return c.reader.Close()
}

// Stats reports consumption counters.
func (c *Consumer) Stats() map[string]int64 {
	return map[string]int64{
		"consumed": c.consumed.Load(),
		"dropped":  c.dropped.Load(),
		"errors":   c.errors.Load(),
	}
}
