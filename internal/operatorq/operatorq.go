// Package operatorq holds work the pipeline cannot resolve on its own:
// incidents with no applicable playbook template and events that failed
// structural normalization. Analysts drain the queue from tooling.
package operatorq

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrQueueFull is returned when the in-memory queue cannot accept more items.
var ErrQueueFull = errors.New("operatorq: queue full")

// ErrQueueClosed is returned after Close.
var ErrQueueClosed = errors.New("operatorq: queue closed")

// Kind classifies why an item needs an operator.
type Kind string

const (
	// KindNoTemplate marks an incident no template could serve.
	KindNoTemplate Kind = "no_template"
	// KindNormalizeError marks a raw event that failed normalization.
	KindNormalizeError Kind = "normalize_error"
)

// TriageItem is one unit of operator work.
type TriageItem struct {
	ID         uuid.UUID `json:"id"`
	Kind       Kind      `json:"kind"`
	IncidentID uuid.UUID `json:"incident_id,omitempty"`
	Entity     string    `json:"entity,omitempty"`
	Class      string    `json:"class,omitempty"`
	Severity   int       `json:"severity,omitempty"`
	Source     string    `json:"source,omitempty"`
	Detail     string    `json:"detail"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is a FIFO triage queue.
type Queue interface {
	// Push enqueues an item. A zero ID and EnqueuedAt are filled in.
	Push(ctx context.Context, item *TriageItem) error
	// Pop blocks until an item is available or the context ends.
	Pop(ctx context.Context) (*TriageItem, error)
	// Len reports the current depth.
	Len(ctx context.Context) (int64, error)
	// Close releases resources. Pending Pops return ErrQueueClosed.
	Close() error
}

func stamp(item *TriageItem) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
}

// RedisConfig configures the Redis-backed queue.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DefaultRedisConfig returns sensible defaults. Addr is empty: the
// caller opts in to Redis by setting it.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Key:          "argus:triage",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// RedisQueue persists triage items in a Redis list, so they survive
// engine restarts and can be shared across instances.
type RedisQueue struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(cfg RedisConfig, logger *slog.Logger) (*RedisQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	key := cfg.Key
	if key == "" {
		key = "argus:triage"
	}

	return &RedisQueue{
		client: client,
		key:    key,
		logger: logger.With("component", "operatorq"),
	}, nil
}

func (q *RedisQueue) Push(ctx context.Context, item *TriageItem) error {
	stamp(item)
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal triage item: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("lpush triage item: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (*TriageItem, error) {
	for {
		// Bounded block so the context is honored between polls.
		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, fmt.Errorf("brpop triage item: %w", err)
		}
		// BRPOP returns [key, value].
		var item TriageItem
		if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
			q.logger.Warn("dropping undecodable triage item", "error", err)
			continue
		}
		return &item, nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// MemoryQueue is the fallback when Redis is not configured. Items do
// not survive a restart.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []*TriageItem
	notify chan struct{}
	done   chan struct{}
	closed bool
}

// NewMemoryQueue creates an in-memory queue bounded at capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		items:  make([]*TriageItem, 0, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *MemoryQueue) Push(_ context.Context, item *TriageItem) error {
	stamp(item)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if len(q.items) >= cap(q.items) {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context) (*TriageItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()
	return nil
}

// New returns a Redis queue when an address is configured, otherwise
// the in-memory fallback.
func New(cfg RedisConfig, logger *slog.Logger) (Queue, error) {
	if cfg.Addr == "" {
		if logger != nil {
			logger.Info("operator queue running in-memory, redis not configured")
		}
		return NewMemoryQueue(0), nil
	}
	return NewRedisQueue(cfg, logger)
}
