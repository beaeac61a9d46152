package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"argus-soar/internal/approval"
	"argus-soar/internal/playbook"
)

// AuditConfig configures batching for the audit store.
type AuditConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultAuditConfig returns the default audit batching configuration.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// auditRow is one row of the soar_audit table. Field order matches the
// insert column order.
type auditRow struct {
	recordType string
	instanceID uuid.UUID
	ts         time.Time
	stepIndex  int32
	stepName   string
	action     string
	status     string
	attempts   uint8
	errText    string
	reason     string
	fromState  string
	toState    string
	requestID  uuid.UUID
	risk       string
	decision   string
	actor      string
}

const (
	recordStep       = "step_result"
	recordTransition = "transition"
	recordApproval   = "approval"
)

// AuditStore writes audit rows to ClickHouse in batches. A nil
// *AuditStore is a valid no-op writer, so callers never branch on
// whether auditing is enabled.
type AuditStore struct {
	conn   driver.Conn
	config AuditConfig
	logger *slog.Logger

	mu         sync.Mutex
	buffer     []auditRow
	flushTimer *time.Timer
	closed     bool

	written uint64
	failed  uint64
}

// NewAuditStore creates an audit store over an open connection.
func NewAuditStore(conn driver.Conn, cfg AuditConfig, logger *slog.Logger) *AuditStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AuditStore{
		conn:   conn,
		config: cfg,
		logger: logger.With("component", "audit"),
		buffer: make([]auditRow, 0, cfg.BatchSize),
	}
	s.flushTimer = time.AfterFunc(cfg.FlushInterval, s.timerFlush)
	return s
}

// RecordStepResult appends one step result to the audit trail.
func (s *AuditStore) RecordStepResult(ctx context.Context, instanceID uuid.UUID, res playbook.StepResult) error {
	if s == nil {
		return nil
	}
	return s.write(ctx, auditRow{
		recordType: recordStep,
		instanceID: instanceID,
		ts:         res.CompletedAt,
		stepIndex:  int32(res.StepIndex),
		stepName:   res.Name,
		action:     string(res.Action),
		status:     string(res.Status),
		attempts:   uint8(res.Attempts),
		errText:    res.Error,
		reason:     res.Reason,
	})
}

// RecordTransition appends one state transition to the audit trail.
func (s *AuditStore) RecordTransition(ctx context.Context, instanceID uuid.UUID, tr playbook.TransitionRecord) error {
	if s == nil {
		return nil
	}
	return s.write(ctx, auditRow{
		recordType: recordTransition,
		instanceID: instanceID,
		ts:         tr.At,
		fromState:  string(tr.From),
		toState:    string(tr.To),
	})
}

// RecordApproval implements approval.Auditor.
func (s *AuditStore) RecordApproval(ctx context.Context, req *approval.Request, outcome approval.Outcome) error {
	if s == nil {
		return nil
	}
	return s.write(ctx, auditRow{
		recordType: recordApproval,
		instanceID: req.InstanceID,
		ts:         outcome.DecidedAt,
		stepIndex:  int32(req.StepIndex),
		stepName:   req.StepName,
		reason:     outcome.Reason,
		requestID:  req.ID,
		risk:       string(req.Risk),
		decision:   string(outcome.Decision),
		actor:      outcome.Actor,
	})
}

// RecordInstance writes the full trail of a terminal instance. Wired as
// a runner terminal hook.
func (s *AuditStore) RecordInstance(snap playbook.Snapshot) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, tr := range snap.Transitions {
		if err := s.RecordTransition(ctx, snap.ID, tr); err != nil {
			s.logger.Error("record transition failed", "instance_id", snap.ID, "error", err)
			return
		}
	}
	for _, res := range snap.Results {
		if err := s.RecordStepResult(ctx, snap.ID, res); err != nil {
			s.logger.Error("record step result failed", "instance_id", snap.ID, "error", err)
			return
		}
	}
}

func (s *AuditStore) write(_ context.Context, row auditRow) error {
	if row.ts.IsZero() {
		row.ts = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.buffer = append(s.buffer, row)
	if len(s.buffer) >= s.config.BatchSize {
		return s.flushLocked()
	}
	return nil
}

func (s *AuditStore) timerFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if len(s.buffer) > 0 {
		if err := s.flushLocked(); err != nil {
			s.logger.Error("timer flush failed", "error", err)
		}
	}
	s.flushTimer.Reset(s.config.FlushInterval)
}

func (s *AuditStore) flushLocked() error {
	if len(s.buffer) == 0 {
		return nil
	}

	rows := s.buffer
	s.buffer = make([]auditRow, 0, s.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.config.RetryDelay * time.Duration(attempt))
		}
		if err := s.insertBatch(rows); err != nil {
			lastErr = err
			s.logger.Warn("audit batch insert failed",
				"attempt", attempt+1,
				"rows", len(rows),
				"error", err)
			continue
		}
		atomic.AddUint64(&s.written, uint64(len(rows)))
		return nil
	}

	atomic.AddUint64(&s.failed, uint64(len(rows)))
	return fmt.Errorf("audit batch insert failed after %d retries: %w", s.config.MaxRetries, lastErr)
}

func (s *AuditStore) insertBatch(rows []auditRow) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO soar_audit (
			record_type, instance_id, ts,
			step_index, step_name, action, status, attempts, error, reason,
			from_state, to_state,
			request_id, risk, decision, actor
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare audit batch: %w", err)
	}

	for _, row := range rows {
		err := batch.Append(
			row.recordType,
			row.instanceID,
			row.ts,
			row.stepIndex,
			row.stepName,
			row.action,
			row.status,
			row.attempts,
			row.errText,
			row.reason,
			row.fromState,
			row.toState,
			row.requestID,
			row.risk,
			row.decision,
			row.actor,
		)
		if err != nil {
			return fmt.Errorf("append audit row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send audit batch: %w", err)
	}
	return nil
}

// Flush forces the current buffer out.
func (s *AuditStore) Flush() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Close flushes and stops the store.
func (s *AuditStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.flushTimer.Stop()
	err := s.flushLocked()
	s.closed = true
	s.mu.Unlock()
	return err
}

// AuditMetrics reports write counters.
type AuditMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Pending int    `json:"pending"`
}

// Metrics returns write counters.
func (s *AuditStore) Metrics() AuditMetrics {
	if s == nil {
		return AuditMetrics{}
	}
	s.mu.Lock()
	pending := len(s.buffer)
	s.mu.Unlock()
	return AuditMetrics{
		Written: atomic.LoadUint64(&s.written),
		Failed:  atomic.LoadUint64(&s.failed),
		Pending: pending,
	}
}
