// Package approval gates risky playbook steps on a human decision.
// Every request is resolved exactly once: by an operator, by expiry, or
// by cancellation of the owning instance.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyDecided is returned when resolving a request that already
	// has a decision, including one decided by expiry.
	ErrAlreadyDecided = errors.New("approval request already decided")
	// ErrNotFound is returned for an unknown request ID.
	ErrNotFound = errors.New("approval request not found")
)

// Risk classifies how dangerous the gated step is. Higher risk means a
// shorter window for the human to answer.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Decision is the resolution of an approval request.
type Decision string

const (
	DecisionApproved  Decision = "approved"
	DecisionDenied    Decision = "denied"
	DecisionExpired   Decision = "expired"
	DecisionCancelled Decision = "cancelled"
)

// Outcome is a decided request as delivered to the waiter and the audit
// trail. Expired requests carry reason "expired" so audits can tell them
// from explicit denials.
type Outcome struct {
	Decision  Decision  `json:"decision"`
	Actor     string    `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Request is a pending or decided approval request.
type Request struct {
	ID          uuid.UUID `json:"id"`
	InstanceID  uuid.UUID `json:"instance_id"`
	StepIndex   int       `json:"step_index"`
	StepName    string    `json:"step_name"`
	Risk        Risk      `json:"risk"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Auditor records decided requests. Implementations must tolerate being
// called concurrently.
type Auditor interface {
	RecordApproval(ctx context.Context, req *Request, outcome Outcome) error
}

// Config configures the gate.
type Config struct {
	// Expiry maps risk to the window a request stays open.
	Expiry    map[Risk]time.Duration `yaml:"expiry"`
	SweepFreq time.Duration          `yaml:"sweep_freq"`
}

// DefaultConfig returns the default gate configuration.
func DefaultConfig() Config {
	return Config{
		Expiry: map[Risk]time.Duration{
			RiskHigh:   15 * time.Minute,
			RiskMedium: 60 * time.Minute,
			RiskLow:    4 * time.Hour,
		},
		SweepFreq: 10 * time.Second,
	}
}

type pendingRequest struct {
	req     *Request
	outcome chan Outcome // buffered, cap 1: delivery never blocks the resolver
	decided bool
}

// Gate holds approval requests and delivers decisions to waiters.
type Gate struct {
	config  Config
	logger  *slog.Logger
	auditor Auditor

	mu       sync.Mutex
	requests map[uuid.UUID]*pendingRequest

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewGate creates a gate. auditor may be nil.
func NewGate(config Config, auditor Auditor, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		config:   config,
		logger:   logger.With("component", "approval"),
		auditor:  auditor,
		requests: make(map[uuid.UUID]*pendingRequest),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the expiry sweeper.
func (g *Gate) Start(ctx context.Context) {
	g.wg.Add(1)
	go g.sweeper(ctx)
}

// Stop stops the sweeper.
func (g *Gate) Stop() {
	close(g.stopCh)
	g.wg.Wait()
}

// Request opens an approval request for a playbook step.
func (g *Gate) Request(ctx context.Context, instanceID uuid.UUID, stepIndex int, stepName string, risk Risk) (*Request, error) {
	expiry, ok := g.config.Expiry[risk]
	if !ok {
		return nil, fmt.Errorf("no expiry configured for risk %q", risk)
	}

	now := time.Now().UTC()
	req := &Request{
		ID:          uuid.New(),
		InstanceID:  instanceID,
		StepIndex:   stepIndex,
		StepName:    stepName,
		Risk:        risk,
		RequestedAt: now,
		ExpiresAt:   now.Add(expiry),
	}

	g.mu.Lock()
	g.requests[req.ID] = &pendingRequest{
		req:     req,
		outcome: make(chan Outcome, 1),
	}
	g.mu.Unlock()

	g.logger.Info("approval requested",
		"request_id", req.ID,
		"instance_id", instanceID,
		"step", stepName,
		"risk", risk,
		"expires_at", req.ExpiresAt)

	return req, nil
}

// Resolve records an operator decision. Only the first resolution of a
// request succeeds; all later attempts return ErrAlreadyDecided.
func (g *Gate) Resolve(ctx context.Context, requestID uuid.UUID, decision Decision, actor string) error {
	if decision != DecisionApproved && decision != DecisionDenied {
		return fmt.Errorf("operator decision must be approved or denied, got %q", decision)
	}
	return g.decide(ctx, requestID, Outcome{
		Decision:  decision,
		Actor:     actor,
		DecidedAt: time.Now().UTC(),
	})
}

// Cancel resolves a request as cancelled, used when the owning instance
// is cancelled while awaiting approval.
func (g *Gate) Cancel(requestID uuid.UUID) {
	err := g.decide(context.Background(), requestID, Outcome{
		Decision:  DecisionCancelled,
		Reason:    "instance cancelled",
		DecidedAt: time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, ErrAlreadyDecided) && !errors.Is(err, ErrNotFound) {
		g.logger.Error("cancel approval request failed", "request_id", requestID, "error", err)
	}
}

func (g *Gate) decide(ctx context.Context, requestID uuid.UUID, outcome Outcome) error {
	g.mu.Lock()
	pending, ok := g.requests[requestID]
	if !ok {
		g.mu.Unlock()
		return ErrNotFound
	}
	if pending.decided {
		g.mu.Unlock()
		return ErrAlreadyDecided
	}
	pending.decided = true
	g.mu.Unlock()

	pending.outcome <- outcome

	g.logger.Info("approval decided",
		"request_id", requestID,
		"decision", outcome.Decision,
		"actor", outcome.Actor)

	if g.auditor != nil {
		if err := g.auditor.RecordApproval(ctx, pending.req, outcome); err != nil {
			g.logger.Error("record approval failed", "request_id", requestID, "error", err)
		}
	}
	return nil
}

// Wait blocks until the request is decided or ctx is cancelled. The
// decided request is removed from the gate.
func (g *Gate) Wait(ctx context.Context, requestID uuid.UUID) (Outcome, error) {
	g.mu.Lock()
	pending, ok := g.requests[requestID]
	g.mu.Unlock()
	if !ok {
		return Outcome{}, ErrNotFound
	}

	select {
	case outcome := <-pending.outcome:
		g.mu.Lock()
		delete(g.requests, requestID)
		g.mu.Unlock()
		return outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Pending lists undecided requests, for the operator API.
func (g *Gate) Pending() []*Request {
	g.mu.Lock()
	defer g.mu.Unlock()

	pending := make([]*Request, 0, len(g.requests))
	for _, p := range g.requests {
		if !p.decided {
			r := *p.req
			pending = append(pending, &r)
		}
	}
	return pending
}

// Get returns the request by ID if it is still held by the gate.
func (g *Gate) Get(requestID uuid.UUID) (*Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.requests[requestID]
	if !ok {
		return nil, false
	}
	r := *p.req
	return &r, true
}

func (g *Gate) sweeper(ctx context.Context) {
	defer g.wg.Done()

	freq := g.config.SweepFreq
	if freq <= 0 {
		freq = 10 * time.Second
	}
	ticker := time.NewTicker(freq)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.expireOverdue(ctx)
		}
	}
}

func (g *Gate) expireOverdue(ctx context.Context) {
	now := time.Now().UTC()

	g.mu.Lock()
	var overdue []uuid.UUID
	for id, p := range g.requests {
		if !p.decided && now.After(p.req.ExpiresAt) {
			overdue = append(overdue, id)
		}
	}
	g.mu.Unlock()

	for _, id := range overdue {
		err := g.decide(ctx, id, Outcome{
			Decision:  DecisionExpired,
			Reason:    "expired",
			DecidedAt: now,
		})
		if err != nil && !errors.Is(err, ErrAlreadyDecided) {
			g.logger.Error("expire approval request failed", "request_id", id, "error", err)
		}
	}
}
