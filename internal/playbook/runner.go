package playbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"argus-soar/internal/approval"
)

// ErrInstanceNotFound is returned for an unknown instance ID.
var ErrInstanceNotFound = errors.New("instance not found")

// StepExecutionError wraps a step failure after retries are exhausted.
type StepExecutionError struct {
	InstanceID uuid.UUID
	StepName   string
	Attempts   int
	Err        error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempts: %v", e.StepName, e.Attempts, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// ActionExecutor performs a step's action against the target entity.
// Production executors call out to enforcement systems; drills swap in a
// simulator.
type ActionExecutor interface {
	Execute(ctx context.Context, instanceID uuid.UUID, step StepSpec, entity string) (map[string]any, error)
}

// Approver gates non-auto-approved steps. The production implementation
// is the approval gate; drills swap in an auto-resolver.
type Approver interface {
	Request(ctx context.Context, instanceID uuid.UUID, stepIndex int, stepName string, risk approval.Risk) (*approval.Request, error)
	Wait(ctx context.Context, requestID uuid.UUID) (approval.Outcome, error)
	Cancel(requestID uuid.UUID)
}

// Notifier receives instance lifecycle events. Implementations must not
// block; failures are theirs to log.
type Notifier interface {
	InstanceEvent(ctx context.Context, event string, snap Snapshot)
}

// Config configures the runner.
type Config struct {
	MaxConcurrent      int           `yaml:"max_concurrent"`
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout"`
	DefaultRetry       RetrySpec     `yaml:"default_retry"`
}

// DefaultRunnerConfig returns the default runner configuration.
func DefaultRunnerConfig() Config {
	return Config{
		MaxConcurrent:      16,
		DefaultStepTimeout: 2 * time.Minute,
		DefaultRetry:       RetrySpec{MaxAttempts: 3, Backoff: 2 * time.Second},
	}
}

// Runner executes playbook instances. Each instance runs on its own
// goroutine; a semaphore bounds concurrency.
type Runner struct {
	config   Config
	logger   *slog.Logger
	executor ActionExecutor
	approver Approver
	notifier Notifier

	mu        sync.RWMutex
	instances map[uuid.UUID]*Instance
	cancels   map[uuid.UUID]context.CancelFunc
	hooks     []func(Snapshot)

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewRunner creates a runner. notifier may be nil.
func NewRunner(config Config, executor ActionExecutor, approver Approver, notifier Notifier, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 16
	}
	return &Runner{
		config:    config,
		logger:    logger.With("component", "runner"),
		executor:  executor,
		approver:  approver,
		notifier:  notifier,
		instances: make(map[uuid.UUID]*Instance),
		cancels:   make(map[uuid.UUID]context.CancelFunc),
		sem:       make(chan struct{}, config.MaxConcurrent),
	}
}

// AddTerminalHook registers a callback invoked with the final snapshot
// of every instance that reaches Closed or Aborted. Must be called
// before Launch.
func (r *Runner) AddTerminalHook(hook func(Snapshot)) {
	r.hooks = append(r.hooks, hook)
}

// Launch starts an instance of tmpl for an incident and returns
// immediately. Use Wait or Done on the instance to observe completion.
func (r *Runner) Launch(ctx context.Context, tmpl *Template, incidentID uuid.UUID, entity string, windowStart time.Time) (*Instance, error) {
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}

	instance := NewInstance(tmpl, incidentID, entity, windowStart)
	runCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.instances[instance.ID()] = instance
	r.cancels[instance.ID()] = cancel
	r.mu.Unlock()

	r.logger.Info("instance launched",
		"instance_id", instance.ID(),
		"template_id", tmpl.ID,
		"incident_id", incidentID,
		"entity", entity)

	r.wg.Add(1)
	go r.run(runCtx, tmpl, instance)

	return instance, nil
}

// Cancel aborts a running instance. Terminal instances return
// ErrInstanceTerminal.
func (r *Runner) Cancel(instanceID uuid.UUID) error {
	r.mu.RLock()
	instance, ok := r.instances[instanceID]
	cancel := r.cancels[instanceID]
	r.mu.RUnlock()

	if !ok {
		return ErrInstanceNotFound
	}
	if instance.State().IsTerminal() {
		return ErrInstanceTerminal
	}

	cancel()
	return nil
}

// Get returns a snapshot of an instance.
func (r *Runner) Get(instanceID uuid.UUID) (Snapshot, bool) {
	r.mu.RLock()
	instance, ok := r.instances[instanceID]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return instance.Snapshot(), true
}

// List snapshots all known instances.
func (r *Runner) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.instances))
	for _, instance := range r.instances {
		out = append(out, instance.Snapshot())
	}
	return out
}

// Wait blocks until all launched instances have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, tmpl *Template, instance *Instance) {
	defer r.wg.Done()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		r.abort(instance, "cancelled before start")
		return
	}

	for i, step := range tmpl.Steps {
		if ctx.Err() != nil {
			r.abort(instance, "cancelled")
			return
		}

		if !r.enterPhase(ctx, instance, step.Phase) {
			return
		}

		if !step.AutoApproved {
			proceed, ok := r.awaitApproval(ctx, instance, i, step)
			if !ok {
				return
			}
			if !proceed {
				continue
			}
		}

		if !r.executeStep(ctx, instance, i, step) {
			return
		}
	}

	if err := instance.transition(StateClosed); err != nil {
		r.logger.Error("close transition failed", "instance_id", instance.ID(), "error", err)
	}
	r.logger.Info("instance closed",
		"instance_id", instance.ID(),
		"template_id", instance.TemplateID(),
		"duration", time.Since(instance.Snapshot().CreatedAt))
	r.finish(ctx, instance)
}

// enterPhase transitions the instance to the step's phase if it is not
// already there. Returns false when the instance cannot continue.
func (r *Runner) enterPhase(ctx context.Context, instance *Instance, phase Phase) bool {
	target := phaseState(phase)
	if instance.State() == target {
		return true
	}
	if err := instance.transition(target); err != nil {
		if errors.Is(err, ErrInstanceTerminal) {
			r.logger.Warn("transition on terminal instance ignored",
				"instance_id", instance.ID(), "to", target)
			return false
		}
		r.logger.Error("phase transition failed",
			"instance_id", instance.ID(), "to", target, "error", err)
		r.abort(instance, fmt.Sprintf("illegal transition to %s", target))
		return false
	}
	r.notify(ctx, "phase."+string(phase), instance)
	return true
}

// awaitApproval parks the instance on the gate. ok=false means the run
// is over (aborted or cancelled); proceed=false would mean skip, which
// never happens today: a denial aborts.
func (r *Runner) awaitApproval(ctx context.Context, instance *Instance, stepIndex int, step StepSpec) (proceed, ok bool) {
	phase := instance.State()
	if err := instance.transition(StateAwaitingApproval); err != nil {
		r.abort(instance, "approval park failed")
		return false, false
	}
	r.notify(ctx, "approval.requested", instance)

	req, err := r.approver.Request(ctx, instance.ID(), stepIndex, step.Name, step.Action.Risk())
	if err != nil {
		r.logger.Error("approval request failed",
			"instance_id", instance.ID(), "step", step.Name, "error", err)
		r.recordDenied(instance, stepIndex, step, "approval request failed")
		r.abort(instance, "approval request failed")
		return false, false
	}

	outcome, err := r.approver.Wait(ctx, req.ID)
	if err != nil {
		r.approver.Cancel(req.ID)
		r.abort(instance, "cancelled while awaiting approval")
		return false, false
	}

	switch outcome.Decision {
	case approval.DecisionApproved:
		if err := instance.transition(phase); err != nil {
			r.abort(instance, "approval resume failed")
			return false, false
		}
		return true, true
	default:
		reason := outcome.Reason
		if reason == "" {
			reason = string(outcome.Decision)
		}
		r.recordDenied(instance, stepIndex, step, reason)
		r.abort(instance, fmt.Sprintf("step %s not approved: %s", step.Name, reason))
		return false, false
	}
}

func (r *Runner) recordDenied(instance *Instance, stepIndex int, step StepSpec, reason string) {
	now := time.Now().UTC()
	instance.recordResult(StepResult{
		StepIndex:   stepIndex,
		Name:        step.Name,
		Action:      step.Action,
		Status:      StepSkippedDenied,
		Reason:      reason,
		StartedAt:   now,
		CompletedAt: now,
	})
}

// executeStep runs one step with bounded retries. Returns false when the
// instance aborted.
func (r *Runner) executeStep(ctx context.Context, instance *Instance, stepIndex int, step StepSpec) bool {
	retry := step.Retry
	if retry.MaxAttempts <= 0 {
		retry = r.config.DefaultRetry
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = r.config.DefaultStepTimeout
	}

	result := StepResult{
		StepIndex: stepIndex,
		Name:      step.Name,
		Action:    step.Action,
		StartedAt: time.Now().UTC(),
	}

	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err := r.executor.Execute(stepCtx, instance.ID(), step, instance.Snapshot().Entity)
		cancel()

		if err == nil {
			result.Status = StepSucceeded
			result.Attempts = attempt
			result.Output = output
			result.CompletedAt = time.Now().UTC()
			instance.recordResult(result)
			return true
		}

		lastErr = err
		result.Attempts = attempt
		r.logger.Warn("step attempt failed",
			"instance_id", instance.ID(),
			"step", step.Name,
			"attempt", attempt,
			"error", err)

		if ctx.Err() != nil {
			break
		}
		if attempt < retry.MaxAttempts {
			backoff := retry.Backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
		}
	}

	if ctx.Err() != nil {
		r.abort(instance, "cancelled")
		return false
	}

	stepErr := &StepExecutionError{
		InstanceID: instance.ID(),
		StepName:   step.Name,
		Attempts:   result.Attempts,
		Err:        lastErr,
	}
	result.Status = StepFailed
	result.Error = stepErr.Error()
	result.CompletedAt = time.Now().UTC()
	instance.recordResult(result)

	if step.Critical {
		r.abort(instance, stepErr.Error())
		return false
	}

	r.logger.Warn("non-critical step failed, continuing",
		"instance_id", instance.ID(), "step", step.Name, "error", lastErr)
	return true
}

func (r *Runner) abort(instance *Instance, reason string) {
	if err := instance.abort(reason); err != nil {
		return
	}
	r.logger.Warn("instance aborted",
		"instance_id", instance.ID(),
		"template_id", instance.TemplateID(),
		"reason", reason)
	r.finish(context.Background(), instance)
}

func (r *Runner) finish(ctx context.Context, instance *Instance) {
	snap := instance.Snapshot()
	r.notify(ctx, "instance."+string(snap.State), instance)
	for _, hook := range r.hooks {
		hook(snap)
	}
}

func (r *Runner) notify(ctx context.Context, event string, instance *Instance) {
	if r.notifier == nil {
		return
	}
	r.notifier.InstanceEvent(ctx, event, instance.Snapshot())
}
