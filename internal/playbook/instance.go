package playbook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInstanceTerminal is returned when a transition is attempted on a
// Closed or Aborted instance. Terminal states never change.
var ErrInstanceTerminal = errors.New("instance is in a terminal state")

// State is the lifecycle state of a playbook instance. The five phase
// states mirror the template phases; AwaitingApproval parks a phase
// until the gate answers.
type State string

const (
	StatePending          State = "pending"
	StateAssessing        State = "assessing"
	StateContaining       State = "containing"
	StateInvestigating    State = "investigating"
	StateCommunicating    State = "communicating"
	StateResolving        State = "resolving"
	StateAwaitingApproval State = "awaiting_approval"
	StateClosed           State = "closed"
	StateAborted          State = "aborted"
)

// IsTerminal reports whether the state is Closed or Aborted.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateAborted
}

func phaseState(p Phase) State { return State(p) }

func statePhaseOrder(s State) (int, bool) {
	order, ok := phaseOrder[Phase(s)]
	return order, ok
}

// StepStatus is the recorded result of a step execution.
type StepStatus string

const (
	StepSucceeded     StepStatus = "succeeded"
	StepFailed        StepStatus = "failed"
	StepSkippedDenied StepStatus = "skipped-denied"
)

// StepResult records one step's outcome. Results are append-only and are
// retained when the instance aborts.
type StepResult struct {
	StepIndex   int            `json:"step_index"`
	Name        string         `json:"name"`
	Action      ActionKind     `json:"action"`
	Status      StepStatus     `json:"status"`
	Attempts    int            `json:"attempts"`
	Error       string         `json:"error,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// TransitionRecord is one entry of the instance's transition history.
type TransitionRecord struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Timings holds the SLO reference points of an instance. They are
// recorded, never enforced.
type Timings struct {
	WindowStart time.Time `json:"window_start"`
	StartedAt   time.Time `json:"started_at"`
	ContainedAt time.Time `json:"contained_at,omitempty"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`
}

// TimeToResponse is the delay from the incident window opening to the
// instance starting.
func (t Timings) TimeToResponse() time.Duration {
	if t.StartedAt.IsZero() || t.WindowStart.IsZero() {
		return 0
	}
	return t.StartedAt.Sub(t.WindowStart)
}

// TimeToContainment is the delay from the incident window opening to the
// instance entering its containment phase.
func (t Timings) TimeToContainment() time.Duration {
	if t.ContainedAt.IsZero() || t.WindowStart.IsZero() {
		return 0
	}
	return t.ContainedAt.Sub(t.WindowStart)
}

// Instance is a running or finished execution of a template against one
// incident. All mutation goes through its transition and record methods;
// readers get copies via Snapshot.
type Instance struct {
	mu sync.Mutex

	id          uuid.UUID
	templateID  string
	incidentID  uuid.UUID
	entity      string
	state       State
	resumeState State
	currentStep int
	results     []StepResult
	transitions []TransitionRecord
	timings     Timings
	abortReason string
	createdAt   time.Time
	updatedAt   time.Time

	done chan struct{}
}

// NewInstance creates a pending instance for a template and incident.
func NewInstance(tmpl *Template, incidentID uuid.UUID, entity string, windowStart time.Time) *Instance {
	now := time.Now().UTC()
	return &Instance{
		id:         uuid.New(),
		templateID: tmpl.ID,
		incidentID: incidentID,
		entity:     entity,
		state:      StatePending,
		timings: Timings{
			WindowStart: windowStart,
			StartedAt:   now,
		},
		createdAt: now,
		updatedAt: now,
		done:      make(chan struct{}),
	}
}

// ID returns the instance ID.
func (in *Instance) ID() uuid.UUID { return in.id }

// TemplateID returns the template the instance executes.
func (in *Instance) TemplateID() string { return in.templateID }

// IncidentID returns the incident the instance responds to.
func (in *Instance) IncidentID() uuid.UUID { return in.incidentID }

// State returns the current state.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Done is closed when the instance reaches a terminal state.
func (in *Instance) Done() <-chan struct{} { return in.done }

// Wait blocks until the instance is terminal or ctx is cancelled.
func (in *Instance) Wait(ctx context.Context) error {
	select {
	case <-in.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transition moves the instance to a new state, enforcing the lifecycle:
// phases only move forward, AwaitingApproval resumes to the phase it
// parked, and terminal states are final.
func (in *Instance) transition(to State) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.state.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInstanceTerminal, in.state, to)
	}

	from := in.state
	now := time.Now().UTC()

	switch {
	case to == StateAborted || to == StateClosed:
		// Any live state may finish.
	case to == StateAwaitingApproval:
		if _, ok := statePhaseOrder(from); !ok {
			return fmt.Errorf("cannot await approval from %s", from)
		}
		in.resumeState = from
	case from == StateAwaitingApproval:
		if to != in.resumeState {
			return fmt.Errorf("approval must resume to %s, not %s", in.resumeState, to)
		}
	case from == StatePending:
		if _, ok := statePhaseOrder(to); !ok {
			return fmt.Errorf("illegal transition %s -> %s", from, to)
		}
	default:
		fromOrder, fromOK := statePhaseOrder(from)
		toOrder, toOK := statePhaseOrder(to)
		if !fromOK || !toOK || toOrder < fromOrder {
			return fmt.Errorf("illegal transition %s -> %s", from, to)
		}
	}

	in.state = to
	in.updatedAt = now
	in.transitions = append(in.transitions, TransitionRecord{From: from, To: to, At: now})

	if to == StateContaining && in.timings.ContainedAt.IsZero() {
		in.timings.ContainedAt = now
	}
	if to.IsTerminal() {
		in.timings.ClosedAt = now
		close(in.done)
	}
	return nil
}

// abort moves the instance to Aborted with a reason. Aborting an already
// terminal instance is a no-op.
func (in *Instance) abort(reason string) error {
	in.mu.Lock()
	if in.state.IsTerminal() {
		in.mu.Unlock()
		return ErrInstanceTerminal
	}
	in.abortReason = reason
	in.mu.Unlock()
	return in.transition(StateAborted)
}

// recordResult appends a step result and advances the step cursor.
// The cursor never rewinds.
func (in *Instance) recordResult(result StepResult) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.results = append(in.results, result)
	if result.StepIndex >= in.currentStep {
		in.currentStep = result.StepIndex + 1
	}
	in.updatedAt = time.Now().UTC()
}

// Snapshot is a read-only copy of an instance for inspection and audit.
type Snapshot struct {
	ID          uuid.UUID          `json:"id"`
	TemplateID  string             `json:"template_id"`
	IncidentID  uuid.UUID          `json:"incident_id"`
	Entity      string             `json:"entity"`
	State       State              `json:"state"`
	CurrentStep int                `json:"current_step"`
	Results     []StepResult       `json:"results"`
	Transitions []TransitionRecord `json:"transitions"`
	Timings     Timings            `json:"timings"`
	AbortReason string             `json:"abort_reason,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Snapshot copies the instance state for readers.
func (in *Instance) Snapshot() Snapshot {
	in.mu.Lock()
	defer in.mu.Unlock()

	results := make([]StepResult, len(in.results))
	copy(results, in.results)
	transitions := make([]TransitionRecord, len(in.transitions))
	copy(transitions, in.transitions)

	return Snapshot{
		ID:          in.id,
		TemplateID:  in.templateID,
		IncidentID:  in.incidentID,
		Entity:      in.entity,
		State:       in.state,
		CurrentStep: in.currentStep,
		Results:     results,
		Transitions: transitions,
		Timings:     in.timings,
		AbortReason: in.abortReason,
		CreatedAt:   in.createdAt,
		UpdatedAt:   in.updatedAt,
	}
}
