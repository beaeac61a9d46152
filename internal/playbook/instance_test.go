package playbook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestInstance() *Instance {
	tmpl := BuiltinTemplates()[0]
	return NewInstance(tmpl, uuid.New(), "user:admin", time.Now().UTC().Add(-time.Minute))
}

func TestInstance_ForwardTransitions(t *testing.T) {
	in := newTestInstance()

	sequence := []State{
		StateAssessing,
		StateContaining,
		StateInvestigating,
		StateCommunicating,
		StateResolving,
		StateClosed,
	}
	for _, state := range sequence {
		if err := in.transition(state); err != nil {
			t.Fatalf("transition to %s: error = %v", state, err)
		}
	}

	snap := in.Snapshot()
	if snap.State != StateClosed {
		t.Errorf("State = %s, want closed", snap.State)
	}
	if len(snap.Transitions) != len(sequence) {
		t.Errorf("transition history = %d entries, want %d", len(snap.Transitions), len(sequence))
	}
	if snap.Timings.ClosedAt.IsZero() {
		t.Error("ClosedAt not recorded")
	}
}

func TestInstance_PhaseNeverRewinds(t *testing.T) {
	in := newTestInstance()
	in.transition(StateAssessing)
	in.transition(StateContaining)

	if err := in.transition(StateAssessing); err == nil {
		t.Error("backwards transition allowed, want error")
	}
}

func TestInstance_TerminalIsFinal(t *testing.T) {
	in := newTestInstance()
	in.transition(StateAssessing)
	if err := in.abort("operator cancel"); err != nil {
		t.Fatalf("abort() error = %v", err)
	}

	if err := in.transition(StateContaining); !errors.Is(err, ErrInstanceTerminal) {
		t.Errorf("transition after abort: error = %v, want ErrInstanceTerminal", err)
	}
	if err := in.abort("again"); !errors.Is(err, ErrInstanceTerminal) {
		t.Errorf("second abort: error = %v, want ErrInstanceTerminal", err)
	}

	snap := in.Snapshot()
	if snap.AbortReason != "operator cancel" {
		t.Errorf("AbortReason = %q, want first reason kept", snap.AbortReason)
	}
}

func TestInstance_ApprovalParkAndResume(t *testing.T) {
	in := newTestInstance()
	in.transition(StateAssessing)
	in.transition(StateContaining)

	if err := in.transition(StateAwaitingApproval); err != nil {
		t.Fatalf("park: error = %v", err)
	}

	// Resume must return to the parked phase, nothing else.
	if err := in.transition(StateInvestigating); err == nil {
		t.Error("resume to wrong phase allowed, want error")
	}
	if err := in.transition(StateContaining); err != nil {
		t.Errorf("resume to parked phase: error = %v", err)
	}
}

func TestInstance_DoneOnTerminal(t *testing.T) {
	in := newTestInstance()
	in.transition(StateAssessing)

	select {
	case <-in.Done():
		t.Fatal("Done() closed before terminal state")
	default:
	}

	in.transition(StateClosed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := in.Wait(ctx); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestInstance_TimingsContainment(t *testing.T) {
	windowStart := time.Now().UTC().Add(-3 * time.Minute)
	tmpl := BuiltinTemplates()[0]
	in := NewInstance(tmpl, uuid.New(), "user:admin", windowStart)

	in.transition(StateAssessing)
	in.transition(StateContaining)

	timings := in.Snapshot().Timings
	if timings.TimeToContainment() < 3*time.Minute {
		t.Errorf("TimeToContainment() = %v, want at least 3m from window start", timings.TimeToContainment())
	}
	if timings.TimeToResponse() < 3*time.Minute {
		t.Errorf("TimeToResponse() = %v, want at least 3m from window start", timings.TimeToResponse())
	}
}

func TestInstance_ResultsAppendOnly(t *testing.T) {
	in := newTestInstance()

	in.recordResult(StepResult{StepIndex: 0, Name: "a", Status: StepSucceeded})
	in.recordResult(StepResult{StepIndex: 1, Name: "b", Status: StepFailed})

	snap := in.Snapshot()
	if len(snap.Results) != 2 {
		t.Fatalf("Results = %d, want 2", len(snap.Results))
	}
	if snap.CurrentStep != 2 {
		t.Errorf("CurrentStep = %d, want 2", snap.CurrentStep)
	}

	// Mutating the snapshot must not touch the instance.
	snap.Results[0].Name = "tampered"
	if in.Snapshot().Results[0].Name != "a" {
		t.Error("snapshot shares backing array with instance")
	}
}
