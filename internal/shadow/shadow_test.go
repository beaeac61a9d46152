package shadow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"argus-soar/internal/approval"
	"argus-soar/internal/normalize"
	"argus-soar/internal/playbook"
)

func bruteForceFixtures(n int) []normalize.RawEvent {
	fixtures := make([]normalize.RawEvent, 0, n)
	for i := 0; i < n; i++ {
		fixtures = append(fixtures, normalize.RawEvent{
			Source: "windows_security",
			Fields: map[string]any{
				"EventID":        "4625",
				"TargetUserName": "svc-deploy",
				"IpAddress":      "203.0.113.50",
				"Computer":       "dc01",
				"TimeCreated":    time.Now().UTC().Format(time.RFC3339),
			},
		})
	}
	return fixtures
}

func TestValidator_DrillAlwaysApprovePasses(t *testing.T) {
	v := NewValidator(DefaultConfig(), playbook.NewCatalog(), nil)

	report, err := v.RunDrill(context.Background(), bruteForceFixtures(6), PolicyAlwaysApprove)
	if err != nil {
		t.Fatalf("RunDrill() error = %v", err)
	}

	if !report.Passed {
		t.Fatalf("Passed = false, failures: %v", report.Failures)
	}
	if len(report.Outcomes) != 1 {
		t.Fatalf("Outcomes = %d, want 1", len(report.Outcomes))
	}

	outcome := report.Outcomes[0]
	if outcome.TemplateID != "pb-brute-force" {
		t.Errorf("TemplateID = %s, want pb-brute-force", outcome.TemplateID)
	}
	if outcome.State != playbook.StateClosed {
		t.Errorf("State = %s, want closed", outcome.State)
	}

	// Every template step ran, none for real.
	if len(report.Actions) != 6 {
		t.Errorf("simulated actions = %d, want 6", len(report.Actions))
	}
	for _, action := range report.Actions {
		if action.Entity != "user:svc-deploy" {
			t.Errorf("action entity = %s, want user:svc-deploy", action.Entity)
		}
	}
}

func TestValidator_ReportStableAfterReturn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Settle = time.Millisecond
	v := NewValidator(cfg, playbook.NewCatalog(), nil)

	report, err := v.RunDrill(context.Background(), bruteForceFixtures(6), PolicyAlwaysApprove)
	if err != nil {
		t.Fatalf("RunDrill() error = %v", err)
	}

	// A handler firing after the settle window must not be able to touch
	// the returned report: the engine is stopped before assembly.
	outcomes := len(report.Outcomes)
	failures := len(report.Failures)
	time.Sleep(50 * time.Millisecond)

	if len(report.Outcomes) != outcomes {
		t.Errorf("Outcomes grew from %d to %d after return", outcomes, len(report.Outcomes))
	}
	if len(report.Failures) != failures {
		t.Errorf("Failures grew from %d to %d after return", failures, len(report.Failures))
	}
}

func TestValidator_DrillAlwaysDenyFails(t *testing.T) {
	v := NewValidator(DefaultConfig(), playbook.NewCatalog(), nil)

	report, err := v.RunDrill(context.Background(), bruteForceFixtures(6), PolicyAlwaysDeny)
	if err != nil {
		t.Fatalf("RunDrill() error = %v", err)
	}

	if report.Passed {
		t.Error("Passed = true, want false when the gated containment step is denied")
	}
	if len(report.Outcomes) != 1 {
		t.Fatalf("Outcomes = %d, want 1", len(report.Outcomes))
	}
	if report.Outcomes[0].State != playbook.StateAborted {
		t.Errorf("State = %s, want aborted", report.Outcomes[0].State)
	}
}

func TestValidator_DrillDeterministic(t *testing.T) {
	v := NewValidator(DefaultConfig(), playbook.NewCatalog(), nil)

	first, err := v.RunDrill(context.Background(), bruteForceFixtures(6), PolicyAlwaysApprove)
	if err != nil {
		t.Fatalf("first RunDrill() error = %v", err)
	}
	second, err := v.RunDrill(context.Background(), bruteForceFixtures(6), PolicyAlwaysApprove)
	if err != nil {
		t.Fatalf("second RunDrill() error = %v", err)
	}

	if first.Passed != second.Passed {
		t.Errorf("Passed differs across identical drills: %v vs %v", first.Passed, second.Passed)
	}
	if len(first.Outcomes) != len(second.Outcomes) {
		t.Fatalf("outcome counts differ: %d vs %d", len(first.Outcomes), len(second.Outcomes))
	}
	for i := range first.Outcomes {
		if first.Outcomes[i].State != second.Outcomes[i].State {
			t.Errorf("outcome %d state differs: %s vs %s", i, first.Outcomes[i].State, second.Outcomes[i].State)
		}
	}
}

func TestValidator_DrillRecordsFixtureErrors(t *testing.T) {
	v := NewValidator(DefaultConfig(), playbook.NewCatalog(), nil)

	fixtures := append(bruteForceFixtures(6), normalize.RawEvent{
		Source: "unknown_vendor",
		Fields: map[string]any{},
	})

	report, err := v.RunDrill(context.Background(), fixtures, PolicyAlwaysApprove)
	if err != nil {
		t.Fatalf("RunDrill() error = %v", err)
	}

	if report.Passed {
		t.Error("Passed = true, want false when a fixture fails to normalize")
	}
	if len(report.Failures) == 0 {
		t.Error("Failures empty, want normalize error recorded")
	}
}

func TestValidator_EmptyDrillRejected(t *testing.T) {
	v := NewValidator(DefaultConfig(), playbook.NewCatalog(), nil)
	if _, err := v.RunDrill(context.Background(), nil, PolicyAlwaysApprove); err == nil {
		t.Error("RunDrill() error = nil, want error for empty fixtures")
	}
}

func TestAutoResolver_Policies(t *testing.T) {
	tests := []struct {
		policy ResolvePolicy
		risk   approval.Risk
		want   approval.Decision
	}{
		{PolicyAlwaysApprove, approval.RiskHigh, approval.DecisionApproved},
		{PolicyAlwaysDeny, approval.RiskLow, approval.DecisionDenied},
		{PolicyApproveBelowHigh, approval.RiskMedium, approval.DecisionApproved},
		{PolicyApproveBelowHigh, approval.RiskHigh, approval.DecisionDenied},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy)+"/"+string(tt.risk), func(t *testing.T) {
			resolver := NewAutoResolver(tt.policy)
			req, err := resolver.Request(context.Background(), uuid.New(), 0, "step", tt.risk)
			if err != nil {
				t.Fatalf("Request() error = %v", err)
			}
			outcome, err := resolver.Wait(context.Background(), req.ID)
			if err != nil {
				t.Fatalf("Wait() error = %v", err)
			}
			if outcome.Decision != tt.want {
				t.Errorf("Decision = %s, want %s", outcome.Decision, tt.want)
			}
		})
	}
}
