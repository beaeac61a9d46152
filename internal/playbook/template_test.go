package playbook

import (
	"strings"
	"testing"
	"time"

	"argus-soar/internal/approval"
)

func TestBuiltinTemplatesValid(t *testing.T) {
	for _, tmpl := range BuiltinTemplates() {
		if err := tmpl.Validate(); err != nil {
			t.Errorf("builtin %s: Validate() error = %v", tmpl.ID, err)
		}
	}
}

func TestTemplate_Validate(t *testing.T) {
	valid := func() *Template {
		return &Template{
			ID:     "pb-test",
			Intent: IntentRecon,
			Steps: []StepSpec{
				{Name: "scan-review", Action: ActionQueryLogs, Phase: PhaseAssessing},
				{Name: "block", Action: ActionBlockIP, Phase: PhaseContaining},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Template)
		wantErr string
	}{
		{"valid", func(t *Template) {}, ""},
		{"no id", func(t *Template) { t.ID = "" }, "no id"},
		{"no steps", func(t *Template) { t.Steps = nil }, "no steps"},
		{"unknown action", func(t *Template) { t.Steps[0].Action = "launch_missiles" }, "unknown action"},
		{"unknown phase", func(t *Template) { t.Steps[0].Phase = "panicking" }, "unknown phase"},
		{
			"phase regression",
			func(t *Template) {
				t.Steps[0].Phase = PhaseContaining
				t.Steps[1].Phase = PhaseAssessing
			},
			"backwards",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := valid()
			tt.mutate(tmpl)
			err := tmpl.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseTemplates(t *testing.T) {
	data := []byte(`
templates:
  - id: pb-recon
    name: Recon Response
    intent: recon
    mitre_technique: T1046
    steps:
      - name: review-scan-activity
        action: query_logs
        phase: assessing
        auto_approved: true
        critical: true
        timeout: 30s
        retry:
          max_attempts: 2
          backoff: 1s
      - name: block-scanner
        action: block_ip
        phase: containing
        auto_approved: true
        critical: true
        timeout: 1m
`)

	templates, err := ParseTemplates(data)
	if err != nil {
		t.Fatalf("ParseTemplates() error = %v", err)
	}
	if len(templates) != 1 {
		t.Fatalf("len = %d, want 1", len(templates))
	}

	tmpl := templates[0]
	if tmpl.Intent != IntentRecon {
		t.Errorf("Intent = %s, want recon", tmpl.Intent)
	}
	if tmpl.Steps[0].Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", tmpl.Steps[0].Timeout)
	}
	if tmpl.Steps[0].Retry.MaxAttempts != 2 {
		t.Errorf("MaxAttempts = %d, want 2", tmpl.Steps[0].Retry.MaxAttempts)
	}
}

func TestParseTemplates_InvalidRejected(t *testing.T) {
	data := []byte(`
templates:
  - id: pb-bad
    steps:
      - name: nope
        action: not_a_thing
        phase: assessing
`)
	if _, err := ParseTemplates(data); err == nil {
		t.Error("ParseTemplates() error = nil, want validation error")
	}
}

func TestActionKind_Risk(t *testing.T) {
	tests := []struct {
		action ActionKind
		want   approval.Risk
	}{
		{ActionQueryLogs, approval.RiskLow},
		{ActionBlockIP, approval.RiskMedium},
		{ActionIsolateHost, approval.RiskHigh},
		{ActionDisableAccount, approval.RiskHigh},
		{ActionKind("mystery"), approval.RiskHigh},
	}

	for _, tt := range tests {
		if got := tt.action.Risk(); got != tt.want {
			t.Errorf("Risk(%s) = %s, want %s", tt.action, got, tt.want)
		}
	}
}

func TestCatalog(t *testing.T) {
	c := NewCatalog()

	if _, ok := c.Get("pb-brute-force"); !ok {
		t.Error("builtin pb-brute-force missing from catalog")
	}

	byIntent := c.ByIntent(IntentBruteForce)
	if len(byIntent) != 1 {
		t.Errorf("ByIntent(brute_force) = %d templates, want 1", len(byIntent))
	}

	err := c.LoadYAML([]byte(`
templates:
  - id: pb-recon
    intent: recon
    steps:
      - name: review
        action: query_logs
        phase: assessing
        auto_approved: true
`))
	if err != nil {
		t.Fatalf("LoadYAML() error = %v", err)
	}
	if _, ok := c.Get("pb-recon"); !ok {
		t.Error("loaded template missing from catalog")
	}
}
