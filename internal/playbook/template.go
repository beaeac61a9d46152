// Package playbook defines response templates and executes them as
// instances: one state machine per incident, driven by a runner that
// serializes all mutations through the instance itself.
package playbook

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"argus-soar/internal/approval"
)

// Intent is the closed set of attack intents a template responds to.
type Intent string

const (
	IntentBruteForce       Intent = "brute_force"
	IntentMalwareExecution Intent = "malware_execution"
	IntentExfiltration     Intent = "exfiltration"
	IntentRecon            Intent = "recon"
	IntentPrivilegedAction Intent = "privileged_action"
	IntentBroadAmbiguous   Intent = "broad_ambiguous"
)

// Phase is the response phase a step belongs to. Steps run in phase
// order; the instance state tracks the phase of the current step.
type Phase string

const (
	PhaseAssessing     Phase = "assessing"
	PhaseContaining    Phase = "containing"
	PhaseInvestigating Phase = "investigating"
	PhaseCommunicating Phase = "communicating"
	PhaseResolving     Phase = "resolving"
)

// phaseOrder defines the legal progression of phases.
var phaseOrder = map[Phase]int{
	PhaseAssessing:     0,
	PhaseContaining:    1,
	PhaseInvestigating: 2,
	PhaseCommunicating: 3,
	PhaseResolving:     4,
}

// ActionKind identifies the response action a step performs.
type ActionKind string

const (
	ActionQueryLogs          ActionKind = "query_logs"
	ActionCollectForensics   ActionKind = "collect_forensics"
	ActionBlockIP            ActionKind = "block_ip"
	ActionIsolateHost        ActionKind = "isolate_host"
	ActionDisableAccount     ActionKind = "disable_account"
	ActionResetCredentials   ActionKind = "reset_credentials"
	ActionSnapshotHost       ActionKind = "snapshot_host"
	ActionNotifyStakeholders ActionKind = "notify_stakeholders"
	ActionCreateTicket       ActionKind = "create_ticket"
)

// actionRisk maps each action to the approval risk it carries when not
// auto-approved.
var actionRisk = map[ActionKind]approval.Risk{
	ActionQueryLogs:          approval.RiskLow,
	ActionCollectForensics:   approval.RiskLow,
	ActionNotifyStakeholders: approval.RiskLow,
	ActionCreateTicket:       approval.RiskLow,
	ActionBlockIP:            approval.RiskMedium,
	ActionSnapshotHost:       approval.RiskMedium,
	ActionIsolateHost:        approval.RiskHigh,
	ActionDisableAccount:     approval.RiskHigh,
	ActionResetCredentials:   approval.RiskHigh,
}

// Risk returns the approval risk for the action. Unknown actions are
// treated as high risk.
func (k ActionKind) Risk() approval.Risk {
	if r, ok := actionRisk[k]; ok {
		return r
	}
	return approval.RiskHigh
}

// RetrySpec bounds retries of a failing step.
type RetrySpec struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff" json:"backoff"`
}

// StepSpec describes one step of a template.
type StepSpec struct {
	Name         string        `yaml:"name" json:"name"`
	Action       ActionKind    `yaml:"action" json:"action"`
	Phase        Phase         `yaml:"phase" json:"phase"`
	AutoApproved bool          `yaml:"auto_approved" json:"auto_approved"`
	Critical     bool          `yaml:"critical" json:"critical"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	Retry        RetrySpec     `yaml:"retry" json:"retry"`
}

// Template is a reusable response plan for one attack intent.
type Template struct {
	ID             string     `yaml:"id" json:"id"`
	Name           string     `yaml:"name" json:"name"`
	Description    string     `yaml:"description" json:"description"`
	Intent         Intent     `yaml:"intent" json:"intent"`
	MITRETechnique string     `yaml:"mitre_technique" json:"mitre_technique"`
	Steps          []StepSpec `yaml:"steps" json:"steps"`
}

// Validate checks structural soundness: non-empty steps, known actions
// and phases, and phases that never move backwards.
func (t *Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("template has no id")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %s has no steps", t.ID)
	}

	prev := -1
	for i, step := range t.Steps {
		if step.Name == "" {
			return fmt.Errorf("template %s: step %d has no name", t.ID, i)
		}
		if _, ok := actionRisk[step.Action]; !ok {
			return fmt.Errorf("template %s: step %s has unknown action %q", t.ID, step.Name, step.Action)
		}
		order, ok := phaseOrder[step.Phase]
		if !ok {
			return fmt.Errorf("template %s: step %s has unknown phase %q", t.ID, step.Name, step.Phase)
		}
		if order < prev {
			return fmt.Errorf("template %s: step %s moves phase backwards", t.ID, step.Name)
		}
		prev = order
	}
	return nil
}

// templateFile is the YAML document shape for template catalogs.
type templateFile struct {
	Templates []*Template `yaml:"templates"`
}

// ParseTemplates parses a YAML template catalog and validates every
// template in it.
func ParseTemplates(data []byte) ([]*Template, error) {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	for _, tmpl := range file.Templates {
		if err := tmpl.Validate(); err != nil {
			return nil, err
		}
	}
	return file.Templates, nil
}
