package playbook

import "time"

// BuiltinTemplates returns the templates shipped with the engine. Site
// catalogs loaded from YAML are added on top of these.
func BuiltinTemplates() []*Template {
	return []*Template{
		{
			ID:             "pb-brute-force",
			Name:           "Credential Brute Force Response",
			Description:    "Contains repeated authentication failures against one account or source",
			Intent:         IntentBruteForce,
			MITRETechnique: "T1110",
			Steps: []StepSpec{
				{
					Name:         "triage-auth-activity",
					Action:       ActionQueryLogs,
					Phase:        PhaseAssessing,
					AutoApproved: true,
					Critical:     true,
					Timeout:      30 * time.Second,
					Retry:        RetrySpec{MaxAttempts: 3, Backoff: 2 * time.Second},
				},
				{
					Name:         "block-source-ip",
					Action:       ActionBlockIP,
					Phase:        PhaseContaining,
					AutoApproved: false,
					Critical:     true,
					Timeout:      time.Minute,
					Retry:        RetrySpec{MaxAttempts: 3, Backoff: 5 * time.Second},
				},
				{
					Name:         "disable-targeted-account",
					Action:       ActionDisableAccount,
					Phase:        PhaseContaining,
					AutoApproved: false,
					Critical:     true,
					Timeout:      time.Minute,
					Retry:        RetrySpec{MaxAttempts: 2, Backoff: 5 * time.Second},
				},
				{
					Name:         "collect-auth-trail",
					Action:       ActionCollectForensics,
					Phase:        PhaseInvestigating,
					AutoApproved: true,
					Critical:     false,
					Timeout:      2 * time.Minute,
					Retry:        RetrySpec{MaxAttempts: 2, Backoff: 10 * time.Second},
				},
				{
					Name:         "notify-soc",
					Action:       ActionNotifyStakeholders,
					Phase:        PhaseCommunicating,
					AutoApproved: true,
					Critical:     false,
					Timeout:      30 * time.Second,
					Retry:        RetrySpec{MaxAttempts: 3, Backoff: 2 * time.Second},
				},
				{
					Name:         "open-incident-ticket",
					Action:       ActionCreateTicket,
					Phase:        PhaseResolving,
					AutoApproved: true,
					Critical:     false,
					Timeout:      30 * time.Second,
					Retry:        RetrySpec{MaxAttempts: 3, Backoff: 2 * time.Second},
				},
			},
		},
		{
			ID:             "pb-malware-execution",
			Name:           "Malware Execution Response",
			Description:    "Isolates a host running detected malware and preserves evidence",
			Intent:         IntentMalwareExecution,
			MITRETechnique: "T1204",
			Steps: []StepSpec{
				{
					Name:         "triage-detection",
					Action:       ActionQueryLogs,
					Phase:        PhaseAssessing,
					AutoApproved: true,
					Critical:     true,
					Timeout:      30 * time.Second,
					Retry:        RetrySpec{MaxAttempts: 3, Backoff: 2 * time.Second},
				},
				{
					Name:         "snapshot-host",
					Action:       ActionSnapshotHost,
					Phase:        PhaseContaining,
					AutoApproved: true,
					Critical:     false,
					Timeout:      5 * time.Minute,
					Retry:        RetrySpec{MaxAttempts: 2, Backoff: 15 * time.Second},
				},
				{
					Name:         "isolate-host",
					Action:       ActionIsolateHost,
					Phase:        PhaseContaining,
					AutoApproved: false,
					Critical:     true,
					Timeout:      2 * time.Minute,
					Retry:        RetrySpec{MaxAttempts: 2, Backoff: 10 * time.Second},
				},
				{
					Name:         "collect-host-forensics",
					Action:       ActionCollectForensics,
					Phase:        PhaseInvestigating,
					AutoApproved: true,
					Critical:     false,
					Timeout:      10 * time.Minute,
					Retry:        RetrySpec{MaxAttempts: 2, Backoff: 30 * time.Second},
				},
				{
					Name:         "notify-ir-team",
					Action:       ActionNotifyStakeholders,
					Phase:        PhaseCommunicating,
					AutoApproved: true,
					Critical:     false,
					Timeout:      30 * time.Second,
					Retry:        RetrySpec{MaxAttempts: 3, Backoff: 2 * time.Second},
				},
				{
					Name:         "open-incident-ticket",
					Action:       ActionCreateTicket,
					Phase:        PhaseResolving,
					AutoApproved: true,
					Critical:     false,
					Timeout:      30 * time.Second,
					Retry:        RetrySpec{MaxAttempts: 3, Backoff: 2 * time.Second},
				},
			},
		},
		{
			ID:             "pb-exfiltration",
			Name:           "Data Exfiltration Response",
			Description:    "Cuts off an active exfiltration channel and locks the acting account",
			Intent:         IntentExfiltration,
			MITRETechnique: "T1041",
			Steps: []StepSpec{
				{
					Name:         "triage-transfer-activity",
					Action:       ActionQueryLogs,
					Phase:        PhaseAssessing,
					AutoApproved: true,
					Critical:     true,
					Timeout:      30 * time.Second,
					Retry:        RetrySpec{MaxAttempts: 3, Backoff: 2 * time.Second},
				},
				{
					Name:         "block-destination-ip",
					Action:       ActionBlockIP,
					Phase:        PhaseContaining,
					AutoApproved: true,
					Critical:     true,
					Timeout:      time.Minute,
					Retry:        RetrySpec{MaxAttempts: 3, Backoff: 5 * time.Second},
				},
				{
					Name:         "disable-acting-account",
					Action:       ActionDisableAccount,
					Phase:        PhaseContaining,
					AutoApproved: false,
					Critical:     true,
					Timeout:      time.Minute,
					Retry:        RetrySpec{MaxAttempts: 2, Backoff: 5 * time.Second},
				},
				{
					Name:         "collect-network-forensics",
					Action:       ActionCollectForensics,
					Phase:        PhaseInvestigating,
					AutoApproved: true,
					Critical:     false,
					Timeout:      10 * time.Minute,
					Retry:        RetrySpec{MaxAttempts: 2, Backoff: 30 * time.Second},
				},
				{
					Name:         "notify-security-leadership",
					Action:       ActionNotifyStakeholders,
					Phase:        PhaseCommunicating,
					AutoApproved: true,
					Critical:     false,
					Timeout:      30 * time.Second,
					Retry:        RetrySpec{MaxAttempts: 3, Backoff: 2 * time.Second},
				},
				{
					Name:         "open-incident-ticket",
					Action:       ActionCreateTicket,
					Phase:        PhaseResolving,
					AutoApproved: true,
					Critical:     false,
					Timeout:      30 * time.Second,
					Retry:        RetrySpec{MaxAttempts: 3, Backoff: 2 * time.Second},
				},
			},
		},
	}
}

// Catalog holds the templates available to the decision engine.
type Catalog struct {
	templates map[string]*Template
}

// NewCatalog creates a catalog preloaded with the built-in templates.
func NewCatalog() *Catalog {
	c := &Catalog{templates: make(map[string]*Template)}
	for _, tmpl := range BuiltinTemplates() {
		c.templates[tmpl.ID] = tmpl
	}
	return c
}

// Add validates and registers a template, replacing any same-ID entry.
func (c *Catalog) Add(tmpl *Template) error {
	if err := tmpl.Validate(); err != nil {
		return err
	}
	c.templates[tmpl.ID] = tmpl
	return nil
}

// LoadYAML parses a YAML catalog and registers its templates.
func (c *Catalog) LoadYAML(data []byte) error {
	templates, err := ParseTemplates(data)
	if err != nil {
		return err
	}
	for _, tmpl := range templates {
		c.templates[tmpl.ID] = tmpl
	}
	return nil
}

// Get returns a template by ID.
func (c *Catalog) Get(id string) (*Template, bool) {
	tmpl, ok := c.templates[id]
	return tmpl, ok
}

// ByIntent returns all templates for the intent.
func (c *Catalog) ByIntent(intent Intent) []*Template {
	var out []*Template
	for _, tmpl := range c.templates {
		if tmpl.Intent == intent {
			out = append(out, tmpl)
		}
	}
	return out
}

// All returns every registered template.
func (c *Catalog) All() []*Template {
	out := make([]*Template, 0, len(c.templates))
	for _, tmpl := range c.templates {
		out = append(out, tmpl)
	}
	return out
}
