// Package shadow validates playbook behavior by running drills: recorded
// fixture events are pushed through the production normalize, correlate,
// decide and run pipeline, with only the action executor and the
// approval strategy swapped for simulations. No real action fires.
package shadow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"argus-soar/internal/approval"
	"argus-soar/internal/correlation"
	"argus-soar/internal/decision"
	"argus-soar/internal/normalize"
	"argus-soar/internal/playbook"
)

// ResolvePolicy decides gated steps during a drill.
type ResolvePolicy string

const (
	// PolicyAlwaysApprove approves every gated step.
	PolicyAlwaysApprove ResolvePolicy = "always-approve"
	// PolicyAlwaysDeny denies every gated step.
	PolicyAlwaysDeny ResolvePolicy = "always-deny"
	// PolicyApproveBelowHigh approves low and medium risk, denies high.
	PolicyApproveBelowHigh ResolvePolicy = "approve-below-high"
)

// SimExecutor records every action it is asked to perform and reports
// success. Safe for concurrent use.
type SimExecutor struct {
	mu      sync.Mutex
	actions []SimAction
}

// SimAction is one recorded simulated action.
type SimAction struct {
	InstanceID uuid.UUID
	Step       string
	Action     playbook.ActionKind
	Entity     string
}

func (s *SimExecutor) Execute(_ context.Context, instanceID uuid.UUID, step playbook.StepSpec, entity string) (map[string]any, error) {
	s.mu.Lock()
	s.actions = append(s.actions, SimAction{
		InstanceID: instanceID,
		Step:       step.Name,
		Action:     step.Action,
		Entity:     entity,
	})
	s.mu.Unlock()
	return map[string]any{"simulated": true}, nil
}

// Actions returns the recorded actions in execution order.
func (s *SimExecutor) Actions() []SimAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimAction, len(s.actions))
	copy(out, s.actions)
	return out
}

// AutoResolver answers approval requests instantly per policy.
type AutoResolver struct {
	policy ResolvePolicy

	mu    sync.Mutex
	risks map[uuid.UUID]approval.Risk
}

// NewAutoResolver creates a resolver for the policy.
func NewAutoResolver(policy ResolvePolicy) *AutoResolver {
	return &AutoResolver{
		policy: policy,
		risks:  make(map[uuid.UUID]approval.Risk),
	}
}

func (a *AutoResolver) Request(_ context.Context, instanceID uuid.UUID, stepIndex int, stepName string, risk approval.Risk) (*approval.Request, error) {
	req := &approval.Request{
		ID:          uuid.New(),
		InstanceID:  instanceID,
		StepIndex:   stepIndex,
		StepName:    stepName,
		Risk:        risk,
		RequestedAt: time.Now().UTC(),
	}
	a.mu.Lock()
	a.risks[req.ID] = risk
	a.mu.Unlock()
	return req, nil
}

func (a *AutoResolver) Wait(_ context.Context, requestID uuid.UUID) (approval.Outcome, error) {
	a.mu.Lock()
	risk := a.risks[requestID]
	delete(a.risks, requestID)
	a.mu.Unlock()

	decision := approval.DecisionApproved
	switch a.policy {
	case PolicyAlwaysDeny:
		decision = approval.DecisionDenied
	case PolicyApproveBelowHigh:
		if risk == approval.RiskHigh {
			decision = approval.DecisionDenied
		}
	}

	return approval.Outcome{
		Decision:  decision,
		Actor:     "drill:" + string(a.policy),
		DecidedAt: time.Now().UTC(),
	}, nil
}

func (a *AutoResolver) Cancel(requestID uuid.UUID) {
	a.mu.Lock()
	delete(a.risks, requestID)
	a.mu.Unlock()
}

// InstanceOutcome summarizes one instance run during a drill.
type InstanceOutcome struct {
	IncidentID        uuid.UUID      `json:"incident_id"`
	InstanceID        uuid.UUID      `json:"instance_id"`
	TemplateID        string         `json:"template_id"`
	State             playbook.State `json:"state"`
	AbortReason       string         `json:"abort_reason,omitempty"`
	TimeToContainment time.Duration  `json:"time_to_containment"`
	StepsExecuted     int            `json:"steps_executed"`
}

// DrillReport is the result of one drill run.
type DrillReport struct {
	Policy    ResolvePolicy     `json:"policy"`
	Passed    bool              `json:"passed"`
	Outcomes  []InstanceOutcome `json:"outcomes"`
	Failures  []string          `json:"failures,omitempty"`
	Actions   []SimAction       `json:"actions"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
}

// SLOThresholds bound the timings a passing drill must meet. Zero values
// disable the check.
type SLOThresholds struct {
	MaxTimeToContainment time.Duration `yaml:"max_time_to_containment"`
}

// Config configures the validator.
type Config struct {
	Correlation correlation.Config
	Decision    decision.Config
	Runner      playbook.Config
	SLO         SLOThresholds
	// Settle is how long to wait after feeding fixtures for correlation
	// and launches to quiesce.
	Settle time.Duration
	// DrillTimeout bounds the whole drill.
	DrillTimeout time.Duration
}

// DefaultConfig returns a drill configuration tuned for fast runs.
func DefaultConfig() Config {
	corr := correlation.DefaultConfig()
	corr.CleanupFreq = 100 * time.Millisecond

	dec := decision.DefaultConfig()
	dec.AdvisoryTimeout = 0 // drills are deterministic, no advisor

	run := playbook.DefaultRunnerConfig()
	run.DefaultRetry = playbook.RetrySpec{MaxAttempts: 2, Backoff: 10 * time.Millisecond}

	return Config{
		Correlation:  corr,
		Decision:     dec,
		Runner:       run,
		SLO:          SLOThresholds{MaxTimeToContainment: 10 * time.Minute},
		Settle:       300 * time.Millisecond,
		DrillTimeout: 30 * time.Second,
	}
}

// Validator runs drills against a template catalog.
type Validator struct {
	config  Config
	catalog *playbook.Catalog
	logger  *slog.Logger
}

// NewValidator creates a validator.
func NewValidator(config Config, catalog *playbook.Catalog, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		config:  config,
		catalog: catalog,
		logger:  logger.With("component", "shadow"),
	}
}

// RunDrill pushes the fixtures through a fresh pipeline and reports
// whether every resulting incident ran its playbook to Closed within the
// SLO thresholds. Identical fixtures and policy produce an identical
// Passed verdict.
func (v *Validator) RunDrill(ctx context.Context, fixtures []normalize.RawEvent, policy ResolvePolicy) (*DrillReport, error) {
	if len(fixtures) == 0 {
		return nil, fmt.Errorf("drill requires at least one fixture event")
	}

	started := time.Now().UTC()
	drillCtx, cancel := context.WithTimeout(ctx, v.config.DrillTimeout)
	defer cancel()

	normalizer := normalize.NewNormalizer(v.logger)
	executor := &SimExecutor{}
	resolver := NewAutoResolver(policy)
	runner := playbook.NewRunner(v.config.Runner, executor, resolver, nil, v.logger)
	decider := decision.NewEngine(v.config.Decision, v.catalog, nil, v.logger)
	engine := correlation.NewEngine(v.config.Correlation, v.logger)

	report := &DrillReport{Policy: policy, StartedAt: started}
	var mu sync.Mutex
	var instances []*instanceRecord

	engine.AddHandler(func(ctx context.Context, incident *correlation.Incident) error {
		dec, err := decider.Decide(ctx, incident, engine.ActiveIncidents())
		if err != nil {
			mu.Lock()
			report.Failures = append(report.Failures,
				fmt.Sprintf("incident %s (%s): %v", incident.ID, incident.Class, err))
			mu.Unlock()
			return nil
		}

		instance, err := runner.Launch(ctx, dec.Template, incident.ID, incident.Entity, incident.WindowStart)
		if err != nil {
			mu.Lock()
			report.Failures = append(report.Failures,
				fmt.Sprintf("incident %s: launch failed: %v", incident.ID, err))
			mu.Unlock()
			return nil
		}

		mu.Lock()
		instances = append(instances, &instanceRecord{incidentID: incident.ID, instance: instance})
		mu.Unlock()
		return nil
	})

	engine.Start(drillCtx)
	stopEngine := sync.OnceFunc(engine.Stop)
	defer stopEngine()

	for _, fixture := range fixtures {
		event, err := normalizer.Normalize(fixture)
		if err != nil {
			mu.Lock()
			report.Failures = append(report.Failures,
				fmt.Sprintf("fixture (%s): %v", fixture.Source, err))
			mu.Unlock()
			continue
		}
		engine.Process(event)
	}

	// Let correlation drain and launches settle before waiting.
	select {
	case <-time.After(v.config.Settle):
	case <-drillCtx.Done():
		return nil, drillCtx.Err()
	}

	// No handler may fire once the report is being assembled.
	stopEngine()

	mu.Lock()
	launched := make([]*instanceRecord, len(instances))
	copy(launched, instances)
	mu.Unlock()

	for _, rec := range launched {
		if err := rec.instance.Wait(drillCtx); err != nil {
			return nil, fmt.Errorf("drill timed out waiting for instance %s: %w", rec.instance.ID(), err)
		}
	}
	runner.Wait()

	for _, rec := range launched {
		snap := rec.instance.Snapshot()
		outcome := InstanceOutcome{
			IncidentID:        rec.incidentID,
			InstanceID:        snap.ID,
			TemplateID:        snap.TemplateID,
			State:             snap.State,
			AbortReason:       snap.AbortReason,
			TimeToContainment: snap.Timings.TimeToContainment(),
			StepsExecuted:     len(snap.Results),
		}
		report.Outcomes = append(report.Outcomes, outcome)

		if snap.State != playbook.StateClosed {
			report.Failures = append(report.Failures,
				fmt.Sprintf("instance %s (%s) ended %s: %s", snap.ID, snap.TemplateID, snap.State, snap.AbortReason))
		}
		if max := v.config.SLO.MaxTimeToContainment; max > 0 && outcome.TimeToContainment > max {
			report.Failures = append(report.Failures,
				fmt.Sprintf("instance %s containment took %v, budget %v", snap.ID, outcome.TimeToContainment, max))
		}
	}

	sort.Slice(report.Outcomes, func(i, j int) bool {
		return report.Outcomes[i].TemplateID < report.Outcomes[j].TemplateID
	})

	report.Actions = executor.Actions()
	report.Passed = len(report.Failures) == 0 && len(report.Outcomes) > 0
	report.Duration = time.Since(started)

	v.logger.Info("drill finished",
		"policy", policy,
		"passed", report.Passed,
		"instances", len(report.Outcomes),
		"failures", len(report.Failures),
		"duration", report.Duration)

	return report, nil
}

type instanceRecord struct {
	incidentID uuid.UUID
	instance   *playbook.Instance
}
