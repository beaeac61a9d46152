// Package decision maps incidents to playbook templates. Selection is
// deterministic; the advisory service only re-ranks among candidates the
// engine already considers sound.
package decision

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"argus-soar/internal/advisory"
	"argus-soar/internal/correlation"
	"argus-soar/internal/playbook"
)

// ErrNoApplicableTemplate is returned when no template matches the
// incident's intent. Such incidents go to the operator triage queue.
var ErrNoApplicableTemplate = errors.New("no applicable playbook template")

// classIntents maps correlation classes to attack intents.
var classIntents = map[string]playbook.Intent{
	correlation.ClassAuthFailure: playbook.IntentBruteForce,
	correlation.ClassMalware:     playbook.IntentMalwareExecution,
	correlation.ClassExfil:       playbook.IntentExfiltration,
	correlation.ClassRecon:       playbook.IntentRecon,
	correlation.ClassPrivileged:  playbook.IntentPrivilegedAction,
	correlation.ClassAmbiguous:   playbook.IntentBroadAmbiguous,
}

// intentTechniques maps intents to the MITRE technique a perfectly
// specific template would declare.
var intentTechniques = map[playbook.Intent]string{
	playbook.IntentBruteForce:       "T1110",
	playbook.IntentMalwareExecution: "T1204",
	playbook.IntentExfiltration:     "T1041",
	playbook.IntentRecon:            "T1046",
	playbook.IntentPrivilegedAction: "T1078",
}

// Advisor is the advisory client surface the engine consumes.
type Advisor interface {
	Advise(ctx context.Context, incident *correlation.Incident, candidates []string) (*advisory.Advice, error)
}

// Decision is the engine's verdict for one incident.
type Decision struct {
	IncidentID uuid.UUID          `json:"incident_id"`
	Intent     playbook.Intent    `json:"intent"`
	Template   *playbook.Template `json:"template"`
	Rationale  string             `json:"rationale"`
	Advice     *advisory.Advice   `json:"advice,omitempty"`
}

// Config configures the decision engine.
type Config struct {
	// AdvisoryTimeout bounds the advisory call; zero disables the advisor.
	AdvisoryTimeout time.Duration `yaml:"advisory_timeout"`
	// MinConfidence is the advisory confidence below which the engine
	// keeps its deterministic choice.
	MinConfidence float64 `yaml:"min_confidence"`
}

// DefaultConfig returns the default decision configuration.
func DefaultConfig() Config {
	return Config{
		AdvisoryTimeout: 3 * time.Second,
		MinConfidence:   0.7,
	}
}

type templateStats struct {
	launched int
	closed   int
}

// Engine selects templates for incidents and tracks how templates fare
// so later selections can prefer templates that finish.
type Engine struct {
	config  Config
	catalog *playbook.Catalog
	advisor Advisor
	logger  *slog.Logger

	mu    sync.Mutex
	stats map[string]*templateStats
}

// NewEngine creates a decision engine. advisor may be nil.
func NewEngine(config Config, catalog *playbook.Catalog, advisor Advisor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		config:  config,
		catalog: catalog,
		advisor: advisor,
		logger:  logger.With("component", "decision"),
		stats:   make(map[string]*templateStats),
	}
}

// Classify derives the attack intent from the incident and the explicit
// snapshot of concurrently active incidents. An entity under fire in
// several unrelated classes at once is treated as a broad, ambiguous
// attack rather than any single pattern.
func Classify(incident *correlation.Incident, active []*correlation.Incident) playbook.Intent {
	otherClasses := make(map[string]bool)
	for _, other := range active {
		if other.ID == incident.ID {
			continue
		}
		if other.Entity == incident.Entity && other.Class != incident.Class {
			otherClasses[other.Class] = true
		}
	}
	if len(otherClasses) >= 2 {
		return playbook.IntentBroadAmbiguous
	}

	if intent, ok := classIntents[incident.Class]; ok {
		return intent
	}
	return playbook.IntentBroadAmbiguous
}

// Decide picks the template for an incident. active is the caller's
// snapshot of currently open incidents; the engine holds no view of its
// own.
func (e *Engine) Decide(ctx context.Context, incident *correlation.Incident, active []*correlation.Incident) (*Decision, error) {
	intent := Classify(incident, active)

	candidates := e.catalog.ByIntent(intent)
	if len(candidates) == 0 {
		e.logger.Warn("no template for incident",
			"incident_id", incident.ID, "intent", intent)
		return nil, ErrNoApplicableTemplate
	}

	e.rank(candidates, intent)
	best := candidates[0]
	rationale := "deterministic match"

	var advice *advisory.Advice
	if e.advisor != nil && e.config.AdvisoryTimeout > 0 {
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}

		adviseCtx, cancel := context.WithTimeout(ctx, e.config.AdvisoryTimeout)
		a, err := e.advisor.Advise(adviseCtx, incident, ids)
		cancel()

		switch {
		case errors.Is(err, advisory.ErrAdvisoryTimeout):
			e.logger.Warn("advisor timed out, using deterministic match",
				"incident_id", incident.ID)
		case err != nil:
			e.logger.Warn("advisor failed, using deterministic match",
				"incident_id", incident.ID, "error", err)
		case a.Confidence < e.config.MinConfidence:
			e.logger.Info("advisor confidence below threshold",
				"incident_id", incident.ID, "confidence", a.Confidence)
			advice = a
		default:
			advice = a
			if tmpl, ok := e.catalog.Get(a.TemplateID); ok && tmpl.Intent == intent {
				best = tmpl
				rationale = "advisory confirmed"
			}
		}
	}

	e.logger.Info("decision made",
		"incident_id", incident.ID,
		"intent", intent,
		"template_id", best.ID,
		"rationale", rationale)

	return &Decision{
		IncidentID: incident.ID,
		Intent:     intent,
		Template:   best,
		Rationale:  rationale,
		Advice:     advice,
	}, nil
}

// rank orders candidates best-first: technique specificity, then
// historical success rate, then fewest steps.
func (e *Engine) rank(candidates []*playbook.Template, intent playbook.Intent) {
	expected := intentTechniques[intent]

	sort.SliceStable(candidates, func(i, j int) bool {
		si := techniqueSpecificity(expected, candidates[i].MITRETechnique)
		sj := techniqueSpecificity(expected, candidates[j].MITRETechnique)
		if si != sj {
			return si > sj
		}

		ri := e.SuccessRate(candidates[i].ID)
		rj := e.SuccessRate(candidates[j].ID)
		if ri != rj {
			return ri > rj
		}

		return len(candidates[i].Steps) < len(candidates[j].Steps)
	})
}

// techniqueSpecificity scores how precisely a template's technique
// matches the expected one: exact match, then sub-technique of it, then
// shared parent technique.
func techniqueSpecificity(expected, got string) int {
	if expected == "" || got == "" {
		return 0
	}
	if got == expected {
		return 3
	}
	if strings.HasPrefix(got, expected+".") {
		return 2
	}
	if parentOf(got) == parentOf(expected) {
		return 1
	}
	return 0
}

func parentOf(technique string) string {
	parent, _, _ := strings.Cut(technique, ".")
	return parent
}

// RecordOutcome feeds a terminal instance back into the success stats.
// Wire it as a runner terminal hook.
func (e *Engine) RecordOutcome(snap playbook.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats, ok := e.stats[snap.TemplateID]
	if !ok {
		stats = &templateStats{}
		e.stats[snap.TemplateID] = stats
	}
	stats.launched++
	if snap.State == playbook.StateClosed {
		stats.closed++
	}
}

// SuccessRate reports the fraction of launched instances of a template
// that closed. Templates with no history rate 0.5 so newcomers are
// neither favored nor buried.
func (e *Engine) SuccessRate(templateID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats, ok := e.stats[templateID]
	if !ok || stats.launched == 0 {
		return 0.5
	}
	return float64(stats.closed) / float64(stats.launched)
}
