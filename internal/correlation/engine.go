package correlation

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"argus-soar/internal/schema"
)

// IncidentHandler is called once per promoted window with a snapshot of
// the incident at promotion time.
type IncidentHandler func(context.Context, *Incident) error

// Config configures the correlation engine.
type Config struct {
	// Width is the maximum lifetime of a window from its first event.
	Width time.Duration `yaml:"width"`
	// Inactivity closes a window that has seen no events for this long.
	Inactivity time.Duration `yaml:"inactivity"`
	// DefaultThreshold is the member count at which a window promotes,
	// unless the event class has its own threshold.
	DefaultThreshold int `yaml:"default_threshold"`
	// ClassThresholds overrides the promotion threshold per class.
	ClassThresholds map[string]int `yaml:"class_thresholds"`
	// ClassSeverity sets the minimum severity a promoted incident of the
	// class carries. A lone failed logon is routine; five in a window are
	// not, so promotion may rate the incident above any single member.
	ClassSeverity map[string]int `yaml:"class_severity"`
	WorkerCount   int            `yaml:"worker_count"`
	CleanupFreq   time.Duration  `yaml:"cleanup_freq"`
	QueueSize     int            `yaml:"queue_size"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Width:            5 * time.Minute,
		Inactivity:       2 * time.Minute,
		DefaultThreshold: 5,
		ClassThresholds: map[string]int{
			ClassAuthFailure: 5,
			ClassRecon:       3,
			ClassMalware:     1,
			ClassExfil:       1,
			ClassPrivileged:  2,
		},
		ClassSeverity: map[string]int{
			ClassAuthFailure: 7,
			ClassRecon:       5,
			ClassMalware:     8,
			ClassExfil:       9,
			ClassPrivileged:  6,
		},
		WorkerCount: 4,
		CleanupFreq: 30 * time.Second,
		QueueSize:   10000,
	}
}

// windowState tracks one open or closed correlation window.
type windowState struct {
	mu        sync.Mutex
	incident  *Incident
	lastEvent time.Time
	emitted   bool
	closed    bool
}

// Engine correlates canonical events into incidents. Events for the same
// window key are always handled by the same worker, preserving their
// arrival order.
type Engine struct {
	config   Config
	logger   *slog.Logger
	handlers []IncidentHandler

	mu      sync.RWMutex
	windows map[string]*windowState

	workerChs  []chan *schema.SecurityEvent
	incidentCh chan *Incident
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewEngine creates a correlation engine.
func NewEngine(config Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 10000
	}

	e := &Engine{
		config:     config,
		logger:     logger.With("component", "correlation"),
		windows:    make(map[string]*windowState),
		workerChs:  make([]chan *schema.SecurityEvent, config.WorkerCount),
		incidentCh: make(chan *Incident, 1000),
		stopCh:     make(chan struct{}),
	}
	for i := range e.workerChs {
		e.workerChs[i] = make(chan *schema.SecurityEvent, config.QueueSize/config.WorkerCount)
	}
	return e
}

// AddHandler registers an incident handler. Must be called before Start.
func (e *Engine) AddHandler(handler IncidentHandler) {
	e.handlers = append(e.handlers, handler)
}

// Start launches the worker pool, the incident dispatcher and the window
// sweeper.
func (e *Engine) Start(ctx context.Context) {
	for i := range e.workerChs {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}

	e.wg.Add(1)
	go e.dispatcher(ctx)

	e.wg.Add(1)
	go e.sweeper(ctx)

	e.logger.Info("correlation engine started",
		"workers", e.config.WorkerCount,
		"window_width", e.config.Width)
}

// Stop drains and stops the engine.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("correlation engine stopped")
}

// Process routes an event to the worker owning its window key.
func (e *Engine) Process(event *schema.SecurityEvent) {
	key := WindowKey(event.Entity.Primary(), ClassOf(event.EventType))
	ch := e.workerChs[e.workerFor(key)]

	select {
	case ch <- event:
	default:
		e.logger.Warn("correlation worker queue full, dropping event",
			"event_id", event.ID, "key", key)
	}
}

func (e *Engine) workerFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(e.workerChs)))
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case event := <-e.workerChs[id]:
			e.correlate(event)
		}
	}
}

func (e *Engine) correlate(event *schema.SecurityEvent) {
	entity := event.Entity.Primary()
	class := ClassOf(event.EventType)
	key := WindowKey(entity, class)
	now := time.Now().UTC()

	state := e.windowFor(key, entity, class, now)

	state.mu.Lock()

	// A closed window never reopens; the key gets a fresh one.
	if state.closed || e.expired(state, now) {
		state.closed = true
		state.mu.Unlock()
		e.replaceWindow(key, state)
		state = e.windowFor(key, entity, class, now)
		state.mu.Lock()
	}

	state.incident.Events = append(state.incident.Events, EventRef{
		EventID:   event.ID,
		EventType: event.EventType,
		Timestamp: event.Timestamp,
		Severity:  event.Severity,
	})
	if event.Severity > state.incident.Severity {
		state.incident.Severity = event.Severity
	}
	state.lastEvent = now

	promote := !state.emitted && len(state.incident.Events) >= e.threshold(class)
	if promote {
		state.emitted = true
		state.incident.EmittedAt = now
		if floor := e.config.ClassSeverity[class]; floor > state.incident.Severity {
			state.incident.Severity = floor
		}
	}
	var snapshot *Incident
	if promote {
		snapshot = state.incident.Clone()
	}
	state.mu.Unlock()

	if promote {
		select {
		case e.incidentCh <- snapshot:
		default:
			e.logger.Warn("incident channel full, dropping incident",
				"incident_id", snapshot.ID, "key", key)
		}
	}
}

func (e *Engine) threshold(class string) int {
	if t, ok := e.config.ClassThresholds[class]; ok {
		return t
	}
	if e.config.DefaultThreshold > 0 {
		return e.config.DefaultThreshold
	}
	return 5
}

func (e *Engine) expired(state *windowState, now time.Time) bool {
	if now.Sub(state.incident.WindowStart) > e.config.Width {
		return true
	}
	if e.config.Inactivity > 0 && !state.lastEvent.IsZero() &&
		now.Sub(state.lastEvent) > e.config.Inactivity {
		return true
	}
	return false
}

func (e *Engine) windowFor(key, entity, class string, now time.Time) *windowState {
	e.mu.RLock()
	state, ok := e.windows[key]
	e.mu.RUnlock()
	if ok {
		return state
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.windows[key]; ok {
		return state
	}
	state = &windowState{
		incident: &Incident{
			ID:          uuid.New(),
			Entity:      entity,
			Class:       class,
			WindowStart: now,
		},
	}
	e.windows[key] = state
	return state
}

// replaceWindow drops a closed window so the next event opens a new one.
func (e *Engine) replaceWindow(key string, old *windowState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.windows[key] == old {
		delete(e.windows, key)
	}
}

func (e *Engine) dispatcher(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case incident := <-e.incidentCh:
			for _, handler := range e.handlers {
				if err := handler(ctx, incident); err != nil {
					e.logger.Error("incident handler failed",
						"error", err,
						"incident_id", incident.ID)
				}
			}
		}
	}
}

func (e *Engine) sweeper(ctx context.Context) {
	defer e.wg.Done()

	freq := e.config.CleanupFreq
	if freq <= 0 {
		freq = 30 * time.Second
	}
	ticker := time.NewTicker(freq)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	now := time.Now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()
	for key, state := range e.windows {
		state.mu.Lock()
		if state.closed || e.expired(state, now) {
			state.closed = true
			delete(e.windows, key)
		}
		state.mu.Unlock()
	}
}

// ActiveIncidents snapshots all promoted, still-open incidents. The
// decision engine receives this as its view of concurrent activity.
func (e *Engine) ActiveIncidents() []*Incident {
	e.mu.RLock()
	states := make([]*windowState, 0, len(e.windows))
	for _, state := range e.windows {
		states = append(states, state)
	}
	e.mu.RUnlock()

	incidents := make([]*Incident, 0, len(states))
	for _, state := range states {
		state.mu.Lock()
		if state.emitted && !state.closed {
			incidents = append(incidents, state.incident.Clone())
		}
		state.mu.Unlock()
	}
	return incidents
}

// Stats reports engine counters.
func (e *Engine) Stats() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	queued := 0
	for _, ch := range e.workerChs {
		queued += len(ch)
	}
	return map[string]any{
		"open_windows":  len(e.windows),
		"queued_events": queued,
		"handler_count": len(e.handlers),
		"pending_emits": len(e.incidentCh),
	}
}
