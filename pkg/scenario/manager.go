package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/troupelab/troupe/pkg/bus"
	"github.com/troupelab/troupe/pkg/config"
	"github.com/troupelab/troupe/pkg/events"
	"github.com/troupelab/troupe/pkg/flow"
	"github.com/troupelab/troupe/pkg/metrics"
	"github.com/troupelab/troupe/pkg/models"
	"github.com/troupelab/troupe/pkg/services"
)

// EventStore is the slice of the event service the scenario package uses.
type EventStore interface {
	Enqueue(ctx context.Context, req models.EnqueueEventRequest) (*models.EventInstance, error)
	CountsForScenario(ctx context.Context, scenarioRunID string) (models.EventCounts, error)
}

// ScenarioStore is the slice of the scenario service the scenario package
// uses.
type ScenarioStore interface {
	CreateRun(ctx context.Context, req models.CreateScenarioRunRequest) (*models.ScenarioRun, error)
	GetRun(ctx context.Context, scenarioRunID string) (*models.ScenarioRun, error)
	TransitionRun(ctx context.Context, scenarioRunID string, to models.ScenarioStatus) (*models.ScenarioRun, error)
	MergeResults(ctx context.Context, scenarioRunID string, patch map[string]any) (*models.ScenarioRun, error)
	SaveSnapshot(ctx context.Context, scenarioRunID string, snap *models.StateSnapshot) (*models.ScenarioRun, error)
	LoadSnapshot(ctx context.Context, scenarioRunID string) (*models.StateSnapshot, error)
	SetCurrentTurn(ctx context.Context, scenarioRunID string, turn int) error
	CreateAgentInstance(ctx context.Context, req models.CreateAgentInstanceRequest) (*models.AgentInstance, error)
	ListAgentInstances(ctx context.Context, scenarioRunID string) ([]*models.AgentInstance, error)
	StopAgentsForRun(ctx context.Context, scenarioRunID string) (int, error)
}

// EngineEnsurer starts an engine worker for a type when none is running.
// Satisfied by the in-process engine runtime; nil in remote-only deployments
// where workers attach over the control-plane API.
type EngineEnsurer interface {
	EnsureEngine(ctx context.Context, engineType models.EngineType) error
}

// StreamPublisher pushes run lifecycle events to WebSocket observers.
// Implemented by events.EventPublisher; defined as an interface here to
// enable testing with mocks. Nil disables streaming: runs behave the same,
// observers just see nothing live.
type StreamPublisher interface {
	PublishScenarioStatus(ctx context.Context, scenarioRunID string, payload events.ScenarioStatusPayload) error
	PublishEventEnqueued(ctx context.Context, scenarioRunID string, payload events.EventEnqueuedPayload) error
	PublishTurnAdvanced(ctx context.Context, scenarioRunID string, payload events.TurnAdvancedPayload) error
}

var (
	_ EventStore      = (*services.EventService)(nil)
	_ ScenarioStore   = (*services.ScenarioService)(nil)
	_ StreamPublisher = (*events.EventPublisher)(nil)
)

// Manager owns the Context of every registered scenario and runs the single
// routing loop consuming engine outputs from the bus: each output is routed
// through the flow graph and enqueued as one event per resolved target.
type Manager struct {
	events    EventStore
	scenarios ScenarioStore
	engines   EngineEnsurer
	eventBus  *bus.Bus
	stream    StreamPublisher
	router    *flow.Router
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu       sync.RWMutex
	contexts map[string]*Context
	started  bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager routing outputs from eventBus. engines may be
// nil when no in-process workers are wanted, stream when nothing observes,
// metrics when nothing scrapes.
func NewManager(events EventStore, scenarios ScenarioStore, engines EngineEnsurer, eventBus *bus.Bus, stream StreamPublisher, metrics *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		events:    events,
		scenarios: scenarios,
		engines:   engines,
		eventBus:  eventBus,
		stream:    stream,
		router:    flow.NewRouter(logger),
		metrics:   metrics,
		logger:    logger.With("component", "scenario_manager"),
		contexts:  make(map[string]*Context),
		stopCh:    make(chan struct{}),
	}
}

// RegisterScenario builds and registers the context for a run: role map and
// actor order from the agents, flow rules from the template, turn holder per
// the effective config. A non-nil snapshot is restored into the context
// before registration; a snapshot that does not fit the agents fails the
// whole registration. One engine per distinct agent engine type is ensured
// when an ensurer is configured.
func (m *Manager) RegisterScenario(ctx context.Context, run *models.ScenarioRun, tmpl *config.ScenarioTemplate, agents []*models.AgentInstance, snap *models.StateSnapshot) (*Context, error) {
	if run == nil {
		return nil, services.NewValidationError("run", "required")
	}
	if tmpl == nil {
		return nil, services.NewValidationError("template", "required")
	}
	if m.Registered(run.ScenarioRunID) {
		return nil, fmt.Errorf("%w: scenario run %s already has a live context", services.ErrAlreadyExists, run.ScenarioRunID)
	}

	scCfg := tmpl.Config
	if len(run.Config) > 0 {
		decoded, err := config.ScenarioConfigFromMap(run.Config)
		if err != nil {
			return nil, fmt.Errorf("scenario run %s: %w", run.ScenarioRunID, err)
		}
		scCfg = decoded
	}

	c := NewContext(run, tmpl, scCfg, agents)
	if snap != nil {
		if err := c.Restore(snap); err != nil {
			return nil, fmt.Errorf("restore snapshot for scenario run %s: %w", run.ScenarioRunID, err)
		}
	}

	if m.engines != nil {
		for _, engineType := range distinctEngineTypes(agents) {
			if err := m.engines.EnsureEngine(ctx, engineType); err != nil {
				return nil, fmt.Errorf("ensure %s engine for scenario run %s: %w", engineType, run.ScenarioRunID, err)
			}
		}
	}

	m.mu.Lock()
	if _, dup := m.contexts[run.ScenarioRunID]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: scenario run %s already has a live context", services.ErrAlreadyExists, run.ScenarioRunID)
	}
	m.contexts[run.ScenarioRunID] = c
	m.mu.Unlock()
	m.metrics.IncActiveScenarios()

	m.logger.Info("Scenario registered",
		"scenario_run_id", run.ScenarioRunID,
		"template", run.TemplateName,
		"roles", len(agents),
		"actors", len(c.ActorAgents()),
		"turn_based", c.TurnBased())
	return c, nil
}

// EmitScenarioStart seeds the scenario's first events through its
// initializer flow rule. Returns how many events were enqueued; a template
// without an initializer seeds nothing and is not an error.
func (m *Manager) EmitScenarioStart(ctx context.Context, scenarioRunID string) (int, error) {
	c, ok := m.Context(scenarioRunID)
	if !ok {
		return 0, fmt.Errorf("%w: scenario run %s has no live context", services.ErrNotFound, scenarioRunID)
	}

	deliveries, ok := m.router.Seed(c.RouteView(), c.Rules(), startPayload(c))
	if !ok {
		m.logger.Warn("Template declares no scenario initializer rule",
			"scenario_run_id", scenarioRunID, "template", c.TemplateName())
		return 0, nil
	}
	for _, d := range deliveries {
		event, err := m.events.Enqueue(ctx, models.EnqueueEventRequest{
			ScenarioRunID: scenarioRunID,
			EventType:     d.EventType,
			TargetAgentID: d.TargetAgentID,
			Payload:       d.Payload,
			MaxRetries:    c.MaxRetries(),
		})
		if err != nil {
			return 0, fmt.Errorf("seed scenario run %s: %w", scenarioRunID, err)
		}
		m.metrics.IncEventDispatched(metrics.DispatchOriginSeed)
		m.publishEnqueued(ctx, event)
	}
	m.logger.Info("Scenario start emitted",
		"scenario_run_id", scenarioRunID, "events", len(deliveries))
	return len(deliveries), nil
}

// UnregisterScenario drops the run's context and marks its agent rows
// stopped. In-process workers are shared across scenarios and keep running.
func (m *Manager) UnregisterScenario(ctx context.Context, scenarioRunID string) error {
	m.mu.Lock()
	_, ok := m.contexts[scenarioRunID]
	delete(m.contexts, scenarioRunID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: scenario run %s has no live context", services.ErrNotFound, scenarioRunID)
	}
	m.metrics.DecActiveScenarios()

	stopped, err := m.scenarios.StopAgentsForRun(ctx, scenarioRunID)
	if err != nil {
		return fmt.Errorf("stop agents for scenario run %s: %w", scenarioRunID, err)
	}
	m.logger.Info("Scenario unregistered",
		"scenario_run_id", scenarioRunID, "agents_stopped", stopped)
	return nil
}

// dropContext removes a run's context without touching agent rows. Rollback
// paths use it when the rows are handled separately or never existed.
func (m *Manager) dropContext(scenarioRunID string) {
	m.mu.Lock()
	_, ok := m.contexts[scenarioRunID]
	delete(m.contexts, scenarioRunID)
	m.mu.Unlock()
	if ok {
		m.metrics.DecActiveScenarios()
	}
}

// Context returns the live context for a run.
func (m *Manager) Context(scenarioRunID string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[scenarioRunID]
	return c, ok
}

// Registered reports whether a run has a live context.
func (m *Manager) Registered(scenarioRunID string) bool {
	_, ok := m.Context(scenarioRunID)
	return ok
}

// ActiveScenarios returns the registered run ids, sorted.
func (m *Manager) ActiveScenarios() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start launches the routing loop. The loop drains the bus until Stop is
// called or ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		m.logger.Warn("Scenario manager already started")
		return
	}
	m.started = true
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop terminates the routing loop and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	m.logger.Info("Scenario manager stopped")
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	m.logger.Info("Scenario manager routing loop started")
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case ev := <-m.eventBus.Events():
			m.route(ctx, ev)
		}
	}
}

// route rewrites one engine output into deliveries and applies the resulting
// turn advancement. Outputs for unregistered scenarios are dropped: the
// scenario completed or stopped while the event was in flight.
func (m *Manager) route(ctx context.Context, ev bus.OutputEvent) {
	c, ok := m.Context(ev.ScenarioRunID)
	if !ok {
		m.logger.Warn("Dropping output for unregistered scenario",
			"scenario_run_id", ev.ScenarioRunID,
			"source_agent_id", ev.SourceAgentID,
			"event_type", ev.EventType)
		return
	}

	res, err := m.router.Route(c.RouteView(), ev.SourceAgentID, ev.EventType, ev.Payload, c.Rules())
	if err != nil {
		m.logger.Warn("Routing failed",
			"scenario_run_id", ev.ScenarioRunID,
			"source_agent_id", ev.SourceAgentID,
			"event_type", ev.EventType,
			"error", err)
		return
	}

	if res.TurnAdvanced {
		turn := c.AdvanceTurn(ev.SourceAgentID, res.NextTurn)
		m.metrics.IncTurnAdvanced()
		if err := m.scenarios.SetCurrentTurn(ctx, ev.ScenarioRunID, turn); err != nil {
			m.logger.Warn("Failed to persist turn number",
				"scenario_run_id", ev.ScenarioRunID, "turn", turn, "error", err)
		}
		m.publishTurn(ctx, ev.ScenarioRunID, turn, ev.SourceAgentID, res.NextTurn)
	}

	for _, d := range res.Deliveries {
		event, err := m.events.Enqueue(ctx, models.EnqueueEventRequest{
			ScenarioRunID: ev.ScenarioRunID,
			EventType:     d.EventType,
			SourceAgentID: ev.SourceAgentID,
			TargetAgentID: d.TargetAgentID,
			Payload:       d.Payload,
			MaxRetries:    c.MaxRetries(),
		})
		if err != nil {
			m.logger.Error("Failed to enqueue routed event",
				"scenario_run_id", ev.ScenarioRunID,
				"target_agent_id", d.TargetAgentID,
				"event_type", d.EventType,
				"error", err)
			continue
		}
		m.metrics.IncEventDispatched(metrics.DispatchOriginRouted)
		m.publishEnqueued(ctx, event)
	}

	if res.Rule != nil {
		m.logger.Debug("Routed engine output",
			"scenario_run_id", ev.ScenarioRunID,
			"rule", res.Rule.Name,
			"deliveries", len(res.Deliveries))
	}
}

// publishEnqueued mirrors a queued event onto the run's observer channel.
// Streaming is best-effort: failures are logged, never propagated.
func (m *Manager) publishEnqueued(ctx context.Context, event *models.EventInstance) {
	if m.stream == nil || event == nil {
		return
	}
	if err := m.stream.PublishEventEnqueued(ctx, event.ScenarioRunID, events.NewEventEnqueuedPayload(event)); err != nil {
		m.logger.Warn("Failed to publish event.enqueued",
			"scenario_run_id", event.ScenarioRunID,
			"event_id", event.EventID,
			"error", err)
	}
}

// publishTurn mirrors a turn advancement onto the run's observer channel.
func (m *Manager) publishTurn(ctx context.Context, scenarioRunID string, turn int, sourceAgentID, nextAgentID string) {
	if m.stream == nil {
		return
	}
	if err := m.stream.PublishTurnAdvanced(ctx, scenarioRunID, events.TurnAdvancedPayload{
		Turn:          turn,
		SourceAgentID: sourceAgentID,
		NextAgentID:   nextAgentID,
	}); err != nil {
		m.logger.Warn("Failed to publish turn advance",
			"scenario_run_id", scenarioRunID, "turn", turn, "error", err)
	}
}

// startPayload assembles the system payload delivered by the initializer
// rule: run identity, participant roles, and a readable blurb of the initial
// state.
func startPayload(c *Context) map[string]any {
	payload := map[string]any{
		"scenario_name": c.Name(),
		"template_name": c.TemplateName(),
		"participants":  c.ParticipantRoles(),
	}
	state := c.State()
	if len(state) > 0 {
		payload["initial_state"] = state
		payload["context"] = stateBlurb(state)
	}
	return payload
}

// stateBlurb renders a state map as a deterministic one-line description.
func stateBlurb(state map[string]any) string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, state[k]))
	}
	return strings.Join(parts, "; ")
}

// distinctEngineTypes returns the engine types of the agents, first-seen
// order, no duplicates.
func distinctEngineTypes(agents []*models.AgentInstance) []models.EngineType {
	seen := make(map[models.EngineType]bool, 3)
	var types []models.EngineType
	for _, a := range agents {
		if !seen[a.EngineType] {
			seen[a.EngineType] = true
			types = append(types, a.EngineType)
		}
	}
	return types
}
