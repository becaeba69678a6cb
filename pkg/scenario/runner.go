package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/troupelab/troupe/pkg/config"
	"github.com/troupelab/troupe/pkg/events"
	"github.com/troupelab/troupe/pkg/metrics"
	"github.com/troupelab/troupe/pkg/models"
	"github.com/troupelab/troupe/pkg/services"
)

// StartRequest carries everything needed to instantiate a scenario from a
// template. Config is merged over the template's scenario config; the
// per-role AgentConfigs maps are merged over each role's agent config.
type StartRequest struct {
	TemplateName string                    `json:"template_name"`
	Name         string                    `json:"name,omitempty"`
	Config       map[string]any            `json:"scenario_config,omitempty"`
	AgentConfigs map[string]map[string]any `json:"agent_configs,omitempty"`
}

// SendEventRequest injects an external event into a scenario.
type SendEventRequest struct {
	EventType     string         `json:"event_type"`
	EventData     map[string]any `json:"event_data,omitempty"`
	TargetAgentID string         `json:"target_agent_id,omitempty"`
	Priority      int            `json:"priority,omitempty"`
}

// RunStatus is the monitoring view of one scenario run: the durable row,
// queue depth, and the live context's turn state when one is registered.
type RunStatus struct {
	Run         *models.ScenarioRun `json:"run"`
	EventCounts models.EventCounts  `json:"event_counts"`
	Registered  bool                `json:"registered"`
	CurrentTurn string              `json:"current_turn,omitempty"`
	TurnCount   int                 `json:"turn_count"`
	State       map[string]any      `json:"state,omitempty"`
}

// Runner drives scenario runs through their lifecycle: template resolution,
// agent materialization, registration with the Manager, the initial event,
// and a per-run monitor goroutine enforcing timeout and max-turns limits.
type Runner struct {
	cfg       *config.Config
	scenarios ScenarioStore
	events    EventStore
	manager   *Manager
	stream    StreamPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	monitorInterval time.Duration

	mu       sync.Mutex
	monitors map[string]chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewRunner creates a runner. The monitor ticks at the queue settings'
// MonitorInterval. stream and metrics may be nil.
func NewRunner(cfg *config.Config, scenarios ScenarioStore, events EventStore, manager *Manager, stream StreamPublisher, metrics *metrics.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	interval := 2 * time.Second
	if cfg.Queue != nil && cfg.Queue.MonitorInterval > 0 {
		interval = cfg.Queue.MonitorInterval
	}
	return &Runner{
		cfg:             cfg,
		scenarios:       scenarios,
		events:          events,
		manager:         manager,
		stream:          stream,
		metrics:         metrics,
		logger:          logger.With("component", "scenario_runner"),
		monitorInterval: interval,
		monitors:        make(map[string]chan struct{}),
	}
}

// StartScenario instantiates a scenario from a template and drives the run
// to running: create the pending row, materialize one agent instance per
// declared role, register the context, emit the scenario-start event, and
// start the monitor. Any step failing after row creation moves the run to
// failed and returns the cause.
func (r *Runner) StartScenario(ctx context.Context, req StartRequest) (*models.ScenarioRun, error) {
	if req.TemplateName == "" {
		return nil, services.NewValidationError("template_name", "required")
	}
	tmpl, err := r.cfg.ScenarioTemplates.Get(req.TemplateName)
	if err != nil {
		return nil, err
	}

	baseCfg, err := tmpl.Config.Map()
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", req.TemplateName, err)
	}
	mergedCfg, err := config.MergeConfigLayers(baseCfg, req.Config)
	if err != nil {
		return nil, services.NewValidationError("scenario_config", err.Error())
	}
	scCfg, err := config.ScenarioConfigFromMap(mergedCfg)
	if err != nil {
		return nil, services.NewValidationError("scenario_config", err.Error())
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", req.TemplateName, uuid.New().String()[:8])
	}

	run, err := r.scenarios.CreateRun(ctx, models.CreateScenarioRunRequest{
		TemplateName: req.TemplateName,
		Name:         name,
		Config:       mergedCfg,
	})
	if err != nil {
		return nil, err
	}
	logger := r.logger.With("scenario_run_id", run.ScenarioRunID, "template", req.TemplateName)
	logger.Info("Scenario run created", "name", name)
	r.publishStatus(ctx, run)

	agents, err := r.materializeAgents(ctx, run, tmpl, req.AgentConfigs, logger)
	if err != nil {
		return nil, r.failRun(ctx, run.ScenarioRunID, err, logger)
	}

	initRun, err := r.scenarios.TransitionRun(ctx, run.ScenarioRunID, models.ScenarioStatusInitializing)
	if err != nil {
		return nil, r.failRun(ctx, run.ScenarioRunID, err, logger)
	}
	r.publishStatus(ctx, initRun)

	if _, err := r.manager.RegisterScenario(ctx, run, tmpl, agents, nil); err != nil {
		return nil, r.failRun(ctx, run.ScenarioRunID, err, logger)
	}

	seeded, err := r.manager.EmitScenarioStart(ctx, run.ScenarioRunID)
	if err != nil {
		return nil, r.failRun(ctx, run.ScenarioRunID, err, logger)
	}
	if seeded == 0 {
		logger.Warn("Scenario has no initial events; drive it with dispatch-event")
	}

	run, err = r.scenarios.TransitionRun(ctx, run.ScenarioRunID, models.ScenarioStatusRunning)
	if err != nil {
		return nil, r.failRun(ctx, run.ScenarioRunID, err, logger)
	}
	r.publishStatus(ctx, run)

	r.startMonitor(run.ScenarioRunID, scCfg)
	logger.Info("Scenario running", "agents", len(agents), "seeded_events", seeded)
	return run, nil
}

// materializeAgents creates one agent instance per declared role, in
// declaration order. A failing optional role is skipped with a warning; a
// failing required role aborts.
func (r *Runner) materializeAgents(ctx context.Context, run *models.ScenarioRun, tmpl *config.ScenarioTemplate, overrides map[string]map[string]any, logger *slog.Logger) ([]*models.AgentInstance, error) {
	agents := make([]*models.AgentInstance, 0, tmpl.Agents.Len())
	for _, role := range tmpl.Agents.Order {
		rc := tmpl.Agents.Roles[role]
		agent, err := r.materializeRole(ctx, run, role, rc, overrides[role])
		if err != nil {
			if rc.Required {
				return nil, fmt.Errorf("required role %q: %w", role, err)
			}
			logger.Warn("Skipping optional role", "role", role, "error", err)
			continue
		}
		agents = append(agents, agent)
	}
	if len(agents) == 0 {
		return nil, services.NewValidationError("agents", "no roles could be materialized")
	}
	return agents, nil
}

func (r *Runner) materializeRole(ctx context.Context, run *models.ScenarioRun, role string, rc config.RoleConfig, override map[string]any) (*models.AgentInstance, error) {
	agentTmpl, err := r.cfg.AgentTemplates.Get(rc.Template)
	if err != nil {
		return nil, err
	}
	engineType := agentTmpl.EngineType
	if rc.EngineType != "" {
		engineType = rc.EngineType
	}

	base, err := agentBaseConfig(agentTmpl)
	if err != nil {
		return nil, fmt.Errorf("agent template %s: %w", rc.Template, err)
	}
	merged, err := config.MergeConfigLayers(base, agentTmpl.Config, rc.Config, override)
	if err != nil {
		return nil, fmt.Errorf("merge config for role %q: %w", role, err)
	}

	return r.scenarios.CreateAgentInstance(ctx, models.CreateAgentInstanceRequest{
		ScenarioRunID:  run.ScenarioRunID,
		TemplateName:   rc.Template,
		InstanceName:   role,
		RoleInScenario: role,
		EngineType:     engineType,
		Config:         merged,
	})
}

// failRun rolls a half-started scenario into failed: drop any live context,
// stop agent rows, transition the run. Returns cause for the caller to
// propagate.
func (r *Runner) failRun(ctx context.Context, scenarioRunID string, cause error, logger *slog.Logger) error {
	r.manager.dropContext(scenarioRunID)
	if _, serr := r.scenarios.StopAgentsForRun(ctx, scenarioRunID); serr != nil {
		logger.Warn("Failed to stop agents of failed scenario", "error", serr)
	}
	if failed, terr := r.scenarios.TransitionRun(ctx, scenarioRunID, models.ScenarioStatusFailed); terr != nil {
		logger.Error("Failed to mark scenario failed", "error", terr)
	} else {
		r.metrics.IncScenarioFinished(string(models.ScenarioStatusFailed))
		r.publishStatus(ctx, failed)
	}
	logger.Error("Scenario start failed", "error", cause)
	return cause
}

// SendEvent enqueues an external event into a non-terminal scenario. The
// event is a first-class queue citizen: it competes on priority and carries
// the scenario's retry budget.
func (r *Runner) SendEvent(ctx context.Context, scenarioRunID string, req SendEventRequest) (*models.EventInstance, error) {
	if req.EventType == "" {
		return nil, services.NewValidationError("event_type", "required")
	}
	run, err := r.scenarios.GetRun(ctx, scenarioRunID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("%w: scenario run %s is %s", services.ErrTerminalState, scenarioRunID, run.Status)
	}

	maxRetries := 0
	if c, ok := r.manager.Context(scenarioRunID); ok {
		maxRetries = c.MaxRetries()
	}
	event, err := r.events.Enqueue(ctx, models.EnqueueEventRequest{
		ScenarioRunID: scenarioRunID,
		EventType:     req.EventType,
		TargetAgentID: req.TargetAgentID,
		Payload:       req.EventData,
		Priority:      req.Priority,
		MaxRetries:    maxRetries,
	})
	if err != nil {
		return nil, err
	}
	r.metrics.IncEventDispatched(metrics.DispatchOriginExternal)
	r.publishEnqueued(ctx, event)
	r.logger.Info("Event dispatched",
		"scenario_run_id", scenarioRunID,
		"event_type", req.EventType,
		"event_id", event.EventID)
	return event, nil
}

// MonitorScenario reports the run's current status, queue counts, and live
// turn state.
func (r *Runner) MonitorScenario(ctx context.Context, scenarioRunID string) (*RunStatus, error) {
	run, err := r.scenarios.GetRun(ctx, scenarioRunID)
	if err != nil {
		return nil, err
	}
	counts, err := r.events.CountsForScenario(ctx, scenarioRunID)
	if err != nil {
		return nil, err
	}
	status := &RunStatus{Run: run, EventCounts: counts}
	if c, ok := r.manager.Context(scenarioRunID); ok {
		status.Registered = true
		status.CurrentTurn = c.CurrentTurn()
		status.TurnCount = c.TurnCount()
		status.State = c.State()
	}
	return status, nil
}

// SaveStateSnapshot persists the live context under the run's results.
func (r *Runner) SaveStateSnapshot(ctx context.Context, scenarioRunID string) (*models.StateSnapshot, error) {
	c, ok := r.manager.Context(scenarioRunID)
	if !ok {
		return nil, fmt.Errorf("%w: scenario run %s has no live context", services.ErrNotFound, scenarioRunID)
	}
	snap := c.Snapshot()
	if _, err := r.scenarios.SaveSnapshot(ctx, scenarioRunID, snap); err != nil {
		return nil, err
	}
	r.logger.Info("State snapshot saved",
		"scenario_run_id", scenarioRunID, "turns", len(snap.TurnHistory))
	return snap, nil
}

// StopScenario snapshots the context and terminates the run, recording the
// reason in results. In-flight events finish or expire by lease; no new
// events are routed once the context is gone.
func (r *Runner) StopScenario(ctx context.Context, scenarioRunID, reason string) (*models.ScenarioRun, error) {
	if reason == "" {
		reason = "user_requested"
	}
	if _, err := r.SaveStateSnapshot(ctx, scenarioRunID); err != nil && !errors.Is(err, services.ErrNotFound) {
		r.logger.Warn("Failed to snapshot before stop",
			"scenario_run_id", scenarioRunID, "error", err)
	}
	return r.CompleteScenario(ctx, scenarioRunID, models.ScenarioStatusTerminated, map[string]any{
		models.ResultKeyTerminationReason: reason,
	})
}

// CompleteScenario finishes a run: merge the given results plus final event
// counts and a last context snapshot, transition to the terminal status, and
// clean up context, agents, and monitor.
func (r *Runner) CompleteScenario(ctx context.Context, scenarioRunID string, status models.ScenarioStatus, results map[string]any) (*models.ScenarioRun, error) {
	if !status.Terminal() {
		return nil, services.NewValidationError("status", fmt.Sprintf("%s is not a terminal status", status))
	}
	logger := r.logger.With("scenario_run_id", scenarioRunID, "status", string(status))

	patch := make(map[string]any, len(results)+1)
	for k, v := range results {
		patch[k] = v
	}
	if counts, err := r.events.CountsForScenario(ctx, scenarioRunID); err != nil {
		logger.Warn("Failed to read final event counts", "error", err)
	} else {
		patch[models.ResultKeyEventCounts] = counts
	}

	if c, ok := r.manager.Context(scenarioRunID); ok {
		if _, err := r.scenarios.SaveSnapshot(ctx, scenarioRunID, c.Snapshot()); err != nil {
			logger.Warn("Failed to save final snapshot", "error", err)
		}
	}
	if len(patch) > 0 {
		if _, err := r.scenarios.MergeResults(ctx, scenarioRunID, patch); err != nil {
			return nil, err
		}
	}

	run, err := r.scenarios.TransitionRun(ctx, scenarioRunID, status)
	if err != nil {
		return nil, err
	}
	r.metrics.IncScenarioFinished(string(status))
	r.publishStatus(ctx, run)

	if err := r.manager.UnregisterScenario(ctx, scenarioRunID); err != nil && !errors.Is(err, services.ErrNotFound) {
		logger.Warn("Cleanup after completion failed", "error", err)
	}
	r.stopMonitor(scenarioRunID)

	logger.Info("Scenario completed")
	return run, nil
}

// ResumeScenario rebuilds the context of a paused or interrupted run from
// its agent rows and stored snapshot, then returns it to running.
// Interrupted means found running with no live context, the state a crashed
// coordinator leaves behind. A snapshot that does not decode or does not fit
// the agents refuses the resume without touching the run's status.
func (r *Runner) ResumeScenario(ctx context.Context, scenarioRunID string) (*models.ScenarioRun, error) {
	run, err := r.scenarios.GetRun(ctx, scenarioRunID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("%w: scenario run %s is %s", services.ErrTerminalState, scenarioRunID, run.Status)
	}
	if r.manager.Registered(scenarioRunID) {
		return nil, fmt.Errorf("%w: scenario run %s already has a live context", services.ErrAlreadyExists, scenarioRunID)
	}
	if run.Status != models.ScenarioStatusPaused && run.Status != models.ScenarioStatusRunning {
		return nil, services.NewValidationError("status", fmt.Sprintf("cannot resume from status %s", run.Status))
	}
	logger := r.logger.With("scenario_run_id", scenarioRunID, "template", run.TemplateName)

	tmpl, err := r.cfg.ScenarioTemplates.Get(run.TemplateName)
	if err != nil {
		return nil, err
	}
	scCfg := tmpl.Config
	if len(run.Config) > 0 {
		scCfg, err = config.ScenarioConfigFromMap(run.Config)
		if err != nil {
			return nil, services.NewValidationError("config", err.Error())
		}
	}

	all, err := r.scenarios.ListAgentInstances(ctx, scenarioRunID)
	if err != nil {
		return nil, err
	}
	agents := make([]*models.AgentInstance, 0, len(all))
	for _, a := range all {
		if a.Status == models.AgentStatusActive {
			agents = append(agents, a)
		}
	}
	if len(agents) == 0 {
		return nil, services.NewValidationError("agents", "no active agents to resume")
	}

	snap, err := r.scenarios.LoadSnapshot(ctx, scenarioRunID)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			return nil, fmt.Errorf("corrupted state snapshot: %w", err)
		}
		snap = nil
	}

	if _, err := r.manager.RegisterScenario(ctx, run, tmpl, agents, snap); err != nil {
		return nil, err
	}

	run, err = r.scenarios.TransitionRun(ctx, scenarioRunID, models.ScenarioStatusRunning)
	if err != nil {
		r.manager.dropContext(scenarioRunID)
		return nil, err
	}
	r.publishStatus(ctx, run)

	r.startMonitor(scenarioRunID, scCfg)
	logger.Info("Scenario resumed", "agents", len(agents), "restored_snapshot", snap != nil)
	return run, nil
}

// Close stops every scenario monitor and waits for them to exit. Run state
// is untouched; interrupted runs are resumable after restart.
func (r *Runner) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		for id, stop := range r.monitors {
			close(stop)
			delete(r.monitors, id)
		}
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) startMonitor(scenarioRunID string, scCfg config.ScenarioConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.monitors[scenarioRunID]; ok {
		return
	}
	stop := make(chan struct{})
	r.monitors[scenarioRunID] = stop
	r.wg.Add(1)
	go r.monitor(scenarioRunID, scCfg, stop)
}

func (r *Runner) stopMonitor(scenarioRunID string) {
	r.mu.Lock()
	stop, ok := r.monitors[scenarioRunID]
	delete(r.monitors, scenarioRunID)
	r.mu.Unlock()
	if ok {
		close(stop)
	}
}

// monitor enforces the scenario's timeout and max-turns limits while the run
// stays running.
func (r *Runner) monitor(scenarioRunID string, scCfg config.ScenarioConfig, stop <-chan struct{}) {
	defer r.wg.Done()
	logger := r.logger.With("scenario_run_id", scenarioRunID)
	logger.Debug("Scenario monitor started",
		"interval", r.monitorInterval,
		"timeout_seconds", scCfg.TimeoutSeconds,
		"max_turns", scCfg.MaxTurns)

	ticker := time.NewTicker(r.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		run, err := r.scenarios.GetRun(ctx, scenarioRunID)
		cancel()
		if err != nil {
			logger.Warn("Monitor failed to read scenario run", "error", err)
			continue
		}
		if run.Status != models.ScenarioStatusRunning {
			logger.Debug("Monitor exiting, scenario left running", "status", string(run.Status))
			return
		}

		if scCfg.TimeoutSeconds > 0 && run.StartedAt != nil &&
			time.Since(*run.StartedAt) >= time.Duration(scCfg.TimeoutSeconds)*time.Second {
			r.enforceStop(scenarioRunID, models.TerminationReasonTimeout, logger)
			return
		}
		if scCfg.MaxTurns > 0 {
			if c, ok := r.manager.Context(scenarioRunID); ok && c.TurnCount() >= scCfg.MaxTurns {
				r.enforceStop(scenarioRunID, models.TerminationReasonMaxTurns, logger)
				return
			}
		}
	}
}

// enforceStop terminates a run on behalf of the monitor. Losing the race to
// a concurrent stop is fine.
func (r *Runner) enforceStop(scenarioRunID, reason string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger.Info("Stopping scenario", "reason", reason)
	if _, err := r.StopScenario(ctx, scenarioRunID, reason); err != nil {
		if errors.Is(err, services.ErrTerminalState) {
			return
		}
		logger.Error("Failed to stop scenario", "reason", reason, "error", err)
	}
}

// publishStatus mirrors a run transition onto the observer stream. Streaming
// is best-effort: failures are logged, never propagated.
func (r *Runner) publishStatus(ctx context.Context, run *models.ScenarioRun) {
	if r.stream == nil || run == nil {
		return
	}
	if err := r.stream.PublishScenarioStatus(ctx, run.ScenarioRunID, events.ScenarioStatusPayload{
		Name:        run.Name,
		Status:      run.Status,
		CurrentTurn: run.CurrentTurnNumber,
	}); err != nil {
		r.logger.Warn("Failed to publish scenario status",
			"scenario_run_id", run.ScenarioRunID,
			"status", run.Status,
			"error", err)
	}
}

// publishEnqueued mirrors an externally dispatched event onto the run's
// observer channel.
func (r *Runner) publishEnqueued(ctx context.Context, event *models.EventInstance) {
	if r.stream == nil || event == nil {
		return
	}
	if err := r.stream.PublishEventEnqueued(ctx, event.ScenarioRunID, events.NewEventEnqueuedPayload(event)); err != nil {
		r.logger.Warn("Failed to publish event.enqueued",
			"scenario_run_id", event.ScenarioRunID,
			"event_id", event.EventID,
			"error", err)
	}
}

// agentBaseConfig projects the template's typed personality and llm sections
// into the free-form config an agent instance stores. Workers decode the
// same sections back when building the agent's profile.
func agentBaseConfig(tmpl *config.AgentTemplate) (map[string]any, error) {
	personality, err := sectionMap(tmpl.Personality)
	if err != nil {
		return nil, err
	}
	llmSection, err := sectionMap(tmpl.LLM)
	if err != nil {
		return nil, err
	}
	base := make(map[string]any, 2)
	if len(personality) > 0 {
		base[config.ConfigKeyPersonality] = personality
	}
	if len(llmSection) > 0 {
		base[config.ConfigKeyLLM] = llmSection
	}
	return base, nil
}

func sectionMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode config section: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode config section: %w", err)
	}
	return m, nil
}
