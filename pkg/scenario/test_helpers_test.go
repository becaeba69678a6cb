package scenario

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/troupelab/troupe/pkg/config"
	"github.com/troupelab/troupe/pkg/events"
	"github.com/troupelab/troupe/pkg/flow"
	"github.com/troupelab/troupe/pkg/llm"
	"github.com/troupelab/troupe/pkg/models"
	"github.com/troupelab/troupe/pkg/services"
)

func intPtr(v int) *int { return &v }

// debateTemplate declares the canonical two-actor test scenario: a turn-based
// exchange seeded to the initiator, speech cross-delivered between the
// actors, scene updates broadcast by the narrator.
func debateTemplate() *config.ScenarioTemplate {
	return &config.ScenarioTemplate{
		Description: "two actors argue while a narrator frames the scene",
		Config: config.ScenarioConfig{
			MaxTurns:         6,
			TimeoutSeconds:   300,
			ErrorHandling:    config.ErrorHandling{MaxRetries: intPtr(2)},
			InteractionRules: config.InteractionRules{TurnBased: true},
			InitialState:     map[string]any{"topic": "tabs versus spaces"},
		},
		Agents: config.RoleMap{
			Roles: map[string]config.RoleConfig{
				"initiator": {Template: "conversationalist", Required: true},
				"responder": {Template: "conversationalist", Required: true},
				"narrator":  {Template: "scene_setter"},
			},
			Order: []string{"initiator", "responder", "narrator"},
		},
		EventFlow: []flow.Rule{
			{Name: models.RuleNameScenarioInitializer, Source: models.EventTypeScenarioStart, Target: "initiator", TransformTo: "conversation_message"},
			{Name: "actor_speech", Source: flow.SourceAnyActor, EventType: models.EventTypeActorSpeechGenerated, Target: flow.TargetOtherActors, TransformTo: "conversation_message"},
			{Name: "scene_updates", Source: "narrator", EventType: models.EventTypeSceneDescriptionGenerated, Target: flow.TargetAllActors},
		},
	}
}

// debateAgents returns the run's materialized agents. The narrator comes
// first on purpose: role order must follow the template declaration, not
// agent creation order.
func debateAgents(runID string) []*models.AgentInstance {
	return []*models.AgentInstance{
		{AgentInstanceID: "agent-n", ScenarioRunID: runID, TemplateName: "scene_setter", InstanceName: "narrator", RoleInScenario: "narrator", EngineType: models.EngineTypeNarrator, Status: models.AgentStatusActive},
		{AgentInstanceID: "agent-a", ScenarioRunID: runID, TemplateName: "conversationalist", InstanceName: "initiator", RoleInScenario: "initiator", EngineType: models.EngineTypeActor, Status: models.AgentStatusActive},
		{AgentInstanceID: "agent-b", ScenarioRunID: runID, TemplateName: "conversationalist", InstanceName: "responder", RoleInScenario: "responder", EngineType: models.EngineTypeActor, Status: models.AgentStatusActive},
	}
}

func debateRun(id string) *models.ScenarioRun {
	return &models.ScenarioRun{
		ScenarioRunID: id,
		TemplateName:  "debate",
		Name:          "debate-test",
		Status:        models.ScenarioStatusInitializing,
		CreatedAt:     time.Now(),
	}
}

// testConfig wires the debate template and its agent templates into a config
// with a fast monitor tick.
func testConfig() *config.Config {
	return &config.Config{
		Queue: &config.QueueSettings{
			PollInterval:        10 * time.Millisecond,
			MaxConcurrentEvents: 2,
			MaxRetries:          3,
			MonitorInterval:     10 * time.Millisecond,
		},
		AgentTemplates: config.NewAgentTemplateRegistry(map[string]*config.AgentTemplate{
			"conversationalist": {
				EngineType: models.EngineTypeActor,
				Personality: config.PersonalityConfig{
					CharacterName: "Alex",
					Traits:        []string{"curious"},
				},
				LLM:    llm.Config{MaxTokens: 256},
				Config: map[string]any{"memory_window": 10},
			},
			"scene_setter": {
				EngineType:  models.EngineTypeNarrator,
				Personality: config.PersonalityConfig{NarrativeStyle: "vivid"},
			},
		}),
		ScenarioTemplates: config.NewScenarioTemplateRegistry(map[string]*config.ScenarioTemplate{
			"debate": debateTemplate(),
			"improv": {
				Description: "optional cast, no initializer",
				Config:      config.ScenarioConfig{TimeoutSeconds: 60},
				Agents: config.RoleMap{
					Roles: map[string]config.RoleConfig{
						"host": {Template: "scene_setter"},
					},
					Order: []string{"host"},
				},
				EventFlow: []flow.Rule{
					{Name: "host_broadcast", Source: "host", Target: flow.TargetAllAgents},
				},
			},
		}),
	}
}

// fakeEventStore records enqueued events and serves fixed counts.
type fakeEventStore struct {
	mu         sync.Mutex
	nextID     int
	enqueued   []models.EnqueueEventRequest
	enqueueErr error
	counts     models.EventCounts
	countsErr  error
}

func (f *fakeEventStore) Enqueue(_ context.Context, req models.EnqueueEventRequest) (*models.EventInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	f.nextID++
	f.enqueued = append(f.enqueued, req)
	event := &models.EventInstance{
		EventID:       fmt.Sprintf("ev-%d", f.nextID),
		ScenarioRunID: req.ScenarioRunID,
		EventType:     req.EventType,
		Payload:       req.Payload,
		Priority:      req.Priority,
		Status:        models.EventStatusQueued,
		MaxRetries:    req.MaxRetries,
		CreatedAt:     time.Now(),
	}
	if req.SourceAgentID != "" {
		src := req.SourceAgentID
		event.SourceAgentID = &src
	}
	if req.TargetAgentID != "" {
		tgt := req.TargetAgentID
		event.TargetAgentID = &tgt
	}
	return event, nil
}

func (f *fakeEventStore) CountsForScenario(_ context.Context, _ string) (models.EventCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countsErr != nil {
		return models.EventCounts{}, f.countsErr
	}
	return f.counts, nil
}

func (f *fakeEventStore) enqueuedEvents() []models.EnqueueEventRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.EnqueueEventRequest, len(f.enqueued))
	copy(out, f.enqueued)
	return out
}

// fakeScenarioStore is an in-memory ScenarioStore with per-call error
// injection. Transitions only enforce the terminal rule; the real state
// machine is the scenario service's concern.
type fakeScenarioStore struct {
	mu       sync.Mutex
	runSeq   int
	agentSeq int
	runs     map[string]*models.ScenarioRun
	agents   map[string][]*models.AgentInstance
	snaps    map[string]*models.StateSnapshot
	turns    map[string]int
	stopped  map[string]int

	createRunErr   error
	transitionErr  error
	createAgentErr map[string]error // keyed by role
	loadSnapErr    error
	listErr        error
	stopErr        error
}

func newFakeScenarioStore() *fakeScenarioStore {
	return &fakeScenarioStore{
		runs:           make(map[string]*models.ScenarioRun),
		agents:         make(map[string][]*models.AgentInstance),
		snaps:          make(map[string]*models.StateSnapshot),
		turns:          make(map[string]int),
		stopped:        make(map[string]int),
		createAgentErr: make(map[string]error),
	}
}

func (f *fakeScenarioStore) CreateRun(_ context.Context, req models.CreateScenarioRunRequest) (*models.ScenarioRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createRunErr != nil {
		return nil, f.createRunErr
	}
	f.runSeq++
	run := &models.ScenarioRun{
		ScenarioRunID: fmt.Sprintf("run-%d", f.runSeq),
		TemplateName:  req.TemplateName,
		Name:          req.Name,
		Status:        models.ScenarioStatusPending,
		Config:        req.Config,
		CreatedAt:     time.Now(),
	}
	f.runs[run.ScenarioRunID] = run
	return copyRun(run), nil
}

func (f *fakeScenarioStore) GetRun(_ context.Context, scenarioRunID string) (*models.ScenarioRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[scenarioRunID]
	if !ok {
		return nil, fmt.Errorf("%w: scenario run %s", services.ErrNotFound, scenarioRunID)
	}
	return copyRun(run), nil
}

func (f *fakeScenarioStore) TransitionRun(_ context.Context, scenarioRunID string, to models.ScenarioStatus) (*models.ScenarioRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitionErr != nil {
		return nil, f.transitionErr
	}
	run, ok := f.runs[scenarioRunID]
	if !ok {
		return nil, fmt.Errorf("%w: scenario run %s", services.ErrNotFound, scenarioRunID)
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("%w: scenario run %s is %s", services.ErrTerminalState, scenarioRunID, run.Status)
	}
	run.Status = to
	now := time.Now()
	if to == models.ScenarioStatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if to.Terminal() {
		run.CompletedAt = &now
	}
	return copyRun(run), nil
}

func (f *fakeScenarioStore) MergeResults(_ context.Context, scenarioRunID string, patch map[string]any) (*models.ScenarioRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[scenarioRunID]
	if !ok {
		return nil, fmt.Errorf("%w: scenario run %s", services.ErrNotFound, scenarioRunID)
	}
	if run.Results == nil {
		run.Results = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		run.Results[k] = v
	}
	return copyRun(run), nil
}

func (f *fakeScenarioStore) SaveSnapshot(_ context.Context, scenarioRunID string, snap *models.StateSnapshot) (*models.ScenarioRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[scenarioRunID]
	if !ok {
		return nil, fmt.Errorf("%w: scenario run %s", services.ErrNotFound, scenarioRunID)
	}
	f.snaps[scenarioRunID] = snap
	return copyRun(run), nil
}

func (f *fakeScenarioStore) LoadSnapshot(_ context.Context, scenarioRunID string) (*models.StateSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadSnapErr != nil {
		return nil, f.loadSnapErr
	}
	snap, ok := f.snaps[scenarioRunID]
	if !ok {
		return nil, fmt.Errorf("%w: no snapshot for scenario run %s", services.ErrNotFound, scenarioRunID)
	}
	return snap, nil
}

func (f *fakeScenarioStore) SetCurrentTurn(_ context.Context, scenarioRunID string, turn int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns[scenarioRunID] = turn
	if run, ok := f.runs[scenarioRunID]; ok {
		run.CurrentTurnNumber = turn
	}
	return nil
}

func (f *fakeScenarioStore) CreateAgentInstance(_ context.Context, req models.CreateAgentInstanceRequest) (*models.AgentInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createAgentErr[req.RoleInScenario]; err != nil {
		return nil, err
	}
	f.agentSeq++
	agent := &models.AgentInstance{
		AgentInstanceID: fmt.Sprintf("agent-%d", f.agentSeq),
		ScenarioRunID:   req.ScenarioRunID,
		TemplateName:    req.TemplateName,
		InstanceName:    req.InstanceName,
		RoleInScenario:  req.RoleInScenario,
		EngineType:      req.EngineType,
		Status:          models.AgentStatusActive,
		Config:          req.Config,
		State:           req.State,
		CreatedAt:       time.Now(),
	}
	f.agents[req.ScenarioRunID] = append(f.agents[req.ScenarioRunID], agent)
	return agent, nil
}

func (f *fakeScenarioStore) ListAgentInstances(_ context.Context, scenarioRunID string) ([]*models.AgentInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*models.AgentInstance, len(f.agents[scenarioRunID]))
	copy(out, f.agents[scenarioRunID])
	return out, nil
}

func (f *fakeScenarioStore) StopAgentsForRun(_ context.Context, scenarioRunID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return 0, f.stopErr
	}
	n := 0
	for _, a := range f.agents[scenarioRunID] {
		if a.Status == models.AgentStatusActive {
			a.Status = models.AgentStatusStopped
			n++
		}
	}
	f.stopped[scenarioRunID] += n
	return n, nil
}

func (f *fakeScenarioStore) seedRun(run *models.ScenarioRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ScenarioRunID] = copyRun(run)
}

func (f *fakeScenarioStore) seedAgents(scenarioRunID string, agents []*models.AgentInstance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[scenarioRunID] = append(f.agents[scenarioRunID], agents...)
}

func (f *fakeScenarioStore) runStatus(scenarioRunID string) models.ScenarioStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[scenarioRunID]; ok {
		return run.Status
	}
	return ""
}

func (f *fakeScenarioStore) runResults(scenarioRunID string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[scenarioRunID]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(run.Results))
	for k, v := range run.Results {
		out[k] = v
	}
	return out
}

func (f *fakeScenarioStore) savedSnapshot(scenarioRunID string) *models.StateSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snaps[scenarioRunID]
}

func (f *fakeScenarioStore) turnNumber(scenarioRunID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns[scenarioRunID]
}

func (f *fakeScenarioStore) stoppedAgents(scenarioRunID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped[scenarioRunID]
}

func (f *fakeScenarioStore) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

// onlyRunID returns the id of the single run in the store, empty otherwise.
func (f *fakeScenarioStore) onlyRunID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runs) != 1 {
		return ""
	}
	for id := range f.runs {
		return id
	}
	return ""
}

func (f *fakeScenarioStore) setStartedAt(scenarioRunID string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[scenarioRunID]; ok {
		run.StartedAt = &t
	}
}

func (f *fakeScenarioStore) agentByRole(scenarioRunID, role string) *models.AgentInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.agents[scenarioRunID] {
		if a.RoleInScenario == role {
			return a
		}
	}
	return nil
}

func copyRun(run *models.ScenarioRun) *models.ScenarioRun {
	cp := *run
	if run.Config != nil {
		cp.Config = make(map[string]any, len(run.Config))
		for k, v := range run.Config {
			cp.Config[k] = v
		}
	}
	if run.Results != nil {
		cp.Results = make(map[string]any, len(run.Results))
		for k, v := range run.Results {
			cp.Results[k] = v
		}
	}
	return &cp
}

// fakeEnsurer records which engine types the manager asked for.
type fakeEnsurer struct {
	mu      sync.Mutex
	ensured []models.EngineType
	err     error
}

func (f *fakeEnsurer) EnsureEngine(_ context.Context, engineType models.EngineType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ensured = append(f.ensured, engineType)
	return nil
}

func (f *fakeEnsurer) ensuredTypes() []models.EngineType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.EngineType, len(f.ensured))
	copy(out, f.ensured)
	return out
}

// streamCall is one recorded publish: kind is "status", "enqueued", or
// "turn"; payload holds the concrete events payload.
type streamCall struct {
	kind          string
	scenarioRunID string
	payload       any
}

// fakeStreamPublisher records every observer-stream publish.
type fakeStreamPublisher struct {
	mu    sync.Mutex
	calls []streamCall
	err   error
}

func (f *fakeStreamPublisher) PublishScenarioStatus(_ context.Context, scenarioRunID string, payload events.ScenarioStatusPayload) error {
	return f.record("status", scenarioRunID, payload)
}

func (f *fakeStreamPublisher) PublishEventEnqueued(_ context.Context, scenarioRunID string, payload events.EventEnqueuedPayload) error {
	return f.record("enqueued", scenarioRunID, payload)
}

func (f *fakeStreamPublisher) PublishTurnAdvanced(_ context.Context, scenarioRunID string, payload events.TurnAdvancedPayload) error {
	return f.record("turn", scenarioRunID, payload)
}

func (f *fakeStreamPublisher) record(kind, scenarioRunID string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, streamCall{kind: kind, scenarioRunID: scenarioRunID, payload: payload})
	return nil
}

func (f *fakeStreamPublisher) callsOf(kind string) []streamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []streamCall
	for _, c := range f.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// statuses projects the recorded status publishes in order.
func (f *fakeStreamPublisher) statuses() []models.ScenarioStatus {
	var out []models.ScenarioStatus
	for _, c := range f.callsOf("status") {
		out = append(out, c.payload.(events.ScenarioStatusPayload).Status)
	}
	return out
}

var (
	_ EventStore      = (*fakeEventStore)(nil)
	_ ScenarioStore   = (*fakeScenarioStore)(nil)
	_ EngineEnsurer   = (*fakeEnsurer)(nil)
	_ StreamPublisher = (*fakeStreamPublisher)(nil)
)
