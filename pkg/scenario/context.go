// Package scenario owns the live side of a scenario run: the in-memory
// Context per running scenario, the Manager that routes engine outputs
// through the flow graph, and the Runner that drives the run lifecycle from
// template to terminal status.
package scenario

import (
	"fmt"
	"sync"
	"time"

	"github.com/troupelab/troupe/pkg/config"
	"github.com/troupelab/troupe/pkg/flow"
	"github.com/troupelab/troupe/pkg/models"
)

// Context is the in-memory state of one running scenario: role and agent
// mappings, the flow-rule copy, turn state, and the free-form state map
// seeded from the template's initial_state. All mutating and reading methods
// take the context mutex; the identity fields never change after
// construction.
type Context struct {
	scenarioRunID string
	name          string
	templateName  string

	mu          sync.Mutex
	roles       map[string]string // role name -> agent instance id
	agentRoles  map[string]string // agent instance id -> role name
	roleOrder   []string          // template declaration order, mapped roles only
	actorAgents []string          // actor agent ids in roleOrder order
	rules       []flow.Rule
	turnBased   bool
	maxRetries  int
	currentTurn string
	turnHistory []string
	state       map[string]any
}

// NewContext builds the context for a run from its template, effective
// scenario config, and materialized agent instances. Role order follows the
// template declaration; agents whose role the template does not declare are
// appended in creation order. The turn holder starts at the first actor iff
// the scenario is turn-based.
func NewContext(run *models.ScenarioRun, tmpl *config.ScenarioTemplate, scCfg config.ScenarioConfig, agents []*models.AgentInstance) *Context {
	c := &Context{
		scenarioRunID: run.ScenarioRunID,
		name:          run.Name,
		templateName:  run.TemplateName,
		roles:         make(map[string]string, len(agents)),
		agentRoles:    make(map[string]string, len(agents)),
		rules:         append([]flow.Rule(nil), tmpl.EventFlow...),
		turnBased:     scCfg.InteractionRules.TurnBased,
		state:         copyMap(scCfg.InitialState),
	}
	if scCfg.ErrorHandling.MaxRetries != nil {
		c.maxRetries = *scCfg.ErrorHandling.MaxRetries
	}

	byRole := make(map[string]*models.AgentInstance, len(agents))
	for _, a := range agents {
		if _, dup := c.roles[a.RoleInScenario]; dup {
			continue
		}
		c.roles[a.RoleInScenario] = a.AgentInstanceID
		c.agentRoles[a.AgentInstanceID] = a.RoleInScenario
		byRole[a.RoleInScenario] = a
	}

	declared := make(map[string]bool, tmpl.Agents.Len())
	for _, role := range tmpl.Agents.Order {
		if _, ok := c.roles[role]; ok {
			c.roleOrder = append(c.roleOrder, role)
			declared[role] = true
		}
	}
	for _, a := range agents {
		if !declared[a.RoleInScenario] && c.roles[a.RoleInScenario] == a.AgentInstanceID {
			c.roleOrder = append(c.roleOrder, a.RoleInScenario)
			declared[a.RoleInScenario] = true
		}
	}

	for _, role := range c.roleOrder {
		if a := byRole[role]; a.EngineType == models.EngineTypeActor {
			c.actorAgents = append(c.actorAgents, a.AgentInstanceID)
		}
	}
	if c.turnBased && len(c.actorAgents) > 0 {
		c.currentTurn = c.actorAgents[0]
	}
	return c
}

// ScenarioRunID returns the run this context belongs to.
func (c *Context) ScenarioRunID() string { return c.scenarioRunID }

// Name returns the run's display name.
func (c *Context) Name() string { return c.name }

// TemplateName returns the template the run was instantiated from.
func (c *Context) TemplateName() string { return c.templateName }

// TurnBased reports whether actor outputs advance a turn pointer.
func (c *Context) TurnBased() bool { return c.turnBased }

// MaxRetries returns the scenario's event retry budget, 0 when the template
// defers to the system default.
func (c *Context) MaxRetries() int { return c.maxRetries }

// Rules returns the scenario's flow graph. The slice is fixed at
// construction; callers must not mutate it.
func (c *Context) Rules() []flow.Rule { return c.rules }

// RouteView snapshots the routing-relevant state into a flow.View. The view
// owns copies, so the router runs without the context mutex.
func (c *Context) RouteView() flow.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return flow.View{
		ScenarioRunID: c.scenarioRunID,
		Roles:         copyStringMap(c.roles),
		AgentRoles:    copyStringMap(c.agentRoles),
		RoleOrder:     append([]string(nil), c.roleOrder...),
		ActorAgents:   append([]string(nil), c.actorAgents...),
		TurnBased:     c.turnBased,
		CurrentTurn:   c.currentTurn,
	}
}

// AgentForRole returns the agent instance serving a role.
func (c *Context) AgentForRole(role string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.roles[role]
	return id, ok
}

// RoleOfAgent returns the role an agent instance serves.
func (c *Context) RoleOfAgent(agentID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	role, ok := c.agentRoles[agentID]
	return role, ok
}

// ParticipantRoles returns the mapped role names in scenario order.
func (c *Context) ParticipantRoles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.roleOrder...)
}

// ActorAgents returns the actor agent ids in turn order.
func (c *Context) ActorAgents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.actorAgents...)
}

// CurrentTurn returns the agent id holding the turn, empty when untimed.
func (c *Context) CurrentTurn() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTurn
}

// TurnCount returns the number of completed turns.
func (c *Context) TurnCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turnHistory)
}

// TurnHistory returns the past turn holders in order.
func (c *Context) TurnHistory() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.turnHistory...)
}

// AdvanceTurn records that source finished its turn and hands the pointer to
// next. Returns the new completed-turn count.
func (c *Context) AdvanceTurn(source, next string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnHistory = append(c.turnHistory, source)
	c.currentTurn = next
	return len(c.turnHistory)
}

// State returns a top-level copy of the scenario state map.
func (c *Context) State() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyMap(c.state)
}

// SetStateValue sets one key in the scenario state map.
func (c *Context) SetStateValue(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		c.state = make(map[string]any)
	}
	c.state[key] = value
}

// Snapshot captures the restorable parts of the context for persistence
// under the run's results.
func (c *Context) Snapshot() *models.StateSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &models.StateSnapshot{
		Roles:       copyStringMap(c.roles),
		ActorAgents: append([]string(nil), c.actorAgents...),
		CurrentTurn: c.currentTurn,
		TurnHistory: append([]string(nil), c.turnHistory...),
		State:       copyMap(c.state),
		TakenAt:     time.Now().UTC(),
	}
}

// Restore replays a persisted snapshot into a freshly built context. The
// snapshot must agree with the rebuilt role map and reference only known
// agents; any mismatch means the stored state does not describe these agents
// and the whole restore is refused, leaving the context untouched.
func (c *Context) Restore(snap *models.StateSnapshot) error {
	if snap == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for role, agentID := range snap.Roles {
		current, ok := c.roles[role]
		if !ok {
			return fmt.Errorf("snapshot role %q is not mapped in this run", role)
		}
		if current != agentID {
			return fmt.Errorf("snapshot role %q maps to agent %s, run has %s", role, agentID, current)
		}
	}
	if snap.CurrentTurn != "" {
		if _, ok := c.agentRoles[snap.CurrentTurn]; !ok {
			return fmt.Errorf("snapshot turn holder %s is not an agent of this run", snap.CurrentTurn)
		}
	}
	for _, agentID := range snap.TurnHistory {
		if _, ok := c.agentRoles[agentID]; !ok {
			return fmt.Errorf("snapshot turn history references unknown agent %s", agentID)
		}
	}

	c.currentTurn = snap.CurrentTurn
	c.turnHistory = append([]string(nil), snap.TurnHistory...)
	if len(snap.State) > 0 {
		c.state = copyMap(snap.State)
	}
	return nil
}

func copyStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// copyMap copies the top level of a state map. Nested values are shared;
// state mutation goes through SetStateValue, which only replaces top-level
// keys.
func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
