package flow

import (
	"fmt"
	"log/slog"

	"github.com/troupelab/troupe/pkg/models"
)

// View is the router's read-only snapshot of a running scenario: role and
// agent mappings plus turn state. The scenario manager builds one per routed
// event while holding the context mutex, so the router itself needs no locks.
type View struct {
	ScenarioRunID string
	Roles         map[string]string // role name -> agent instance id
	AgentRoles    map[string]string // agent instance id -> role name
	RoleOrder     []string          // role names in template declaration order
	ActorAgents   []string          // actor agent ids in declaration order
	TurnBased     bool
	CurrentTurn   string // agent id holding the turn, empty when untimed
}

// IsActor reports whether the agent id belongs to the scenario's actor set.
func (v View) IsActor(agentID string) bool {
	for _, id := range v.ActorAgents {
		if id == agentID {
			return true
		}
	}
	return false
}

// Delivery is one routed event: who receives it, as what type, with which
// payload. The payload is enriched with the original event type, the source
// role and the scenario run id.
type Delivery struct {
	TargetAgentID string
	EventType     string
	Payload       map[string]any
}

// Result is the outcome of routing one emitted event. When TurnAdvanced is
// set the caller applies NextTurn and the source append to the scenario
// context under its own mutex; the router never mutates shared state.
type Result struct {
	Deliveries   []Delivery
	Rule         *Rule
	TurnAdvanced bool
	NextTurn     string
	OutOfTurn    bool
}

// Router evaluates flow rules against emitted events. It is stateless and
// safe for concurrent use.
type Router struct {
	logger *slog.Logger
}

// NewRouter returns a router logging through the given logger, or the
// default logger when nil.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger}
}

// Route rewrites one emitted event into deliveries per the first matching
// rule. A source agent unknown to the scenario aborts routing with an error;
// no matching rule is a valid no-op and returns an empty result.
func (r *Router) Route(view View, sourceAgentID, eventType string, payload map[string]any, rules []Rule) (Result, error) {
	sourceRole, ok := view.AgentRoles[sourceAgentID]
	if !ok {
		return Result{}, fmt.Errorf("route %s from agent %s: agent has no role in scenario %s", eventType, sourceAgentID, view.ScenarioRunID)
	}
	sourceIsActor := view.IsActor(sourceAgentID)

	res := Result{}
	if view.TurnBased && sourceIsActor {
		if view.CurrentTurn != "" && view.CurrentTurn != sourceAgentID {
			res.OutOfTurn = true
			r.logger.Warn("Out-of-turn emission, routing anyway",
				"scenario_run_id", view.ScenarioRunID,
				"source_agent_id", sourceAgentID,
				"turn_holder", view.CurrentTurn,
				"event_type", eventType)
		}
		res.TurnAdvanced = true
		res.NextTurn = nextActor(view.ActorAgents, sourceAgentID)
	}

	var matched *Rule
	for i := range rules {
		if rules[i].Matches(sourceRole, sourceIsActor, eventType) {
			matched = &rules[i]
			break
		}
	}
	if matched == nil {
		r.logger.Debug("No flow rule matched",
			"scenario_run_id", view.ScenarioRunID,
			"source_role", sourceRole,
			"event_type", eventType)
		return res, nil
	}
	res.Rule = matched

	targets := r.resolveTargets(*matched, view, sourceAgentID)
	deliveredType := matched.DeliveredType(eventType)
	for _, target := range targets {
		res.Deliveries = append(res.Deliveries, Delivery{
			TargetAgentID: target,
			EventType:     deliveredType,
			Payload:       enrichPayload(payload, eventType, sourceRole, view.ScenarioRunID),
		})
	}
	return res, nil
}

// Seed expands the scenario's initializer rule into the first deliveries.
// The payload is the system-assembled start payload; it is enriched the same
// way routed events are, with "system" as the source role. The second return
// is false when the flow graph declares no initializer.
func (r *Router) Seed(view View, rules []Rule, payload map[string]any) ([]Delivery, bool) {
	rule, ok := InitialRule(rules)
	if !ok {
		return nil, false
	}
	deliveredType := rule.DeliveredType(models.EventTypeScenarioStart)
	targets := r.resolveTargets(rule, view, "")
	deliveries := make([]Delivery, 0, len(targets))
	for _, target := range targets {
		deliveries = append(deliveries, Delivery{
			TargetAgentID: target,
			EventType:     deliveredType,
			Payload:       enrichPayload(payload, models.EventTypeScenarioStart, sourceRoleSystem, view.ScenarioRunID),
		})
	}
	return deliveries, true
}

// resolveTargets expands the rule's target selector into concrete agent ids.
// An unmapped role name is a warning-level no-op, not an error.
func (r *Router) resolveTargets(rule Rule, view View, sourceAgentID string) []string {
	switch rule.Target {
	case TargetAllAgents:
		ids := make([]string, 0, len(view.RoleOrder))
		for _, role := range view.RoleOrder {
			if id, ok := view.Roles[role]; ok {
				ids = append(ids, id)
			}
		}
		return ids
	case TargetOtherActors:
		var ids []string
		for _, id := range view.ActorAgents {
			if id != sourceAgentID {
				ids = append(ids, id)
			}
		}
		return ids
	case TargetAllActors:
		return append([]string(nil), view.ActorAgents...)
	case TargetSystem:
		return nil
	default:
		if id, ok := view.Roles[rule.Target]; ok {
			return []string{id}
		}
		r.logger.Warn("Flow rule targets unmapped role",
			"scenario_run_id", view.ScenarioRunID,
			"rule", rule.Name,
			"target", rule.Target)
		return nil
	}
}

// nextActor returns the actor after source in ring order. A single actor
// wraps to itself.
func nextActor(actors []string, source string) string {
	if len(actors) == 0 {
		return ""
	}
	for i, id := range actors {
		if id == source {
			return actors[(i+1)%len(actors)]
		}
	}
	return actors[0]
}

// enrichPayload copies the emitted payload and stamps the routing context.
// Each delivery gets its own copy so downstream mutation cannot alias.
func enrichPayload(payload map[string]any, originalType, sourceRole, scenarioRunID string) map[string]any {
	enriched := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		enriched[k] = v
	}
	enriched[models.PayloadKeyOriginalEventType] = originalType
	enriched[models.PayloadKeySourceRole] = sourceRole
	enriched[models.PayloadKeyScenarioRunID] = scenarioRunID
	return enriched
}
