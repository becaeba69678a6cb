// Package flow routes events emitted by scenario agents according to a
// template's declarative event-flow graph. Routing is pure rewriting: the
// router never touches the store, it only decides who receives what.
package flow

import (
	"fmt"

	"github.com/troupelab/troupe/pkg/models"
)

// Source selector aliases. Anything else is treated as a literal role name.
const (
	SourceAny      = "any"
	SourceAnyActor = "any_actor"
	SourceAnyAgent = "any_agent"
)

// Target selector aliases. Anything else is treated as a literal role name.
const (
	TargetAllAgents   = "all_agents"
	TargetOtherActors = "other_actors"
	TargetAllActors   = "all_actors"
	TargetSystem      = "system"
)

// EventTypeAny matches every emitted event type. An absent event_type on a
// rule behaves the same way.
const EventTypeAny = "any"

// sourceRoleSystem marks payloads of events originated by the coordinator
// rather than an agent.
const sourceRoleSystem = "system"

// Rule is one edge of the event-flow graph. Rules are evaluated in
// declaration order and the first match wins. Alias selectors (any_actor,
// other_actors, ...) are resolved against the live actor set at routing
// time, which keeps the declared graph static and acyclic.
type Rule struct {
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Source      string `yaml:"source" json:"source"`
	EventType   string `yaml:"event_type,omitempty" json:"event_type,omitempty"`
	Target      string `yaml:"target" json:"target"`
	TransformTo string `yaml:"transform_to,omitempty" json:"transform_to,omitempty"`
}

// Validate checks the structural fields a rule cannot do without.
func (r Rule) Validate() error {
	if r.Source == "" {
		return fmt.Errorf("flow rule %q: source is required", r.Name)
	}
	if r.Target == "" {
		return fmt.Errorf("flow rule %q: target is required", r.Name)
	}
	return nil
}

// Matches reports whether this rule applies to an event of eventType emitted
// by an agent holding sourceRole. sourceIsActor gates the any_actor alias.
func (r Rule) Matches(sourceRole string, sourceIsActor bool, eventType string) bool {
	switch r.Source {
	case SourceAny, SourceAnyAgent:
	case SourceAnyActor:
		if !sourceIsActor {
			return false
		}
	default:
		if r.Source != sourceRole {
			return false
		}
	}
	if r.EventType == "" || r.EventType == EventTypeAny {
		return true
	}
	return r.EventType == eventType
}

// DeliveredType returns the event type targets receive: transform_to when
// set, otherwise the emitted type passes through.
func (r Rule) DeliveredType(emitted string) string {
	if r.TransformTo != "" {
		return r.TransformTo
	}
	return emitted
}

// IsInitializer reports whether this rule seeds a scenario's first events.
// A rule qualifies when it triggers on scenario_start or carries the
// conventional initializer name.
func (r Rule) IsInitializer() bool {
	return r.Source == models.EventTypeScenarioStart ||
		r.EventType == models.EventTypeScenarioStart ||
		r.Name == models.RuleNameScenarioInitializer
}

// InitialRule returns the first initializer rule in declaration order.
func InitialRule(rules []Rule) (Rule, bool) {
	for _, r := range rules {
		if r.IsInitializer() {
			return r, true
		}
	}
	return Rule{}, false
}

// ValidateRules checks every rule in a flow graph, reporting the first
// structural problem with its position.
func ValidateRules(rules []Rule) error {
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}
