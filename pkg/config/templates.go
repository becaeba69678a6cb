package config

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/troupelab/troupe/pkg/flow"
	"github.com/troupelab/troupe/pkg/llm"
	"github.com/troupelab/troupe/pkg/models"
)

// Section keys of an agent instance's merged config map. The runner writes
// these sections when materializing agents; engine workers decode them back
// into the agent's profile.
const (
	ConfigKeyPersonality = "personality"
	ConfigKeyLLM         = "llm"
)

// PersonalityConfig shapes the system prompt of an agent. Actors use the
// character fields, narrators the narrative style, analysts the focus list;
// unused fields are simply ignored by the other engine types.
type PersonalityConfig struct {
	CharacterName   string   `yaml:"character_name,omitempty" json:"character_name,omitempty"`
	Traits          []string `yaml:"traits,omitempty" json:"traits,omitempty"`
	SpeakingStyle   string   `yaml:"speaking_style,omitempty" json:"speaking_style,omitempty"`
	Background      string   `yaml:"background,omitempty" json:"background,omitempty"`
	NarrativeStyle  string   `yaml:"narrative_style,omitempty" json:"narrative_style,omitempty"`
	AnalyticalFocus []string `yaml:"analytical_focus,omitempty" json:"analytical_focus,omitempty"`
}

// AgentTemplate is a reusable agent definition scenario roles instantiate.
type AgentTemplate struct {
	EngineType  models.EngineType `yaml:"engine_type" json:"engine_type"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Personality PersonalityConfig `yaml:"personality,omitempty" json:"personality,omitempty"`
	LLM         llm.Config        `yaml:"llm,omitempty" json:"llm,omitempty"`

	// Config holds free-form defaults merged into agent instances under
	// role and runtime overrides.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// RoleConfig binds one scenario role to an agent template.
type RoleConfig struct {
	Template string `yaml:"template" json:"template"`

	// EngineType overrides the template's engine type when set.
	EngineType models.EngineType `yaml:"engine_type,omitempty" json:"engine_type,omitempty"`

	// Required roles abort scenario start when registration fails.
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// ErrorHandling tunes retry behavior per scenario.
type ErrorHandling struct {
	MaxRetries *int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// InteractionRules controls conversational mechanics.
type InteractionRules struct {
	TurnBased bool `yaml:"turn_based,omitempty" json:"turn_based,omitempty"`
}

// ScenarioConfig is the tunable part of a scenario template; runtime config
// passed at start is merged over it field by field.
type ScenarioConfig struct {
	MaxTurns             int              `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
	TimeoutSeconds       int              `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	CompletionConditions []string         `yaml:"completion_conditions,omitempty" json:"completion_conditions,omitempty"`
	ErrorHandling        ErrorHandling    `yaml:"error_handling,omitempty" json:"error_handling,omitempty"`
	InteractionRules     InteractionRules `yaml:"interaction_rules,omitempty" json:"interaction_rules,omitempty"`
	InitialState         map[string]any   `yaml:"initial_state,omitempty" json:"initial_state,omitempty"`
}

// Map returns the scenario config as a free-form map, the shape runtime
// overrides are merged into and the scenario run row stores.
func (c ScenarioConfig) Map() (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode scenario config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode scenario config: %w", err)
	}
	return m, nil
}

// ScenarioConfigFromMap decodes a merged scenario config map back into typed
// form. Unknown keys are ignored so templates can carry extra fields.
func ScenarioConfigFromMap(m map[string]any) (ScenarioConfig, error) {
	var sc ScenarioConfig
	if len(m) == 0 {
		return sc, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sc, fmt.Errorf("encode scenario config: %w", err)
	}
	if err := json.Unmarshal(raw, &sc); err != nil {
		return sc, fmt.Errorf("decode scenario config: %w", err)
	}
	return sc, nil
}

// RoleMap is an ordered role → config mapping. YAML mappings lose document
// order through map decoding, but role order is meaningful here: it decides
// actor turn order and all_agents delivery order.
type RoleMap struct {
	Roles map[string]RoleConfig
	Order []string
}

// UnmarshalYAML decodes the mapping while recording declaration order.
func (m *RoleMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("agents: expected a mapping, got %v", node.Kind)
	}
	m.Roles = make(map[string]RoleConfig, len(node.Content)/2)
	m.Order = make([]string, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var role string
		if err := node.Content[i].Decode(&role); err != nil {
			return fmt.Errorf("agents: decode role name: %w", err)
		}
		var rc RoleConfig
		if err := node.Content[i+1].Decode(&rc); err != nil {
			return fmt.Errorf("agents: decode role %q: %w", role, err)
		}
		if _, dup := m.Roles[role]; dup {
			return fmt.Errorf("agents: duplicate role %q", role)
		}
		m.Roles[role] = rc
		m.Order = append(m.Order, role)
	}
	return nil
}

// Get returns the config for a role.
func (m *RoleMap) Get(role string) (RoleConfig, bool) {
	rc, ok := m.Roles[role]
	return rc, ok
}

// Len returns the number of declared roles.
func (m *RoleMap) Len() int {
	return len(m.Order)
}

// ScenarioTemplate declares a complete scenario: its roles, tunables, and
// event-flow graph.
type ScenarioTemplate struct {
	Description string         `yaml:"description,omitempty"`
	Config      ScenarioConfig `yaml:"config,omitempty"`
	Agents      RoleMap        `yaml:"agents"`
	EventFlow   []flow.Rule    `yaml:"event_flow"`
}
