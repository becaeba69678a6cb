package engine

import (
	"encoding/json"
	"fmt"

	"github.com/troupelab/troupe/pkg/config"
	"github.com/troupelab/troupe/pkg/llm"
	"github.com/troupelab/troupe/pkg/models"
)

// Profile is the engine-facing view of one agent instance: who the agent is
// in its scenario plus the personality and LLM tuning decoded from the
// instance's merged config.
type Profile struct {
	AgentID       string
	ScenarioRunID string
	Role          string
	InstanceName  string
	Personality   config.PersonalityConfig
	LLM           llm.Config
	Config        map[string]any
}

// ProfileFromAgent decodes an agent instance row into a Profile. Sections
// the merged config does not carry stay zero-valued; engines fall back to
// generic prompts for those.
func ProfileFromAgent(agent *models.AgentInstance) (*Profile, error) {
	p := &Profile{
		AgentID:       agent.AgentInstanceID,
		ScenarioRunID: agent.ScenarioRunID,
		Role:          agent.RoleInScenario,
		InstanceName:  agent.InstanceName,
		Config:        agent.Config,
	}
	if err := decodeSection(agent.Config, config.ConfigKeyPersonality, &p.Personality); err != nil {
		return nil, fmt.Errorf("agent %s: %w", agent.AgentInstanceID, err)
	}
	if err := decodeSection(agent.Config, config.ConfigKeyLLM, &p.LLM); err != nil {
		return nil, fmt.Errorf("agent %s: %w", agent.AgentInstanceID, err)
	}
	return p, nil
}

// decodeSection round-trips one config subtree through JSON into a typed
// struct. Config maps arrive from JSONB columns and YAML templates, so JSON
// tags are the common denominator.
func decodeSection(cfg map[string]any, key string, target any) error {
	section, ok := cfg[key]
	if !ok || section == nil {
		return nil
	}
	raw, err := json.Marshal(section)
	if err != nil {
		return fmt.Errorf("marshal config section %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode config section %q: %w", key, err)
	}
	return nil
}
