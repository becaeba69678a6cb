package config

import (
	"sync"

	"github.com/troupelab/troupe/pkg/flow"
	"github.com/troupelab/troupe/pkg/models"
)

// BuiltinConfig holds all built-in configuration data: default agent and
// scenario templates plus the default event-type bindings. User YAML
// overrides any entry by name.
type BuiltinConfig struct {
	AgentTemplates    map[string]AgentTemplate
	ScenarioTemplates map[string]ScenarioTemplate
	EventBindings     map[string]models.EngineType
}

var (
	builtinConfig     *BuiltinConfig
	builtinConfigOnce sync.Once
)

// GetBuiltinConfig returns the singleton built-in configuration
// (thread-safe, lazy-initialized).
func GetBuiltinConfig() *BuiltinConfig {
	builtinConfigOnce.Do(initBuiltinConfig)
	return builtinConfig
}

func initBuiltinConfig() {
	builtinConfig = &BuiltinConfig{
		AgentTemplates:    initBuiltinAgentTemplates(),
		ScenarioTemplates: initBuiltinScenarioTemplates(),
		EventBindings:     initBuiltinEventBindings(),
	}
}

func initBuiltinAgentTemplates() map[string]AgentTemplate {
	return map[string]AgentTemplate{
		"conversationalist": {
			EngineType:  models.EngineTypeActor,
			Description: "General-purpose dialogue actor",
			Personality: PersonalityConfig{
				CharacterName: "Alex",
				Traits:        []string{"curious", "articulate", "attentive"},
				SpeakingStyle: "conversational and direct",
			},
		},
		"scene_narrator": {
			EngineType:  models.EngineTypeNarrator,
			Description: "Scene and setting narrator",
			Personality: PersonalityConfig{
				NarrativeStyle: "vivid third-person present tense",
			},
		},
		"observer_analyst": {
			EngineType:  models.EngineTypeAnalyst,
			Description: "Observes the conversation and produces analyses",
			Personality: PersonalityConfig{
				AnalyticalFocus: []string{"tone", "topic drift", "engagement"},
			},
		},
	}
}

func initBuiltinScenarioTemplates() map[string]ScenarioTemplate {
	return map[string]ScenarioTemplate{
		"simple_conversation": {
			Description: "Two actors exchange turn-based messages",
			Config: ScenarioConfig{
				MaxTurns:         10,
				TimeoutSeconds:   300,
				InteractionRules: InteractionRules{TurnBased: true},
			},
			Agents: RoleMap{
				Roles: map[string]RoleConfig{
					"initiator": {Template: "conversationalist", Required: true},
					"responder": {Template: "conversationalist", Required: true},
				},
				Order: []string{"initiator", "responder"},
			},
			EventFlow: []flow.Rule{
				{
					Name:        models.RuleNameScenarioInitializer,
					Source:      models.EventTypeScenarioStart,
					Target:      "initiator",
					TransformTo: "conversation_message",
				},
				{
					Name:        "initiator_speaks",
					Source:      "initiator",
					EventType:   models.EventTypeActorSpeechGenerated,
					Target:      "responder",
					TransformTo: "conversation_message",
				},
				{
					Name:        "responder_speaks",
					Source:      "responder",
					EventType:   models.EventTypeActorSpeechGenerated,
					Target:      "initiator",
					TransformTo: "conversation_message",
				},
			},
		},
	}
}

func initBuiltinEventBindings() map[string]models.EngineType {
	return map[string]models.EngineType{
		"conversation_message": models.EngineTypeActor,
		"actor_prompt":         models.EngineTypeActor,
		"request_scene_update": models.EngineTypeNarrator,
		"scene_prompt":         models.EngineTypeNarrator,
		"analyze_checkpoint":   models.EngineTypeAnalyst,
		"observation":          models.EngineTypeAnalyst,
	}
}
