package config

import "github.com/troupelab/troupe/pkg/models"

// Config is the umbrella configuration object that encapsulates
// all registries, settings, and configuration state.
// This is the primary object returned by Initialize() and used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// Settings groups
	Queue     *QueueSettings
	Retention *RetentionSettings
	Server    *ServerSettings
	Engines   *EngineFleetSettings

	// EventBindings maps event types to the engine type that processes
	// them when an event has no target agent.
	EventBindings map[string]models.EngineType

	// Template registries
	AgentTemplates    *AgentTemplateRegistry
	ScenarioTemplates *ScenarioTemplateRegistry
}

// Initialize is defined in loader.go

// Stats contains statistics about loaded configuration
type Stats struct {
	AgentTemplates    int
	ScenarioTemplates int
	EventBindings     int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{EventBindings: len(c.EventBindings)}
	if c.AgentTemplates != nil {
		s.AgentTemplates = c.AgentTemplates.Len()
	}
	if c.ScenarioTemplates != nil {
		s.ScenarioTemplates = c.ScenarioTemplates.Len()
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetAgentTemplate retrieves an agent template by name.
// This is a convenience method that wraps AgentTemplates.Get().
func (c *Config) GetAgentTemplate(name string) (*AgentTemplate, error) {
	return c.AgentTemplates.Get(name)
}

// GetScenarioTemplate retrieves a scenario template by name.
// This is a convenience method that wraps ScenarioTemplates.Get().
func (c *Config) GetScenarioTemplate(name string) (*ScenarioTemplate, error) {
	return c.ScenarioTemplates.Get(name)
}
