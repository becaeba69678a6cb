// Package config loads and validates the troupe configuration directory:
// settings.yaml (queue, retention, server, engine fleet, event bindings),
// agents.yaml (agent templates), and scenarios.yaml (scenario templates).
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/troupelab/troupe/pkg/models"
)

// SettingsYAML represents the complete settings.yaml file structure
type SettingsYAML struct {
	Queue         *QueueSettings               `yaml:"queue"`
	Retention     *RetentionSettings           `yaml:"retention"`
	Server        *ServerSettings              `yaml:"server"`
	Engines       *EngineFleetSettings         `yaml:"engines"`
	EventBindings map[string]models.EngineType `yaml:"event_bindings"`
}

// AgentsYAML represents the complete agents.yaml file structure
type AgentsYAML struct {
	AgentTemplates map[string]AgentTemplate `yaml:"agent_templates"`
}

// ScenariosYAML represents the complete scenarios.yaml file structure
type ScenariosYAML struct {
	ScenarioTemplates map[string]ScenarioTemplate `yaml:"scenario_templates"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir (missing files fall back to built-ins)
//  2. Expand environment variables (${VAR}, ${VAR:-default})
//  3. Parse YAML into structs
//  4. Merge built-in + user-defined templates and bindings
//  5. Merge user settings over built-in defaults
//  6. Build in-memory registries
//  7. Validate all configuration
//  8. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"agent_templates", stats.AgentTemplates,
		"scenario_templates", stats.ScenarioTemplates,
		"event_bindings", stats.EventBindings)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	// 1. Load settings.yaml (queue, retention, server, engines, event_bindings)
	settings, err := loader.loadSettingsYAML()
	if err != nil {
		return nil, NewLoadError("settings.yaml", err)
	}

	// 2. Load agents.yaml and scenarios.yaml
	agentTemplates, err := loader.loadAgentsYAML()
	if err != nil {
		return nil, NewLoadError("agents.yaml", err)
	}
	scenarioTemplates, err := loader.loadScenariosYAML()
	if err != nil {
		return nil, NewLoadError("scenarios.yaml", err)
	}

	// 3. Get built-in configuration
	builtin := GetBuiltinConfig()

	// 4. Merge built-in + user-defined components (user overrides built-in)
	agents := mergeAgentTemplates(builtin.AgentTemplates, agentTemplates)
	scenarios := mergeScenarioTemplates(builtin.ScenarioTemplates, scenarioTemplates)
	bindings := mergeEventBindings(builtin.EventBindings, settings.EventBindings)

	// 5. Merge user settings over built-in defaults (non-zero values override)
	queueSettings := DefaultQueueSettings()
	if settings.Queue != nil {
		if err := mergo.Merge(queueSettings, settings.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue settings: %w", err)
		}
	}
	retentionSettings := DefaultRetentionSettings()
	if settings.Retention != nil {
		if err := mergo.Merge(retentionSettings, settings.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention settings: %w", err)
		}
	}
	serverSettings := DefaultServerSettings()
	if settings.Server != nil {
		if err := mergo.Merge(serverSettings, settings.Server, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge server settings: %w", err)
		}
	}
	engineSettings := DefaultEngineFleetSettings()
	if settings.Engines != nil {
		// Explicit zero counts are meaningful here (disable a type), so the
		// user block replaces the default wholesale instead of merging.
		engineSettings = settings.Engines
	}

	// 6. Build registries
	agentRegistry := NewAgentTemplateRegistry(agents)
	scenarioRegistry := NewScenarioTemplateRegistry(scenarios)

	return &Config{
		configDir:         configDir,
		Queue:             queueSettings,
		Retention:         retentionSettings,
		Server:            serverSettings,
		Engines:           engineSettings,
		EventBindings:     bindings,
		AgentTemplates:    agentRegistry,
		ScenarioTemplates: scenarioRegistry,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

// loadYAML reads one config file, expands environment variables, and
// unmarshals it. A missing file is reported through found=false so callers
// can fall back to built-ins; every other failure is an error.
func (l *configLoader) loadYAML(filename string, target any) (found bool, err error) {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return true, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return true, nil
}

func (l *configLoader) loadSettingsYAML() (*SettingsYAML, error) {
	var config SettingsYAML
	config.EventBindings = make(map[string]models.EngineType)

	found, err := l.loadYAML("settings.yaml", &config)
	if err != nil {
		return nil, err
	}
	if !found {
		slog.Info("No settings.yaml found, using built-in defaults", "config_dir", l.configDir)
	}

	return &config, nil
}

func (l *configLoader) loadAgentsYAML() (map[string]AgentTemplate, error) {
	var config AgentsYAML
	config.AgentTemplates = make(map[string]AgentTemplate)

	found, err := l.loadYAML("agents.yaml", &config)
	if err != nil {
		return nil, err
	}
	if !found {
		slog.Info("No agents.yaml found, using built-in agent templates", "config_dir", l.configDir)
	}

	return config.AgentTemplates, nil
}

func (l *configLoader) loadScenariosYAML() (map[string]ScenarioTemplate, error) {
	var config ScenariosYAML
	config.ScenarioTemplates = make(map[string]ScenarioTemplate)

	found, err := l.loadYAML("scenarios.yaml", &config)
	if err != nil {
		return nil, err
	}
	if !found {
		slog.Info("No scenarios.yaml found, using built-in scenario templates", "config_dir", l.configDir)
	}

	return config.ScenarioTemplates, nil
}
