package config

import (
	"fmt"

	"github.com/troupelab/troupe/pkg/flow"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Validate in order: agent templates → scenario templates → bindings.
	// This ensures dependencies are validated before dependents.

	if err := v.validateAgentTemplates(); err != nil {
		return fmt.Errorf("agent template validation failed: %w", err)
	}

	if err := v.validateScenarioTemplates(); err != nil {
		return fmt.Errorf("scenario template validation failed: %w", err)
	}

	if err := v.validateEventBindings(); err != nil {
		return fmt.Errorf("event binding validation failed: %w", err)
	}

	if err := v.validateSettings(); err != nil {
		return fmt.Errorf("settings validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateAgentTemplates() error {
	for name, tmpl := range v.cfg.AgentTemplates.GetAll() {
		if tmpl.EngineType == "" {
			return NewValidationError("agent_template", name, "engine_type", ErrMissingRequiredField)
		}
		if !tmpl.EngineType.Valid() {
			return NewValidationError("agent_template", name, "engine_type", fmt.Errorf("%w: %s", ErrInvalidValue, tmpl.EngineType))
		}
	}

	return nil
}

func (v *ConfigValidator) validateScenarioTemplates() error {
	for name, tmpl := range v.cfg.ScenarioTemplates.GetAll() {
		if tmpl.Agents.Len() == 0 {
			return NewValidationError("scenario_template", name, "agents", fmt.Errorf("at least one role required"))
		}

		for role, rc := range tmpl.Agents.Roles {
			if rc.Template == "" {
				return NewValidationError("scenario_template", name, fmt.Sprintf("agents.%s.template", role), ErrMissingRequiredField)
			}
			if !v.cfg.AgentTemplates.Has(rc.Template) {
				return NewValidationError("scenario_template", name, fmt.Sprintf("agents.%s.template", role),
					fmt.Errorf("%w: agent template '%s' not found", ErrInvalidReference, rc.Template))
			}
			if rc.EngineType != "" && !rc.EngineType.Valid() {
				return NewValidationError("scenario_template", name, fmt.Sprintf("agents.%s.engine_type", role),
					fmt.Errorf("%w: %s", ErrInvalidValue, rc.EngineType))
			}
		}

		if err := flow.ValidateRules(tmpl.EventFlow); err != nil {
			return NewValidationError("scenario_template", name, "event_flow", err)
		}

		cfg := tmpl.Config
		if cfg.MaxTurns < 0 {
			return NewValidationError("scenario_template", name, "config.max_turns", fmt.Errorf("must not be negative"))
		}
		if cfg.TimeoutSeconds < 0 {
			return NewValidationError("scenario_template", name, "config.timeout_seconds", fmt.Errorf("must not be negative"))
		}
		if cfg.ErrorHandling.MaxRetries != nil && *cfg.ErrorHandling.MaxRetries < 0 {
			return NewValidationError("scenario_template", name, "config.error_handling.max_retries", fmt.Errorf("must not be negative"))
		}
	}

	return nil
}

func (v *ConfigValidator) validateEventBindings() error {
	for eventType, engineType := range v.cfg.EventBindings {
		if eventType == "" {
			return NewValidationError("event_bindings", eventType, "", fmt.Errorf("empty event type"))
		}
		if !engineType.Valid() {
			return NewValidationError("event_bindings", eventType, "", fmt.Errorf("%w: %s", ErrInvalidValue, engineType))
		}
	}

	return nil
}

func (v *ConfigValidator) validateSettings() error {
	q := v.cfg.Queue
	if q.PollInterval <= 0 {
		return NewValidationError("settings", "queue", "poll_interval", fmt.Errorf("must be positive"))
	}
	if q.PollIntervalJitter < 0 || q.PollIntervalJitter >= q.PollInterval {
		return NewValidationError("settings", "queue", "poll_interval_jitter", fmt.Errorf("must be non-negative and smaller than poll_interval"))
	}
	if q.MaxConcurrentEvents < 1 {
		return NewValidationError("settings", "queue", "max_concurrent_events", fmt.Errorf("must be at least 1"))
	}
	if q.MaxRetries < 0 {
		return NewValidationError("settings", "queue", "max_retries", fmt.Errorf("must not be negative"))
	}

	if v.cfg.Server.Port < 1 || v.cfg.Server.Port > 65535 {
		return NewValidationError("settings", "server", "port", fmt.Errorf("must be in 1..65535"))
	}

	return nil
}
