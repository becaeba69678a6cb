package config

import (
	"fmt"
	"sort"
	"sync"
)

// AgentTemplateRegistry stores agent templates in memory with thread-safe access.
type AgentTemplateRegistry struct {
	templates map[string]*AgentTemplate
	mu        sync.RWMutex
}

// NewAgentTemplateRegistry creates a registry over a defensive copy of templates.
func NewAgentTemplateRegistry(templates map[string]*AgentTemplate) *AgentTemplateRegistry {
	copied := make(map[string]*AgentTemplate, len(templates))
	for k, v := range templates {
		copied[k] = v
	}
	return &AgentTemplateRegistry{templates: copied}
}

// Get retrieves an agent template by name (thread-safe).
func (r *AgentTemplateRegistry) Get(name string) (*AgentTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tmpl, exists := r.templates[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentTemplateNotFound, name)
	}
	return tmpl, nil
}

// GetAll returns all agent templates (thread-safe, returns copy).
func (r *AgentTemplateRegistry) GetAll() map[string]*AgentTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*AgentTemplate, len(r.templates))
	for k, v := range r.templates {
		result[k] = v
	}
	return result
}

// Has checks if a template exists in the registry (thread-safe).
func (r *AgentTemplateRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.templates[name]
	return exists
}

// Len returns the number of templates in the registry (thread-safe).
func (r *AgentTemplateRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}

// Names returns all template names, sorted (thread-safe).
func (r *AgentTemplateRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ScenarioTemplateRegistry stores scenario templates in memory with
// thread-safe access.
type ScenarioTemplateRegistry struct {
	templates map[string]*ScenarioTemplate
	mu        sync.RWMutex
}

// NewScenarioTemplateRegistry creates a registry over a defensive copy of templates.
func NewScenarioTemplateRegistry(templates map[string]*ScenarioTemplate) *ScenarioTemplateRegistry {
	copied := make(map[string]*ScenarioTemplate, len(templates))
	for k, v := range templates {
		copied[k] = v
	}
	return &ScenarioTemplateRegistry{templates: copied}
}

// Get retrieves a scenario template by name (thread-safe).
func (r *ScenarioTemplateRegistry) Get(name string) (*ScenarioTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tmpl, exists := r.templates[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrScenarioTemplateNotFound, name)
	}
	return tmpl, nil
}

// GetAll returns all scenario templates (thread-safe, returns copy).
func (r *ScenarioTemplateRegistry) GetAll() map[string]*ScenarioTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ScenarioTemplate, len(r.templates))
	for k, v := range r.templates {
		result[k] = v
	}
	return result
}

// Has checks if a template exists in the registry (thread-safe).
func (r *ScenarioTemplateRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.templates[name]
	return exists
}

// Len returns the number of templates in the registry (thread-safe).
func (r *ScenarioTemplateRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}

// Names returns all template names, sorted (thread-safe).
func (r *ScenarioTemplateRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
