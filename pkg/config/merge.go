package config

import (
	"fmt"

	"dario.cat/mergo"

	"github.com/troupelab/troupe/pkg/models"
)

// mergeAgentTemplates merges built-in and user-defined agent templates.
// User-defined templates override built-in templates with the same name.
func mergeAgentTemplates(builtin map[string]AgentTemplate, user map[string]AgentTemplate) map[string]*AgentTemplate {
	result := make(map[string]*AgentTemplate)

	for name, tmpl := range builtin {
		tmplCopy := tmpl
		result[name] = &tmplCopy
	}
	for name, tmpl := range user {
		tmplCopy := tmpl
		result[name] = &tmplCopy
	}

	return result
}

// mergeScenarioTemplates merges built-in and user-defined scenario templates.
// User-defined templates override built-in templates with the same name.
func mergeScenarioTemplates(builtin map[string]ScenarioTemplate, user map[string]ScenarioTemplate) map[string]*ScenarioTemplate {
	result := make(map[string]*ScenarioTemplate)

	for name, tmpl := range builtin {
		tmplCopy := tmpl
		result[name] = &tmplCopy
	}
	for name, tmpl := range user {
		tmplCopy := tmpl
		result[name] = &tmplCopy
	}

	return result
}

// mergeEventBindings merges built-in and user-defined event-type → engine-type
// bindings. User entries override built-ins per event type.
func mergeEventBindings(builtin map[string]models.EngineType, user map[string]models.EngineType) map[string]models.EngineType {
	result := make(map[string]models.EngineType, len(builtin)+len(user))
	for eventType, engineType := range builtin {
		result[eventType] = engineType
	}
	for eventType, engineType := range user {
		result[eventType] = engineType
	}
	return result
}

// MergeConfigLayers deep-merges free-form config maps left to right: later
// layers override earlier ones key by key. Used to stack agent template
// config, role config, and runtime overrides into one instance config.
// Layers are deep-copied first so the merged result never aliases
// template-owned maps.
func MergeConfigLayers(layers ...map[string]any) (map[string]any, error) {
	merged := make(map[string]any)
	for i, layer := range layers {
		if len(layer) == 0 {
			continue
		}
		if err := mergo.Merge(&merged, deepCopyMap(layer), mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config layer %d: %w", i, err)
		}
	}
	return merged, nil
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch tv := v.(type) {
		case map[string]any:
			out[k] = deepCopyMap(tv)
		case []any:
			s := make([]any, len(tv))
			for i, e := range tv {
				if nested, ok := e.(map[string]any); ok {
					s[i] = deepCopyMap(nested)
				} else {
					s[i] = e
				}
			}
			out[k] = s
		default:
			out[k] = v
		}
	}
	return out
}
