package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupelab/troupe/pkg/models"
)

func TestMergeAgentTemplates(t *testing.T) {
	builtin := map[string]AgentTemplate{
		"philosopher": {EngineType: models.EngineTypeActor, Description: "built-in actor"},
		"moderator":   {EngineType: models.EngineTypeNarrator, Description: "built-in narrator"},
	}
	user := map[string]AgentTemplate{
		"philosopher": {EngineType: models.EngineTypeActor, Description: "user override"},
		"critic":      {EngineType: models.EngineTypeAnalyst},
	}

	merged := mergeAgentTemplates(builtin, user)

	require.Len(t, merged, 3)
	assert.Equal(t, "user override", merged["philosopher"].Description)
	assert.Equal(t, "built-in narrator", merged["moderator"].Description)
	assert.Equal(t, models.EngineTypeAnalyst, merged["critic"].EngineType)
}

func TestMergeScenarioTemplates(t *testing.T) {
	builtin := map[string]ScenarioTemplate{
		"debate":    {Description: "built-in debate"},
		"interview": {Description: "built-in interview"},
	}
	user := map[string]ScenarioTemplate{
		"debate": {Description: "house rules debate"},
	}

	merged := mergeScenarioTemplates(builtin, user)

	require.Len(t, merged, 2)
	assert.Equal(t, "house rules debate", merged["debate"].Description)
	assert.Equal(t, "built-in interview", merged["interview"].Description)
}

func TestMergeEventBindings(t *testing.T) {
	builtin := map[string]models.EngineType{
		"actor_prompt": models.EngineTypeActor,
		"scene_prompt": models.EngineTypeNarrator,
	}
	user := map[string]models.EngineType{
		"scene_prompt": models.EngineTypeAnalyst,
		"observation":  models.EngineTypeAnalyst,
	}

	merged := mergeEventBindings(builtin, user)

	require.Len(t, merged, 3)
	assert.Equal(t, models.EngineTypeActor, merged["actor_prompt"])
	assert.Equal(t, models.EngineTypeAnalyst, merged["scene_prompt"], "user binding wins")
	assert.Equal(t, models.EngineTypeAnalyst, merged["observation"])
}

func TestMergeConfigLayers(t *testing.T) {
	t.Run("later layers override earlier ones", func(t *testing.T) {
		base := map[string]any{
			"temperature": 0.7,
			"persona":     map[string]any{"name": "Socrates", "tone": "earnest"},
		}
		role := map[string]any{
			"persona": map[string]any{"tone": "ironic"},
		}
		runtime := map[string]any{
			"temperature": 0.2,
		}

		merged, err := MergeConfigLayers(base, role, runtime)
		require.NoError(t, err)

		assert.Equal(t, 0.2, merged["temperature"])
		persona, ok := merged["persona"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "Socrates", persona["name"], "untouched nested keys survive")
		assert.Equal(t, "ironic", persona["tone"], "overridden nested keys replaced")
	})

	t.Run("skips empty layers", func(t *testing.T) {
		merged, err := MergeConfigLayers(nil, map[string]any{"a": 1}, map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": 1}, merged)
	})

	t.Run("never aliases input maps", func(t *testing.T) {
		layer := map[string]any{
			"nested": map[string]any{"key": "original"},
			"list":   []any{map[string]any{"item": "one"}},
		}

		merged, err := MergeConfigLayers(layer)
		require.NoError(t, err)

		nested := merged["nested"].(map[string]any)
		nested["key"] = "mutated"
		mergedList := merged["list"].([]any)
		mergedList[0].(map[string]any)["item"] = "two"

		assert.Equal(t, "original", layer["nested"].(map[string]any)["key"])
		assert.Equal(t, "one", layer["list"].([]any)[0].(map[string]any)["item"])
	})

	t.Run("no layers yields empty map", func(t *testing.T) {
		merged, err := MergeConfigLayers()
		require.NoError(t, err)
		assert.Empty(t, merged)
		assert.NotNil(t, merged)
	})
}
