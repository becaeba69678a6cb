package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupelab/troupe/pkg/models"
)

const testSettingsYAML = `
queue:
  poll_interval: 2s
  poll_interval_jitter: 250ms
  max_concurrent_events: 3
server:
  port: 9090
engines:
  actor: 2
  narrator: 1
  analyst: 0
event_bindings:
  weather_report: narrator
`

const testAgentsYAML = `
agent_templates:
  philosopher:
    engine_type: actor
    description: Debates ideas at length
    personality:
      character_name: Sage
      traits: [thoughtful, skeptical]
      speaking_style: measured and questioning
    llm:
      model: gpt-4o-mini
      temperature: 0.8
    config:
      verbosity: high
`

const testScenariosYAML = `
scenario_templates:
  philosophers_debate:
    description: Two philosophers argue in turns
    config:
      max_turns: 6
      timeout_seconds: 120
      interaction_rules:
        turn_based: true
      error_handling:
        max_retries: 2
      initial_state:
        topic: free will
    agents:
      proponent:
        template: philosopher
        required: true
      skeptic:
        template: philosopher
        required: true
      observer:
        template: observer_analyst
    event_flow:
      - name: scenario_initialization
        source: scenario_start
        target: proponent
        transform_to: conversation_message
      - source: proponent
        event_type: actor_speech_generated
        target: skeptic
        transform_to: conversation_message
      - source: skeptic
        event_type: actor_speech_generated
        target: proponent
        transform_to: conversation_message
`

func setupTestConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte(testSettingsYAML), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents.yaml"), []byte(testAgentsYAML), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scenarios.yaml"), []byte(testScenariosYAML), 0644))
	return dir
}

func TestInitialize(t *testing.T) {
	configDir := setupTestConfigDir(t)

	cfg, err := Initialize(context.Background(), configDir)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// User settings override defaults; unset fields keep defaults.
	assert.Equal(t, 2*time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.PollIntervalJitter)
	assert.Equal(t, 3, cfg.Queue.MaxConcurrentEvents)
	assert.Equal(t, models.DefaultMaxRetries, cfg.Queue.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Queue.GracefulShutdownTimeout)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	// Engine fleet block replaces defaults wholesale.
	assert.Equal(t, 2, cfg.Engines.Actor)
	counts := cfg.Engines.Counts()
	assert.Equal(t, 2, counts[models.EngineTypeActor])
	assert.Equal(t, 1, counts[models.EngineTypeNarrator])
	_, analystPresent := counts[models.EngineTypeAnalyst]
	assert.False(t, analystPresent, "zero count disables the engine type")

	// User templates merge alongside built-ins.
	assert.True(t, cfg.AgentTemplates.Has("philosopher"))
	assert.True(t, cfg.AgentTemplates.Has("conversationalist"))
	assert.True(t, cfg.ScenarioTemplates.Has("philosophers_debate"))
	assert.True(t, cfg.ScenarioTemplates.Has("simple_conversation"))

	// Bindings: user entry plus built-in seeds.
	assert.Equal(t, models.EngineTypeNarrator, cfg.EventBindings["weather_report"])
	assert.Equal(t, models.EngineTypeActor, cfg.EventBindings["conversation_message"])

	philosopher, err := cfg.GetAgentTemplate("philosopher")
	require.NoError(t, err)
	assert.Equal(t, models.EngineTypeActor, philosopher.EngineType)
	assert.Equal(t, "Sage", philosopher.Personality.CharacterName)
	require.NotNil(t, philosopher.LLM.Temperature)
	assert.InDelta(t, 0.8, *philosopher.LLM.Temperature, 1e-9)
	assert.Equal(t, "high", philosopher.Config["verbosity"])

	debate, err := cfg.GetScenarioTemplate("philosophers_debate")
	require.NoError(t, err)
	assert.Equal(t, 6, debate.Config.MaxTurns)
	assert.True(t, debate.Config.InteractionRules.TurnBased)
	require.NotNil(t, debate.Config.ErrorHandling.MaxRetries)
	assert.Equal(t, 2, *debate.Config.ErrorHandling.MaxRetries)
	assert.Equal(t, "free will", debate.Config.InitialState["topic"])

	// RoleMap preserves YAML declaration order.
	assert.Equal(t, []string{"proponent", "skeptic", "observer"}, debate.Agents.Order)
	skeptic, ok := debate.Agents.Get("skeptic")
	require.True(t, ok)
	assert.True(t, skeptic.Required)
	assert.Len(t, debate.EventFlow, 3)
	assert.Equal(t, "scenario_initialization", debate.EventFlow[0].Name)
}

func TestInitializeMissingFilesUsesBuiltins(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.True(t, cfg.AgentTemplates.Has("conversationalist"))
	assert.True(t, cfg.ScenarioTemplates.Has("simple_conversation"))
	assert.Equal(t, DefaultQueueSettings().PollInterval, cfg.Queue.PollInterval)
	assert.Equal(t, DefaultServerSettings().Port, cfg.Server.Port)
}

func TestInitializeInvalidYAML(t *testing.T) {
	configDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "settings.yaml"), []byte("queue: [this is: not a mapping"), 0644))

	_, err := Initialize(context.Background(), configDir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "settings.yaml", loadErr.File)
}

func TestInitializeEnvExpansion(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv("TEST_POLL_INTERVAL", "7s")
	settings := "queue:\n  poll_interval: ${TEST_POLL_INTERVAL}\n  max_concurrent_events: ${TEST_UNSET_CONCURRENCY:-4}\n"
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "settings.yaml"), []byte(settings), 0644))

	cfg, err := Initialize(context.Background(), configDir)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, 4, cfg.Queue.MaxConcurrentEvents)
}

func TestInitializeRejectsUnknownRoleTemplate(t *testing.T) {
	configDir := t.TempDir()
	scenarios := `
scenario_templates:
  broken:
    agents:
      hero:
        template: does_not_exist
    event_flow:
      - source: scenario_start
        target: hero
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "scenarios.yaml"), []byte(scenarios), 0644))

	_, err := Initialize(context.Background(), configDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does_not_exist")

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "scenario_template", vErr.Component)
	assert.Equal(t, "broken", vErr.ID)
}

func TestInitializeRejectsInvalidEngineType(t *testing.T) {
	configDir := t.TempDir()
	agents := `
agent_templates:
  weirdo:
    engine_type: prompter
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "agents.yaml"), []byte(agents), 0644))

	_, err := Initialize(context.Background(), configDir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestInitializeRejectsBadSettings(t *testing.T) {
	configDir := t.TempDir()
	settings := "queue:\n  poll_interval: 1s\n  poll_interval_jitter: 2s\n"
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "settings.yaml"), []byte(settings), 0644))

	_, err := Initialize(context.Background(), configDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_interval_jitter")
}

func TestInitializeRejectsFlowRuleWithoutTarget(t *testing.T) {
	configDir := t.TempDir()
	scenarios := `
scenario_templates:
  broken_flow:
    agents:
      speaker:
        template: conversationalist
    event_flow:
      - source: scenario_start
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "scenarios.yaml"), []byte(scenarios), 0644))

	_, err := Initialize(context.Background(), configDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target is required")
}

func TestMergeConfigLayersPrecedence(t *testing.T) {
	base := map[string]any{"verbosity": "low", "style": map[string]any{"tone": "dry", "length": "short"}}
	role := map[string]any{"style": map[string]any{"tone": "warm"}}
	runtime := map[string]any{"verbosity": "high"}

	merged, err := MergeConfigLayers(base, role, runtime)
	require.NoError(t, err)
	assert.Equal(t, "high", merged["verbosity"])

	style, ok := merged["style"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "warm", style["tone"])
	assert.Equal(t, "short", style["length"])

	// Source layers stay untouched.
	assert.Equal(t, "low", base["verbosity"])
	assert.Equal(t, "dry", base["style"].(map[string]any)["tone"])
}
