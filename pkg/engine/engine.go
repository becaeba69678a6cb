// Package engine contains the workers that drain the event queue and the
// engine types (actor, narrator, analyst) they execute. A worker talks to the
// coordinator through a ControlPlane client, which is either in-process
// (local services) or HTTP for workers deployed outside the coordinator.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/troupelab/troupe/pkg/llm"
	"github.com/troupelab/troupe/pkg/models"
)

// Engine is the per-type processing strategy executed by a worker. All
// engine types share the worker loop; they differ only in how they turn a
// leased event into generated output.
type Engine interface {
	EngineType() models.EngineType
	Process(ctx context.Context, event *models.EventInstance, profile *Profile) (*Output, error)
}

// Output is what an engine produces for one event. EventType names the
// output event the manager routes onward; Data carries engine-specific
// extras merged into the routed payload.
type Output struct {
	EventType string
	Content   string
	Data      map[string]any
}

// Actor generates in-character dialogue for conversational events.
type Actor struct {
	llm llm.Client
}

// NewActor creates an actor engine over the given LLM client.
func NewActor(client llm.Client) *Actor {
	return &Actor{llm: client}
}

// EngineType implements Engine.
func (a *Actor) EngineType() models.EngineType { return models.EngineTypeActor }

// Process implements Engine. The payload's conversational content becomes
// the user message; the agent's personality shapes the system prompt.
func (a *Actor) Process(ctx context.Context, event *models.EventInstance, profile *Profile) (*Output, error) {
	resp, err := generate(ctx, a.llm, ActorSystemPrompt(profile.Personality), event, profile,
		"content", "prompt", "message")
	if err != nil {
		return nil, err
	}
	return &Output{
		EventType: models.EventTypeActorSpeechGenerated,
		Content:   resp.Content,
		Data:      map[string]any{"character_name": profile.Personality.CharacterName},
	}, nil
}

// Narrator generates scene descriptions.
type Narrator struct {
	llm llm.Client
}

// NewNarrator creates a narrator engine over the given LLM client.
func NewNarrator(client llm.Client) *Narrator {
	return &Narrator{llm: client}
}

// EngineType implements Engine.
func (n *Narrator) EngineType() models.EngineType { return models.EngineTypeNarrator }

// Process implements Engine.
func (n *Narrator) Process(ctx context.Context, event *models.EventInstance, profile *Profile) (*Output, error) {
	resp, err := generate(ctx, n.llm, NarratorSystemPrompt(profile.Personality), event, profile,
		"scene_prompt", "prompt", "content")
	if err != nil {
		return nil, err
	}
	return &Output{
		EventType: models.EventTypeSceneDescriptionGenerated,
		Content:   resp.Content,
	}, nil
}

// Analyst generates analysis checkpoints from observation data.
type Analyst struct {
	llm llm.Client
}

// NewAnalyst creates an analyst engine over the given LLM client.
func NewAnalyst(client llm.Client) *Analyst {
	return &Analyst{llm: client}
}

// EngineType implements Engine.
func (a *Analyst) EngineType() models.EngineType { return models.EngineTypeAnalyst }

// Process implements Engine.
func (a *Analyst) Process(ctx context.Context, event *models.EventInstance, profile *Profile) (*Output, error) {
	resp, err := generate(ctx, a.llm, AnalystSystemPrompt(profile.Personality), event, profile,
		"observation", "content", "prompt")
	if err != nil {
		return nil, err
	}
	return &Output{
		EventType: models.EventTypeAnalysisCheckpointGenerated,
		Content:   resp.Content,
	}, nil
}

// generate runs one LLM call with the agent's tuning applied. The user
// message is the first non-empty payload key from keys, falling back to a
// JSON rendering of the payload for free-form events.
func generate(ctx context.Context, client llm.Client, systemPrompt string, event *models.EventInstance, profile *Profile, keys ...string) (llm.Response, error) {
	req := llm.Request{
		SystemPrompt: systemPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: UserPrompt(event, keys...)},
		},
	}
	if profile != nil {
		req.Temperature = profile.LLM.Temperature
		req.MaxTokens = profile.LLM.MaxTokens
	}
	resp, err := client.Generate(ctx, req)
	if err != nil {
		return llm.Response{}, fmt.Errorf("generate %s output: %w", event.EventType, err)
	}
	return resp, nil
}

// UserPrompt extracts the user-facing message from an event payload: the
// first of keys holding a non-empty string, else the payload rendered as
// JSON with routing enrichment keys stripped.
func UserPrompt(event *models.EventInstance, keys ...string) string {
	for _, key := range keys {
		if s, ok := event.Payload[key].(string); ok && s != "" {
			return s
		}
	}

	trimmed := make(map[string]any, len(event.Payload))
	for k, v := range event.Payload {
		switch k {
		case models.PayloadKeyOriginalEventType, models.PayloadKeySourceRole, models.PayloadKeyScenarioRunID:
			continue
		}
		trimmed[k] = v
	}
	if len(trimmed) == 0 {
		return event.EventType
	}
	raw, err := json.Marshal(trimmed)
	if err != nil {
		return event.EventType
	}
	return string(raw)
}

// New returns the engine implementation for the given type.
func New(engineType models.EngineType, client llm.Client) (Engine, error) {
	switch engineType {
	case models.EngineTypeActor:
		return NewActor(client), nil
	case models.EngineTypeNarrator:
		return NewNarrator(client), nil
	case models.EngineTypeAnalyst:
		return NewAnalyst(client), nil
	}
	return nil, fmt.Errorf("unknown engine type %q", engineType)
}
