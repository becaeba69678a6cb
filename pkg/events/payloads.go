package events

import "github.com/troupelab/troupe/pkg/models"

// BasePayload carries the routing fields shared by every stream payload.
// Observers route incoming messages by type and scenario_run_id, so any
// payload broadcast on a scenario channel must carry both. The publisher
// stamps these fields on publish; call sites fill only the event-specific
// ones.
type BasePayload struct {
	Type          string `json:"type"`
	ScenarioRunID string `json:"scenario_run_id,omitempty"` // empty on the engines channel
	Timestamp     string `json:"timestamp"`                 // RFC3339Nano
}

// ScenarioStatusPayload reports a run entering a new lifecycle status.
// Persisted on the run's channel, with a transient copy on the global
// scenarios channel.
type ScenarioStatusPayload struct {
	BasePayload
	Name        string                `json:"name,omitempty"`
	Status      models.ScenarioStatus `json:"status"`
	CurrentTurn int                   `json:"current_turn"`
}

// EventEnqueuedPayload reports a new event instance entering the queue,
// whether seeded at scenario start, routed from an engine output, or
// injected externally.
type EventEnqueuedPayload struct {
	BasePayload
	EventID          string            `json:"event_id"`
	EventType        string            `json:"event_type"`
	TargetEngineType models.EngineType `json:"target_engine_type"`
	SourceAgentID    string            `json:"source_agent_id,omitempty"`
	TargetAgentID    string            `json:"target_agent_id,omitempty"`
	Priority         int               `json:"priority"`
}

// NewEventEnqueuedPayload projects a freshly queued event instance into its
// stream payload. BasePayload is left for the publisher to stamp.
func NewEventEnqueuedPayload(event *models.EventInstance) EventEnqueuedPayload {
	p := EventEnqueuedPayload{
		EventID:          event.EventID,
		EventType:        event.EventType,
		TargetEngineType: event.TargetEngineType,
		Priority:         event.Priority,
	}
	if event.SourceAgentID != nil {
		p.SourceAgentID = *event.SourceAgentID
	}
	if event.TargetAgentID != nil {
		p.TargetAgentID = *event.TargetAgentID
	}
	return p
}

// EventStatusPayload reports an event instance changing status after a
// worker outcome: completed, failed, or re-queued for retry.
type EventStatusPayload struct {
	BasePayload
	EventID    string             `json:"event_id"`
	EventType  string             `json:"event_type"`
	Status     models.EventStatus `json:"status"`
	RetryCount int                `json:"retry_count"`
	Error      string             `json:"error,omitempty"`
}

// NewEventStatusPayload projects an event instance's current state into its
// stream payload. BasePayload is left for the publisher to stamp.
func NewEventStatusPayload(event *models.EventInstance) EventStatusPayload {
	p := EventStatusPayload{
		EventID:    event.EventID,
		EventType:  event.EventType,
		Status:     event.Status,
		RetryCount: event.RetryCount,
	}
	if event.LastError != nil {
		p.Error = *event.LastError
	}
	return p
}

// TurnAdvancedPayload reports the routing loop handing the turn pointer to
// the next actor in a turn-based scenario.
type TurnAdvancedPayload struct {
	BasePayload
	Turn          int    `json:"turn"`                      // completed-turn count after the advance
	SourceAgentID string `json:"source_agent_id,omitempty"` // actor that finished the turn
	NextAgentID   string `json:"next_agent_id,omitempty"`   // actor now holding the turn
}

// EngineRegisteredPayload reports an engine instance joining the registry.
type EngineRegisteredPayload struct {
	BasePayload
	EngineID   string            `json:"engine_id"`
	EngineType models.EngineType `json:"engine_type"`
}

// EngineDeregisteredPayload reports an engine instance leaving the registry.
// ReleasedLeases counts the in-flight events handed back to the queue on the
// way out.
type EngineDeregisteredPayload struct {
	BasePayload
	EngineID       string `json:"engine_id"`
	ReleasedLeases int    `json:"released_leases"`
}
