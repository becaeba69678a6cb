package models

import "time"

// EventStatus is the lifecycle state of an event instance.
type EventStatus string

const (
	EventStatusQueued     EventStatus = "queued"
	EventStatusProcessing EventStatus = "processing"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusFailed     EventStatus = "failed"
	EventStatusRetry      EventStatus = "retry"
)

// Terminal reports whether the status permits no further transitions.
func (s EventStatus) Terminal() bool {
	return s == EventStatusCompleted || s == EventStatusFailed
}

// LeaseDuration is how long one engine owns an event before the lease is
// considered expired and the event becomes visible again.
const LeaseDuration = 5 * time.Minute

// DefaultMaxRetries is the system-wide retry budget for event processing,
// overridable per scenario via error_handling.max_retries.
const DefaultMaxRetries = 3

// Well-known event types produced by the engines. The overall event-type
// vocabulary is open; these are the output types the manager subscribes to.
const (
	EventTypeActorSpeechGenerated        = "actor_speech_generated"
	EventTypeSceneDescriptionGenerated   = "scene_description_generated"
	EventTypeAnalysisCheckpointGenerated = "analysis_checkpoint_generated"
)

// Trigger names recognized by scenario initialization flow rules.
const (
	EventTypeScenarioStart      = "scenario_start"
	RuleNameScenarioInitializer = "scenario_initialization"
)

// Enriched payload keys attached by the router to delivered events.
const (
	PayloadKeyOriginalEventType = "original_event_type"
	PayloadKeySourceRole        = "source_role"
	PayloadKeyScenarioRunID     = "scenario_run_id"
)

// PayloadKeyContent carries the generated text in engine output payloads and
// in events routed onward from them.
const PayloadKeyContent = "content"

// Result envelope keys written by engine workers on completion. A result
// carrying an output event type is re-published onto the manager's bus.
const (
	ResultKeyOutputEventType  = "output_event_type"
	ResultKeyContent          = "content"
	ResultKeyData             = "data"
	ResultKeyModel            = "model"
	ResultKeyProcessingTimeMS = "processing_time_ms"
)

// EventInstance is the durable record of one unit of work between engines.
// The event store owns every persisted field; engines mutate status, lease,
// result and error only through the leased-update operations.
type EventInstance struct {
	EventID          string         `json:"event_id"`
	ScenarioRunID    string         `json:"scenario_run_id"`
	EventType        string         `json:"event_type"`
	SourceAgentID    *string        `json:"source_agent_id,omitempty"`
	TargetAgentID    *string        `json:"target_agent_id,omitempty"`
	TargetEngineType EngineType     `json:"target_engine_type"`
	Payload          map[string]any `json:"payload"`
	Priority         int            `json:"priority"`
	Status           EventStatus    `json:"status"`
	LeasedBy         *string        `json:"leased_by,omitempty"`
	LeaseExpiresAt   *time.Time     `json:"lease_expires_at,omitempty"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	LastError        *string        `json:"last_error,omitempty"`
	NextRetryAt      *time.Time     `json:"next_retry_at,omitempty"`
	ProcessedBy      []string       `json:"processed_by_engines"`
	ScheduledAt      time.Time      `json:"scheduled_at"`
	CreatedAt        time.Time      `json:"created_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
}

// EnqueueEventRequest contains fields for inserting a new queued event.
type EnqueueEventRequest struct {
	ScenarioRunID    string         `json:"scenario_run_id"`
	EventType        string         `json:"event_type"`
	SourceAgentID    string         `json:"source_agent_id,omitempty"`
	TargetAgentID    string         `json:"target_agent_id,omitempty"`
	TargetEngineType EngineType     `json:"target_engine_type,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	Priority         int            `json:"priority,omitempty"`
	ScheduledAt      *time.Time     `json:"scheduled_at,omitempty"`
	MaxRetries       int            `json:"max_retries,omitempty"`
}

// LeaseRequest asks the queue for a batch of events on behalf of one engine.
type LeaseRequest struct {
	EngineType      EngineType `json:"engine_type"`
	EngineID        string     `json:"engine_id"`
	MaxEvents       int        `json:"max_events"`
	PriorityFilter  *int       `json:"priority_filter,omitempty"`
	EventTypeFilter []string   `json:"event_type_filter,omitempty"`
}

// MaxLeaseBatch caps how many events a single lease request may claim.
const MaxLeaseBatch = 100

// EventCounts summarizes queue depth per status.
type EventCounts struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Retry      int `json:"retry"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total returns the number of events across all statuses.
func (c EventCounts) Total() int {
	return c.Queued + c.Processing + c.Retry + c.Completed + c.Failed
}

// Pending returns the number of events still eligible for processing.
func (c EventCounts) Pending() int {
	return c.Queued + c.Processing + c.Retry
}

// StreamEvent is one row of the observer stream buffer: a lifecycle
// notification persisted so WebSocket clients can catch up after a
// disconnect. The id orders events within a channel.
type StreamEvent struct {
	ID        int64          `json:"id"`
	Channel   string         `json:"channel"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}
