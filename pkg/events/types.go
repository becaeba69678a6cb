// Package events delivers lifecycle notifications to WebSocket observers,
// using PostgreSQL NOTIFY/LISTEN to fan events out across coordinator
// processes.
//
// Publishing side: EventPublisher marshals a typed payload, inserts it into
// the stream_events buffer, and fires pg_notify on the target channel in the
// same transaction, so the NOTIFY is delivered only if the row committed.
// The buffer row id rides along in the payload as db_event_id.
//
// Receiving side: each process runs one NotifyListener holding a dedicated
// LISTEN connection. Received payloads go to the ConnectionManager, which
// forwards them to the local WebSocket subscribers of that channel. A
// reconnecting observer sends a catchup request with the last db_event_id it
// saw and receives the buffered rows it missed; a fresh subscription
// delivers the channel's whole buffer automatically.
//
// Channels and what flows on them:
//
//	scenario:<run-id>  per-run lifecycle, persisted to the buffer:
//	                   scenario.status_changed, event.enqueued,
//	                   event.status_changed, turn.advanced
//	scenarios          transient copies of scenario.status_changed for
//	                   observers watching every run
//	engines            transient engine presence: engine.registered,
//	                   engine.deregistered
//
// Transient events are NOTIFY only: delivered to live subscribers, absent
// from catchup. Everything an observer must not lose is persisted; presence
// and list-page updates are rebuildable from REST and stay transient.
package events

// Persistent event types (buffered in stream_events, then NOTIFY).
const (
	// Scenario run lifecycle: one event per status transition.
	EventTypeScenarioStatus = "scenario.status_changed"

	// Queue lifecycle: an event instance entering the queue, and its later
	// status transitions (completed, failed, retry).
	EventTypeEventEnqueued = "event.enqueued"
	EventTypeEventStatus   = "event.status_changed"

	// Turn pointer handed to the next actor in a turn-based scenario.
	EventTypeTurnAdvanced = "turn.advanced"
)

// Transient event types (NOTIFY only, no buffering).
const (
	EventTypeEngineRegistered   = "engine.registered"
	EventTypeEngineDeregistered = "engine.deregistered"
)

// GlobalScenariosChannel carries run-level status events for observers that
// track every scenario, such as a dashboard list page.
const GlobalScenariosChannel = "scenarios"

// EnginesChannel carries engine registry presence events.
const EnginesChannel = "engines"

// ScenarioChannel returns the channel name for one scenario run's events.
// Format: "scenario:{scenario_run_id}"
func ScenarioChannel(scenarioRunID string) string {
	return "scenario:" + scenarioRunID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // channel name (e.g. "scenario:abc-123")
	LastEventID *int64 `json:"last_event_id,omitempty"` // catchup resume position
}
