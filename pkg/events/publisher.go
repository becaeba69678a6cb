package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// notifyPayloadLimit is the largest NOTIFY payload we send. PostgreSQL caps
// notification payloads at 8000 bytes; staying below leaves headroom for the
// db_event_id injected after the size is first known.
const notifyPayloadLimit = 7900

// EventPublisher pushes lifecycle events onto observer channels.
// Persistent events are written to the stream_events buffer and broadcast
// via NOTIFY in one transaction; transient events are NOTIFY only.
//
// Each public method takes a typed payload (see payloads.go) and stamps its
// BasePayload before marshaling, so a zero BasePayload at the call site is
// always correct.
type EventPublisher struct {
	db *sql.DB
}

// NewEventPublisher creates a publisher over the given connection pool,
// normally database.Client.DB().
func NewEventPublisher(db *sql.DB) *EventPublisher {
	return &EventPublisher{db: db}
}

// PublishScenarioStatus persists the run's status event to its scenario
// channel and broadcasts a transient copy on the global scenarios channel.
// Both publishes are attempted; the first error is returned.
func (p *EventPublisher) PublishScenarioStatus(ctx context.Context, scenarioRunID string, payload ScenarioStatusPayload) error {
	payload.BasePayload = stampBase(payload.BasePayload, EventTypeScenarioStatus, scenarioRunID)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal ScenarioStatusPayload: %w", err)
	}

	var firstErr error
	if err := p.persistAndNotify(ctx, ScenarioChannel(scenarioRunID), payloadJSON); err != nil {
		slog.Warn("Failed to publish scenario status to run channel",
			"scenario_run_id", scenarioRunID, "status", payload.Status, "error", err)
		firstErr = err
	}
	if err := p.notifyOnly(ctx, GlobalScenariosChannel, payloadJSON); err != nil {
		slog.Warn("Failed to publish scenario status to global channel",
			"scenario_run_id", scenarioRunID, "status", payload.Status, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishEventEnqueued persists an event.enqueued notification on the run's
// channel.
func (p *EventPublisher) PublishEventEnqueued(ctx context.Context, scenarioRunID string, payload EventEnqueuedPayload) error {
	payload.BasePayload = stampBase(payload.BasePayload, EventTypeEventEnqueued, scenarioRunID)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal EventEnqueuedPayload: %w", err)
	}
	return p.persistAndNotify(ctx, ScenarioChannel(scenarioRunID), payloadJSON)
}

// PublishEventStatus persists an event.status_changed notification on the
// run's channel.
func (p *EventPublisher) PublishEventStatus(ctx context.Context, scenarioRunID string, payload EventStatusPayload) error {
	payload.BasePayload = stampBase(payload.BasePayload, EventTypeEventStatus, scenarioRunID)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal EventStatusPayload: %w", err)
	}
	return p.persistAndNotify(ctx, ScenarioChannel(scenarioRunID), payloadJSON)
}

// PublishTurnAdvanced persists a turn.advanced notification on the run's
// channel.
func (p *EventPublisher) PublishTurnAdvanced(ctx context.Context, scenarioRunID string, payload TurnAdvancedPayload) error {
	payload.BasePayload = stampBase(payload.BasePayload, EventTypeTurnAdvanced, scenarioRunID)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal TurnAdvancedPayload: %w", err)
	}
	return p.persistAndNotify(ctx, ScenarioChannel(scenarioRunID), payloadJSON)
}

// PublishEngineRegistered broadcasts a transient engine.registered event on
// the engines channel.
func (p *EventPublisher) PublishEngineRegistered(ctx context.Context, payload EngineRegisteredPayload) error {
	payload.BasePayload = stampBase(payload.BasePayload, EventTypeEngineRegistered, "")
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal EngineRegisteredPayload: %w", err)
	}
	return p.notifyOnly(ctx, EnginesChannel, payloadJSON)
}

// PublishEngineDeregistered broadcasts a transient engine.deregistered event
// on the engines channel.
func (p *EventPublisher) PublishEngineDeregistered(ctx context.Context, payload EngineDeregisteredPayload) error {
	payload.BasePayload = stampBase(payload.BasePayload, EventTypeEngineDeregistered, "")
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal EngineDeregisteredPayload: %w", err)
	}
	return p.notifyOnly(ctx, EnginesChannel, payloadJSON)
}

// stampBase forces the routing fields every stream payload must carry: the
// event type always, the scenario run id when the event belongs to one, and
// a timestamp unless the caller set its own.
func stampBase(base BasePayload, eventType, scenarioRunID string) BasePayload {
	base.Type = eventType
	if scenarioRunID != "" {
		base.ScenarioRunID = scenarioRunID
	}
	if base.Timestamp == "" {
		base.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return base
}

// persistAndNotify writes a pre-marshaled payload to the stream_events
// buffer and broadcasts it via NOTIFY in a single transaction. pg_notify is
// transactional, so the notification fires only on COMMIT and never for a
// row that was rolled back.
func (p *EventPublisher) persistAndNotify(ctx context.Context, channel string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stream event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var dbEventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO stream_events (channel, payload) VALUES ($1, $2) RETURNING id`,
		channel, payloadJSON,
	).Scan(&dbEventID)
	if err != nil {
		return fmt.Errorf("persist stream event: %w", err)
	}

	notifyPayload, err := injectDBEventIDAndTruncate(payloadJSON, dbEventID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stream event: %w", err)
	}
	return nil
}

// notifyOnly broadcasts a pre-marshaled payload via NOTIFY without touching
// the buffer. Transient events are lost on disconnect.
func (p *EventPublisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// injectDBEventIDAndTruncate adds db_event_id to the payload so observers
// can track their catchup position, then applies the size cap.
func injectDBEventIDAndTruncate(payloadJSON []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal enriched NOTIFY payload: %w", err)
	}
	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded returns the payload unchanged when it fits under the
// NOTIFY size cap, otherwise a minimal envelope with only routing fields.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= notifyPayloadLimit {
		return payloadStr, nil
	}
	return buildTruncatedPayload([]byte(payloadStr))
}

// buildTruncatedPayload extracts the routing fields from an oversized
// payload into a flagged envelope. The observer sees truncated:true and
// refetches the full event from the REST API or via catchup.
func buildTruncatedPayload(payloadBytes []byte) (string, error) {
	var routing struct {
		Type          string `json:"type"`
		ScenarioRunID string `json:"scenario_run_id"`
		EventID       string `json:"event_id"`
		DBEventID     *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal(payloadBytes, &routing); err != nil {
		return "", fmt.Errorf("extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":            routing.Type,
		"scenario_run_id": routing.ScenarioRunID,
		"event_id":        routing.EventID,
		"truncated":       true,
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}

	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
