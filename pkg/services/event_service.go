package services

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/troupelab/troupe/pkg/database"
	"github.com/troupelab/troupe/pkg/models"
)

// EventService owns the leased event queue. Events are inserted as queued,
// claimed in batches with FOR UPDATE SKIP LOCKED, and finished through
// lease-conditional updates so only the lease holder can report an outcome.
type EventService struct {
	db                *database.Client
	bindings          map[string]models.EngineType
	defaultMaxRetries int
}

// NewEventService creates a new EventService. bindings maps event types to
// the engine type that processes them; it is consulted when an enqueue
// request names neither a target engine type nor a target agent.
// defaultMaxRetries is the retry budget stamped on events whose enqueue
// request carries none (normally config.QueueSettings.MaxRetries); zero or
// negative falls back to models.DefaultMaxRetries.
func NewEventService(db *database.Client, bindings map[string]models.EngineType, defaultMaxRetries int) *EventService {
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = models.DefaultMaxRetries
	}
	return &EventService{db: db, bindings: bindings, defaultMaxRetries: defaultMaxRetries}
}

const eventColumns = `event_id, scenario_run_id, event_type, source_agent_id, target_agent_id,
	target_engine_type, payload, priority, status, leased_by, lease_expires_at,
	retry_count, max_retries, last_error, next_retry_at, processed_by_engines,
	scheduled_at, created_at, completed_at, result`

// Enqueue validates the request, resolves the target engine type, and
// inserts a new queued event.
//
// Engine type resolution order: explicit target_engine_type, then the
// target agent's engine type, then the event-type binding table. A request
// that resolves through none of them is rejected.
func (s *EventService) Enqueue(httpCtx context.Context, req models.EnqueueEventRequest) (*models.EventInstance, error) {
	// Validate input
	if req.ScenarioRunID == "" {
		return nil, NewValidationError("scenario_run_id", "required")
	}
	if req.EventType == "" {
		return nil, NewValidationError("event_type", "required")
	}
	if req.MaxRetries < 0 {
		return nil, NewValidationError("max_retries", "must not be negative")
	}
	if req.TargetEngineType != "" && !req.TargetEngineType.Valid() {
		return nil, NewValidationError("target_engine_type", fmt.Sprintf("unknown engine type %q", req.TargetEngineType))
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	engineType := req.TargetEngineType
	if engineType == "" && req.TargetAgentID != "" {
		var err error
		engineType, err = s.agentEngineType(ctx, req.ScenarioRunID, req.TargetAgentID)
		if err != nil {
			return nil, err
		}
	}
	if engineType == "" {
		bound, ok := s.bindings[req.EventType]
		if !ok {
			return nil, NewValidationError("event_type",
				fmt.Sprintf("no engine type bound for event type %q", req.EventType))
		}
		engineType = bound
	}

	payloadJSON, err := marshalJSONB(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	// Zero means "no explicit budget": scenario templates without an
	// error_handling section leave it unset, and the system-wide default
	// takes over.
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.defaultMaxRetries
	}

	eventID := uuid.New().String()
	row := s.db.DB().QueryRowContext(ctx, `
		INSERT INTO event_instances (
			event_id, scenario_run_id, event_type, source_agent_id, target_agent_id,
			target_engine_type, payload, priority, status, max_retries, scheduled_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, 'queued', $9, COALESCE($10, now()))
		RETURNING `+eventColumns,
		eventID, req.ScenarioRunID, req.EventType, req.SourceAgentID, req.TargetAgentID,
		string(engineType), payloadJSON, req.Priority, maxRetries, req.ScheduledAt)

	event, err := scanEvent(row)
	if err != nil {
		if isPgErrCode(err, "23503") { // foreign_key_violation
			return nil, NewValidationError("scenario_run_id",
				fmt.Sprintf("unknown scenario run %q", req.ScenarioRunID))
		}
		return nil, fmt.Errorf("failed to enqueue event: %w", err)
	}
	return event, nil
}

// agentEngineType resolves the engine type serving an agent instance within
// the given scenario run.
func (s *EventService) agentEngineType(ctx context.Context, scenarioRunID, agentInstanceID string) (models.EngineType, error) {
	var engineType models.EngineType
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT engine_type FROM agent_instances WHERE agent_instance_id = $1 AND scenario_run_id = $2`,
		agentInstanceID, scenarioRunID).Scan(&engineType)
	if errors.Is(err, stdsql.ErrNoRows) {
		return "", NewValidationError("target_agent_id",
			fmt.Sprintf("unknown agent instance %q in scenario run %q", agentInstanceID, scenarioRunID))
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve target agent: %w", err)
	}
	return engineType, nil
}

// EffectiveEventTypes intersects an engine's declared supported event types
// with the event types requested in a lease. An empty declaration or an
// empty request means "no restriction" on that side. The second return is
// false when both sides are restricted and share no type, in which case no
// event can ever match and callers should skip the queue entirely.
func EffectiveEventTypes(declared, requested []string) ([]string, bool) {
	switch {
	case len(declared) == 0 && len(requested) == 0:
		return nil, true
	case len(declared) == 0:
		return requested, true
	case len(requested) == 0:
		return declared, true
	}

	declaredSet := make(map[string]struct{}, len(declared))
	for _, t := range declared {
		declaredSet[t] = struct{}{}
	}
	var out []string
	for _, t := range requested {
		if _, ok := declaredSet[t]; ok {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// Lease claims up to req.MaxEvents visible events for one engine and marks
// them processing with a fresh lease. Expired leases are swept back to
// queued in the same transaction, so a crashed engine's events become
// visible to the next caller without waiting for the janitor.
//
// Events are returned in delivery order: priority descending, then
// creation time ascending. Concurrent lease calls never claim the same
// event (FOR UPDATE SKIP LOCKED).
func (s *EventService) Lease(httpCtx context.Context, req models.LeaseRequest) ([]*models.EventInstance, error) {
	// Validate input
	if req.EngineID == "" {
		return nil, NewValidationError("engine_id", "required")
	}
	if !req.EngineType.Valid() {
		return nil, NewValidationError("engine_type", fmt.Sprintf("unknown engine type %q", req.EngineType))
	}
	if req.MaxEvents < 1 {
		return nil, NewValidationError("max_events", "must be at least 1")
	}
	if req.MaxEvents > models.MaxLeaseBatch {
		return nil, NewValidationError("max_events", fmt.Sprintf("must not exceed %d", models.MaxLeaseBatch))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	// Sweep expired leases first so their events are visible to this call.
	if _, err := tx.ExecContext(ctx, `
		UPDATE event_instances
		SET status = 'queued', leased_by = NULL, lease_expires_at = NULL
		WHERE status = 'processing' AND lease_expires_at <= now()`); err != nil {
		return nil, fmt.Errorf("failed to sweep expired leases: %w", err)
	}

	query := `
		SELECT event_id FROM event_instances
		WHERE target_engine_type = $1
		  AND ((status = 'queued' AND scheduled_at <= now())
		    OR (status = 'retry' AND next_retry_at <= now()))`
	args := []any{string(req.EngineType)}
	if req.PriorityFilter != nil {
		args = append(args, *req.PriorityFilter)
		query += fmt.Sprintf(" AND priority >= $%d", len(args))
	}
	if len(req.EventTypeFilter) > 0 {
		args = append(args, req.EventTypeFilter)
		query += fmt.Sprintf(" AND event_type = ANY($%d)", len(args))
	}
	args = append(args, req.MaxEvents)
	query += fmt.Sprintf(`
		ORDER BY priority DESC, created_at ASC
		LIMIT $%d
		FOR UPDATE SKIP LOCKED`, len(args))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select leasable events: %w", err)
	}
	var eventIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan event id: %w", err)
		}
		eventIDs = append(eventIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate leasable events: %w", err)
	}
	rows.Close()

	if len(eventIDs) == 0 {
		// Commit anyway so the sweep takes effect.
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return []*models.EventInstance{}, nil
	}

	// Claim the batch. processed_by_engines stays a set, so re-leasing
	// after lease expiry does not duplicate the engine id.
	if _, err := tx.ExecContext(ctx, `
		UPDATE event_instances
		SET status = 'processing',
		    leased_by = $1,
		    lease_expires_at = now() + ($2 * interval '1 second'),
		    processed_by_engines = CASE
		        WHEN processed_by_engines @> jsonb_build_array($1::text) THEN processed_by_engines
		        ELSE processed_by_engines || jsonb_build_array($1::text)
		    END
		WHERE event_id = ANY($3)`,
		req.EngineID, int(models.LeaseDuration.Seconds()), eventIDs); err != nil {
		return nil, fmt.Errorf("failed to claim events: %w", err)
	}

	events, err := s.selectEventsTx(ctx, tx, eventIDs)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return events, nil
}

func (s *EventService) selectEventsTx(ctx context.Context, tx *stdsql.Tx, eventIDs []string) ([]*models.EventInstance, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM event_instances
		WHERE event_id = ANY($1)
		ORDER BY priority DESC, created_at ASC`, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.EventInstance, 0, len(eventIDs))
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimed events: %w", err)
	}
	return events, nil
}

// Complete records a successful outcome for a leased event. Only the
// current lease holder can complete it. Completing an event the same engine
// already completed is a no-op that returns the stored event, so duplicate
// completion reports after a network retry are harmless.
func (s *EventService) Complete(httpCtx context.Context, eventID, engineID string, result map[string]any) (*models.EventInstance, error) {
	if eventID == "" {
		return nil, NewValidationError("event_id", "required")
	}
	if engineID == "" {
		return nil, NewValidationError("engine_id", "required")
	}

	resultJSON, err := marshalJSONB(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	row := s.db.DB().QueryRowContext(ctx, `
		UPDATE event_instances
		SET status = 'completed',
		    result = $3,
		    completed_at = now(),
		    leased_by = NULL,
		    lease_expires_at = NULL,
		    retry_count = 0,
		    next_retry_at = NULL,
		    last_error = NULL
		WHERE event_id = $1 AND leased_by = $2 AND status = 'processing' AND lease_expires_at > now()
		RETURNING `+eventColumns,
		eventID, engineID, resultJSON)

	event, err := scanEvent(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return s.classifyLeaseMiss(ctx, eventID, engineID, true)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete event: %w", err)
	}
	return event, nil
}

// Fail records a failed attempt for a leased event. If the retry budget is
// exhausted the event goes terminal failed; otherwise it is rescheduled
// with exponential backoff. Only the current lease holder can fail it.
func (s *EventService) Fail(httpCtx context.Context, eventID, engineID, errMsg string) (*models.EventInstance, error) {
	if eventID == "" {
		return nil, NewValidationError("event_id", "required")
	}
	if engineID == "" {
		return nil, NewValidationError("engine_id", "required")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var retryCount, maxRetries int
	err = tx.QueryRowContext(ctx, `
		SELECT retry_count, max_retries FROM event_instances
		WHERE event_id = $1 AND leased_by = $2 AND status = 'processing' AND lease_expires_at > now()
		FOR UPDATE`,
		eventID, engineID).Scan(&retryCount, &maxRetries)
	if errors.Is(err, stdsql.ErrNoRows) {
		_ = tx.Rollback()
		return s.classifyLeaseMiss(ctx, eventID, engineID, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock event for failure: %w", err)
	}

	var row *stdsql.Row
	if retryCount >= maxRetries {
		// Retry budget exhausted: terminal failure, count unchanged.
		row = tx.QueryRowContext(ctx, `
			UPDATE event_instances
			SET status = 'failed',
			    last_error = $2,
			    completed_at = now(),
			    leased_by = NULL,
			    lease_expires_at = NULL,
			    next_retry_at = NULL
			WHERE event_id = $1
			RETURNING `+eventColumns,
			eventID, errMsg)
	} else {
		delay := RetryDelay(retryCount)
		row = tx.QueryRowContext(ctx, `
			UPDATE event_instances
			SET status = 'retry',
			    retry_count = $2,
			    last_error = $3,
			    next_retry_at = now() + ($4 * interval '1 second'),
			    leased_by = NULL,
			    lease_expires_at = NULL
			WHERE event_id = $1
			RETURNING `+eventColumns,
			eventID, retryCount+1, errMsg, int(delay.Seconds()))
	}

	event, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("failed to record event failure: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return event, nil
}

// ExtendLease pushes out the lease expiry for an event the engine is still
// working on. extension <= 0 renews the full lease duration.
func (s *EventService) ExtendLease(httpCtx context.Context, eventID, engineID string, extension time.Duration) (*models.EventInstance, error) {
	if eventID == "" {
		return nil, NewValidationError("event_id", "required")
	}
	if engineID == "" {
		return nil, NewValidationError("engine_id", "required")
	}
	if extension <= 0 {
		extension = models.LeaseDuration
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	row := s.db.DB().QueryRowContext(ctx, `
		UPDATE event_instances
		SET lease_expires_at = now() + ($3 * interval '1 second')
		WHERE event_id = $1 AND leased_by = $2 AND status = 'processing' AND lease_expires_at > now()
		RETURNING `+eventColumns,
		eventID, engineID, int(extension.Seconds()))

	event, err := scanEvent(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return s.classifyLeaseMiss(ctx, eventID, engineID, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to extend lease: %w", err)
	}
	return event, nil
}

// classifyLeaseMiss turns a zero-row lease-conditional update into the
// right error. allowCompletedNoop additionally treats "this engine already
// completed it" as success for idempotent completion reports.
func (s *EventService) classifyLeaseMiss(ctx context.Context, eventID, engineID string, allowCompletedNoop bool) (*models.EventInstance, error) {
	event, err := s.getEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if allowCompletedNoop && event.Status == models.EventStatusCompleted {
		for _, id := range event.ProcessedBy {
			if id == engineID {
				return event, nil
			}
		}
	}
	return nil, ErrNotLeaseHolder
}

// Get returns one event by id.
func (s *EventService) Get(ctx context.Context, eventID string) (*models.EventInstance, error) {
	if eventID == "" {
		return nil, NewValidationError("event_id", "required")
	}
	return s.getEvent(ctx, eventID)
}

func (s *EventService) getEvent(ctx context.Context, eventID string) (*models.EventInstance, error) {
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM event_instances WHERE event_id = $1`, eventID)
	event, err := scanEvent(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

// ReleaseExpiredLeases sweeps processing events whose lease expired back to
// queued. Returns the number of events released.
func (s *EventService) ReleaseExpiredLeases(ctx context.Context) (int, error) {
	res, err := s.db.DB().ExecContext(ctx, `
		UPDATE event_instances
		SET status = 'queued', leased_by = NULL, lease_expires_at = NULL
		WHERE status = 'processing' AND lease_expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count released leases: %w", err)
	}
	return int(n), nil
}

// ReleaseEngineLeases returns every event leased by the given engine to the
// queue, regardless of lease expiry. Used when an engine deregisters or is
// declared unhealthy.
func (s *EventService) ReleaseEngineLeases(ctx context.Context, engineID string) (int, error) {
	if engineID == "" {
		return 0, NewValidationError("engine_id", "required")
	}
	res, err := s.db.DB().ExecContext(ctx, `
		UPDATE event_instances
		SET status = 'queued', leased_by = NULL, lease_expires_at = NULL
		WHERE leased_by = $1 AND status = 'processing'`, engineID)
	if err != nil {
		return 0, fmt.Errorf("failed to release engine leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count released leases: %w", err)
	}
	return int(n), nil
}

// CountsForScenario returns per-status event counts for one scenario run.
func (s *EventService) CountsForScenario(ctx context.Context, scenarioRunID string) (models.EventCounts, error) {
	if scenarioRunID == "" {
		return models.EventCounts{}, NewValidationError("scenario_run_id", "required")
	}
	return s.counts(ctx, `SELECT status, COUNT(*) FROM event_instances WHERE scenario_run_id = $1 GROUP BY status`, scenarioRunID)
}

// CountsByStatus returns per-status event counts across all scenario runs.
func (s *EventService) CountsByStatus(ctx context.Context) (models.EventCounts, error) {
	return s.counts(ctx, `SELECT status, COUNT(*) FROM event_instances GROUP BY status`)
}

func (s *EventService) counts(ctx context.Context, query string, args ...any) (models.EventCounts, error) {
	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return models.EventCounts{}, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	var counts models.EventCounts
	for rows.Next() {
		var status models.EventStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return models.EventCounts{}, fmt.Errorf("failed to scan event counts: %w", err)
		}
		switch status {
		case models.EventStatusQueued:
			counts.Queued = n
		case models.EventStatusProcessing:
			counts.Processing = n
		case models.EventStatusRetry:
			counts.Retry = n
		case models.EventStatusCompleted:
			counts.Completed = n
		case models.EventStatusFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return models.EventCounts{}, fmt.Errorf("failed to iterate event counts: %w", err)
	}
	return counts, nil
}

// StreamEventsSince returns stream buffer rows on one channel with id above
// sinceID, oldest first. limit caps the result when positive. Used by the
// WebSocket catch-up path.
func (s *EventService) StreamEventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]*models.StreamEvent, error) {
	if channel == "" {
		return nil, NewValidationError("channel", "required")
	}

	query := `SELECT id, channel, payload, created_at FROM stream_events
		WHERE channel = $1 AND id > $2
		ORDER BY id ASC`
	args := []any{channel, sinceID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stream events: %w", err)
	}
	defer rows.Close()

	var events []*models.StreamEvent
	for rows.Next() {
		var (
			ev         models.StreamEvent
			payloadRaw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Channel, &payloadRaw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stream event: %w", err)
		}
		if len(payloadRaw) > 0 {
			if err := json.Unmarshal(payloadRaw, &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal stream event payload: %w", err)
			}
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stream events: %w", err)
	}
	return events, nil
}

// PruneStreamEvents deletes stream buffer rows older than the given age.
// Returns the number of rows deleted.
func (s *EventService) PruneStreamEvents(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, NewValidationError("older_than", "must be positive")
	}
	res, err := s.db.DB().ExecContext(ctx, `
		DELETE FROM stream_events
		WHERE created_at < now() - ($1 * interval '1 second')`,
		int(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to prune stream events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned stream events: %w", err)
	}
	return int(n), nil
}

// PruneTerminal deletes completed and failed events older than the given
// age. Returns the number of events deleted.
func (s *EventService) PruneTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, NewValidationError("older_than", "must be positive")
	}
	res, err := s.db.DB().ExecContext(ctx, `
		DELETE FROM event_instances
		WHERE status IN ('completed', 'failed')
		  AND COALESCE(completed_at, created_at) < now() - ($1 * interval '1 second')`,
		int(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned events: %w", err)
	}
	return int(n), nil
}

// scanEvent reads one event_instances row in eventColumns order.
func scanEvent(row interface{ Scan(dest ...any) error }) (*models.EventInstance, error) {
	var (
		e            models.EventInstance
		sourceAgent  stdsql.NullString
		targetAgent  stdsql.NullString
		payloadRaw   []byte
		leasedBy     stdsql.NullString
		leaseExpires stdsql.NullTime
		lastError    stdsql.NullString
		nextRetryAt  stdsql.NullTime
		processedRaw []byte
		completedAt  stdsql.NullTime
		resultRaw    []byte
	)

	err := row.Scan(
		&e.EventID, &e.ScenarioRunID, &e.EventType, &sourceAgent, &targetAgent,
		&e.TargetEngineType, &payloadRaw, &e.Priority, &e.Status, &leasedBy, &leaseExpires,
		&e.RetryCount, &e.MaxRetries, &lastError, &nextRetryAt, &processedRaw,
		&e.ScheduledAt, &e.CreatedAt, &completedAt, &resultRaw,
	)
	if err != nil {
		return nil, err
	}

	e.SourceAgentID = nullStringPtr(sourceAgent)
	e.TargetAgentID = nullStringPtr(targetAgent)
	e.LeasedBy = nullStringPtr(leasedBy)
	e.LeaseExpiresAt = nullTimePtr(leaseExpires)
	e.LastError = nullStringPtr(lastError)
	e.NextRetryAt = nullTimePtr(nextRetryAt)
	e.CompletedAt = nullTimePtr(completedAt)

	if len(payloadRaw) > 0 {
		if err := json.Unmarshal(payloadRaw, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if len(processedRaw) > 0 {
		if err := json.Unmarshal(processedRaw, &e.ProcessedBy); err != nil {
			return nil, fmt.Errorf("failed to unmarshal processed_by_engines: %w", err)
		}
	}
	if len(resultRaw) > 0 {
		if err := json.Unmarshal(resultRaw, &e.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return &e, nil
}

// marshalJSONB serializes a map for a JSONB column, mapping nil to the
// empty object.
func marshalJSONB(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func nullStringPtr(ns stdsql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func nullTimePtr(nt stdsql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	return &nt.Time
}

// isPgErrCode reports whether err is a PostgreSQL error with the given
// SQLSTATE code.
func isPgErrCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
